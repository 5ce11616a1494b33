package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/pyramid-gp/internal/fleet"
	"github.com/ChuLiYu/pyramid-gp/internal/protocol"
	"github.com/ChuLiYu/pyramid-gp/internal/transport"
	"github.com/ChuLiYu/pyramid-gp/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) *transport.Listener {
	t.Helper()
	dir, err := os.MkdirTemp("", "pga")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	ln, err := transport.Listen(filepath.Join(dir, "c.sock"))
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

// connectAs dials the listener and sends pid as the handshake.
func connectAs(t *testing.T, path string, pid int) {
	t.Helper()
	done := make(chan *transport.Conn, 1)
	t.Cleanup(func() {
		if conn := <-done; conn != nil {
			conn.Close()
		}
	})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c, err := transport.Dial(ctx, path, time.Millisecond)
		if err != nil {
			done <- nil
			return
		}
		conn := transport.NewConn(c, 0)
		conn.WriteHandshake(protocol.EncodeHandshake(pid), time.Second)
		done <- conn
	}()
}

func spawnedCoordinator(t *testing.T, n int) (*Coordinator, *fakeProcs, *eventLog) {
	t.Helper()
	procs := newFakeProcs()
	events := &eventLog{}
	c := New(Config{}, fleet.New(), procs, WithObserver(events))
	require.NoError(t, c.SpawnIslands(n))
	return c, procs, events
}

func TestAcceptBindsByHandshakePID(t *testing.T) {
	ln := listen(t)
	c, _, events := spawnedCoordinator(t, 2)

	connectAs(t, ln.Path(), 101)
	connectAs(t, ln.Path(), 100)

	err := c.AcceptIslands(context.Background(), ln, 2, AcceptConfig{ConnectTimeout: 2 * time.Second})
	require.NoError(t, err)

	assert.Equal(t, 2, c.Fleet().ActiveCount())
	assert.Empty(t, c.Fleet().Unattached())
	assert.Len(t, events.ofType(types.EventAttach), 2)
}

func TestAcceptIgnoresUnknownPID(t *testing.T) {
	ln := listen(t)
	c, procs, _ := spawnedCoordinator(t, 2)

	connectAs(t, ln.Path(), 4242)
	connectAs(t, ln.Path(), 100)

	err := c.AcceptIslands(context.Background(), ln, 2, AcceptConfig{ConnectTimeout: 300 * time.Millisecond})
	require.NoError(t, err, "one island is enough to continue")

	assert.Equal(t, 1, c.Fleet().ActiveCount())
	_, ok := c.Fleet().Get(4242)
	assert.False(t, ok)
	_, ok = c.Fleet().Get(101)
	assert.False(t, ok, "never attached")
	assert.Equal(t, []int{101}, procs.terminated)
}

func TestAcceptStopsWaitingForExitedProcess(t *testing.T) {
	ln := listen(t)
	c, procs, events := spawnedCoordinator(t, 2)

	procs.exit(101, 1)
	connectAs(t, ln.Path(), 100)

	start := time.Now()
	err := c.AcceptIslands(context.Background(), ln, 2, AcceptConfig{ConnectTimeout: 10 * time.Second})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, 1, c.Fleet().ActiveCount())
	assert.Empty(t, procs.terminated)
	retired := events.ofType(types.EventRetire)
	require.Len(t, retired, 1)
	assert.Equal(t, "failed", retired[0].Reason)
}

func TestAcceptNobodyConnects(t *testing.T) {
	ln := listen(t)
	c, procs, _ := spawnedCoordinator(t, 3)

	err := c.AcceptIslands(context.Background(), ln, 3, AcceptConfig{ConnectTimeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyFleet)

	var fe *FleetError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "accept", fe.Stage)
	assert.Equal(t, 3, fe.Spawned)
	assert.Equal(t, 0, c.Fleet().Len())
	assert.ElementsMatch(t, []int{100, 101, 102}, procs.terminated)
}

func TestAcceptHandshakeTimeout(t *testing.T) {
	ln := listen(t)
	c, _, _ := spawnedCoordinator(t, 1)

	// connects but never identifies itself
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	silent, err := transport.Dial(ctx, ln.Path(), time.Millisecond)
	require.NoError(t, err)
	defer silent.Close()
	connectAs(t, ln.Path(), 100)

	err = c.AcceptIslands(context.Background(), ln, 1, AcceptConfig{
		HandshakeTimeout: 50 * time.Millisecond,
		ConnectTimeout:   2 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, c.Fleet().ActiveCount())
}

func TestSpawnIslands(t *testing.T) {
	procs := newFakeProcs()
	procs.failIndex[1] = true
	c := New(Config{}, nil, procs)

	require.NoError(t, c.SpawnIslands(3))
	assert.Equal(t, 2, c.Fleet().Len())
	_, ok := c.Fleet().Get(101)
	assert.False(t, ok)

	procs.failIndex = map[int]bool{0: true}
	err := New(Config{}, nil, procs).SpawnIslands(1)
	assert.ErrorIs(t, err, ErrEmptyFleet)
}
