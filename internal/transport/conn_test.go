package transport

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// socketPath returns a short path; sun_path is limited to ~108 bytes and
// t.TempDir() paths can exceed it.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "pgt")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

// connectedPair returns the coordinator side and island side of one connection.
func connectedPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()

	ln, err := Listen(socketPath(t))
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	dialed := make(chan *Conn, 1)
	go func() {
		c, err := Dial(ctx, ln.Path(), time.Millisecond)
		if err != nil {
			dialed <- nil
			return
		}
		dialed <- NewConn(c, 0)
	}()

	accepted, err := ln.Accept(2 * time.Second)
	require.NoError(t, err)
	island := <-dialed
	require.NotNil(t, island)

	server := NewConn(accepted, 0)
	t.Cleanup(func() {
		server.Close()
		island.Close()
	})
	return server, island
}

func TestTryReceiveNotReady(t *testing.T) {
	server, _ := connectedPair(t)

	buf := make([]byte, 16)
	n, err := server.TryReceive(buf)
	assert.NoError(t, err, "an idle socket is not an error")
	assert.Equal(t, 0, n)
	assert.False(t, server.IsClosed())
}

func TestRecordBoundariesPreserved(t *testing.T) {
	server, island := connectedPair(t)

	first := []byte("0123456789abcdef")
	second := []byte("fedcba9876543210")

	n, err := island.TrySend(first)
	require.NoError(t, err)
	require.Equal(t, len(first), n)
	n, err = island.TrySend(second)
	require.NoError(t, err)
	require.Equal(t, len(second), n)

	buf := make([]byte, 16)
	assert.Eventually(t, func() bool {
		n, _ := server.TryReceive(buf)
		return n == 16
	}, time.Second, time.Millisecond)
	assert.Equal(t, first, buf)

	assert.Eventually(t, func() bool {
		n, _ := server.TryReceive(buf)
		return n == 16
	}, time.Second, time.Millisecond)
	assert.Equal(t, second, buf)
}

func TestHangUpMarksClosed(t *testing.T) {
	server, island := connectedPair(t)
	require.NoError(t, island.Close())

	buf := make([]byte, 16)
	assert.Eventually(t, func() bool {
		server.TryReceive(buf)
		return server.IsClosed()
	}, time.Second, time.Millisecond)

	n, err := server.TrySend(buf)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, ErrClosed, "a closed handle must not be retried")
}

func TestReadHandshake(t *testing.T) {
	server, island := connectedPair(t)

	require.NoError(t, island.WriteHandshake([]byte{0, 0, 16, 146}, time.Second))
	got, err := server.ReadHandshake(4, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 16, 146}, got)
}

func TestReadHandshakeAccumulatesPartialRecords(t *testing.T) {
	server, island := connectedPair(t)

	require.NoError(t, island.WriteHandshake([]byte{0, 0}, time.Second))
	require.NoError(t, island.WriteHandshake([]byte{1, 2}, time.Second))

	got, err := server.ReadHandshake(4, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 1, 2}, got)
}

func TestReadHandshakeTimeout(t *testing.T) {
	server, _ := connectedPair(t)

	_, err := server.ReadHandshake(4, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
}

func TestPeerPID(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("SO_PEERCRED is linux only")
	}
	server, _ := connectedPair(t)

	pid, err := server.PeerPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcceptTimeout(t *testing.T) {
	ln, err := Listen(socketPath(t))
	require.NoError(t, err)
	defer ln.Close()

	_, err = ln.Accept(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrAcceptTimeout)
}

func TestDialGivesUpWithContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Dial(ctx, socketPath(t), time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
