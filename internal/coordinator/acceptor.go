package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/pyramid-gp/internal/protocol"
	"github.com/ChuLiYu/pyramid-gp/internal/transport"
	"github.com/ChuLiYu/pyramid-gp/pkg/types"
)

// ErrEmptyFleet means no island could be spawned or attached.
var ErrEmptyFleet = errors.New("coordinator: no island attached")

// FleetError is returned before the main loop when the fleet could not be
// brought up at all.
type FleetError struct {
	Stage     string // "spawn" or "accept"
	Requested int
	Spawned   int
	Attached  int
	Err       error // last underlying error, if any
}

func (e *FleetError) Error() string {
	msg := fmt.Sprintf("fleet %s failed: requested %d, spawned %d, attached %d",
		e.Stage, e.Requested, e.Spawned, e.Attached)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FleetError) Unwrap() error { return ErrEmptyFleet }

// AcceptConfig bounds the startup handshake phase.
type AcceptConfig struct {
	HandshakeTimeout time.Duration // per connection
	ConnectTimeout   time.Duration // whole acceptance phase
	PollTimeout      time.Duration // handed to every transport.Conn
}

func (c *AcceptConfig) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
}

// acceptSlice is how long one Accept call may block before pending exits
// are reaped again.
const acceptSlice = 50 * time.Millisecond

// SpawnIslands starts n islands and registers them as pending workers.
// Individual spawn failures are logged; only a complete failure is returned.
func (c *Coordinator) SpawnIslands(n int) error {
	var lastErr error
	spawned := 0
	for i := 0; i < n; i++ {
		p, err := c.procs.Spawn(i)
		if err != nil {
			log.Error("Failed to spawn island", "index", i, "error", err)
			lastErr = err
			continue
		}
		c.fleet.Add(p.PID)
		spawned++
		c.emit(types.Event{Type: types.EventSpawn, PID: p.PID})
	}
	if spawned == 0 {
		return &FleetError{Stage: "spawn", Requested: n, Err: lastErr}
	}
	if spawned < n {
		log.Error("Fleet under-provisioned at spawn", "requested", n, "spawned", spawned)
	}
	return nil
}

// AcceptIslands binds incoming connections to pending workers by their
// handshake pid. It returns once every pending worker is attached or gone,
// or when the connect timeout expires; workers that never attached are
// terminated and removed. requested is the fleet size asked for.
func (c *Coordinator) AcceptIslands(ctx context.Context, ln *transport.Listener, requested int, cfg AcceptConfig) error {
	cfg.applyDefaults()
	spawned := c.fleet.Len()
	deadline := time.Now().Add(cfg.ConnectTimeout)

	for len(c.fleet.Unattached()) > 0 {
		if ctx.Err() != nil {
			break
		}
		c.reap()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			log.Error("Timed out waiting for islands to connect",
				"pending", len(c.fleet.Unattached()),
				"timeout", cfg.ConnectTimeout)
			break
		}
		if len(c.fleet.Unattached()) == 0 {
			break
		}

		conn, err := ln.Accept(min(acceptSlice, remaining))
		if err != nil {
			if errors.Is(err, transport.ErrAcceptTimeout) {
				continue
			}
			return fmt.Errorf("accept island connection: %w", err)
		}
		c.attach(transport.NewConn(conn, cfg.PollTimeout), cfg.HandshakeTimeout)
	}

	for _, w := range c.fleet.Unattached() {
		c.retire(w, "never attached", true)
	}

	attached := c.fleet.ActiveCount()
	if attached == 0 {
		return &FleetError{Stage: "accept", Requested: requested, Spawned: spawned, Err: ctx.Err()}
	}
	if attached < requested {
		log.Error("Fleet under-provisioned, continuing with fewer islands",
			"requested", requested,
			"attached", attached)
	} else {
		log.Info("All islands attached", "islands", attached)
	}
	return nil
}

func (c *Coordinator) attach(conn *transport.Conn, timeout time.Duration) {
	raw, err := conn.ReadHandshake(protocol.HandshakeSize, timeout)
	if err != nil {
		log.Warn("Handshake failed, dropping connection", "error", err)
		conn.Close()
		return
	}
	pid, err := protocol.DecodeHandshake(raw)
	if err != nil {
		log.Warn("Malformed handshake, dropping connection", "error", err)
		conn.Close()
		return
	}

	if peer, err := conn.PeerPID(); err == nil && peer != pid {
		log.Warn("Handshake pid differs from peer credentials",
			"reported", pid,
			"peer", peer)
	}

	w, ok := c.fleet.Get(pid)
	if !ok || w.Attached() {
		log.Warn("Handshake identifier matches no pending island", "pid", pid)
		conn.Close()
		return
	}

	w.Handle = conn
	log.Info("Island attached", "pid", pid)
	c.emit(types.Event{Type: types.EventAttach, PID: pid})
}
