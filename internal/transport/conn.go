// ============================================================================
// Pyramid Transport - Worker Handle over SOCK_SEQPACKET
// ============================================================================
//
// Package: internal/transport
// File: conn.go
// Purpose: Non-blocking, timeout-bounded send/receive over one island's
//          local socket. Each Write is read back as exactly one record, so
//          no framing is needed on top of the fixed-size protocol records.
//
// Readiness model:
//   Every TrySend/TryReceive arms a short deadline (PollTimeout, ~1ms).
//   - deadline hit        -> (0, nil), "not ready", retried next tick
//   - EOF / EPIPE / reset -> handle marked closed, error returned
//   Callers re-check IsClosed after every call and retire the island.
//
// ============================================================================

package transport

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"
)

var log = slog.Default()

// Network is the Go name for AF_UNIX + SOCK_SEQPACKET.
const Network = "unixpacket"

// DefaultPollTimeout bounds every non-blocking attempt.
const DefaultPollTimeout = time.Millisecond

var (
	// ErrClosed is returned by any operation on a handle that already hung up.
	ErrClosed = errors.New("transport: connection closed")
	// ErrHandshakeTimeout means the peer never delivered a full identifier.
	ErrHandshakeTimeout = errors.New("transport: handshake timed out")
)

// Conn is a Worker Handle over a unixpacket connection.
type Conn struct {
	conn        *net.UnixConn
	pollTimeout time.Duration
	closed      atomic.Bool
}

// NewConn wraps an established connection. pollTimeout <= 0 selects
// DefaultPollTimeout.
func NewConn(c *net.UnixConn, pollTimeout time.Duration) *Conn {
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	return &Conn{conn: c, pollTimeout: pollTimeout}
}

// TrySend attempts to write p as one record. It returns 0 with a nil error
// when the socket is not writable within the poll timeout.
func (c *Conn) TrySend(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.pollTimeout)); err != nil {
		c.markClosed()
		return 0, err
	}
	n, err := c.conn.Write(p)
	if err != nil {
		if isNotReady(err) {
			return 0, nil
		}
		c.markClosed()
		return 0, err
	}
	return n, nil
}

// TryReceive attempts to read one record into p. It returns 0 with a nil
// error when nothing arrived within the poll timeout.
func (c *Conn) TryReceive(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.pollTimeout)); err != nil {
		c.markClosed()
		return 0, err
	}
	n, err := c.conn.Read(p)
	if err != nil {
		if isNotReady(err) {
			return 0, nil
		}
		c.markClosed()
		if errors.Is(err, io.EOF) {
			return 0, ErrClosed
		}
		return 0, err
	}
	return n, nil
}

// IsClosed reports whether a hang-up or transport error has been observed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Close releases the socket. Safe to call more than once.
func (c *Conn) Close() error {
	// The flag may already be set by a failed read/write while the fd is
	// still open, so always close the socket itself.
	c.closed.Store(true)
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// ReadHandshake blocks until a full identifier of size bytes has arrived,
// accumulating partial reads, or until timeout expires.
func (c *Conn) ReadHandshake(size int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	defer c.conn.SetReadDeadline(time.Time{})

	got := make([]byte, 0, size)
	chunk := make([]byte, size)
	for len(got) < size {
		n, err := c.conn.Read(chunk[:size-len(got)])
		if n > 0 {
			got = append(got, chunk[:n]...)
		}
		if err != nil {
			if isNotReady(err) {
				return nil, ErrHandshakeTimeout
			}
			c.markClosed()
			return nil, err
		}
	}
	return got, nil
}

// WriteHandshake writes the identifier, blocking up to timeout.
func (c *Conn) WriteHandshake(id []byte, timeout time.Duration) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	defer c.conn.SetWriteDeadline(time.Time{})
	_, err := c.conn.Write(id)
	return err
}

// PeerPID returns the pid the kernel recorded for the other end.
func (c *Conn) PeerPID() (int, error) {
	return peerPID(c.conn)
}

func (c *Conn) markClosed() {
	if !c.closed.Swap(true) {
		log.Debug("Transport hang-up observed", "remote", c.conn.RemoteAddr())
	}
}

func isNotReady(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}
