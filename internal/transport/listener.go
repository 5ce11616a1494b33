package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// ErrAcceptTimeout is returned when no island connected within the wait.
var ErrAcceptTimeout = errors.New("transport: accept timed out")

// Listener accepts island connections on a filesystem socket.
type Listener struct {
	ln   *net.UnixListener
	path string
}

// Listen binds a unixpacket socket at path. A stale socket file left by a
// previous run is removed first.
func Listen(path string) (*Listener, error) {
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("failed to remove stale socket %s: %w", path, err)
		}
	}

	ln, err := net.ListenUnix(Network, &net.UnixAddr{Name: path, Net: Network})
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	ln.SetUnlinkOnClose(true)

	log.Info("Listening for islands", "socket", path)
	return &Listener{ln: ln, path: path}, nil
}

// Path returns the socket path islands dial.
func (l *Listener) Path() string {
	return l.path
}

// Accept waits up to timeout for the next connection.
func (l *Listener) Accept(timeout time.Duration) (*net.UnixConn, error) {
	if err := l.ln.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	conn, err := l.ln.AcceptUnix()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, ErrAcceptTimeout
		}
		return nil, err
	}
	return conn, nil
}

// Close stops listening and unlinks the socket file.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Dial connects to the coordinator socket, retrying every interval until it
// becomes available or ctx is done. The first failure is logged once.
func Dial(ctx context.Context, path string, interval time.Duration) (*net.UnixConn, error) {
	addr := &net.UnixAddr{Name: path, Net: Network}
	warned := false

	for {
		conn, err := net.DialUnix(Network, nil, addr)
		if err == nil {
			return conn, nil
		}
		if !warned {
			log.Warn("Unable to connect to coordinator socket, waiting until it becomes available",
				"socket", path,
				"error", err)
			warned = true
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", path, ctx.Err())
		case <-time.After(interval):
		}
	}
}
