//go:build !linux

package transport

import (
	"errors"
	"net"
)

var errPeerCredUnsupported = errors.New("transport: peer credentials not supported on this platform")

func peerPID(_ *net.UnixConn) (int, error) {
	return 0, errPeerCredUnsupported
}
