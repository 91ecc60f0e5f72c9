//go:build !linux

package ipc

import (
	"net"
	"runtime"
	"strconv"
)

// PeerCredentials holds the verified identity of an IPC peer.
type PeerCredentials struct {
	PID int
	UID uint32
	GID uint32
}

// GetPeerCredentials is not implemented here; access is restricted by the
// socket mode on unix and the pipe security descriptor on Windows.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	return nil, ErrPeerCredentialsUnsupported
}

// IdentityKey is the UID as a string.
func (p *PeerCredentials) IdentityKey() string {
	return strconv.FormatUint(uint64(p.UID), 10)
}

// DefaultSocketPath returns the default IPC endpoint for this platform.
func DefaultSocketPath() string {
	switch runtime.GOOS {
	case "windows":
		return `\\.\pipe\screenshare-broker`
	case "darwin":
		return "/Library/Application Support/Screenshare/broker.sock"
	default:
		return "/var/run/screenshare/broker.sock"
	}
}
