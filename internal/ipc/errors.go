package ipc

import "errors"

// ErrPeerCredentialsUnsupported means the transport cannot report who is
// on the other end.
var ErrPeerCredentialsUnsupported = errors.New("ipc: peer credentials not supported on this connection")
