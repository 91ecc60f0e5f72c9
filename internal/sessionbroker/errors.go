package sessionbroker

import "errors"

var (
	ErrCommandTimeout   = errors.New("sessionbroker: command timed out")
	ErrSessionClosed    = errors.New("sessionbroker: session closed")
	ErrBrokerClosed     = errors.New("sessionbroker: broker is closed")
	ErrMaxConnections   = errors.New("sessionbroker: max connections per identity exceeded")
	ErrRateLimited      = errors.New("sessionbroker: connection rate limited")
	ErrAuthFailed       = errors.New("sessionbroker: authentication failed")
	ErrProtocolMismatch = errors.New("sessionbroker: protocol version mismatch")
)
