package negotiation

import (
	"context"
	"errors"
)

// Every failed negotiation is denied with an error matching one of these.
var (
	ErrEnumeration     = errors.New("negotiation: source enumeration failed")
	ErrNoSources       = errors.New("negotiation: no capture sources")
	ErrPickerCancelled = errors.New("negotiation: picker cancelled")
	ErrPickerTransport = errors.New("negotiation: picker failed")
	ErrStalePick       = errors.New("negotiation: pick does not match any enumerated source")
	ErrLoopbackBind    = errors.New("negotiation: loopback audio bind failed")
	ErrLoopbackTimeout = errors.New("negotiation: loopback audio bind timed out")
	ErrAborted         = errors.New("negotiation: aborted")
)

// Reason is a short, stable label for err, used in metrics and responses.
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrEnumeration):
		return "enumeration"
	case errors.Is(err, ErrNoSources):
		return "no_sources"
	case errors.Is(err, ErrPickerCancelled):
		return "picker_cancelled"
	case errors.Is(err, ErrPickerTransport):
		return "picker_transport"
	case errors.Is(err, ErrStalePick):
		return "stale_pick"
	case errors.Is(err, ErrLoopbackBind):
		return "loopback_bind"
	case errors.Is(err, ErrLoopbackTimeout):
		return "loopback_timeout"
	case errors.Is(err, ErrAborted), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "aborted"
	default:
		return "other"
	}
}
