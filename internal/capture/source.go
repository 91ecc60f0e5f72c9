// Package capture enumerates capturable windows and screens and renders
// their thumbnails as data URLs for the picker.
package capture

import (
	"context"
	"fmt"

	"github.com/breeze-rmm/screenshare/internal/ipc"
)

// Kind is a category of capture source.
type Kind string

const (
	KindWindow Kind = "window"
	KindScreen Kind = "screen"
)

// DefaultKinds is what every negotiation enumerates.
var DefaultKinds = []Kind{KindWindow, KindScreen}

// ParseKind validates a kind received over the wire.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindWindow, KindScreen:
		return k, nil
	default:
		return "", fmt.Errorf("capture: unknown source kind %q", s)
	}
}

// Size is a thumbnail bounding box in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// LargeThumbnail is the size used for on-demand previews.
var LargeThumbnail = Size{Width: 1920, Height: 1080}

// Source is one capturable window or screen. ID is opaque and stable for
// the lifetime of the source.
type Source struct {
	ID        string
	Name      string
	Thumbnail []byte // encoded image, possibly empty
}

// Preview is the picker's view of a Source.
type Preview struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Backend produces sources from whatever actually has display access.
type Backend interface {
	Sources(ctx context.Context, kinds []Kind, size Size) ([]Source, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, kinds []Kind, size Size) ([]Source, error)

func (f BackendFunc) Sources(ctx context.Context, kinds []Kind, size Size) ([]Source, error) {
	return f(ctx, kinds, size)
}

// Commander sends a request to a connected host runtime and waits for the
// matching reply.
type Commander interface {
	SendCommand(ctx context.Context, id, cmdType string, payload any) (*ipc.Envelope, error)
}

// Previews derives picker previews, preserving order.
func Previews(sources []Source) []Preview {
	out := make([]Preview, len(sources))
	for i, s := range sources {
		out[i] = Preview{ID: s.ID, Name: s.Name, URL: DataURL(s.Thumbnail)}
	}
	return out
}
