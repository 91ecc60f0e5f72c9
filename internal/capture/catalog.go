package capture

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidSize rejects non-positive thumbnail dimensions.
	ErrInvalidSize = errors.New("capture: thumbnail size must be positive")
	// ErrSourceNotFound means no current source has the requested id.
	ErrSourceNotFound = errors.New("capture: source not found")
)

// EnumerationError wraps a backend failure.
type EnumerationError struct {
	Err error
}

func (e *EnumerationError) Error() string {
	return "capture: enumerate sources: " + e.Err.Error()
}

func (e *EnumerationError) Unwrap() error { return e.Err }

// Catalog lists sources through a Backend. It holds no state between
// calls, so it is safe for concurrent use if the Backend is.
type Catalog struct {
	backend Backend
}

func NewCatalog(backend Backend) *Catalog {
	return &Catalog{backend: backend}
}

// Enumerate returns the current sources of the given kinds in backend order,
// with thumbnails fitting size. Empty kinds means DefaultKinds.
func (c *Catalog) Enumerate(ctx context.Context, kinds []Kind, size Size) ([]Source, error) {
	if size.Width <= 0 || size.Height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, size.Width, size.Height)
	}
	if len(kinds) == 0 {
		kinds = DefaultKinds
	}

	sources, err := c.backend.Sources(ctx, kinds, size)
	if err != nil {
		return nil, &EnumerationError{Err: err}
	}
	return sources, nil
}

// Thumbnail re-enumerates at LargeThumbnail and returns the data URL of the
// source with the given id.
func (c *Catalog) Thumbnail(ctx context.Context, id string) (string, error) {
	sources, err := c.Enumerate(ctx, DefaultKinds, LargeThumbnail)
	if err != nil {
		return "", err
	}
	for _, s := range sources {
		if s.ID == id {
			return DataURL(s.Thumbnail), nil
		}
	}
	return "", ErrSourceNotFound
}
