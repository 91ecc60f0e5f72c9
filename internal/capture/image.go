package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	"golang.org/x/image/draw"
)

// Frame is one grabbed window or screen before thumbnailing. A nil Image
// yields an empty thumbnail.
type Frame struct {
	ID    string
	Name  string
	Kind  Kind
	Image image.Image
}

// Grabber captures the current contents of every window and screen.
type Grabber interface {
	Grab(ctx context.Context) ([]Frame, error)
}

// GrabberFunc adapts a function to Grabber.
type GrabberFunc func(ctx context.Context) ([]Frame, error)

func (f GrabberFunc) Grab(ctx context.Context) ([]Frame, error) { return f(ctx) }

// ImageBackend turns grabbed frames into sources with JPEG thumbnails.
// Host runtimes use it to answer sources_list.
type ImageBackend struct {
	grabber Grabber
	quality int
}

// NewImageBackend clamps quality to 1-100.
func NewImageBackend(grabber Grabber, quality int) *ImageBackend {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	return &ImageBackend{grabber: grabber, quality: quality}
}

func (b *ImageBackend) Sources(ctx context.Context, kinds []Kind, size Size) ([]Source, error) {
	frames, err := b.grabber.Grab(ctx)
	if err != nil {
		return nil, err
	}

	want := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}

	sources := make([]Source, 0, len(frames))
	for _, f := range frames {
		if !want[f.Kind] {
			continue
		}
		src := Source{ID: f.ID, Name: f.Name}
		if f.Image != nil {
			thumb, err := b.encode(Fit(f.Image, size))
			if err != nil {
				return nil, fmt.Errorf("capture: thumbnail %s: %w", f.ID, err)
			}
			src.Thumbnail = thumb
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func (b *ImageBackend) encode(img image.Image) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: b.quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Fit scales img down to fit inside size, preserving its aspect ratio.
// Images already inside the box are returned unchanged.
func Fit(img image.Image, size Size) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= size.Width && h <= size.Height {
		return img
	}

	scale := min(float64(size.Width)/float64(w), float64(size.Height)/float64(h))
	newWidth := max(int(math.Round(float64(w)*scale)), 1)
	newHeight := max(int(math.Round(float64(h)*scale)), 1)

	dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
	return dst
}
