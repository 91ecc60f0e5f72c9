// Package loopback binds system audio to a capture stream through an
// auxiliary browser context whose first frame navigation carries the audio.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/breeze-rmm/screenshare/internal/logging"
)

var log = logging.L("loopback")

// DefaultURL is the page the auxiliary context loads.
const DefaultURL = "https://endendragon.github.io/loopback/"

var navigationEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "screenshare_loopback_events_total",
	Help: "Navigation events seen by loopback bindings.",
}, []string{"accepted"})

// Frame is one navigated frame in the auxiliary context.
type Frame struct {
	ID   string
	URL  string
	Main bool
}

// Handle identifies the audio-bearing frame handed to the stream.
type Handle struct {
	FrameID  string `json:"frameId"`
	TargetID string `json:"targetId"`
	URL      string `json:"url"`
}

// NavigationContext is an isolated, invisible browsing context.
type NavigationContext interface {
	Navigate(ctx context.Context, url string) error
	// OnNavigated registers fn for every frame navigation. It must be
	// called before Navigate so the first event is not missed.
	OnNavigated(fn func(Frame))
	// Target names the context's page.
	Target() string
	Close() error
}

// Opener creates navigation contexts.
type Opener interface {
	Open(ctx context.Context) (NavigationContext, error)
}

// Binder opens one auxiliary context per Bind.
type Binder struct {
	opener Opener
	url    string
}

// NewBinder uses DefaultURL when url is empty.
func NewBinder(opener Opener, url string) *Binder {
	if url == "" {
		url = DefaultURL
	}
	return &Binder{opener: opener, url: url}
}

// URL is the page bindings navigate to.
func (b *Binder) URL() string { return b.url }

// Bind opens an auxiliary context and navigates it. onReady runs at most
// once, for the first navigation that names a frame. The caller owns the
// returned Binding and must Close it.
func (b *Binder) Bind(ctx context.Context, onReady func(Handle)) (*Binding, error) {
	nav, err := b.opener.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("loopback: open auxiliary context: %w", err)
	}

	binding := &Binding{nav: nav, onReady: onReady}
	nav.OnNavigated(binding.navigated)

	if err := nav.Navigate(ctx, b.url); err != nil {
		binding.Close()
		return nil, fmt.Errorf("loopback: navigate %s: %w", b.url, err)
	}
	return binding, nil
}

// Binding is one live auxiliary context.
type Binding struct {
	nav     NavigationContext
	onReady func(Handle)

	fired     atomic.Bool
	events    atomic.Int64
	closeOnce sync.Once
	closeErr  error
}

func (b *Binding) navigated(f Frame) {
	b.events.Add(1)
	if f.ID == "" {
		navigationEvents.WithLabelValues("false").Inc()
		log.Debug("navigation without frame", "url", f.URL)
		return
	}
	if !b.fired.CompareAndSwap(false, true) {
		navigationEvents.WithLabelValues("false").Inc()
		log.Debug("ignoring later navigation", "frameId", f.ID, "url", f.URL)
		return
	}
	navigationEvents.WithLabelValues("true").Inc()
	b.onReady(Handle{FrameID: f.ID, TargetID: b.nav.Target(), URL: f.URL})
}

// Fired reports whether onReady has run.
func (b *Binding) Fired() bool { return b.fired.Load() }

// Events is the number of navigation events observed.
func (b *Binding) Events() int64 { return b.events.Load() }

// Close disposes the auxiliary context. Safe to call more than once.
func (b *Binding) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.nav.Close()
		if b.closeErr != nil && !errors.Is(b.closeErr, context.Canceled) {
			log.Warn("auxiliary context close failed", "error", b.closeErr)
		}
	})
	return b.closeErr
}
