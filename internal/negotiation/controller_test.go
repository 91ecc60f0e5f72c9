package negotiation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/breeze-rmm/screenshare/internal/capture"
	"github.com/breeze-rmm/screenshare/internal/loopback"
	"github.com/breeze-rmm/screenshare/internal/picker"
	"github.com/breeze-rmm/screenshare/internal/platform"
)

var (
	interactiveWindows = platform.Decide(platform.Host{OS: "windows"})
	interactiveLinux   = platform.Decide(platform.Host{OS: "linux", SessionType: "x11"})
	compositor         = platform.Decide(platform.Host{OS: "linux", SessionType: "wayland"})
)

// recorder counts resolver calls.
type recorder struct {
	mu     sync.Mutex
	grants []Stream
	denies []error
}

func (r *recorder) Grant(s Stream) {
	r.mu.Lock()
	r.grants = append(r.grants, s)
	r.mu.Unlock()
}

func (r *recorder) Deny(err error) {
	r.mu.Lock()
	r.denies = append(r.denies, err)
	r.mu.Unlock()
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.grants) + len(r.denies)
}

type catalogFunc func(ctx context.Context, kinds []capture.Kind, size capture.Size) ([]capture.Source, error)

func (f catalogFunc) Enumerate(ctx context.Context, kinds []capture.Kind, size capture.Size) ([]capture.Source, error) {
	return f(ctx, kinds, size)
}

func sourcesCatalog(sources ...capture.Source) Catalog {
	return capture.NewCatalog(capture.BackendFunc(func(context.Context, []capture.Kind, capture.Size) ([]capture.Source, error) {
		return sources, nil
	}))
}

// scriptedPicker returns a fixed answer and records how it was called.
type scriptedPicker struct {
	pick  picker.Pick
	err   error
	calls atomic.Int32

	mu           sync.Mutex
	previews     []capture.Preview
	singleChoice bool
}

func (p *scriptedPicker) Present(ctx context.Context, previews []capture.Preview, singleChoice bool) (picker.Pick, error) {
	p.calls.Add(1)
	p.mu.Lock()
	p.previews = previews
	p.singleChoice = singleChoice
	p.mu.Unlock()
	return p.pick, p.err
}

// fakeNav emits the scripted frames concurrently once navigated.
type fakeNav struct {
	frames  []loopback.Frame
	handler func(loopback.Frame)
	closed  atomic.Int32
}

func (f *fakeNav) Navigate(ctx context.Context, url string) error {
	for _, fr := range f.frames {
		go f.handler(fr)
	}
	return nil
}

func (f *fakeNav) OnNavigated(fn func(loopback.Frame)) { f.handler = fn }

func (f *fakeNav) Target() string { return "T1" }

func (f *fakeNav) Close() error {
	f.closed.Add(1)
	return nil
}

type fakeOpener struct {
	nav    *fakeNav
	err    error
	opened atomic.Int32
}

func (o *fakeOpener) Open(ctx context.Context) (loopback.NavigationContext, error) {
	o.opened.Add(1)
	if o.err != nil {
		return nil, o.err
	}
	return o.nav, nil
}

var sourcesAB = []capture.Source{{ID: "A", Name: "Screen A"}, {ID: "B", Name: "Window B"}}

func TestWindowsAudioScenario(t *testing.T) {
	nav := &fakeNav{frames: []loopback.Frame{
		{ID: "H", URL: loopback.DefaultURL, Main: true},
		{ID: "H2", URL: loopback.DefaultURL},
		{ID: "H3", URL: loopback.DefaultURL},
	}}
	c := New(Options{Decision: interactiveWindows, Binder: loopback.NewBinder(&fakeOpener{nav: nav}, "")})
	rec := &recorder{}
	p := &scriptedPicker{pick: picker.Pick{ID: "A", Audio: true}}

	out := c.Run(context.Background(), Request{ID: "r1"}, sourcesCatalog(sourcesAB...), p, rec)

	if out.State != Granted {
		t.Fatalf("state = %s, err = %v", out.State, out.Err)
	}
	if out.Stream.Video.ID != "A" {
		t.Errorf("video = %s, want A", out.Stream.Video.ID)
	}
	if out.Stream.Audio == nil || out.Stream.Audio.Loopback == nil {
		t.Fatal("expected loopback audio")
	}
	if h := out.Stream.Audio.Loopback; h.TargetID != "T1" || h.URL != loopback.DefaultURL {
		t.Errorf("unexpected handle %+v", h)
	}

	// late events are still arriving; give them a moment to hit the latch
	time.Sleep(20 * time.Millisecond)
	if rec.calls() != 1 || len(rec.grants) != 1 {
		t.Errorf("resolver called %d times, want exactly one grant", rec.calls())
	}
	if rec.grants[0].Audio.Loopback.FrameID != out.Stream.Audio.Loopback.FrameID {
		t.Error("outcome does not match the delivered grant")
	}
	if nav.closed.Load() != 1 {
		t.Errorf("auxiliary context closed %d times, want 1", nav.closed.Load())
	}
	if p.singleChoice || len(p.previews) != 2 {
		t.Errorf("picker got %d previews, singleChoice=%v", len(p.previews), p.singleChoice)
	}
}

func TestFastPathWithoutConfirm(t *testing.T) {
	c := New(Options{Decision: compositor})
	rec := &recorder{}
	p := &scriptedPicker{err: errors.New("must not be called")}

	out := c.Run(context.Background(), Request{ID: "r1"}, sourcesCatalog(capture.Source{ID: "S1", Name: "Portal"}), p, rec)

	if out.State != Granted || out.Stream.Video.ID != "S1" {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Stream.Audio != nil {
		t.Error("fast path must not grant audio")
	}
	if p.calls.Load() != 0 {
		t.Errorf("picker called %d times", p.calls.Load())
	}
	if rec.calls() != 1 {
		t.Errorf("resolver called %d times", rec.calls())
	}
}

func TestFastPathConfirm(t *testing.T) {
	opener := &fakeOpener{nav: &fakeNav{}}
	c := New(Options{
		Decision:        compositor,
		FastPathConfirm: true,
		Binder:          loopback.NewBinder(opener, ""),
	})
	rec := &recorder{}
	// whatever the picker answers, the fast path grants the first source
	p := &scriptedPicker{pick: picker.Pick{ID: "elsewhere", Audio: true}}

	out := c.Run(context.Background(), Request{ID: "r1"}, sourcesCatalog(capture.Source{ID: "S1"}, capture.Source{ID: "S2"}), p, rec)

	if out.State != Granted || out.Stream.Video.ID != "S1" || out.Stream.Audio != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if p.calls.Load() != 1 || !p.singleChoice || len(p.previews) != 1 || p.previews[0].ID != "S1" {
		t.Errorf("picker calls=%d singleChoice=%v previews=%+v", p.calls.Load(), p.singleChoice, p.previews)
	}
	if opener.opened.Load() != 0 {
		t.Error("fast path must not bind audio")
	}
}

func TestFastPathPickerFailureDenies(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"cancelled", picker.ErrCancelled, ErrPickerCancelled},
		{"transport", &picker.TransportError{Err: errors.New("pipe closed")}, ErrPickerTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Options{Decision: compositor, FastPathConfirm: true})
			rec := &recorder{}
			out := c.Run(context.Background(), Request{}, sourcesCatalog(capture.Source{ID: "S1"}), &scriptedPicker{err: tt.err}, rec)
			if out.State != Denied || !errors.Is(out.Err, tt.want) {
				t.Fatalf("outcome = %s / %v", out.State, out.Err)
			}
			if len(rec.denies) != 1 || len(rec.grants) != 0 {
				t.Errorf("grants=%d denies=%d", len(rec.grants), len(rec.denies))
			}
		})
	}
}

func TestPickerCancelledDenies(t *testing.T) {
	opener := &fakeOpener{nav: &fakeNav{}}
	c := New(Options{Decision: interactiveWindows, Binder: loopback.NewBinder(opener, "")})
	rec := &recorder{}

	out := c.Run(context.Background(), Request{}, sourcesCatalog(sourcesAB...), &scriptedPicker{err: picker.ErrCancelled}, rec)

	if out.State != Denied || !errors.Is(out.Err, ErrPickerCancelled) || !errors.Is(out.Err, picker.ErrCancelled) {
		t.Fatalf("outcome = %s / %v", out.State, out.Err)
	}
	if opener.opened.Load() != 0 {
		t.Error("no audio binding may start after cancellation")
	}
	if rec.calls() != 1 {
		t.Errorf("resolver called %d times", rec.calls())
	}
}

func TestPickerTransportErrorDenies(t *testing.T) {
	c := New(Options{Decision: interactiveLinux})
	rec := &recorder{}
	out := c.Run(context.Background(), Request{}, sourcesCatalog(sourcesAB...), &scriptedPicker{err: &picker.TransportError{Err: errors.New("timeout")}}, rec)

	if out.State != Denied || !errors.Is(out.Err, ErrPickerTransport) {
		t.Fatalf("outcome = %s / %v", out.State, out.Err)
	}
	var te *picker.TransportError
	if !errors.As(out.Err, &te) {
		t.Error("denial should keep the transport error")
	}
}

func TestStalePickDenies(t *testing.T) {
	c := New(Options{Decision: interactiveWindows})
	rec := &recorder{}
	out := c.Run(context.Background(), Request{}, sourcesCatalog(sourcesAB...), &scriptedPicker{pick: picker.Pick{ID: "C", Audio: true}}, rec)

	if out.State != Denied || !errors.Is(out.Err, ErrStalePick) {
		t.Fatalf("outcome = %s / %v", out.State, out.Err)
	}
	if len(rec.grants) != 0 {
		t.Error("stale pick must never grant")
	}
}

func TestEmptyEnumerationDenies(t *testing.T) {
	for _, d := range []platform.Decision{interactiveWindows, compositor} {
		t.Run(d.Branch.String(), func(t *testing.T) {
			p := &scriptedPicker{}
			rec := &recorder{}
			out := New(Options{Decision: d, FastPathConfirm: true}).Run(context.Background(), Request{}, sourcesCatalog(), p, rec)
			if out.State != Denied || !errors.Is(out.Err, ErrNoSources) {
				t.Fatalf("outcome = %s / %v", out.State, out.Err)
			}
			if p.calls.Load() != 0 {
				t.Error("picker must not be called without sources")
			}
			if rec.calls() != 1 {
				t.Errorf("resolver called %d times", rec.calls())
			}
		})
	}
}

func TestEnumerationErrorDenies(t *testing.T) {
	backend := capture.BackendFunc(func(context.Context, []capture.Kind, capture.Size) ([]capture.Source, error) {
		return nil, errors.New("compositor unavailable")
	})
	rec := &recorder{}
	out := New(Options{Decision: interactiveLinux}).Run(context.Background(), Request{}, capture.NewCatalog(backend), &scriptedPicker{}, rec)

	if out.State != Denied || !errors.Is(out.Err, ErrEnumeration) {
		t.Fatalf("outcome = %s / %v", out.State, out.Err)
	}
	var enumErr *capture.EnumerationError
	if !errors.As(out.Err, &enumErr) {
		t.Error("denial should keep the enumeration error")
	}
}

func TestEnumerateUsesDecision(t *testing.T) {
	var gotSize capture.Size
	var gotKinds []capture.Kind
	cat := catalogFunc(func(ctx context.Context, kinds []capture.Kind, size capture.Size) ([]capture.Source, error) {
		gotSize, gotKinds = size, kinds
		return nil, nil
	})

	New(Options{Decision: interactiveLinux}).Run(context.Background(), Request{}, cat, &scriptedPicker{}, &recorder{})
	if gotSize != (capture.Size{Width: 176, Height: 99}) {
		t.Errorf("size = %+v", gotSize)
	}
	if len(gotKinds) != 2 || gotKinds[0] != capture.KindWindow || gotKinds[1] != capture.KindScreen {
		t.Errorf("kinds = %v", gotKinds)
	}

	New(Options{Decision: compositor}).Run(context.Background(), Request{}, cat, &scriptedPicker{}, &recorder{})
	if gotSize != (capture.Size{Width: 1920, Height: 1080}) {
		t.Errorf("compositor size = %+v", gotSize)
	}
}

func TestAudioWithoutLoopbackSupportGrantsVideo(t *testing.T) {
	opener := &fakeOpener{nav: &fakeNav{}}
	c := New(Options{Decision: interactiveLinux, Binder: loopback.NewBinder(opener, "")})
	rec := &recorder{}

	out := c.Run(context.Background(), Request{}, sourcesCatalog(sourcesAB...), &scriptedPicker{pick: picker.Pick{ID: "B", Audio: true}}, rec)

	if out.State != Granted || out.Stream.Video.ID != "B" || out.Stream.Audio != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if opener.opened.Load() != 0 {
		t.Error("audio must not be bound without loopback support")
	}
}

func TestVideoOnlyPickSkipsBinding(t *testing.T) {
	opener := &fakeOpener{nav: &fakeNav{}}
	c := New(Options{Decision: interactiveWindows, Binder: loopback.NewBinder(opener, "")})

	out := c.Run(context.Background(), Request{}, sourcesCatalog(sourcesAB...), &scriptedPicker{pick: picker.Pick{ID: "B"}}, &recorder{})

	if out.State != Granted || out.Stream.Audio != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if opener.opened.Load() != 0 {
		t.Error("no audio requested, no binding expected")
	}
}

func TestSystemLoopbackMode(t *testing.T) {
	opener := &fakeOpener{nav: &fakeNav{}}
	c := New(Options{Decision: interactiveWindows, LoopbackMode: LoopbackSystem, Binder: loopback.NewBinder(opener, "")})

	out := c.Run(context.Background(), Request{}, sourcesCatalog(sourcesAB...), &scriptedPicker{pick: picker.Pick{ID: "A", Audio: true}}, &recorder{})

	if out.State != Granted || out.Stream.Audio == nil || !out.Stream.Audio.System || out.Stream.Audio.Loopback != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if opener.opened.Load() != 0 {
		t.Error("system loopback must not open an auxiliary context")
	}
}

func TestBindTimeoutDeniesAndDisposes(t *testing.T) {
	nav := &fakeNav{} // never navigates
	c := New(Options{Decision: interactiveWindows, Binder: loopback.NewBinder(&fakeOpener{nav: nav}, ""), BindTimeout: 50 * time.Millisecond})
	rec := &recorder{}

	out := c.Run(context.Background(), Request{}, sourcesCatalog(sourcesAB...), &scriptedPicker{pick: picker.Pick{ID: "A", Audio: true}}, rec)

	if out.State != Denied || !errors.Is(out.Err, ErrLoopbackTimeout) {
		t.Fatalf("outcome = %s / %v", out.State, out.Err)
	}
	if nav.closed.Load() != 1 {
		t.Errorf("auxiliary context closed %d times, want 1", nav.closed.Load())
	}

	// a navigation after the timeout must not produce a second resolution
	nav.handler(loopback.Frame{ID: "late", URL: loopback.DefaultURL})
	if rec.calls() != 1 || len(rec.denies) != 1 {
		t.Errorf("grants=%d denies=%d", len(rec.grants), len(rec.denies))
	}
}

func TestUnboundedBindEndsWithContext(t *testing.T) {
	nav := &fakeNav{}
	c := New(Options{Decision: interactiveWindows, Binder: loopback.NewBinder(&fakeOpener{nav: nav}, "")})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	out := c.Run(ctx, Request{}, sourcesCatalog(sourcesAB...), &scriptedPicker{pick: picker.Pick{ID: "A", Audio: true}}, &recorder{})

	if out.State != Denied || !errors.Is(out.Err, ErrAborted) || !errors.Is(out.Err, context.Canceled) {
		t.Fatalf("outcome = %s / %v", out.State, out.Err)
	}
	if nav.closed.Load() != 1 {
		t.Error("auxiliary context must be disposed on abort")
	}
}

func TestBindFailureDenies(t *testing.T) {
	opener := &fakeOpener{err: errors.New("browser missing")}
	c := New(Options{Decision: interactiveWindows, Binder: loopback.NewBinder(opener, "")})

	out := c.Run(context.Background(), Request{}, sourcesCatalog(sourcesAB...), &scriptedPicker{pick: picker.Pick{ID: "A", Audio: true}}, &recorder{})

	if out.State != Denied || !errors.Is(out.Err, ErrLoopbackBind) {
		t.Fatalf("outcome = %s / %v", out.State, out.Err)
	}
}

func TestMissingBinderDenies(t *testing.T) {
	c := New(Options{Decision: interactiveWindows})
	out := c.Run(context.Background(), Request{}, sourcesCatalog(sourcesAB...), &scriptedPicker{pick: picker.Pick{ID: "A", Audio: true}}, &recorder{})
	if out.State != Denied || !errors.Is(out.Err, ErrLoopbackBind) {
		t.Fatalf("outcome = %s / %v", out.State, out.Err)
	}
}

func TestConcurrentNegotiationsAreIsolated(t *testing.T) {
	c := New(Options{Decision: interactiveLinux})

	const n = 20
	var wg sync.WaitGroup
	recs := make([]*recorder, n)
	for i := 0; i < n; i++ {
		recs[i] = &recorder{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pick := picker.Pick{ID: "A"}
			if i%2 == 1 {
				pick.ID = "B"
			}
			c.Run(context.Background(), Request{}, sourcesCatalog(sourcesAB...), &scriptedPicker{pick: pick}, recs[i])
		}(i)
	}
	wg.Wait()

	for i, rec := range recs {
		want := "A"
		if i%2 == 1 {
			want = "B"
		}
		if len(rec.grants) != 1 || rec.grants[0].Video.ID != want {
			t.Errorf("negotiation %d: grants=%+v", i, rec.grants)
		}
	}
}

func TestResolutionLatch(t *testing.T) {
	rec := &recorder{}
	n := &negotiation{resolver: rec, log: log, done: make(chan struct{})}

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o := Outcome{State: Granted}
			if i%2 == 0 {
				o = Outcome{State: Denied, Err: ErrAborted}
			}
			if n.resolve(o) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 || rec.calls() != 1 {
		t.Errorf("wins=%d resolver calls=%d", wins.Load(), rec.calls())
	}
}

func TestReason(t *testing.T) {
	tests := map[error]string{
		nil:                          "none",
		ErrNoSources:                 "no_sources",
		ErrLoopbackTimeout:           "loopback_timeout",
		context.Canceled:             "aborted",
		errors.New("something else"): "other",
	}
	for err, want := range tests {
		if got := Reason(err); got != want {
			t.Errorf("Reason(%v) = %q, want %q", err, got, want)
		}
	}
}

func TestStateString(t *testing.T) {
	if Granted.String() != "granted" || PickerPending.String() != "picker_pending" {
		t.Error("unexpected state names")
	}
	if !Denied.Resolved() || AudioBinding.Resolved() {
		t.Error("Resolved mismatch")
	}
}

// blockingOpener never opens a context; Open returns when ctx ends.
type blockingOpener struct{}

func (blockingOpener) Open(ctx context.Context) (loopback.NavigationContext, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestBindTimeoutCoversOpen(t *testing.T) {
	c := New(Options{Decision: interactiveWindows, Binder: loopback.NewBinder(blockingOpener{}, ""), BindTimeout: 100 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	out := c.Run(ctx, Request{}, sourcesCatalog(sourcesAB...), &scriptedPicker{pick: picker.Pick{ID: "A", Audio: true}}, &recorder{})

	if out.State != Denied || !errors.Is(out.Err, ErrLoopbackTimeout) {
		t.Fatalf("outcome = %s / %v", out.State, out.Err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("denied after %v, want about the bind timeout", elapsed)
	}
}

func TestBlockedOpenAbortsWithContext(t *testing.T) {
	c := New(Options{Decision: interactiveWindows, Binder: loopback.NewBinder(blockingOpener{}, "")})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	out := c.Run(ctx, Request{}, sourcesCatalog(sourcesAB...), &scriptedPicker{pick: picker.Pick{ID: "A", Audio: true}}, &recorder{})
	if out.State != Denied || !errors.Is(out.Err, ErrAborted) {
		t.Fatalf("outcome = %s / %v", out.State, out.Err)
	}
}

func TestRequestDecisionOverridesOptions(t *testing.T) {
	var gotSize capture.Size
	cat := catalogFunc(func(ctx context.Context, kinds []capture.Kind, size capture.Size) ([]capture.Source, error) {
		gotSize = size
		return []capture.Source{{ID: "S1"}, {ID: "S2"}}, nil
	})
	p := &scriptedPicker{pick: picker.Pick{ID: "S1"}}

	out := New(Options{Decision: interactiveLinux, FastPathConfirm: true}).Run(context.Background(), Request{Decision: &compositor}, cat, p, &recorder{})

	if out.State != Granted || out.Stream.Video.ID != "S1" {
		t.Fatalf("outcome = %+v", out)
	}
	if gotSize != (capture.Size{Width: 1920, Height: 1080}) {
		t.Errorf("size = %+v, want the request's compositor size", gotSize)
	}
	if len(p.previews) != 1 || !p.singleChoice {
		t.Errorf("picker saw %v single=%v, want one single-choice preview", p.previews, p.singleChoice)
	}
}
