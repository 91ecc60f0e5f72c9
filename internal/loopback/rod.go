package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// RodConfig configures the shared browser behind RodOpener.
type RodConfig struct {
	// ControlURL attaches to a running browser; empty launches one.
	ControlURL string
	Bin        string
	Headless   bool
	Width      int
	Height     int
}

// RodOpener opens each NavigationContext in its own incognito browser
// context of one shared browser, started on first use.
type RodOpener struct {
	cfg RodConfig

	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
	stop     context.CancelFunc // ends the browser's connection context
}

func NewRodOpener(cfg RodConfig) *RodOpener {
	if cfg.Width <= 0 {
		cfg.Width = 800
	}
	if cfg.Height <= 0 {
		cfg.Height = 1500
	}
	return &RodOpener{cfg: cfg}
}

// connect launches or attaches to the shared browser. The browser is shared
// by every request, so it runs under its own context; ctx only bounds the
// launch and connect and cancels them if it ends first.
func (o *RodOpener) connect(ctx context.Context) (*rod.Browser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.browser != nil {
		return o.browser, nil
	}

	life, stop := context.WithCancel(context.Background())
	release := context.AfterFunc(ctx, stop)
	fail := func(err error) (*rod.Browser, error) {
		release()
		stop()
		o.killLauncher()
		return nil, err
	}

	controlURL := o.cfg.ControlURL
	if controlURL == "" {
		l := launcher.New().Context(life).Headless(o.cfg.Headless)
		if o.cfg.Bin != "" {
			l = l.Bin(o.cfg.Bin)
		}
		o.launcher = l
		u, err := l.Launch()
		if err != nil {
			return fail(fmt.Errorf("launch browser: %w", err))
		}
		controlURL = u
	}

	browser := rod.New().Context(life).ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return fail(fmt.Errorf("connect to browser: %w", err))
	}
	if !release() {
		// ctx ended while connecting
		browser.Close()
		return fail(fmt.Errorf("connect to browser: %w", ctx.Err()))
	}

	log.Info("auxiliary browser connected", "controlUrl", controlURL)
	o.browser = browser
	o.stop = stop
	return browser, nil
}

// Open creates an isolated page sized to the configured viewport.
func (o *RodOpener) Open(ctx context.Context) (NavigationContext, error) {
	browser, err := o.connect(ctx)
	if err != nil {
		return nil, err
	}

	// pages are created under ctx but disposed without it, so Close works
	// after the request has ended
	incognito, err := browser.Context(ctx).Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	incognito = incognito.Context(context.Background())

	page, err := incognito.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		incognito.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             o.cfg.Width,
		Height:            o.cfg.Height,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		log.Warn("failed to set viewport", "error", err)
	}

	eventsCtx, cancel := context.WithCancel(context.Background())
	return &rodContext{incognito: incognito, page: page.Context(context.Background()), ctx: eventsCtx, cancel: cancel}, nil
}

// Close shuts the shared browser down.
func (o *RodOpener) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	if o.browser != nil {
		err = o.browser.Close()
		o.browser = nil
	}
	if o.stop != nil {
		o.stop()
		o.stop = nil
	}
	o.killLauncher()
	return err
}

func (o *RodOpener) killLauncher() {
	if o.launcher != nil {
		o.launcher.Kill()
		o.launcher.Cleanup()
		o.launcher = nil
	}
}

type rodContext struct {
	incognito *rod.Browser
	page      *rod.Page
	ctx       context.Context // bounds event subscriptions
	cancel    context.CancelFunc
}

func (c *rodContext) Navigate(ctx context.Context, url string) error {
	return c.page.Context(ctx).Navigate(url)
}

func (c *rodContext) OnNavigated(fn func(Frame)) {
	wait := c.page.Context(c.ctx).EachEvent(func(ev *proto.PageFrameNavigated) {
		fn(Frame{
			ID:   string(ev.Frame.ID),
			URL:  ev.Frame.URL,
			Main: ev.Frame.ParentID == "",
		})
	})
	go wait()
}

func (c *rodContext) Target() string {
	return string(c.page.TargetID)
}

// Close disposes the page and its incognito browser context.
func (c *rodContext) Close() error {
	c.cancel()
	return errors.Join(c.page.Close(), c.incognito.Close())
}
