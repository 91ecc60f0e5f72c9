// Package negotiation turns one capture request into exactly one grant or
// denial: enumerate sources, let the user (or the compositor) choose, and
// optionally bind loopback audio.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/screenshare/internal/capture"
	"github.com/breeze-rmm/screenshare/internal/logging"
	"github.com/breeze-rmm/screenshare/internal/loopback"
	"github.com/breeze-rmm/screenshare/internal/picker"
	"github.com/breeze-rmm/screenshare/internal/platform"
)

var log = logging.L("negotiation")

// Request is an inbound capture request.
type Request struct {
	ID     string
	Origin string
	// Decision overrides Options.Decision for this request, typically with
	// the policy for the requesting host's display session.
	Decision *platform.Decision
}

// Audio is the audio half of a granted stream. Exactly one of Loopback and
// System is set.
type Audio struct {
	Loopback *loopback.Handle
	System   bool // system-wide loopback, no auxiliary context
}

// Stream is what a grant hands back to the requester.
type Stream struct {
	Video capture.Source
	Audio *Audio
}

// Resolver receives the single resolution of a request.
type Resolver interface {
	Grant(Stream)
	Deny(error)
}

// ResolverFuncs adapts a pair of functions to Resolver. Nil funcs are skipped.
type ResolverFuncs struct {
	OnGrant func(Stream)
	OnDeny  func(error)
}

func (r ResolverFuncs) Grant(s Stream) {
	if r.OnGrant != nil {
		r.OnGrant(s)
	}
}

func (r ResolverFuncs) Deny(err error) {
	if r.OnDeny != nil {
		r.OnDeny(err)
	}
}

// Outcome is the terminal result of Run.
type Outcome struct {
	State  State
	Stream Stream
	Err    error
}

// Catalog lists capture sources. *capture.Catalog implements it.
type Catalog interface {
	Enumerate(ctx context.Context, kinds []capture.Kind, size capture.Size) ([]capture.Source, error)
}

// LoopbackMode selects how requested audio is provided where loopback is
// supported.
type LoopbackMode string

const (
	// LoopbackFrame binds audio through an auxiliary browser context.
	LoopbackFrame LoopbackMode = "frame"
	// LoopbackSystem grants system-wide loopback immediately.
	LoopbackSystem LoopbackMode = "system"
)

// Options are fixed for the controller's lifetime.
type Options struct {
	Decision platform.Decision
	Kinds    []capture.Kind // empty means capture.DefaultKinds
	Binder   *loopback.Binder

	LoopbackMode LoopbackMode
	// BindTimeout bounds the wait for the first loopback navigation. Zero
	// waits until the request context ends.
	BindTimeout time.Duration
	// FastPathConfirm passes the fast-path source through the picker as a
	// single choice before granting.
	FastPathConfirm bool
}

// Controller runs negotiations. It holds no per-request state, so one
// Controller serves any number of concurrent requests.
type Controller struct {
	opts Options
}

func New(opts Options) *Controller {
	if len(opts.Kinds) == 0 {
		opts.Kinds = capture.DefaultKinds
	}
	if opts.LoopbackMode == "" {
		opts.LoopbackMode = LoopbackFrame
	}
	return &Controller{opts: opts}
}

// Run negotiates req to completion. The resolver is called exactly once
// before Run returns, and the returned Outcome matches that call.
func (c *Controller) Run(ctx context.Context, req Request, catalog Catalog, mediator picker.Mediator, resolver Resolver) Outcome {
	id := uuid.NewString()
	decision := c.opts.Decision
	if req.Decision != nil {
		decision = *req.Decision
	}
	n := &negotiation{
		opts:     c.opts,
		decision: decision,
		req:      req,
		catalog:  catalog,
		mediator: mediator,
		resolver: resolver,
		log:      logging.WithNegotiation(log, id, req.ID),
		done:     make(chan struct{}),
	}
	return n.run(ctx)
}

// negotiation is the state of one request. Only the resolution latch is
// touched from more than one goroutine.
type negotiation struct {
	opts     Options
	decision platform.Decision
	req      Request
	catalog  Catalog
	mediator picker.Mediator
	resolver Resolver
	log      *slog.Logger

	state    atomic.Int32
	resolved atomic.Bool
	outcome  Outcome       // written once by the latch winner
	done     chan struct{} // closed after outcome is written and delivered
}

func (n *negotiation) run(ctx context.Context) Outcome {
	start := time.Now()
	negotiationsActive.Inc()
	defer func() {
		negotiationsActive.Dec()
		negotiationDuration.WithLabelValues(n.decision.Branch.String()).Observe(time.Since(start).Seconds())
		negotiationsTotal.WithLabelValues(n.outcome.State.String(), Reason(n.outcome.Err)).Inc()
		n.log.Info("negotiation resolved",
			logging.KeyState, n.outcome.State.String(),
			"reason", Reason(n.outcome.Err),
			logging.KeyDurationMs, time.Since(start).Milliseconds(),
		)
	}()

	n.log.Info("negotiation started", "origin", n.req.Origin, "branch", n.decision.Branch.String())

	n.enter(Enumerating)
	size := capture.Size{Width: n.decision.ThumbnailWidth, Height: n.decision.ThumbnailHeight}
	sources, err := n.catalog.Enumerate(ctx, n.opts.Kinds, size)
	if err != nil {
		n.log.Error("source enumeration failed", logging.KeyError, err)
		return n.deny(fmt.Errorf("%w: %w", ErrEnumeration, err))
	}
	if len(sources) == 0 {
		n.log.Info("no capture sources available")
		return n.deny(ErrNoSources)
	}

	if n.decision.Branch == platform.BranchFastPath {
		return n.fastPath(ctx, sources[0])
	}
	return n.interactive(ctx, sources)
}

// fastPath grants the first source. Requested audio is not evaluated here.
func (n *negotiation) fastPath(ctx context.Context, source capture.Source) Outcome {
	n.enter(FastPathResolving)
	if n.opts.FastPathConfirm {
		if _, err := n.mediator.Present(ctx, capture.Previews([]capture.Source{source}), true); err != nil {
			return n.deny(n.pickerError(err))
		}
	}
	return n.grant(Stream{Video: source})
}

func (n *negotiation) interactive(ctx context.Context, sources []capture.Source) Outcome {
	n.enter(PickerPending)
	pick, err := n.mediator.Present(ctx, capture.Previews(sources), false)
	if err != nil {
		return n.deny(n.pickerError(err))
	}

	source, ok := findSource(sources, pick.ID)
	if !ok {
		n.log.Warn("protocol anomaly: pick not in enumerated batch", logging.KeySourceID, pick.ID, "batch", len(sources))
		return n.deny(fmt.Errorf("%w: %q", ErrStalePick, pick.ID))
	}

	if !pick.Audio {
		return n.grant(Stream{Video: source})
	}
	if !n.decision.Loopback {
		n.log.Info("audio requested without loopback support, granting video only", logging.KeySourceID, source.ID)
		return n.grant(Stream{Video: source})
	}
	if n.opts.LoopbackMode == LoopbackSystem {
		return n.grant(Stream{Video: source, Audio: &Audio{System: true}})
	}
	return n.bindAudio(ctx, source)
}

func (n *negotiation) bindAudio(ctx context.Context, source capture.Source) Outcome {
	n.enter(AudioBinding)
	if n.opts.Binder == nil {
		n.log.Error("loopback audio requested but no binder configured")
		return n.deny(fmt.Errorf("%w: no binder configured", ErrLoopbackBind))
	}

	// BindTimeout covers opening the auxiliary context as well as waiting
	// for its first navigation.
	var (
		bindCtx context.Context
		cancel  context.CancelFunc
	)
	if n.opts.BindTimeout > 0 {
		bindCtx, cancel = context.WithTimeout(ctx, n.opts.BindTimeout)
	} else {
		bindCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	binding, err := n.opts.Binder.Bind(bindCtx, func(h loopback.Handle) {
		n.resolve(Outcome{State: Granted, Stream: Stream{Video: source, Audio: &Audio{Loopback: &h}}})
	})
	if err != nil {
		if bindCtx.Err() != nil {
			return n.bindExpired(ctx, 0)
		}
		n.log.Error("loopback bind failed", logging.KeyError, err)
		return n.deny(fmt.Errorf("%w: %w", ErrLoopbackBind, err))
	}
	// the auxiliary context never outlives the negotiation
	defer binding.Close()

	select {
	case <-n.done:
	case <-bindCtx.Done():
		n.bindExpired(ctx, binding.Events())
	}
	<-n.done
	return n.outcome
}

// bindExpired denies a binding whose context ended: an abort when the
// request context ended, a timeout otherwise.
func (n *negotiation) bindExpired(ctx context.Context, events int64) Outcome {
	if err := ctx.Err(); err != nil {
		n.log.Info("negotiation aborted during audio binding", logging.KeyError, err)
		return n.deny(fmt.Errorf("%w: %w", ErrAborted, err))
	}
	n.log.Warn("loopback navigation never arrived", "timeout", n.opts.BindTimeout, "events", events)
	return n.deny(ErrLoopbackTimeout)
}

func (n *negotiation) pickerError(err error) error {
	if errors.Is(err, picker.ErrCancelled) {
		n.log.Info("picker cancelled")
		return fmt.Errorf("%w: %w", ErrPickerCancelled, err)
	}
	n.log.Error("picker failed", logging.KeyError, err)
	return fmt.Errorf("%w: %w", ErrPickerTransport, err)
}

func (n *negotiation) grant(s Stream) Outcome {
	n.resolve(Outcome{State: Granted, Stream: s})
	<-n.done
	return n.outcome
}

func (n *negotiation) deny(err error) Outcome {
	n.resolve(Outcome{State: Denied, Err: err})
	<-n.done
	return n.outcome
}

// resolve delivers o unless the negotiation is already resolved. The latch
// is set before the resolver runs, so concurrent callers cannot both win.
func (n *negotiation) resolve(o Outcome) bool {
	if !n.resolved.CompareAndSwap(false, true) {
		n.log.Warn("dropping second resolution", logging.KeyState, o.State.String(), logging.KeyError, o.Err)
		return false
	}

	n.outcome = o
	n.state.Store(int32(o.State))
	if o.State == Granted {
		n.resolver.Grant(o.Stream)
	} else {
		n.resolver.Deny(o.Err)
	}
	close(n.done)
	return true
}

func (n *negotiation) enter(s State) {
	prev := State(n.state.Swap(int32(s)))
	n.log.Debug("state transition", "from", prev.String(), "to", s.String())
}

func findSource(sources []capture.Source, id string) (capture.Source, bool) {
	for _, s := range sources {
		if s.ID == id {
			return s, true
		}
	}
	return capture.Source{}, false
}
