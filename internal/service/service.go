// Package service wires the broker, negotiation controller and loopback
// binder into the screenshare daemon.
package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/breeze-rmm/screenshare/internal/audit"
	"github.com/breeze-rmm/screenshare/internal/config"
	"github.com/breeze-rmm/screenshare/internal/health"
	"github.com/breeze-rmm/screenshare/internal/ipc"
	"github.com/breeze-rmm/screenshare/internal/logging"
	"github.com/breeze-rmm/screenshare/internal/loopback"
	"github.com/breeze-rmm/screenshare/internal/negotiation"
	"github.com/breeze-rmm/screenshare/internal/platform"
	"github.com/breeze-rmm/screenshare/internal/sessionbroker"
	"github.com/breeze-rmm/screenshare/internal/workerpool"
)

var log = logging.L("service")

const (
	// requestRateWindow is the window for cfg.RequestRateLimit.
	requestRateWindow = time.Minute

	// drainTimeout bounds how long shutdown waits for running negotiations.
	drainTimeout = 10 * time.Second

	// Large thumbnails are requested while a picker holds a negotiation
	// worker, so they get their own pool.
	thumbnailWorkers = 2
	thumbnailQueue   = 32
)

// Health component names.
const (
	componentBroker  = "broker"
	componentPool    = "workerpool"
	componentBrowser = "browser"
	componentAudit   = "audit"
)

// Deps overrides collaborators New would otherwise build from cfg.
type Deps struct {
	// Host skips platform detection.
	Host *platform.Host
	// Opener replaces the go-rod browser opener. The caller keeps ownership.
	Opener loopback.Opener
}

// Service is the screenshare daemon.
type Service struct {
	cfg        *config.Config
	host       platform.Host
	decision   platform.Decision
	broker     *sessionbroker.Broker
	pool       *workerpool.Pool
	thumbs     *workerpool.Pool
	controller *negotiation.Controller
	healthMon  *health.Monitor
	limiter    *ipc.RateLimiter
	audit      *audit.Trail // nil when auditing is off

	// rodOpener is set when New built the browser opener and must close it.
	rodOpener *loopback.RodOpener

	// watched tracks sessions whose rate-limit state is dropped on close.
	watched sync.Map
}

// New builds the daemon and registers its inbound handlers on the broker.
func New(cfg *config.Config, deps Deps) *Service {
	var h platform.Host
	if deps.Host != nil {
		h = *deps.Host
	} else {
		h = platform.Detect(context.Background())
	}
	decision := platform.Decide(h)

	s := &Service{
		cfg:       cfg,
		host:      h,
		decision:  decision,
		broker:    sessionbroker.New(cfg.SocketPath),
		pool:      workerpool.New(cfg.MaxConcurrentNegotiations, cfg.NegotiationQueueSize),
		thumbs:    workerpool.New(thumbnailWorkers, thumbnailQueue),
		healthMon: health.NewMonitor(),
		limiter:   ipc.NewRateLimiter(cfg.RequestRateLimit, requestRateWindow),
	}

	opener := deps.Opener
	if opener == nil {
		s.rodOpener = loopback.NewRodOpener(loopback.RodConfig{
			ControlURL: cfg.BrowserControlURL,
			Bin:        cfg.BrowserBin,
			Headless:   cfg.BrowserHeadless,
			Width:      cfg.BrowserWidth,
			Height:     cfg.BrowserHeight,
		})
		opener = s.rodOpener
	}

	var binder *loopback.Binder
	if decision.Loopback && cfg.LoopbackMode == string(negotiation.LoopbackFrame) {
		binder = loopback.NewBinder(&monitoredOpener{Opener: opener, healthMon: s.healthMon}, cfg.LoopbackURL)
	}

	s.controller = negotiation.New(negotiation.Options{
		Decision:        decision,
		Binder:          binder,
		LoopbackMode:    negotiation.LoopbackMode(cfg.LoopbackMode),
		BindTimeout:     cfg.LoopbackTimeout(),
		FastPathConfirm: cfg.FastPathConfirm,
	})

	s.broker.Handle(ipc.TypeDisplayMediaRequest, s.handleDisplayMedia)
	s.broker.Handle(ipc.TypeThumbnailRequest, s.handleThumbnail)

	log.Info("negotiation policy",
		"os", h.OS,
		"branch", decision.Branch.String(),
		"thumbnailWidth", decision.ThumbnailWidth,
		"thumbnailHeight", decision.ThumbnailHeight,
		"loopback", decision.Loopback,
		"loopbackMode", cfg.LoopbackMode,
	)
	return s
}

// Decision is the negotiation strategy for host runtimes that report no
// display session of their own.
func (s *Service) Decision() platform.Decision { return s.decision }

// SessionDecision is the negotiation strategy for one host runtime session.
func (s *Service) SessionDecision(session *sessionbroker.Session) platform.Decision {
	return platform.Decide(s.host.WithDisplay(session.DisplayServer()))
}

// Health exposes the daemon's health monitor.
func (s *Service) Health() *health.Monitor { return s.healthMon }

// Run serves host runtimes until ctx is done, then drains in-flight
// negotiations and releases the browser.
func (s *Service) Run(ctx context.Context) error {
	var srv *http.Server
	if s.cfg.MetricsAddr != "" {
		srv = s.startHTTP()
	}

	s.openAudit()
	s.audit.Record(audit.EventDaemonStart, "", "", map[string]string{
		"branch":   s.decision.Branch.String(),
		"loopback": s.cfg.LoopbackMode,
	})

	s.healthMon.Update(componentBroker, health.Healthy, s.cfg.SocketPath)
	s.healthMon.Update(componentPool, health.Healthy, "")

	err := s.broker.Listen(ctx)
	if err != nil {
		s.healthMon.Update(componentBroker, health.Unhealthy, err.Error())
		log.Error("broker failed", logging.KeyError, err)
	}

	s.shutdown(srv)
	return err
}

func (s *Service) shutdown(srv *http.Server) {
	log.Info("shutting down")
	s.broker.Close()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	s.pool.Shutdown(drainCtx)
	s.thumbs.Shutdown(drainCtx)

	if s.rodOpener != nil {
		if err := s.rodOpener.Close(); err != nil {
			log.Warn("browser close failed", logging.KeyError, err)
		}
	}

	if srv != nil {
		if err := srv.Shutdown(drainCtx); err != nil {
			log.Warn("metrics server shutdown failed", logging.KeyError, err)
		}
	}

	s.audit.Record(audit.EventDaemonStop, "", "", nil)
	if err := s.audit.Close(); err != nil {
		log.Warn("audit close failed", logging.KeyError, err)
	}
}

// openAudit opens the audit trail if one is configured. A trail that cannot
// be opened is reported unhealthy and auditing stays off.
func (s *Service) openAudit() {
	if s.cfg.AuditFile == "" {
		return
	}
	trail, err := audit.Open(s.cfg.AuditFile, s.cfg.AuditMaxSizeMB, s.cfg.AuditMaxBackups)
	if err != nil {
		log.Error("audit trail unavailable", logging.KeyError, err)
		s.healthMon.Update(componentAudit, health.Unhealthy, err.Error())
		return
	}
	s.audit = trail
	s.healthMon.Update(componentAudit, health.Healthy, s.cfg.AuditFile)
}

func (s *Service) startHTTP() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", s.healthMon)

	srv := &http.Server{
		Addr:              s.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("metrics server listening", "addr", s.cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", logging.KeyError, err)
		}
	}()
	return srv
}

// monitoredOpener reports browser availability to the health monitor.
type monitoredOpener struct {
	loopback.Opener
	healthMon *health.Monitor
}

func (o *monitoredOpener) Open(ctx context.Context) (loopback.NavigationContext, error) {
	nav, err := o.Opener.Open(ctx)
	if err != nil {
		o.healthMon.Update(componentBrowser, health.Degraded, err.Error())
		return nil, err
	}
	o.healthMon.Update(componentBrowser, health.Healthy, "")
	return nav, nil
}
