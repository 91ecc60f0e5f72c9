package service

import (
	"context"
	"errors"

	"github.com/breeze-rmm/screenshare/internal/audit"
	"github.com/breeze-rmm/screenshare/internal/capture"
	"github.com/breeze-rmm/screenshare/internal/health"
	"github.com/breeze-rmm/screenshare/internal/ipc"
	"github.com/breeze-rmm/screenshare/internal/logging"
	"github.com/breeze-rmm/screenshare/internal/negotiation"
	"github.com/breeze-rmm/screenshare/internal/picker"
	"github.com/breeze-rmm/screenshare/internal/platform"
	"github.com/breeze-rmm/screenshare/internal/sessionbroker"
	"github.com/breeze-rmm/screenshare/internal/workerpool"
)

// Denial reasons produced before a negotiation starts. Reasons from a
// negotiation come from negotiation.Reason.
const (
	reasonRateLimited = "rate_limited"
	reasonBusy        = "busy"
	reasonUnsupported = "unsupported"
)

// handleDisplayMedia runs on the session's receive loop. The negotiation
// itself waits on replies from the same session, so it runs in the pool.
func (s *Service) handleDisplayMedia(session *sessionbroker.Session, env *ipc.Envelope) {
	req, err := ipc.Decode[ipc.DisplayMediaRequest](env)
	if err != nil {
		log.Warn("invalid display media request", logging.KeySessionID, session.ID, logging.KeyError, err)
		session.ReplyError(env.ID, ipc.TypeDisplayMediaResponse, err.Error())
		return
	}

	s.watch(session)
	if !s.limiter.Allow(session.ID) {
		log.Warn("display media request rate limited", logging.KeySessionID, session.ID, logging.KeyRequestID, req.RequestID)
		s.reply(session, env.ID, req, denied(req.RequestID, reasonRateLimited))
		return
	}

	decision := s.SessionDecision(session)
	if missing := s.missingCapability(session, decision); missing != "" {
		log.Warn("host runtime cannot serve negotiation",
			logging.KeySessionID, session.ID,
			logging.KeyRequestID, req.RequestID,
			"missing", missing,
		)
		s.reply(session, env.ID, req, denied(req.RequestID, reasonUnsupported))
		return
	}

	err = s.pool.Submit(func(poolCtx context.Context) {
		s.negotiate(poolCtx, session, env.ID, req, decision)
	})
	if err != nil {
		log.Warn("display media request rejected", logging.KeySessionID, session.ID, logging.KeyRequestID, req.RequestID, logging.KeyError, err)
		if errors.Is(err, workerpool.ErrQueueFull) {
			s.healthMon.Update(componentPool, health.Degraded, "negotiation queue full")
		}
		s.reply(session, env.ID, req, denied(req.RequestID, reasonBusy))
		return
	}
	s.healthMon.Update(componentPool, health.Healthy, "")
}

func (s *Service) negotiate(poolCtx context.Context, session *sessionbroker.Session, envID string, req ipc.DisplayMediaRequest, decision platform.Decision) {
	// the negotiation ends with the pool or with the requesting session
	ctx, cancel := context.WithCancel(poolCtx)
	defer cancel()
	go func() {
		select {
		case <-session.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	catalog := capture.NewCatalog(capture.NewProxyBackend(session, s.cfg.EnumerateTimeout()))
	mediator := picker.NewRemote(session, s.cfg.PickerTimeout())

	resolver := negotiation.ResolverFuncs{
		OnGrant: func(st negotiation.Stream) {
			s.reply(session, envID, req, granted(req.RequestID, st))
		},
		OnDeny: func(err error) {
			s.reply(session, envID, req, denied(req.RequestID, negotiation.Reason(err)))
		},
	}

	s.controller.Run(ctx, negotiation.Request{ID: req.RequestID, Origin: req.Origin, Decision: &decision}, catalog, mediator, resolver)
}

// missingCapability names what the session lacks for a negotiation under
// decision, or returns "" when it can serve one. Sessions that never sent
// capabilities are assumed capable.
func (s *Service) missingCapability(session *sessionbroker.Session, decision platform.Decision) string {
	caps := session.Caps()
	switch {
	case caps == nil:
		return ""
	case !caps.CanEnumerate:
		return "enumerate"
	case !caps.CanPick && (decision.Branch == platform.BranchInteractive || s.cfg.FastPathConfirm):
		return "pick"
	}
	return ""
}

// handleThumbnail re-enumerates through the host runtime, which can take a
// while, so it runs in the thumbnail pool. Pickers ask for thumbnails while
// their negotiation holds a worker of the negotiation pool.
func (s *Service) handleThumbnail(session *sessionbroker.Session, env *ipc.Envelope) {
	req, err := ipc.Decode[ipc.ThumbnailRequest](env)
	if err != nil {
		session.ReplyError(env.ID, ipc.TypeThumbnailResponse, err.Error())
		return
	}
	if caps := session.Caps(); caps != nil && !caps.CanEnumerate {
		session.ReplyError(env.ID, ipc.TypeThumbnailResponse, "host runtime cannot enumerate sources")
		return
	}

	err = s.thumbs.Submit(func(ctx context.Context) {
		catalog := capture.NewCatalog(capture.NewProxyBackend(session, s.cfg.EnumerateTimeout()))
		resp := ipc.ThumbnailResponse{SourceID: req.SourceID}

		url, err := catalog.Thumbnail(ctx, req.SourceID)
		switch {
		case err == nil:
			resp.Found, resp.URL = true, url
		case errors.Is(err, capture.ErrSourceNotFound):
		default:
			log.Warn("large thumbnail failed", logging.KeySessionID, session.ID, logging.KeySourceID, req.SourceID, logging.KeyError, err)
			session.ReplyError(env.ID, ipc.TypeThumbnailResponse, err.Error())
			return
		}
		if err := session.Reply(env.ID, ipc.TypeThumbnailResponse, resp); err != nil {
			log.Warn("failed to send thumbnail", logging.KeySessionID, session.ID, logging.KeyError, err)
		}
	})
	if err != nil {
		session.ReplyError(env.ID, ipc.TypeThumbnailResponse, err.Error())
	}
}

// reply sends the single response for req and records it in the audit trail.
func (s *Service) reply(session *sessionbroker.Session, envID string, req ipc.DisplayMediaRequest, resp ipc.DisplayMediaResponse) {
	fields := map[string]string{"origin": req.Origin}
	event := audit.EventDenied
	if resp.Granted {
		event = audit.EventGranted
		fields["source"] = resp.Video.ID
		if resp.Audio != nil {
			fields["audio"] = resp.Audio.Kind
		}
	} else {
		fields["reason"] = resp.Reason
	}
	s.audit.Record(event, req.RequestID, session.ID, fields)

	if err := session.Reply(envID, ipc.TypeDisplayMediaResponse, resp); err != nil {
		log.Warn("failed to send display media response",
			logging.KeySessionID, session.ID,
			logging.KeyRequestID, resp.RequestID,
			logging.KeyError, err,
		)
	}
}

// watch drops a session's rate-limit state once it disconnects.
func (s *Service) watch(session *sessionbroker.Session) {
	if _, loaded := s.watched.LoadOrStore(session.ID, struct{}{}); loaded {
		return
	}
	go func() {
		<-session.Done()
		s.limiter.Forget(session.ID)
		s.watched.Delete(session.ID)
	}()
}

func granted(requestID string, st negotiation.Stream) ipc.DisplayMediaResponse {
	resp := ipc.DisplayMediaResponse{
		RequestID: requestID,
		Granted:   true,
		Video:     &ipc.SourceRef{ID: st.Video.ID, Name: st.Video.Name},
	}
	switch {
	case st.Audio == nil:
	case st.Audio.Loopback != nil:
		resp.Audio = &ipc.AudioRef{
			Kind:     "frame",
			FrameID:  st.Audio.Loopback.FrameID,
			TargetID: st.Audio.Loopback.TargetID,
			URL:      st.Audio.Loopback.URL,
		}
	case st.Audio.System:
		resp.Audio = &ipc.AudioRef{Kind: "loopback"}
	}
	return resp
}

func denied(requestID, reason string) ipc.DisplayMediaResponse {
	return ipc.DisplayMediaResponse{RequestID: requestID, Reason: reason}
}
