package installer

import (
	"context"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/ipc"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/status"
)

func (s *Service) install(sess *session, req *ipc.Request) {
	p, err := s.lookupActive(sess, req.Identifier)
	if err != nil {
		sess.send(rejectEvent(req, ipc.EventRejected, err))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.stage != StageExtracted && p.stage != StageAwaitingConfirmation:
		sess.send(rejectEvent(req, ipc.EventRejected, status.Errorf(status.InvalidState, "cannot install %s in stage %s", req.Identifier, p.stage)))
		return
	case p.confirm != nil:
		sess.send(rejectEvent(req, ipc.EventRejected, status.Errorf(status.InvalidState, "install of %s is already waiting for confirmation", req.Identifier)))
		return
	}
	if err := s.cfg.checkBundle(p.bundlePath); err != nil {
		p.log().Warnf("refusing install: %v", err)
		sess.send(rejectEvent(req, ipc.EventRejected, err))
		return
	}

	if p.stage == StageExtracted {
		_ = p.setStage(StageAwaitingConfirmation)
	}
	confirm := make(chan bool, 1)
	p.confirm = confirm
	p.installSeq = req.Seq

	ev := reply(req, ipc.EventConfirmInstall, false)
	ev.Relaunch = req.Relaunch
	ev.ShowUI = req.ShowUI
	sess.send(ev)

	go s.awaitConfirmation(sess.ctx, p, req, confirm)
}

func (s *Service) confirmReply(sess *session, req *ipc.Request) {
	s.mu.Lock()
	p := s.active
	owned := p != nil && p.session == sess
	s.mu.Unlock()

	if owned {
		p.mu.Lock()
		if p.confirm != nil && p.installSeq == req.ReplyTo {
			p.confirm <- req.Allow
			p.confirm = nil
			p.mu.Unlock()
			sess.send(reply(req, ipc.EventAck, true))
			return
		}
		p.mu.Unlock()
	}
	sess.send(rejectEvent(req, ipc.EventRejected, status.Errorf(status.InvalidState, "no install %d is waiting for confirmation", req.ReplyTo)))
}

// abandonConfirmation wakes a pending confirmation wait as refused
func (p *pipeline) abandonConfirmation() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.confirm != nil {
		close(p.confirm)
		p.confirm = nil
	}
}

func (s *Service) awaitConfirmation(ctx context.Context, p *pipeline, req *ipc.Request, confirm <-chan bool) {
	var allow bool
	select {
	case allow = <-confirm:
	case <-ctx.Done():
		return
	}

	if !allow {
		p.mu.Lock()
		p.log().Infof("install refused, nothing was changed")
		p.session.send(reply(req, ipc.EventInstallHalted, true))
		p.mu.Unlock()
		s.metrics.installs.WithLabelValues(outcomeRefused).Inc()
		return
	}

	p.mu.Lock()
	if err := p.setStage(StageInstalling); err != nil {
		p.mu.Unlock()
		p.session.send(rejectEvent(req, ipc.EventInstallFailed, status.Wrap(status.InvalidState, err, "install")))
		return
	}
	staged, bundlePath := p.staged, p.bundlePath
	p.mu.Unlock()

	// the swap finishes even when the host disconnects meanwhile
	err := s.swap(context.WithoutCancel(ctx), p, staged, bundlePath)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		p.log().Errorf("install failed: %v", err)
		p.fail()
		s.metrics.installs.WithLabelValues(outcomeFailure).Inc()
		p.session.send(rejectEvent(req, ipc.EventInstallFailed, err))
		if werr := s.results.WriteErr(p.identifier, err); werr != nil {
			p.log().Warnf("failed to write install result: %v", werr)
		}
		s.dropArtifacts(p)
		return
	}

	s.metrics.installs.WithLabelValues(outcomeSuccess).Inc()
	next := StageTerminated
	if req.Relaunch {
		next = StageRelaunching
		ev := reply(req, ipc.EventWillRelaunch, false)
		ev.Relaunch = true
		p.session.send(ev)
	}
	_ = p.setStage(next)

	ev := reply(req, ipc.EventShouldTerminateHost, true)
	ev.Relaunch = req.Relaunch
	p.session.send(ev)
	s.dropArtifacts(p)

	s.finishing.Add(1)
	go func() {
		defer s.finishing.Done()
		s.finishInstall(p, req, bundlePath)
	}()
}

func (s *Service) swap(ctx context.Context, p *pipeline, staged, bundlePath string) error {
	if err := s.cfg.checkBundle(bundlePath); err != nil {
		return err
	}
	if staged == "" {
		return status.Errorf(status.Installation, "%s was not staged", p.identifier)
	}

	p.log().Infof("replacing %s", bundlePath)
	if err := replaceBundle(ctx, staged, bundlePath); err != nil {
		return status.Wrap(status.Installation, err, "replace %s", bundlePath)
	}
	p.log().Infof("installed %s", p.item)
	return nil
}

// dropArtifacts removes the scratch files after the install step, whatever its outcome
func (s *Service) dropArtifacts(p *pipeline) {
	if err := p.removeArtifacts(false); err != nil {
		p.log().Warnf("failed to remove install artifacts: %v", err)
	}
}

// finishInstall waits for the host to quit, starts it again if asked and records the outcome
func (s *Service) finishInstall(p *pipeline, req *ipc.Request, bundlePath string) {
	result := Result{
		Success:    true,
		Identifier: p.identifier,
		Version:    p.item.Version,
	}

	if req.Relaunch {
		err := waitForExit(context.Background(), req.HostPID, s.cfg.HostExitTimeout)
		if err == nil {
			err = relaunch(s.cfg.relaunchPath(bundlePath))
		}
		if err != nil {
			p.log().Errorf("relaunch failed: %v", err)
			result.Error = err.Error()
			result.ErrorType = status.TypeOf(err).String()
		} else {
			result.Relaunched = true
		}
	}

	if err := s.results.Write(result); err != nil {
		p.log().Warnf("failed to write install result: %v", err)
	}
}
