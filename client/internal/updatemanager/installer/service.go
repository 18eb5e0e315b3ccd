package installer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/downloader"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/extract"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/feed"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/ipc"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/sign"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/status"
	"github.com/netbirdio/selfupdate/version"
)

// Service is the privileged side of the update pipeline. It works on at most one release item
// at a time across all sessions.
type Service struct {
	cfg      Config
	agent    *downloader.Agent
	verifier *sign.Verifier
	results  *ResultHandler
	metrics  *metrics

	mu     sync.Mutex
	active *pipeline

	// finishing tracks relaunches that outlive their session
	finishing sync.WaitGroup
}

// NewService creates the installer service
func NewService(cfg Config) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg: cfg,
		agent: downloader.NewAgent(
			downloader.WithHTTPClient(cfg.HTTPClient),
			downloader.WithBackgroundTransfers(cfg.BackgroundTransfers),
		),
		verifier: sign.NewVerifier(cfg.ArtifactKeys, cfg.Keyring),
		results:  NewResultHandler(cfg.ResultDir),
		metrics:  newMetrics(cfg.Registerer),
	}
}

// Results returns the handler of the install result file
func (s *Service) Results() *ResultHandler {
	return s.results
}

// Wait blocks until post-install work of finished sessions is done
func (s *Service) Wait() {
	s.finishing.Wait()
}

// Serve runs one session until the peer goes away
func (s *Service) Serve(conn ipc.ServerConn) error {
	sess := newSession(conn)
	go sess.writeLoop()
	defer func() {
		s.release(sess)
		sess.close()
	}()

	for {
		req, err := conn.Recv()
		if err != nil {
			if isDisconnect(err) || sess.ctx.Err() != nil {
				sess.log().Debugf("session ended: %v", err)
				return nil
			}
			return err
		}
		if !s.handle(sess, req) {
			return nil
		}
	}
}

func isDisconnect(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return true
	}
	code := grpcstatus.Code(err)
	return code == codes.Canceled || code == codes.Unavailable
}

// handle dispatches a request; long running work continues in the background.
// It returns false when the session must end.
func (s *Service) handle(sess *session, req *ipc.Request) bool {
	if req.Op == ipc.OpHello {
		return s.hello(sess, req)
	}
	if !sess.isGreeted() {
		sess.send(rejectEvent(req, ipc.EventRejected, status.Errorf(status.InvalidState, "%s before hello", req.Op)))
		return true
	}

	sess.log().Debugf("request %d: %s %s", req.Seq, req.Op, req.Identifier)

	switch req.Op {
	case ipc.OpCheckWritePermission:
		s.checkWritePermission(sess, req)
	case ipc.OpCheckForUpdates:
		go s.checkForUpdates(sess, req)
	case ipc.OpBeginDownload:
		s.beginDownload(sess, req)
	case ipc.OpCancelDownload:
		s.cancelDownload(sess, req)
	case ipc.OpExtract:
		s.extract(sess, req)
	case ipc.OpInstall:
		s.install(sess, req)
	case ipc.OpConfirmReply:
		s.confirmReply(sess, req)
	case ipc.OpCleanUp:
		s.cleanUp(sess, req)
	default:
		sess.send(rejectEvent(req, ipc.EventRejected, status.Errorf(status.InvalidState, "unknown operation %q", req.Op)))
	}
	return true
}

func (s *Service) hello(sess *session, req *ipc.Request) bool {
	if err := ipc.CheckProtocol(req.ProtocolVersion); err != nil {
		log.Warnf("rejecting session %s: %v", req.Session, err)
		sess.send(rejectEvent(req, ipc.EventRejected, err))
		return true
	}

	sess.greet(req.Session)
	sess.log().Infof("session started, protocol %s", req.ProtocolVersion)

	ev := reply(req, ipc.EventHello, true)
	ev.ProtocolVersion = version.ProtocolVersion
	sess.send(ev)
	return true
}

func (s *Service) checkWritePermission(sess *session, req *ipc.Request) {
	if err := s.cfg.checkBundle(req.HostBundlePath); err != nil {
		sess.log().Warnf("refusing write check: %v", err)
		sess.setWriteChecked(false)
		sess.send(rejectEvent(req, ipc.EventRejected, err))
		return
	}

	ok := canReplace(req.HostBundlePath)
	sess.setWriteChecked(ok)

	ev := reply(req, ipc.EventWritePermission, true)
	ev.CanWrite = ok
	sess.send(ev)
}

func (s *Service) checkForUpdates(sess *session, req *ipc.Request) {
	data, err := downloader.DownloadToMemory(sess.ctx, s.cfg.HTTPClient, req.URL, req.Options, s.cfg.FeedSizeLimit)
	if err != nil {
		sess.log().Warnf("failed to fetch feed %s: %v", req.URL, err)
		sess.send(rejectEvent(req, ipc.EventRejected, err))
		return
	}

	f, err := feed.Parse(data)
	if err != nil {
		sess.log().Warnf("failed to parse feed %s: %v", req.URL, err)
		sess.send(rejectEvent(req, ipc.EventRejected, err))
		return
	}
	sess.setFeed(f)
	sess.log().Infof("feed %s has %d items", req.URL, f.Len())

	ev := reply(req, ipc.EventFeed, true)
	ev.Items = f.Items()
	ev.Diagnostics = f.Diagnostics()
	sess.send(ev)
}

// claim makes a new pipeline for item the active one, unless a live pipeline holds the service.
// A finished background download nobody came back for gives way.
func (s *Service) claim(sess *session, item feed.ReleaseItem) (*pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a := s.active; a != nil {
		stage, orphaned := a.state()
		switch {
		case orphaned && stage == StageDownloaded:
			a.log().Infof("discarding unclaimed download of %s", a.identifier)
			if err := a.removeArtifacts(false); err != nil {
				a.log().Warnf("failed to clean up: %v", err)
			}
		case !stage.Terminal():
			return nil, status.Errorf(status.Busy, "installer is busy with %s", a.identifier)
		}
	}

	p := newPipeline(sess, item, s.cfg.TempDir)
	s.active = p
	return p, nil
}

// lookupActive returns the live pipeline of identifier owned by sess
func (s *Service) lookupActive(sess *session, identifier string) (*pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.active
	if a == nil {
		return nil, status.Errorf(status.InvalidState, "no pipeline for %s", identifier)
	}
	if a.identifier != identifier || a.session != sess {
		if !a.currentStage().Terminal() {
			return nil, status.Errorf(status.Busy, "installer is busy with %s", a.identifier)
		}
		return nil, status.Errorf(status.InvalidState, "no pipeline for %s", identifier)
	}
	return a, nil
}

func (s *Service) beginDownload(sess *session, req *ipc.Request) {
	item, ok := sess.lookup(req.Identifier)
	if !ok {
		sess.send(rejectEvent(req, ipc.EventRejected, status.Errorf(status.InvalidState, "unknown identifier %q", req.Identifier)))
		return
	}

	if s.adopt(sess, req) {
		return
	}
	p, err := s.claim(sess, item)
	if err != nil {
		sess.send(rejectEvent(req, ipc.EventRejected, err))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.setStage(StageDownloading); err != nil {
		p.fail()
		sess.send(rejectEvent(req, ipc.EventRejected, status.Wrap(status.InvalidState, err, "begin download")))
		return
	}
	p.opSeq = req.Seq
	p.downloadReq = req
	p.background = req.Options.Background && s.cfg.BackgroundTransfers
	p.log().Infof("downloading %s", item.URL)

	// notifications wait on p.mu until the transfer is recorded
	transfer, err := s.agent.Start(sess.ctx, item, req.Options, p.dir, p.onDownload(s))
	if err != nil {
		p.log().Errorf("failed to start download: %v", err)
		p.fail()
		s.metrics.downloads.WithLabelValues(outcomeFailure).Inc()
		sess.send(rejectEvent(req, ipc.EventDownloadFailed, err))
		return
	}
	p.transfer = transfer
}

// adopt hands the pipeline a disconnected session left downloading in the background to sess,
// when sess asks for the same item
func (s *Service) adopt(sess *session, req *ipc.Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.active
	if p == nil || p.identifier != req.Identifier {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.orphaned || p.stage.Terminal() {
		return false
	}

	p.orphaned = false
	p.session = sess
	p.downloadReq = req
	p.opSeq = req.Seq
	sess.log().Infof("resuming %s in stage %s", p.identifier, p.stage)

	if p.stage == StageDownloaded {
		ev := reply(req, ipc.EventDownloadComplete, true)
		ev.Written, ev.Expected = p.written, p.item.Length
		sess.send(ev)
	}
	return true
}

func (s *Service) cancelDownload(sess *session, req *ipc.Request) {
	s.mu.Lock()
	p := s.active
	owned := p != nil && p.session == sess
	s.mu.Unlock()

	if owned {
		if stopped, wait := p.stop(); stopped {
			p.log().Infof("pipeline cancelled")
			s.metrics.downloads.WithLabelValues(outcomeCancelled).Inc()
			// acknowledged before waiting, nothing of the cancelled work can be enqueued anymore
			sess.send(reply(req, ipc.EventAck, true))
			wait()
			return
		}
	}
	sess.send(reply(req, ipc.EventAck, true))
}

func (s *Service) extract(sess *session, req *ipc.Request) {
	p, err := s.lookupActive(sess, req.Identifier)
	if err != nil {
		sess.send(rejectEvent(req, ipc.EventRejected, err))
		return
	}
	// a delta reads the bundle, so it is checked for full items too
	if err := s.cfg.checkBundle(req.HostBundlePath); err != nil {
		p.log().Warnf("refusing extraction: %v", err)
		sess.send(rejectEvent(req, ipc.EventRejected, err))
		return
	}

	p.mu.Lock()
	if p.stage != StageDownloaded {
		stage := p.stage
		p.mu.Unlock()
		sess.send(rejectEvent(req, ipc.EventRejected, status.Errorf(status.InvalidState, "cannot extract %s in stage %s", req.Identifier, stage)))
		return
	}
	_ = p.setStage(StageExtracting)
	ctx, cancel := context.WithCancel(sess.ctx)
	p.opSeq = req.Seq
	p.stopExtract = cancel
	p.bundlePath = req.HostBundlePath
	p.mu.Unlock()

	go s.runExtract(ctx, cancel, p, req)
}

func (s *Service) runExtract(ctx context.Context, cancel context.CancelFunc, p *pipeline, req *ipc.Request) {
	defer cancel()

	p.mu.Lock()
	artifact, bundlePath := p.artifact, p.bundlePath
	p.mu.Unlock()

	staged := filepath.Join(p.dir, stagedDirName)
	err := s.unpack(ctx, p, req, artifact, bundlePath, staged)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled {
		p.log().Debugf("extraction finished after cancellation: %v", err)
		return
	}
	p.stopExtract = nil

	if err != nil {
		p.log().Errorf("extraction failed: %v", err)
		p.fail()
		s.metrics.extractions.WithLabelValues(outcomeFailure).Inc()
		p.session.send(rejectEvent(req, ipc.EventExtractFailed, err))
		return
	}

	_ = p.setStage(StageExtracted)
	p.staged = staged
	s.metrics.extractions.WithLabelValues(outcomeSuccess).Inc()
	p.log().Infof("staged %s", staged)
	p.session.send(reply(req, ipc.EventExtractComplete, true))
}

// unpack verifies the artifact and stages its bundle. Nothing is written outside the pipeline directory.
func (s *Service) unpack(ctx context.Context, p *pipeline, req *ipc.Request, artifact, bundlePath, staged string) error {
	if err := s.verifier.VerifyFile(artifact, p.item.Signature); err != nil {
		return status.Wrap(status.Signature, err, "verify %s", filepath.Base(artifact))
	}
	p.log().Infof("signature of %s verified", filepath.Base(artifact))

	if err := os.RemoveAll(staged); err != nil {
		return status.Wrap(status.TemporaryDirectory, err, "clear staging directory")
	}

	progress := func(f float64) {
		ev := reply(req, ipc.EventExtractProgress, false)
		ev.Progress = f
		p.emit(ev)
	}

	var err error
	if p.item.IsDelta() {
		if bundlePath == "" {
			return status.Errorf(status.Extraction, "delta %s needs the installed bundle", p.identifier)
		}
		err = extract.ApplyDelta(ctx, artifact, bundlePath, staged, progress)
	} else {
		err = extract.Unpack(ctx, artifact, staged, progress)
	}
	if err != nil && status.TypeOf(err) == 0 {
		return status.Wrap(status.Extraction, err, "unpack %s", filepath.Base(artifact))
	}
	return err
}

func (s *Service) cleanUp(sess *session, req *ipc.Request) {
	s.mu.Lock()
	p := s.active
	if p != nil && p.identifier == req.Identifier && (p.session == sess || p.isOrphaned()) {
		s.active = nil
	} else {
		if p != nil && p.identifier == req.Identifier && !p.currentStage().Terminal() {
			s.mu.Unlock()
			sess.send(rejectEvent(req, ipc.EventRejected, status.Errorf(status.Busy, "%s is owned by another session", req.Identifier)))
			return
		}
		p = nil
	}
	s.mu.Unlock()

	if p == nil {
		// leftovers of an earlier pipeline
		if !req.Retain {
			if err := os.RemoveAll(itemDir(s.cfg.TempDir, req.Identifier)); err != nil {
				sess.log().Warnf("failed to remove artifacts of %s: %v", req.Identifier, err)
			}
		}
		sess.send(reply(req, ipc.EventAck, true))
		return
	}

	_, wait := p.stop()
	wait()
	p.abandonConfirmation()
	if err := p.removeArtifacts(req.Retain); err != nil {
		p.log().Warnf("failed to clean up: %v", err)
	}
	p.log().Infof("pipeline released in stage %s", p.currentStage())
	sess.send(reply(req, ipc.EventAck, true))
}

// release garbage-collects the pipeline of a session that went away. An install that already
// started runs to completion, and a background download keeps going until a later session
// resumes or cleans it up.
func (s *Service) release(sess *session) {
	s.mu.Lock()
	p := s.active
	if p == nil || p.session != sess {
		s.mu.Unlock()
		return
	}

	p.mu.Lock()
	switch {
	case p.stage == StageInstalling || p.stage == StageRelaunching || p.stage == StageTerminated:
		p.mu.Unlock()
		s.mu.Unlock()
		return
	case p.stage == StageDownloading && p.background:
		p.orphaned = true
		p.log().Infof("session gone, transfer continues in the background")
		p.mu.Unlock()
		s.mu.Unlock()
		return
	}
	p.mu.Unlock()
	s.active = nil
	s.mu.Unlock()

	p.log().Infof("session gone, releasing pipeline in stage %s", p.currentStage())
	_, wait := p.stop()
	wait()

	p.abandonConfirmation()
	if err := p.removeArtifacts(false); err != nil {
		p.log().Warnf("failed to clean up: %v", err)
	}
}

func reply(req *ipc.Request, kind ipc.EventKind, final bool) *ipc.Event {
	return &ipc.Event{
		Session:    req.Session,
		Seq:        req.Seq,
		Kind:       kind,
		Final:      final,
		Identifier: req.Identifier,
	}
}

func rejectEvent(req *ipc.Request, kind ipc.EventKind, err error) *ipc.Event {
	ev := reply(req, kind, true)
	ev.Err = ipc.NewWireError(err)
	return ev
}
