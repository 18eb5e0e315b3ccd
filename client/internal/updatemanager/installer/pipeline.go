package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/downloader"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/feed"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/ipc"
	"github.com/netbirdio/selfupdate/util"
)

// Stage of a release item's pipeline inside the installer
type Stage int

const (
	StageIdle Stage = iota
	StageWritePermissionChecked
	StageDownloading
	StageDownloaded
	StageExtracting
	StageExtracted
	StageAwaitingConfirmation
	StageInstalling
	StageRelaunching
	StageTerminated
	StageError
	StageCancelled
)

var stageNames = map[Stage]string{
	StageIdle:                   "idle",
	StageWritePermissionChecked: "write_permission_checked",
	StageDownloading:            "downloading",
	StageDownloaded:             "downloaded",
	StageExtracting:             "extracting",
	StageExtracted:              "extracted",
	StageAwaitingConfirmation:   "awaiting_confirmation",
	StageInstalling:             "installing",
	StageRelaunching:            "relaunching",
	StageTerminated:             "terminated",
	StageError:                  "error",
	StageCancelled:              "cancelled",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Terminal stages release the service for another identifier
func (s Stage) Terminal() bool {
	switch s {
	case StageRelaunching, StageTerminated, StageError, StageCancelled:
		return true
	default:
		return false
	}
}

var transitions = map[Stage][]Stage{
	StageIdle:                   {StageWritePermissionChecked, StageDownloading},
	StageWritePermissionChecked: {StageDownloading},
	StageDownloading:            {StageDownloaded, StageError, StageCancelled},
	StageDownloaded:             {StageExtracting, StageCancelled},
	StageExtracting:             {StageExtracted, StageError, StageCancelled},
	StageExtracted:              {StageAwaitingConfirmation, StageCancelled},
	StageAwaitingConfirmation:   {StageInstalling, StageCancelled},
	StageInstalling:             {StageRelaunching, StageTerminated, StageError},
}

const stagedDirName = "staged"

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// itemDir is the scratch directory of an identifier
func itemDir(tempDir, identifier string) string {
	return filepath.Join(tempDir, "item-"+unsafeChars.ReplaceAllString(identifier, "_"))
}

// pipeline is the state of the one release item the service works on
type pipeline struct {
	identifier string
	item       feed.ReleaseItem
	session    *session
	// ctx tags log entries, cancellation follows the session
	ctx context.Context
	dir string

	mu        sync.Mutex
	stage     Stage
	cancelled bool
	// background transfers survive their session; orphaned marks one whose session is gone
	background bool
	orphaned   bool
	// opSeq is the begin_download or extract request whose events are in flight
	opSeq       uint64
	downloadReq *ipc.Request
	written     int64
	transfer    *downloader.Transfer
	stopExtract context.CancelFunc
	artifact    string
	staged      string
	bundlePath  string
	installSeq  uint64
	confirm     chan bool
}

func newPipeline(sess *session, item feed.ReleaseItem, tempDir string) *pipeline {
	stage := StageIdle
	if sess.writeChecked() {
		stage = StageWritePermissionChecked
	}
	return &pipeline{
		identifier: item.Identifier,
		item:       item,
		session:    sess,
		ctx:        util.WithIdentifier(sess.logContext(), item.Identifier),
		dir:        itemDir(tempDir, item.Identifier),
		stage:      stage,
	}
}

func (p *pipeline) log() *log.Entry {
	return log.WithContext(p.ctx)
}

// setStage moves the pipeline along; callers hold p.mu
func (p *pipeline) setStage(to Stage) error {
	for _, allowed := range transitions[p.stage] {
		if allowed == to {
			p.log().Debugf("stage %s -> %s", p.stage, to)
			p.stage = to
			return nil
		}
	}
	return fmt.Errorf("transition %s -> %s is not allowed", p.stage, to)
}

// fail moves a running pipeline to Error; callers hold p.mu
func (p *pipeline) fail() {
	if err := p.setStage(StageError); err != nil {
		p.log().Warnf("%v, forcing error stage", err)
		p.stage = StageError
	}
}

func (p *pipeline) currentStage() Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage
}

func (p *pipeline) state() (Stage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage, p.orphaned
}

func (p *pipeline) isOrphaned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.orphaned
}

// emit delivers an event of the in-flight operation unless it was cancelled. Checking and
// enqueueing happen under the same lock as cancellation, so nothing leaks past a cancel acknowledgment.
func (p *pipeline) emit(ev *ipc.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled {
		return false
	}
	p.session.send(ev)
	return true
}

// onDownload consumes transfer notifications. They answer the latest begin_download request,
// which changes when another session resumes the transfer.
func (p *pipeline) onDownload(s *Service) func(downloader.Event) {
	return func(ev downloader.Event) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.cancelled {
			p.log().Debugf("dropping transfer notification after cancellation")
			return
		}
		req := p.downloadReq

		if !ev.Done {
			out := reply(req, ipc.EventDownloadProgress, false)
			out.Written, out.Expected = ev.Written, ev.Expected
			p.session.send(out)
			return
		}

		p.transfer = nil
		if ev.Err != nil {
			p.log().Errorf("download failed: %v", ev.Err)
			p.fail()
			s.metrics.downloads.WithLabelValues(outcomeFailure).Inc()
			p.session.send(rejectEvent(req, ipc.EventDownloadFailed, ev.Err))
			return
		}

		if err := p.setStage(StageDownloaded); err != nil {
			p.log().Warnf("download finished: %v", err)
		}
		p.artifact = ev.Path
		p.written = ev.Written
		s.metrics.downloads.WithLabelValues(outcomeSuccess).Inc()
		p.log().Infof("downloaded %s (%d bytes)", ev.Path, ev.Written)

		out := reply(req, ipc.EventDownloadComplete, true)
		out.Written, out.Expected = ev.Written, ev.Expected
		p.session.send(out)
	}
}

// stop cancels a running transfer or extraction. The closing event for the in-flight request is
// enqueued under the lock; the returned function waits for the work to stop and must be called
// without holding p.mu.
func (p *pipeline) stop() (stopped bool, wait func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stage != StageDownloading && p.stage != StageExtracting {
		return false, func() {}
	}

	p.cancelled = true
	if err := p.setStage(StageCancelled); err != nil {
		p.log().Warnf("cancel: %v", err)
	}
	p.session.send(&ipc.Event{
		Session:    p.session.id(),
		Seq:        p.opSeq,
		Kind:       ipc.EventDownloadCancelled,
		Final:      true,
		Identifier: p.identifier,
	})

	transfer, stopExtract := p.transfer, p.stopExtract
	p.transfer, p.stopExtract = nil, nil
	return true, func() {
		if transfer != nil {
			transfer.Cancel()
		}
		if stopExtract != nil {
			stopExtract()
		}
	}
}

// removeArtifacts deletes the scratch directory, or only the staged tree when retain is set
func (p *pipeline) removeArtifacts(retain bool) error {
	var merr *multierror.Error

	if err := os.RemoveAll(filepath.Join(p.dir, stagedDirName)); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("remove staged bundle: %w", err))
	}
	if retain {
		p.log().Infof("keeping downloaded artifacts in %s", p.dir)
		return merr.ErrorOrNil()
	}

	if err := os.RemoveAll(p.dir); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("remove %s: %w", p.dir, err))
	}
	return merr.ErrorOrNil()
}
