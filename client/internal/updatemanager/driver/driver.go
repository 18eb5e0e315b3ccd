// Package driver sequences an update cycle: feed check, candidate selection, download, extraction
// and install through the privileged installer.
package driver

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/downloader"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/eligibility"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/feed"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/ipc"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/status"
)

const cleanUpTimeout = 10 * time.Second

// Installer is the privileged installer as the driver uses it. *ipc.Client implements it.
type Installer interface {
	CheckWritePermission(ctx context.Context, path string) (bool, error)
	CheckForUpdates(ctx context.Context, url string, opts downloader.Options) (*feed.Feed, error)
	BeginDownload(ctx context.Context, identifier string, opts downloader.Options, progress func(written, expected int64)) error
	Extract(ctx context.Context, identifier, hostBundlePath string, progress func(float64)) error
	Install(ctx context.Context, req ipc.InstallRequest, confirm func(relaunch, showUI bool) bool, willRelaunch func()) (ipc.InstallResult, error)
	CleanUp(ctx context.Context, identifier string, retain bool) error
}

// CycleConfig carries every persisted value a cycle depends on
type CycleConfig struct {
	FeedURL        string
	HostBundlePath string

	InstalledVersion string
	HostOSVersion    string
	SkippedVersion   string
	AllowDowngrades  bool

	// RetainFailedDownload keeps the artifact of an aborted cycle on disk
	RetainFailedDownload bool

	Transfer downloader.Options

	Relaunch bool
	ShowUI   bool
	// HostPID is the process the installer waits for before relaunching
	HostPID int32
}

func (c CycleConfig) params() eligibility.Params {
	return eligibility.Params{
		InstalledVersion: c.InstalledVersion,
		HostOSVersion:    c.HostOSVersion,
		SkippedVersion:   c.SkippedVersion,
		AllowDowngrades:  c.AllowDowngrades,
	}
}

// cycle is the working state of one update cycle
type cycle struct {
	cfg       CycleConfig
	selection eligibility.Selection
	// item is the current download target, empty until a download starts
	item feed.ReleaseItem
}

// Driver runs one update cycle at a time
type Driver struct {
	installer Installer
	policy    Policy

	mu     sync.Mutex
	state  State
	err    error
	busy   bool
	cancel context.CancelFunc
	// parked is the cycle waiting at ReadyToInstall after a refused confirmation
	parked    *cycle
	selection eligibility.Selection
}

// New creates a driver. A nil policy installs silently.
func New(installer Installer, policy Policy) *Driver {
	if policy == nil {
		policy = Hooks{}
	}
	return &Driver{
		installer: installer,
		policy:    policy,
	}
}

// State returns the state of the current or last cycle and the error it was aborted with
func (d *Driver) State() (State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, d.err
}

// Selection returns the candidate of the current or last cycle
func (d *Driver) Selection() eligibility.Selection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selection
}

// Check runs a cycle that ends once a candidate was selected
func (d *Driver) Check(ctx context.Context, cfg CycleConfig) (eligibility.Selection, bool, error) {
	ctx, err := d.acquire(ctx)
	if err != nil {
		return eligibility.Selection{}, false, err
	}
	c := &cycle{cfg: cfg}

	found, err := d.check(ctx, c)
	if err != nil {
		_, err = d.abort(ctx, c, err)
		return eligibility.Selection{}, false, err
	}
	if !found {
		d.finish(StateNoUpdateFound, nil)
		return eligibility.Selection{}, false, nil
	}
	d.finish(StateFound, nil)
	return c.selection, true, nil
}

// Run runs a complete cycle. The returned error is set when the cycle could not start or was aborted.
// A refused confirmation parks the cycle at ReadyToInstall, Install resumes it.
func (d *Driver) Run(ctx context.Context, cfg CycleConfig) (State, error) {
	if cfg.FeedURL == "" || cfg.HostBundlePath == "" {
		return StateIdle, errors.New("feed url and host bundle path are required")
	}

	ctx, err := d.acquire(ctx)
	if err != nil {
		return StateIdle, err
	}
	c := &cycle{cfg: cfg}

	found, err := d.check(ctx, c)
	if err != nil {
		return d.abort(ctx, c, err)
	}
	if !found {
		d.finish(StateNoUpdateFound, nil)
		return StateNoUpdateFound, nil
	}

	if err := d.checkWritePermission(ctx, c); err != nil {
		return d.abort(ctx, c, err)
	}
	if err := d.download(ctx, c); err != nil {
		return d.abort(ctx, c, err)
	}
	if err := d.extract(ctx, c); err != nil {
		return d.abort(ctx, c, err)
	}
	d.setState(StateReadyToInstall, c.item.Identifier)

	return d.install(ctx, c)
}

// Install asks again to install the cycle parked at ReadyToInstall
func (d *Driver) Install(ctx context.Context) (State, error) {
	d.mu.Lock()
	if d.busy {
		d.mu.Unlock()
		return d.state, status.Errorf(status.Busy, "an update cycle is in progress")
	}
	c := d.parked
	if c == nil {
		state := d.state
		d.mu.Unlock()
		return state, status.Errorf(status.InvalidState, "no update is ready to install")
	}
	d.parked = nil
	ctx = d.claimLocked(ctx)
	d.mu.Unlock()

	return d.install(ctx, c)
}

// Abort stops the running cycle or drops the parked one
func (d *Driver) Abort(ctx context.Context) {
	d.mu.Lock()
	if d.busy {
		cancel := d.cancel
		d.mu.Unlock()
		log.Infof("aborting the running update cycle")
		cancel()
		return
	}
	c := d.parked
	if c == nil {
		d.mu.Unlock()
		return
	}
	d.parked = nil
	ctx = d.claimLocked(ctx)
	d.mu.Unlock()

	_, _ = d.abort(ctx, c, nil)
}

// acquire claims the driver for a new cycle. A parked cycle still holds it.
func (d *Driver) acquire(ctx context.Context) (context.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.busy || d.parked != nil {
		return nil, status.Errorf(status.Busy, "an update cycle is already active")
	}
	return d.claimLocked(ctx), nil
}

func (d *Driver) claimLocked(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	d.busy = true
	d.cancel = cancel
	d.err = nil
	return ctx
}

func (d *Driver) setState(state State, identifier string) {
	d.mu.Lock()
	d.state = state
	d.mu.Unlock()

	log.Debugf("update cycle: %s %s", state, identifier)
	d.policy.Progress(Progress{State: state, Identifier: identifier})
}

// finish ends the cycle in a terminal state, or parks it at ReadyToInstall
func (d *Driver) finish(state State, err error) {
	d.mu.Lock()
	d.state = state
	d.err = err
	d.busy = false
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.mu.Unlock()

	d.policy.Progress(Progress{State: state})
}

func (d *Driver) check(ctx context.Context, c *cycle) (bool, error) {
	d.setState(StateChecking, "")

	f, err := d.installer.CheckForUpdates(ctx, c.cfg.FeedURL, c.cfg.Transfer)
	if err != nil {
		return false, err
	}
	for _, diagnostic := range f.Diagnostics() {
		log.Warnf("feed %s: %s", c.cfg.FeedURL, diagnostic)
	}

	sel, ok := eligibility.Select(f, c.cfg.params())
	if !ok {
		log.Infof("no update found for version %s", c.cfg.InstalledVersion)
		return false, nil
	}

	c.selection = sel
	d.mu.Lock()
	d.selection = sel
	d.mu.Unlock()

	log.Infof("update found: %s", sel.Target())
	d.setState(StateFound, sel.Primary.Identifier)
	return true, nil
}

func (d *Driver) checkWritePermission(ctx context.Context, c *cycle) error {
	ok, err := d.installer.CheckWritePermission(ctx, c.cfg.HostBundlePath)
	if err != nil {
		return err
	}
	if !ok {
		return status.Errorf(status.WritePermission, "the installer cannot replace %s", c.cfg.HostBundlePath)
	}
	return nil
}

// download fetches the primary target and retries once with the full item when a delta fails
func (d *Driver) download(ctx context.Context, c *cycle) error {
	primary := c.selection.Primary
	err := d.transfer(ctx, c, primary)
	if err == nil || !c.selection.HasFallback() || ctx.Err() != nil || !recoverable(err) {
		return err
	}
	if !d.policy.OnDeltaFailure(primary, err) {
		return err
	}

	log.Infof("delta %s failed, downloading the full update: %v", primary, err)
	if cerr := d.installer.CleanUp(ctx, primary.Identifier, false); cerr != nil {
		log.Warnf("failed to release delta %s: %v", primary, cerr)
	}
	return d.transfer(ctx, c, *c.selection.Fallback)
}

// recoverable failures of a delta download are retried with the full item
func recoverable(err error) bool {
	switch status.TypeOf(err) {
	case status.Network, status.Extraction:
		return true
	default:
		return false
	}
}

func (d *Driver) transfer(ctx context.Context, c *cycle, item feed.ReleaseItem) error {
	c.item = item
	d.setState(StateDownloading, item.Identifier)

	return d.installer.BeginDownload(ctx, item.Identifier, c.cfg.Transfer, func(written, expected int64) {
		d.policy.Progress(Progress{
			State:      StateDownloading,
			Identifier: item.Identifier,
			Written:    written,
			Expected:   expected,
		})
	})
}

func (d *Driver) extract(ctx context.Context, c *cycle) error {
	d.setState(StateExtracting, c.item.Identifier)

	return d.installer.Extract(ctx, c.item.Identifier, c.cfg.HostBundlePath, func(f float64) {
		d.policy.Progress(Progress{
			State:      StateExtracting,
			Identifier: c.item.Identifier,
			Fraction:   f,
		})
	})
}

func (d *Driver) install(ctx context.Context, c *cycle) (State, error) {
	target := c.selection.Target()
	req := ipc.InstallRequest{
		Identifier: c.item.Identifier,
		Relaunch:   c.cfg.Relaunch,
		ShowUI:     c.cfg.ShowUI,
		HostPID:    c.cfg.HostPID,
	}

	confirm := func(relaunch, showUI bool) bool {
		if !d.policy.ConfirmInstall(target, relaunch, showUI) {
			return false
		}
		d.setState(StateInstalling, c.item.Identifier)
		return true
	}
	willRelaunch := func() {
		log.Infof("installer will relaunch the host")
	}

	res, err := d.installer.Install(ctx, req, confirm, willRelaunch)
	if err != nil {
		return d.abort(ctx, c, err)
	}

	if res.Halted {
		log.Infof("install of %s was refused", target)
		d.mu.Lock()
		d.parked = c
		d.mu.Unlock()
		d.finish(StateReadyToInstall, nil)
		return StateReadyToInstall, nil
	}

	state := StateTerminated
	if res.Relaunching {
		state = StateRelaunching
	}
	log.Infof("installed %s, host must terminate", target)
	d.finish(state, nil)
	return state, nil
}

// abort ends the cycle with err and releases the installer pipeline, keeping the artifact when
// the cycle asks to retain failed downloads
func (d *Driver) abort(ctx context.Context, c *cycle, err error) (State, error) {
	if err != nil {
		log.Errorf("update cycle aborted: %v", err)
	}

	if c.item.Identifier != "" {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanUpTimeout)
		defer cancel()
		if cerr := d.installer.CleanUp(cctx, c.item.Identifier, c.cfg.RetainFailedDownload); cerr != nil {
			log.Warnf("failed to clean up %s: %v", c.item, cerr)
		}
	}

	d.finish(StateAborted, err)
	return StateAborted, err
}
