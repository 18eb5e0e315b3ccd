package updatemanager

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/driver"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/status"
)

const (
	MinimumCheckInterval = time.Hour
	DefaultCheckInterval = 24 * time.Hour
)

// CycleRunner runs one complete update cycle
type CycleRunner interface {
	Run(ctx context.Context, cfg driver.CycleConfig) (driver.State, error)
}

// UpdateManager runs update cycles on a schedule
type UpdateManager struct {
	runner   CycleRunner
	configFn func() driver.CycleConfig
	interval time.Duration

	lastCheck   time.Time
	lastCheckMu sync.Mutex

	checkNowChan chan struct{}
	wg           sync.WaitGroup
	cancel       context.CancelFunc

	onResult   func(state driver.State, err error)
	listenerMu sync.Mutex
}

// NewUpdateManager schedules cycles of runner every interval. configFn is asked for the cycle
// inputs before every cycle, so changed settings apply to the next check.
func NewUpdateManager(runner CycleRunner, interval time.Duration, configFn func() driver.CycleConfig) *UpdateManager {
	return &UpdateManager{
		runner:       runner,
		configFn:     configFn,
		interval:     clampInterval(interval),
		checkNowChan: make(chan struct{}, 1),
	}
}

func clampInterval(interval time.Duration) time.Duration {
	switch {
	case interval <= 0:
		return DefaultCheckInterval
	case interval < MinimumCheckInterval:
		log.Warnf("check interval %s is below the minimum, using %s", interval, MinimumCheckInterval)
		return MinimumCheckInterval
	default:
		return interval
	}
}

// SetLastCheck seeds the schedule with the persisted time of the previous check
func (u *UpdateManager) SetLastCheck(t time.Time) {
	u.lastCheckMu.Lock()
	defer u.lastCheckMu.Unlock()
	u.lastCheck = t
}

// LastCheck returns the time of the last finished check, to be persisted by the caller
func (u *UpdateManager) LastCheck() time.Time {
	u.lastCheckMu.Lock()
	defer u.lastCheckMu.Unlock()
	return u.lastCheck
}

// SetOnResultListener is called after every scheduled cycle
func (u *UpdateManager) SetOnResultListener(fn func(state driver.State, err error)) {
	u.listenerMu.Lock()
	defer u.listenerMu.Unlock()
	u.onResult = fn
}

func (u *UpdateManager) Start(ctx context.Context) {
	if u.cancel != nil {
		log.Errorf("UpdateManager already started")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	u.cancel = cancel

	u.wg.Add(1)
	go u.updateLoop(ctx)
}

// CheckNow runs a cycle without waiting for the schedule
func (u *UpdateManager) CheckNow() {
	select {
	case u.checkNowChan <- struct{}{}:
	default:
	}
}

func (u *UpdateManager) Stop() {
	if u.cancel == nil {
		return
	}

	u.cancel()
	u.wg.Wait()
	u.cancel = nil
}

func (u *UpdateManager) updateLoop(ctx context.Context) {
	defer u.wg.Done()

	timer := time.NewTimer(u.nextCheckIn(time.Now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-u.checkNowChan:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		u.handleUpdate(ctx)
		timer.Reset(u.nextCheckIn(time.Now()))
	}
}

// nextCheckIn is the delay until the next scheduled check
func (u *UpdateManager) nextCheckIn(now time.Time) time.Duration {
	last := u.LastCheck()
	if last.IsZero() {
		return 0
	}
	next := last.Add(u.interval).Sub(now)
	if next < 0 {
		return 0
	}
	return next
}

func (u *UpdateManager) handleUpdate(ctx context.Context) {
	cfg := u.configFn()
	log.Debugf("Scheduled update check, installed version: %s", cfg.InstalledVersion)

	state, err := u.runner.Run(ctx, cfg)
	switch {
	case status.TypeOf(err) == status.Busy:
		log.Debugf("Update cycle already in progress, skipping scheduled check")
	case err != nil:
		log.Errorf("Scheduled update cycle failed: %v", err)
	default:
		log.Infof("Scheduled update cycle finished: %s", state)
	}

	u.SetLastCheck(time.Now())

	u.listenerMu.Lock()
	fn := u.onResult
	u.listenerMu.Unlock()
	if fn != nil {
		fn(state, err)
	}
}
