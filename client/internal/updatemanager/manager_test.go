package updatemanager

import (
	"context"
	"testing"
	"time"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/driver"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/status"
)

type runnerMock struct {
	runs chan driver.CycleConfig
	err  error
}

func (r *runnerMock) Run(_ context.Context, cfg driver.CycleConfig) (driver.State, error) {
	r.runs <- cfg
	if r.err != nil {
		return driver.StateIdle, r.err
	}
	return driver.StateNoUpdateFound, nil
}

func Test_ScheduledCheck(t *testing.T) {
	testMatrix := []struct {
		name          string
		lastCheck     time.Time
		shouldCheck   bool
		runErr        error
		expectedState driver.State
	}{
		{
			name:          "Should check right away when no check was recorded",
			shouldCheck:   true,
			expectedState: driver.StateNoUpdateFound,
		},
		{
			name:          "Should check right away when the last check is older than the interval",
			lastCheck:     time.Now().Add(-25 * time.Hour),
			shouldCheck:   true,
			expectedState: driver.StateNoUpdateFound,
		},
		{
			name:        "Shouldn't check when the last check is recent",
			lastCheck:   time.Now().Add(-time.Minute),
			shouldCheck: false,
		},
		{
			name:          "Should report a busy driver",
			shouldCheck:   true,
			runErr:        status.Errorf(status.Busy, "busy"),
			expectedState: driver.StateIdle,
		},
	}

	for _, c := range testMatrix {
		runner := &runnerMock{runs: make(chan driver.CycleConfig, 1), err: c.runErr}
		m := NewUpdateManager(runner, DefaultCheckInterval, func() driver.CycleConfig {
			return driver.CycleConfig{InstalledVersion: "1.0"}
		})
		m.SetLastCheck(c.lastCheck)

		results := make(chan driver.State, 1)
		m.SetOnResultListener(func(state driver.State, err error) {
			results <- state
		})
		m.Start(context.Background())

		var checked bool
		select {
		case cfg := <-runner.runs:
			if cfg.InstalledVersion != "1.0" {
				t.Errorf("%s: cycle config mismatch, got %+v", c.name, cfg)
			}
			checked = true
		case <-time.After(100 * time.Millisecond):
			checked = false
		}
		if checked != c.shouldCheck {
			t.Errorf("%s: check trigger mismatch, expected %v, got %v", c.name, c.shouldCheck, checked)
		}

		if checked {
			select {
			case state := <-results:
				if state != c.expectedState {
					t.Errorf("%s: result mismatch, expected %s, got %s", c.name, c.expectedState, state)
				}
			case <-time.After(time.Second):
				t.Errorf("%s: no result reported", c.name)
			}
			if time.Since(m.LastCheck()) > time.Minute {
				t.Errorf("%s: last check was not recorded", c.name)
			}
		}

		m.Stop()
	}
}

func Test_CheckNow(t *testing.T) {
	runner := &runnerMock{runs: make(chan driver.CycleConfig, 1)}
	m := NewUpdateManager(runner, time.Hour, func() driver.CycleConfig { return driver.CycleConfig{} })
	m.SetLastCheck(time.Now())
	m.Start(context.Background())
	defer m.Stop()

	select {
	case <-runner.runs:
		t.Fatal("scheduled check ran before the interval elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	m.CheckNow()
	select {
	case <-runner.runs:
	case <-time.After(time.Second):
		t.Fatal("CheckNow did not run a cycle")
	}
}

func Test_ClampInterval(t *testing.T) {
	testMatrix := []struct {
		interval time.Duration
		expected time.Duration
	}{
		{0, DefaultCheckInterval},
		{-time.Second, DefaultCheckInterval},
		{time.Minute, MinimumCheckInterval},
		{time.Hour, time.Hour},
		{48 * time.Hour, 48 * time.Hour},
	}
	for _, c := range testMatrix {
		if got := clampInterval(c.interval); got != c.expected {
			t.Errorf("clampInterval(%s) = %s, expected %s", c.interval, got, c.expected)
		}
	}
}

func Test_NextCheckIn(t *testing.T) {
	m := NewUpdateManager(&runnerMock{}, 2*time.Hour, nil)
	now := time.Now()

	if got := m.nextCheckIn(now); got != 0 {
		t.Errorf("without a recorded check the next one is due now, got %s", got)
	}

	m.SetLastCheck(now.Add(-30 * time.Minute))
	if got := m.nextCheckIn(now); got != 90*time.Minute {
		t.Errorf("expected 90m, got %s", got)
	}

	m.SetLastCheck(now.Add(-3 * time.Hour))
	if got := m.nextCheckIn(now); got != 0 {
		t.Errorf("an overdue check is due now, got %s", got)
	}
}
