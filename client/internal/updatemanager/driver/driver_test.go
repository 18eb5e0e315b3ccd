package driver

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/feed"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/installer"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/ipc"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/status"
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/updatetest"
)

var (
	installedFiles = map[string]string{"version.txt": "1.0", "bin/app": "app 1.0"}
	releaseFiles   = map[string]string{"version.txt": "2.0", "bin/app": "app 2.0"}
	deltaFiles     = map[string]string{"version.txt": "2.0", "bin/app": "app 2.0"}
)

type harness struct {
	srv     *updatetest.Server
	tempDir string
	bundle  string
	client  *ipc.Client
}

func newHarness(t *testing.T, releases ...updatetest.Release) *harness {
	t.Helper()
	srv := updatetest.NewServer(t, releases...)
	tempDir := t.TempDir()
	bundle := updatetest.Bundle(t, installedFiles)
	svc := installer.NewService(installer.Config{
		TempDir:      tempDir,
		BundlePaths:  []string{bundle},
		ArtifactKeys: srv.PublicKeys(),
	})
	t.Cleanup(svc.Wait)

	pipe := ipc.NewPipe()
	go func() { _ = svc.Serve(pipe.Server()) }()
	client := ipc.NewClient(pipe.Client())
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Hello(context.Background()))

	return &harness{
		srv:     srv,
		tempDir: tempDir,
		bundle:  bundle,
		client:  client,
	}
}

func (h *harness) config() CycleConfig {
	return CycleConfig{
		FeedURL:          h.srv.FeedURL(),
		HostBundlePath:   h.bundle,
		InstalledVersion: "1.0",
		HostOSVersion:    "14.2",
	}
}

// recorder is a policy that records every state it is told about
type recorder struct {
	Hooks
	mu     sync.Mutex
	states []State
}

func (r *recorder) Progress(p Progress) {
	if p.Written > 0 || p.Fraction > 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.states); n > 0 && r.states[n-1] == p.State {
		return
	}
	r.states = append(r.states, p.State)
}

func (r *recorder) seen() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func TestDriver_Run(t *testing.T) {
	h := newHarness(t, updatetest.Release{Version: "2.0", Files: releaseFiles})
	policy := &recorder{}
	d := New(h.client, policy)

	state, err := d.Run(context.Background(), h.config())
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, state)
	assert.Equal(t, releaseFiles, updatetest.ReadBundle(t, h.bundle))

	assert.Equal(t, []State{
		StateChecking, StateFound, StateDownloading, StateExtracting,
		StateReadyToInstall, StateInstalling, StateTerminated,
	}, policy.seen())
}

func TestDriver_DeltaPreferred(t *testing.T) {
	h := newHarness(t, updatetest.Release{
		Version: "2.0",
		Files:   releaseFiles,
		Deltas:  map[string]map[string]string{"1.0": deltaFiles},
	})
	d := New(h.client, nil)

	state, err := d.Run(context.Background(), h.config())
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, state)
	assert.Equal(t, 1, h.srv.Hits("/app-2.0-from-1.0.tar.gz"))
	assert.Zero(t, h.srv.Hits("/app-2.0.tar.gz"))
	assert.Equal(t, releaseFiles, updatetest.ReadBundle(t, h.bundle))
}

func TestDriver_DeltaFallback(t *testing.T) {
	tests := []struct {
		name        string
		release     updatetest.Release
		policy      Hooks
		wantState   State
		wantErr     status.Type
		wantFullHit int
	}{
		{
			name: "delta fails, full succeeds",
			release: updatetest.Release{
				Version: "2.0", Files: releaseFiles, MissingDeltas: true,
				Deltas: map[string]map[string]string{"1.0": deltaFiles},
			},
			wantState:   StateTerminated,
			wantFullHit: 1,
		},
		{
			name: "delta and full fail",
			release: updatetest.Release{
				Version: "2.0", Files: releaseFiles, Missing: true, MissingDeltas: true,
				Deltas: map[string]map[string]string{"1.0": deltaFiles},
			},
			wantState:   StateAborted,
			wantErr:     status.Network,
			wantFullHit: 1,
		},
		{
			name: "policy declines the fallback",
			release: updatetest.Release{
				Version: "2.0", Files: releaseFiles, MissingDeltas: true,
				Deltas: map[string]map[string]string{"1.0": deltaFiles},
			},
			policy:      Hooks{DeltaFailure: func(feed.ReleaseItem, error) bool { return false }},
			wantState:   StateAborted,
			wantErr:     status.Network,
			wantFullHit: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.release)
			d := New(h.client, tt.policy)

			state, err := d.Run(context.Background(), h.config())
			assert.Equal(t, tt.wantState, state)
			if tt.wantErr != 0 {
				assert.Equal(t, tt.wantErr, status.TypeOf(err))
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, 1, h.srv.Hits("/app-2.0-from-1.0.tar.gz"))
			assert.Equal(t, tt.wantFullHit, h.srv.Hits("/app-2.0.tar.gz"))
		})
	}
}

func TestDriver_NoUpdateFound(t *testing.T) {
	h := newHarness(t, updatetest.Release{Version: "2.0", Files: releaseFiles, MaxSystemVersion: "13.0"})
	d := New(h.client, nil)

	state, err := d.Run(context.Background(), h.config())
	require.NoError(t, err)
	assert.Equal(t, StateNoUpdateFound, state)
	assert.Zero(t, h.srv.Hits("/app-2.0.tar.gz"))

	_, found, err := d.Check(context.Background(), h.config())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDriver_Check(t *testing.T) {
	h := newHarness(t,
		updatetest.Release{Version: "1.5", Files: releaseFiles},
		updatetest.Release{Version: "2.0", Files: releaseFiles},
	)
	d := New(h.client, nil)

	sel, found, err := d.Check(context.Background(), h.config())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2.0", sel.Target().Version)
	assert.False(t, sel.HasFallback())

	state, _ := d.State()
	assert.Equal(t, StateFound, state)
	assert.Zero(t, h.srv.Hits("/app-2.0.tar.gz"))

	// a skipped version gives way to the next best one
	cfg := h.config()
	cfg.SkippedVersion = "2.0"
	sel, found, err = d.Check(context.Background(), cfg)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1.5", sel.Target().Version)
}

func TestDriver_RefusalParks(t *testing.T) {
	h := newHarness(t, updatetest.Release{Version: "2.0", Files: releaseFiles})
	allow := false
	d := New(h.client, Hooks{Confirm: func(feed.ReleaseItem, bool, bool) bool { return allow }})

	state, err := d.Run(context.Background(), h.config())
	require.NoError(t, err)
	assert.Equal(t, StateReadyToInstall, state)
	assert.Equal(t, installedFiles, updatetest.ReadBundle(t, h.bundle))

	_, err = d.Run(context.Background(), h.config())
	assert.Equal(t, status.Busy, status.TypeOf(err), "a parked cycle is still active")

	allow = true
	state, err = d.Install(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, state)
	assert.Equal(t, releaseFiles, updatetest.ReadBundle(t, h.bundle))
}

func TestDriver_AbortParked(t *testing.T) {
	h := newHarness(t, updatetest.Release{Version: "2.0", Files: releaseFiles})
	d := New(h.client, Hooks{Confirm: func(feed.ReleaseItem, bool, bool) bool { return false }})

	state, err := d.Run(context.Background(), h.config())
	require.NoError(t, err)
	require.Equal(t, StateReadyToInstall, state)

	d.Abort(context.Background())
	state, err = d.State()
	assert.Equal(t, StateAborted, state)
	assert.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(h.tempDir, "item-2.0"))

	_, err = d.Install(context.Background())
	assert.Equal(t, status.InvalidState, status.TypeOf(err))
}

func TestDriver_ExtractionFailureAborts(t *testing.T) {
	for _, retain := range []bool{false, true} {
		h := newHarness(t, updatetest.Release{Version: "2.0", Files: releaseFiles, BadSignature: true})
		d := New(h.client, nil)
		cfg := h.config()
		cfg.RetainFailedDownload = retain

		state, err := d.Run(context.Background(), cfg)
		assert.Equal(t, StateAborted, state)
		assert.Equal(t, status.Signature, status.TypeOf(err))
		assert.Equal(t, 1, h.srv.Hits("/app-2.0.tar.gz"), "a corrupt download is not fetched again")
		assert.Equal(t, installedFiles, updatetest.ReadBundle(t, h.bundle))

		artifact := filepath.Join(h.tempDir, "item-2.0", "app-2.0.tar.gz")
		if retain {
			assert.FileExists(t, artifact)
		} else {
			assert.NoFileExists(t, artifact)
		}
	}
}

func TestDriver_WritePermissionDenied(t *testing.T) {
	h := newHarness(t, updatetest.Release{Version: "2.0", Files: releaseFiles})
	d := New(h.client, nil)
	cfg := h.config()
	cfg.HostBundlePath = filepath.Join(h.tempDir, "missing", "App")

	state, err := d.Run(context.Background(), cfg)
	assert.Equal(t, StateAborted, state)
	assert.Equal(t, status.WritePermission, status.TypeOf(err))
	assert.Zero(t, h.srv.Hits("/app-2.0.tar.gz"))
}

func TestDriver_ConcurrentCycleIsBusy(t *testing.T) {
	h := newHarness(t, updatetest.Release{Version: "2.0", Files: releaseFiles})
	release := h.srv.Block("/app-2.0.tar.gz")
	defer release()
	d := New(h.client, nil)

	type result struct {
		state State
		err   error
	}
	done := make(chan result, 1)
	go func() {
		state, err := d.Run(context.Background(), h.config())
		done <- result{state, err}
	}()
	require.Eventually(t, func() bool { return h.srv.Hits("/app-2.0.tar.gz") == 1 }, 5*time.Second, 10*time.Millisecond)

	_, err := d.Run(context.Background(), h.config())
	assert.Equal(t, status.Busy, status.TypeOf(err))
	_, _, err = d.Check(context.Background(), h.config())
	assert.Equal(t, status.Busy, status.TypeOf(err))

	state, _ := d.State()
	assert.Equal(t, StateDownloading, state)

	release()
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, StateTerminated, res.state)
}

func TestDriver_AbortRunning(t *testing.T) {
	h := newHarness(t, updatetest.Release{Version: "2.0", Files: releaseFiles})
	release := h.srv.Block("/app-2.0.tar.gz")
	defer release()
	d := New(h.client, nil)

	done := make(chan error, 1)
	go func() {
		_, err := d.Run(context.Background(), h.config())
		done <- err
	}()
	require.Eventually(t, func() bool { return h.srv.Hits("/app-2.0.tar.gz") == 1 }, 5*time.Second, 10*time.Millisecond)

	d.Abort(context.Background())
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)

	state, _ := d.State()
	assert.Equal(t, StateAborted, state)
	assert.NoDirExists(t, filepath.Join(h.tempDir, "item-2.0"))

	// the installer is free for the next cycle
	release()
	state, err = d.Run(context.Background(), h.config())
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, state)
}

func TestDriver_Disconnected(t *testing.T) {
	h := newHarness(t, updatetest.Release{Version: "2.0", Files: releaseFiles})
	release := h.srv.Block("/app-2.0.tar.gz")
	defer release()
	d := New(h.client, nil)

	done := make(chan error, 1)
	go func() {
		_, err := d.Run(context.Background(), h.config())
		done <- err
	}()
	require.Eventually(t, func() bool { return h.srv.Hits("/app-2.0.tar.gz") == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.client.Close())
	err := <-done
	assert.Equal(t, status.Disconnected, status.TypeOf(err))
	state, _ := d.State()
	assert.Equal(t, StateAborted, state)
}
