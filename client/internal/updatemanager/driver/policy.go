package driver

import (
	"github.com/netbirdio/selfupdate/client/internal/updatemanager/feed"
)

// Progress is reported on every state change and transfer or extraction step
type Progress struct {
	State      State
	Identifier string
	// Written and Expected count artifact bytes while downloading
	Written  int64
	Expected int64
	// Fraction of the extraction, in [0,1]
	Fraction float64
}

// Policy holds the caller decisions of a cycle
type Policy interface {
	// ConfirmInstall is asked before anything is written to the installed bundle
	ConfirmInstall(item feed.ReleaseItem, relaunch, showUI bool) bool
	// Progress receives cycle progress
	Progress(p Progress)
	// OnDeltaFailure decides whether a failed delta download is retried once with the full item
	OnDeltaFailure(delta feed.ReleaseItem, err error) bool
}

// Hooks is a Policy built from optional functions. The zero value is the silent policy: installs
// are confirmed, progress is dropped and delta failures fall back to the full item.
type Hooks struct {
	Confirm      func(item feed.ReleaseItem, relaunch, showUI bool) bool
	Report       func(p Progress)
	DeltaFailure func(delta feed.ReleaseItem, err error) bool
}

func (h Hooks) ConfirmInstall(item feed.ReleaseItem, relaunch, showUI bool) bool {
	if h.Confirm == nil {
		return true
	}
	return h.Confirm(item, relaunch, showUI)
}

func (h Hooks) Progress(p Progress) {
	if h.Report != nil {
		h.Report(p)
	}
}

func (h Hooks) OnDeltaFailure(delta feed.ReleaseItem, err error) bool {
	if h.DeltaFailure == nil {
		return true
	}
	return h.DeltaFailure(delta, err)
}
