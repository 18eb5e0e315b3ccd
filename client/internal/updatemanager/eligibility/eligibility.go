package eligibility

import (
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/feed"
)

// Params are the caller supplied values a candidate is judged against
type Params struct {
	InstalledVersion string
	HostOSVersion    string
	// SkippedVersion is the version the user chose to skip, empty for none
	SkippedVersion string
	// AllowDowngrades accepts any version different from the installed one
	AllowDowngrades bool
}

// Selection is the outcome of candidate selection
type Selection struct {
	// Primary is the download target, the delta item when one applies to the installed version
	Primary feed.ReleaseItem
	// Fallback is the full item to retry with when a delta Primary fails
	Fallback *feed.ReleaseItem
}

// HasFallback reports whether a full item backs a delta primary
func (s Selection) HasFallback() bool {
	return s.Fallback != nil
}

// Target returns the full release the selection installs
func (s Selection) Target() feed.ReleaseItem {
	if s.Fallback != nil {
		return *s.Fallback
	}
	return s.Primary
}

// IsNewer reports whether candidate orders after installed
func IsNewer(candidate, installed string) bool {
	return CompareVersions(candidate, installed) > 0
}

// SupportsHost reports whether hostOSVersion lies within the item's optional bounds.
// An unknown host version is accepted.
func SupportsHost(item feed.ReleaseItem, hostOSVersion string) bool {
	if hostOSVersion == "" {
		return true
	}
	if item.MinSystemVersion != "" && CompareVersions(hostOSVersion, item.MinSystemVersion) < 0 {
		return false
	}
	if item.MaxSystemVersion != "" && CompareVersions(hostOSVersion, item.MaxSystemVersion) > 0 {
		return false
	}
	return true
}

// IsSkipped reports whether the item is the version recorded as skipped
func IsSkipped(item feed.ReleaseItem, skippedVersion string) bool {
	if skippedVersion == "" {
		return false
	}
	return CompareVersions(item.Version, skippedVersion) == 0
}

// IsValidUpdate reports whether the item may be offered as an update
func IsValidUpdate(item feed.ReleaseItem, p Params) bool {
	if item.URL == "" {
		return false
	}
	if !versionAccepted(item.Version, p) {
		return false
	}
	return SupportsHost(item, p.HostOSVersion) && !IsSkipped(item, p.SkippedVersion)
}

func versionAccepted(version string, p Params) bool {
	if p.AllowDowngrades {
		return CompareVersions(version, p.InstalledVersion) != 0
	}
	return IsNewer(version, p.InstalledVersion)
}

// Select picks the greatest valid version in f, the first in feed order on ties. When the chosen
// item carries a delta from exactly the installed version, the delta becomes the primary target
// and the full item its fallback. ok is false when no item is valid.
func Select(f *feed.Feed, p Params) (sel Selection, ok bool) {
	var best *feed.ReleaseItem
	for _, item := range f.Items() {
		if !IsValidUpdate(item, p) {
			log.Tracef("item %s is not a valid update for %s", item, p.InstalledVersion)
			continue
		}
		if best == nil || CompareVersions(item.Version, best.Version) > 0 {
			candidate := item
			best = &candidate
		}
	}

	if best == nil {
		return Selection{}, false
	}

	if delta, found := best.Delta(p.InstalledVersion); found {
		log.Debugf("selected delta %s with fallback %s", delta, best)
		return Selection{Primary: delta, Fallback: best}, true
	}

	log.Debugf("selected %s", best)
	return Selection{Primary: *best}, true
}
