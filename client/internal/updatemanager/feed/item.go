package feed

import (
	"fmt"
	"maps"
	"slices"
)

const (
	// SchemeEd25519 marks a signature produced by the artifact signer
	SchemeEd25519 = "ed25519"
	// SchemeOpenPGP marks an OpenPGP detached signature
	SchemeOpenPGP = "openpgp"
)

// Signature is the recorded signature of a release payload
type Signature struct {
	Scheme string `msgpack:"scheme" json:"scheme"`
	Data   []byte `msgpack:"data" json:"data"`
}

// Empty reports whether no signature was recorded
func (s Signature) Empty() bool {
	return len(s.Data) == 0
}

// ReleaseItem is one version entry within a feed. Values are treated as immutable once a Feed owns them.
type ReleaseItem struct {
	Identifier       string                 `msgpack:"identifier" json:"identifier"`
	Title            string                 `msgpack:"title,omitempty" json:"title,omitempty"`
	Version          string                 `msgpack:"version" json:"version"`
	DisplayVersion   string                 `msgpack:"display_version,omitempty" json:"display_version,omitempty"`
	URL              string                 `msgpack:"url" json:"url"`
	Length           int64                  `msgpack:"length" json:"length"`
	Signature        Signature              `msgpack:"signature" json:"signature"`
	MinSystemVersion string                 `msgpack:"min_system_version,omitempty" json:"min_system_version,omitempty"`
	MaxSystemVersion string                 `msgpack:"max_system_version,omitempty" json:"max_system_version,omitempty"`
	Critical         bool                   `msgpack:"critical" json:"critical"`
	ReleaseNotesURL  string                 `msgpack:"release_notes_url,omitempty" json:"release_notes_url,omitempty"`
	Tags             []string               `msgpack:"tags,omitempty" json:"tags,omitempty"`
	DeltaFrom        string                 `msgpack:"delta_from,omitempty" json:"delta_from,omitempty"`
	Deltas           map[string]ReleaseItem `msgpack:"deltas,omitempty" json:"deltas,omitempty"`
}

// IsDelta reports whether the item patches one specific installed version
func (r ReleaseItem) IsDelta() bool {
	return r.DeltaFrom != ""
}

// Delta returns the delta entry keyed at the given base version
func (r ReleaseItem) Delta(from string) (ReleaseItem, bool) {
	d, ok := r.Deltas[from]
	return d, ok
}

// DisplayName prefers the human readable version
func (r ReleaseItem) DisplayName() string {
	if r.DisplayVersion != "" {
		return r.DisplayVersion
	}
	return r.Version
}

// HasTag reports whether the item carries the tag
func (r ReleaseItem) HasTag(tag string) bool {
	return slices.Contains(r.Tags, tag)
}

func (r ReleaseItem) String() string {
	if r.IsDelta() {
		return fmt.Sprintf("%s (delta from %s)", r.Identifier, r.DeltaFrom)
	}
	return r.Identifier
}

// Clone returns a deep copy so callers cannot reach into a Feed's storage
func (r ReleaseItem) Clone() ReleaseItem {
	c := r
	c.Signature.Data = slices.Clone(r.Signature.Data)
	c.Tags = slices.Clone(r.Tags)
	if r.Deltas != nil {
		c.Deltas = make(map[string]ReleaseItem, len(r.Deltas))
		for from, d := range r.Deltas {
			c.Deltas[from] = d.Clone()
		}
	}
	return c
}

// withoutDeltas is a copy with the delta mapping cleared and every other field unchanged
func (r ReleaseItem) withoutDeltas() ReleaseItem {
	c := r.Clone()
	c.Deltas = nil
	return c
}

// DeltaBases lists the base versions the item has deltas for, sorted
func (r ReleaseItem) DeltaBases() []string {
	return slices.Sorted(maps.Keys(r.Deltas))
}
