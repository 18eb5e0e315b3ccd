package feed

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Feed is an ordered, immutable collection of release items
type Feed struct {
	items       []ReleaseItem
	index       map[string]ReleaseItem
	diagnostics []string
}

// New builds a Feed from items in source order. Identifiers must be unique across items and their
// delta entries; an item whose identifier was already taken is dropped and recorded as a diagnostic.
func New(items []ReleaseItem) *Feed {
	f := &Feed{
		items: make([]ReleaseItem, 0, len(items)),
		index: make(map[string]ReleaseItem, len(items)),
	}

	for _, item := range items {
		f.add(item)
	}
	return f
}

// Restore rebuilds a feed that was parsed elsewhere, keeping the diagnostics recorded there
func Restore(items []ReleaseItem, diagnostics []string) *Feed {
	f := New(items)
	f.diagnostics = append(append([]string(nil), diagnostics...), f.diagnostics...)
	return f
}

func (f *Feed) add(item ReleaseItem) {
	if item.Identifier == "" {
		f.diagnose("item %q has no identifier, skipped", item.Version)
		return
	}
	if _, exists := f.index[item.Identifier]; exists {
		f.diagnose("duplicate identifier %q, item skipped", item.Identifier)
		return
	}

	item = item.Clone()
	deltas := item.Deltas
	bases := item.DeltaBases()
	item.Deltas = nil
	for _, from := range bases {
		d := deltas[from]
		if d.Identifier == "" {
			f.diagnose("delta of %q from %q has no identifier, skipped", item.Identifier, from)
			continue
		}
		if _, exists := f.index[d.Identifier]; exists || d.Identifier == item.Identifier {
			f.diagnose("duplicate identifier %q in deltas of %q, delta skipped", d.Identifier, item.Identifier)
			continue
		}
		// deltas never nest
		d.Deltas = nil
		d.DeltaFrom = from
		if item.Deltas == nil {
			item.Deltas = make(map[string]ReleaseItem, len(deltas))
		}
		item.Deltas[from] = d
		f.index[d.Identifier] = d
	}

	f.items = append(f.items, item)
	f.index[item.Identifier] = item
}

func (f *Feed) diagnose(format string, a ...interface{}) {
	msg := fmt.Sprintf(format, a...)
	log.Debugf("feed: %s", msg)
	f.diagnostics = append(f.diagnostics, msg)
}

// Items returns a copy of the items in source order
func (f *Feed) Items() []ReleaseItem {
	out := make([]ReleaseItem, len(f.items))
	for i, item := range f.items {
		out[i] = item.Clone()
	}
	return out
}

// Len returns the number of top level items
func (f *Feed) Len() int {
	return len(f.items)
}

// Lookup returns the item, top level or delta, with exactly this identifier
func (f *Feed) Lookup(identifier string) (ReleaseItem, bool) {
	item, ok := f.index[identifier]
	if !ok {
		return ReleaseItem{}, false
	}
	return item.Clone(), true
}

// WithoutDeltas returns a new Feed where every item's delta mapping is empty
func (f *Feed) WithoutDeltas() *Feed {
	out := &Feed{
		items:       make([]ReleaseItem, 0, len(f.items)),
		index:       make(map[string]ReleaseItem, len(f.items)),
		diagnostics: append([]string(nil), f.diagnostics...),
	}
	for _, item := range f.items {
		stripped := item.withoutDeltas()
		out.items = append(out.items, stripped)
		out.index[stripped.Identifier] = stripped
	}
	return out
}

// Diagnostics lists the per-item defects found while building the feed
func (f *Feed) Diagnostics() []string {
	return append([]string(nil), f.diagnostics...)
}
