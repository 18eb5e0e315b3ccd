package feed

import (
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/status"
)

var sigB64 = base64.StdEncoding.EncodeToString([]byte("signature-bytes"))

func appcast(items string) []byte {
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<rss version="2.0" xmlns:sparkle="http://www.andymatuschak.org/xml-namespaces/sparkle">
  <channel>
    <title>App Changelog</title>
    %s
  </channel>
</rss>`, items))
}

const fullFeed = `
<item>
  <title>Version 1.1</title>
  <sparkle:version>1.1</sparkle:version>
  <sparkle:shortVersionString>1.1 beta</sparkle:shortVersionString>
  <sparkle:minimumSystemVersion>10.9</sparkle:minimumSystemVersion>
  <sparkle:releaseNotesLink>https://example.com/notes/1.1.html</sparkle:releaseNotesLink>
  <sparkle:tags><sparkle:criticalUpdate/></sparkle:tags>
  <enclosure url="https://example.com/app-1.1.tar.gz" length="1024" type="application/octet-stream" sparkle:edSignature="%[1]s"/>
  <sparkle:deltas>
    <enclosure url="https://example.com/app-1.1-from-1.0.delta" sparkle:version="1.1" sparkle:deltaFrom="1.0" length="100" sparkle:edSignature="%[1]s"/>
    <enclosure url="https://example.com/app-1.1-from-0.9.delta" sparkle:version="1.1" sparkle:deltaFrom="0.9" length="200" sparkle:pgpSignature="%[1]s"/>
  </sparkle:deltas>
</item>
<item>
  <title>Version 1.0</title>
  <enclosure url="https://example.com/app-1.0.tar.gz" sparkle:version="1.0" sparkle:shortVersionString="1.0" length="900"/>
</item>`

func parseFullFeed(t *testing.T) *Feed {
	t.Helper()
	f, err := Parse(appcast(fmt.Sprintf(fullFeed, sigB64)))
	require.NoError(t, err)
	return f
}

func TestParse(t *testing.T) {
	f := parseFullFeed(t)
	require.Equal(t, 2, f.Len())
	assert.Empty(t, f.Diagnostics())

	items := f.Items()
	first := items[0]
	assert.Equal(t, "1.1", first.Identifier)
	assert.Equal(t, "1.1", first.Version)
	assert.Equal(t, "1.1 beta", first.DisplayVersion)
	assert.Equal(t, "Version 1.1", first.Title)
	assert.Equal(t, "https://example.com/app-1.1.tar.gz", first.URL)
	assert.Equal(t, int64(1024), first.Length)
	assert.Equal(t, "10.9", first.MinSystemVersion)
	assert.Empty(t, first.MaxSystemVersion)
	assert.Equal(t, "https://example.com/notes/1.1.html", first.ReleaseNotesURL)
	assert.True(t, first.Critical)
	assert.Equal(t, []string{"criticalUpdate"}, first.Tags)
	assert.Equal(t, SchemeEd25519, first.Signature.Scheme)
	assert.Equal(t, []byte("signature-bytes"), first.Signature.Data)
	require.Len(t, first.Deltas, 2)

	delta, ok := first.Delta("1.0")
	require.True(t, ok)
	assert.Equal(t, "1.1-delta-1.0", delta.Identifier)
	assert.Equal(t, "1.0", delta.DeltaFrom)
	assert.True(t, delta.IsDelta())
	assert.Empty(t, delta.Deltas)
	assert.Equal(t, int64(100), delta.Length)

	pgpDelta, ok := first.Delta("0.9")
	require.True(t, ok)
	assert.Equal(t, SchemeOpenPGP, pgpDelta.Signature.Scheme)

	second := items[1]
	assert.Equal(t, "1.0", second.Identifier)
	assert.Equal(t, "1.0", second.Version)
	assert.False(t, second.Critical)
	assert.True(t, second.Signature.Empty())
}

func TestParse_MalformedDocument(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not xml", data: "{\"items\": []}"},
		{name: "truncated", data: "<rss><channel><item>"},
		{name: "wrong root", data: "<feed><entry/></feed>"},
		{name: "no channel", data: "<rss version=\"2.0\"></rss>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			require.Error(t, err)
			assert.Equal(t, status.Parse, status.TypeOf(err))
		})
	}
}

func TestParse_SkipsDefectiveItems(t *testing.T) {
	data := appcast(`
<item><title>no enclosure</title><sparkle:version>2.0</sparkle:version></item>
<item><enclosure url="https://example.com/noversion.tar.gz" length="1"/></item>
<item><enclosure url="https://example.com/badlen.tar.gz" sparkle:version="2.2" length="lots"/></item>
<item><enclosure url="https://example.com/ok.tar.gz" sparkle:version="2.1" length="5"/></item>`)

	f, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, 1, f.Len())
	assert.Equal(t, "2.1", f.Items()[0].Version)
	assert.Len(t, f.Diagnostics(), 3)
}

func TestParse_DuplicateIdentifier(t *testing.T) {
	data := appcast(`
<item><enclosure url="https://example.com/a.tar.gz" sparkle:version="3.0"/></item>
<item><enclosure url="https://example.com/b.tar.gz" sparkle:version="3.0"/></item>`)

	f, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, 1, f.Len())

	item, ok := f.Lookup("3.0")
	require.True(t, ok)
	assert.Equal(t, "https://example.com/a.tar.gz", item.URL)
	assert.Len(t, f.Diagnostics(), 1)
}

func TestLookup(t *testing.T) {
	f := parseFullFeed(t)

	item, ok := f.Lookup("1.0")
	require.True(t, ok)
	assert.Equal(t, "1.0", item.Version)

	delta, ok := f.Lookup("1.1-delta-1.0")
	require.True(t, ok)
	assert.Equal(t, "https://example.com/app-1.1-from-1.0.delta", delta.URL)

	_, ok = f.Lookup("1.")
	assert.False(t, ok)
	_, ok = f.Lookup("")
	assert.False(t, ok)
}

func TestLookup_UniqueForEveryIdentifier(t *testing.T) {
	f := parseFullFeed(t)

	seen := map[string]int{}
	for _, item := range f.Items() {
		seen[item.Identifier]++
		for _, d := range item.Deltas {
			seen[d.Identifier]++
		}
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "identifier %s", id)
		found, ok := f.Lookup(id)
		require.True(t, ok)
		assert.Equal(t, id, found.Identifier)
	}
}

func TestLookup_ReturnsCopy(t *testing.T) {
	f := parseFullFeed(t)

	item, ok := f.Lookup("1.1")
	require.True(t, ok)
	item.Tags[0] = "mutated"
	item.Signature.Data[0] = 'X'
	delete(item.Deltas, "1.0")

	again, _ := f.Lookup("1.1")
	assert.Equal(t, "criticalUpdate", again.Tags[0])
	assert.Equal(t, byte('s'), again.Signature.Data[0])
	assert.Len(t, again.Deltas, 2)
}

func TestWithoutDeltas(t *testing.T) {
	f := parseFullFeed(t)
	stripped := f.WithoutDeltas()

	require.Equal(t, f.Len(), stripped.Len())
	original := f.Items()
	for i, item := range stripped.Items() {
		assert.Empty(t, item.Deltas)

		want := original[i]
		want.Deltas = nil
		assert.Equal(t, want, item)
	}

	_, ok := stripped.Lookup("1.1-delta-1.0")
	assert.False(t, ok)

	// the source feed is left untouched
	_, ok = f.Lookup("1.1-delta-1.0")
	assert.True(t, ok)
	assert.Len(t, f.Items()[0].Deltas, 2)
}

func TestNew_NestedDeltasAreDropped(t *testing.T) {
	nested := ReleaseItem{Identifier: "x", Version: "1", URL: "u"}
	f := New([]ReleaseItem{{
		Identifier: "2.0",
		Version:    "2.0",
		URL:        "https://example.com/2.0",
		Deltas: map[string]ReleaseItem{
			"1.0": {
				Identifier: "2.0-delta-1.0",
				Version:    "2.0",
				URL:        "https://example.com/delta",
				Deltas:     map[string]ReleaseItem{"0.5": nested},
			},
		},
	}})

	d, ok := f.Lookup("2.0-delta-1.0")
	require.True(t, ok)
	assert.Empty(t, d.Deltas)
	assert.Equal(t, "1.0", d.DeltaFrom)
	_, ok = f.Lookup("x")
	assert.False(t, ok)
}
