package feed

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/selfupdate/client/internal/updatemanager/status"
)

// SparkleNamespace is the XML namespace of the appcast extension elements
const SparkleNamespace = "http://www.andymatuschak.org/xml-namespaces/sparkle"

const criticalTag = "criticalUpdate"

type rssDocument struct {
	XMLName xml.Name    `xml:"rss"`
	Channel *rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title string    `xml:"title"`
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	Title            string        `xml:"title"`
	Identifier       string        `xml:"http://www.andymatuschak.org/xml-namespaces/sparkle identifier"`
	Version          string        `xml:"http://www.andymatuschak.org/xml-namespaces/sparkle version"`
	ShortVersion     string        `xml:"http://www.andymatuschak.org/xml-namespaces/sparkle shortVersionString"`
	MinSystemVersion string        `xml:"http://www.andymatuschak.org/xml-namespaces/sparkle minimumSystemVersion"`
	MaxSystemVersion string        `xml:"http://www.andymatuschak.org/xml-namespaces/sparkle maximumSystemVersion"`
	ReleaseNotesLink string        `xml:"http://www.andymatuschak.org/xml-namespaces/sparkle releaseNotesLink"`
	CriticalUpdate   *struct{}     `xml:"http://www.andymatuschak.org/xml-namespaces/sparkle criticalUpdate"`
	Tags             *rssTags      `xml:"http://www.andymatuschak.org/xml-namespaces/sparkle tags"`
	Enclosure        *rssEnclosure `xml:"enclosure"`
	Deltas           *rssDeltas    `xml:"http://www.andymatuschak.org/xml-namespaces/sparkle deltas"`
}

type rssTags struct {
	Entries []struct {
		XMLName xml.Name
	} `xml:",any"`
}

type rssDeltas struct {
	Enclosures []rssEnclosure `xml:"enclosure"`
}

type rssEnclosure struct {
	URL          string `xml:"url,attr"`
	Length       string `xml:"length,attr"`
	Type         string `xml:"type,attr"`
	Version      string `xml:"http://www.andymatuschak.org/xml-namespaces/sparkle version,attr"`
	ShortVersion string `xml:"http://www.andymatuschak.org/xml-namespaces/sparkle shortVersionString,attr"`
	DeltaFrom    string `xml:"http://www.andymatuschak.org/xml-namespaces/sparkle deltaFrom,attr"`
	EdSignature  string `xml:"http://www.andymatuschak.org/xml-namespaces/sparkle edSignature,attr"`
	PGPSignature string `xml:"http://www.andymatuschak.org/xml-namespaces/sparkle pgpSignature,attr"`
}

// Parse decodes appcast bytes into a Feed. A malformed document fails with a status.Parse error;
// an item lacking its version or download location is skipped and recorded in Diagnostics.
func Parse(data []byte) (*Feed, error) {
	var doc rssDocument
	dec := xml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, status.Wrap(status.Parse, err, "failed to decode feed")
	}
	if doc.Channel == nil {
		return nil, status.Errorf(status.Parse, "feed has no channel element")
	}

	var (
		items       []ReleaseItem
		diagnostics []string
	)
	for i, raw := range doc.Channel.Items {
		item, err := raw.toReleaseItem()
		if err != nil {
			diagnostics = append(diagnostics, fmt.Sprintf("item %d: %v", i, err))
			continue
		}
		for _, d := range raw.deltaItems(item, &diagnostics) {
			if item.Deltas == nil {
				item.Deltas = make(map[string]ReleaseItem)
			}
			if _, exists := item.Deltas[d.DeltaFrom]; exists {
				diagnostics = append(diagnostics, fmt.Sprintf("item %q: second delta from %q skipped", item.Identifier, d.DeltaFrom))
				continue
			}
			item.Deltas[d.DeltaFrom] = d
		}
		items = append(items, item)
	}

	f := New(items)
	f.diagnostics = append(diagnostics, f.diagnostics...)
	if len(f.diagnostics) > 0 {
		log.Warnf("feed parsed with %d skipped entries", len(f.diagnostics))
	}
	return f, nil
}

func (r rssItem) toReleaseItem() (ReleaseItem, error) {
	if r.Enclosure == nil || strings.TrimSpace(r.Enclosure.URL) == "" {
		return ReleaseItem{}, fmt.Errorf("missing enclosure url")
	}

	ver := strings.TrimSpace(r.Version)
	if ver == "" {
		ver = strings.TrimSpace(r.Enclosure.Version)
	}
	if ver == "" {
		return ReleaseItem{}, fmt.Errorf("missing version")
	}

	length, err := parseLength(r.Enclosure.Length)
	if err != nil {
		return ReleaseItem{}, err
	}

	sig, err := r.Enclosure.signature()
	if err != nil {
		return ReleaseItem{}, err
	}

	display := strings.TrimSpace(r.ShortVersion)
	if display == "" {
		display = strings.TrimSpace(r.Enclosure.ShortVersion)
	}

	item := ReleaseItem{
		Identifier:       strings.TrimSpace(r.Identifier),
		Title:            strings.TrimSpace(r.Title),
		Version:          ver,
		DisplayVersion:   display,
		URL:              strings.TrimSpace(r.Enclosure.URL),
		Length:           length,
		Signature:        sig,
		MinSystemVersion: strings.TrimSpace(r.MinSystemVersion),
		MaxSystemVersion: strings.TrimSpace(r.MaxSystemVersion),
		ReleaseNotesURL:  strings.TrimSpace(r.ReleaseNotesLink),
		Critical:         r.CriticalUpdate != nil,
	}
	if item.Identifier == "" {
		item.Identifier = ver
	}
	if r.Tags != nil {
		for _, t := range r.Tags.Entries {
			item.Tags = append(item.Tags, t.XMLName.Local)
			if t.XMLName.Local == criticalTag {
				item.Critical = true
			}
		}
	}
	return item, nil
}

func (r rssItem) deltaItems(parent ReleaseItem, diagnostics *[]string) []ReleaseItem {
	if r.Deltas == nil {
		return nil
	}

	var out []ReleaseItem
	for _, enc := range r.Deltas.Enclosures {
		from := strings.TrimSpace(enc.DeltaFrom)
		if from == "" || strings.TrimSpace(enc.URL) == "" {
			*diagnostics = append(*diagnostics, fmt.Sprintf("item %q: delta without base version or url skipped", parent.Identifier))
			continue
		}
		length, err := parseLength(enc.Length)
		if err != nil {
			*diagnostics = append(*diagnostics, fmt.Sprintf("item %q: delta from %q: %v", parent.Identifier, from, err))
			continue
		}
		sig, err := enc.signature()
		if err != nil {
			*diagnostics = append(*diagnostics, fmt.Sprintf("item %q: delta from %q: %v", parent.Identifier, from, err))
			continue
		}

		ver := strings.TrimSpace(enc.Version)
		if ver == "" {
			ver = parent.Version
		}
		out = append(out, ReleaseItem{
			Identifier:       fmt.Sprintf("%s-delta-%s", parent.Identifier, from),
			Title:            parent.Title,
			Version:          ver,
			DisplayVersion:   parent.DisplayVersion,
			URL:              strings.TrimSpace(enc.URL),
			Length:           length,
			Signature:        sig,
			MinSystemVersion: parent.MinSystemVersion,
			MaxSystemVersion: parent.MaxSystemVersion,
			Critical:         parent.Critical,
			ReleaseNotesURL:  parent.ReleaseNotesURL,
			Tags:             append([]string(nil), parent.Tags...),
			DeltaFrom:        from,
		})
	}
	return out
}

func (e rssEnclosure) signature() (Signature, error) {
	switch {
	case e.EdSignature != "":
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(e.EdSignature))
		if err != nil {
			return Signature{}, fmt.Errorf("invalid ed25519 signature encoding: %w", err)
		}
		return Signature{Scheme: SchemeEd25519, Data: data}, nil
	case e.PGPSignature != "":
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(e.PGPSignature))
		if err != nil {
			return Signature{}, fmt.Errorf("invalid openpgp signature encoding: %w", err)
		}
		return Signature{Scheme: SchemeOpenPGP, Data: data}, nil
	default:
		return Signature{}, nil
	}
}

func parseLength(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid enclosure length %q", s)
	}
	return n, nil
}
