package eligibility

import (
	"strings"
)

const separators = ".-_+"

type runKind int

const (
	// ranks order different kinds of run against each other at the same position
	kindText runKind = iota
	kindSeparator
	kindNumber
)

type run struct {
	kind runKind
	text string
}

// CompareVersions orders two version strings. Each string is split into alternating digit and
// non-digit runs which are compared pairwise: digit runs as integers of arbitrary size, separator
// runs (made of ".-_+" only) as equal to each other, any other text lexically. A shorter sequence is
// padded with zero runs, so "1.0" equals "1.0.0" while "1.0" orders after "1.0a".
// It returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	ra, rb := splitRuns(a), splitRuns(b)
	padA, padB := padding(ra), padding(rb)

	n := max(len(ra), len(rb))
	for i := 0; i <= n; i++ {
		x := runAt(ra, i, padA)
		y := runAt(rb, i, padB)
		if c := compareRuns(x, y); c != 0 {
			return c
		}
	}
	return 0
}

func splitRuns(v string) []run {
	var runs []run
	start := 0
	for i := 1; i <= len(v); i++ {
		if i < len(v) && isDigit(v[i]) == isDigit(v[start]) {
			continue
		}
		runs = append(runs, classify(v[start:i]))
		start = i
	}
	return runs
}

func classify(s string) run {
	switch {
	case isDigit(s[0]):
		return run{kind: kindNumber, text: strings.TrimLeft(s, "0")}
	case strings.Trim(s, separators) == "":
		return run{kind: kindSeparator}
	default:
		return run{kind: kindText, text: s}
	}
}

// padding returns the implicit runs that extend a sequence: positions keep alternating between
// digit and non-digit runs, with a zero in digit slots and an empty separator elsewhere.
func padding(runs []run) [2]run {
	zero := run{kind: kindNumber}
	sep := run{kind: kindSeparator}
	if len(runs) > 0 && runs[0].kind != kindNumber {
		return [2]run{sep, zero}
	}
	return [2]run{zero, sep}
}

func runAt(runs []run, i int, pad [2]run) run {
	if i < len(runs) {
		return runs[i]
	}
	return pad[i%2]
}

func compareRuns(x, y run) int {
	if x.kind != y.kind {
		if x.kind < y.kind {
			return -1
		}
		return 1
	}

	switch x.kind {
	case kindNumber:
		if len(x.text) != len(y.text) {
			if len(x.text) < len(y.text) {
				return -1
			}
			return 1
		}
		return strings.Compare(x.text, y.text)
	case kindText:
		return strings.Compare(x.text, y.text)
	default:
		return 0
	}
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
