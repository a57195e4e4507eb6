// Package expiry normalizes the many ways sources describe a code's
// expiration into a canonical display string and a comparable instant.
package expiry

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	displayDate     = "2006-01-02"
	displayDateTime = "2006-01-02 15:04:05"
)

// placeholder is the ellipsis glyph sources use for "not announced yet".
const placeholder = "…"

var neverValues = map[string]bool{
	"never":         true,
	"no expiration": true,
	"permanent":     true,
	"n/a":           true,
	"none":          true,
}

// layouts are tried in order and the first match wins. Month/day comes
// before day/month, so 03/04/2026 is always March 4.
var layouts = []string{
	"2006-01-02",
	"2006-1-2",
	"1/2/2006",
	"2/1/2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2006-01-02 15:04:05",
}

// chatTimestamp matches <t:1730332800:d> style tokens written by older
// deployments that stored expirations as chat timestamps.
var chatTimestamp = regexp.MustCompile(`^<t:(-?\d+)(?::[tTdDfFR])?>$`)

// Expiry is a normalized expiration. The zero value means absent.
type Expiry struct {
	// Display is the canonical text for parsed values, or the raw text when
	// it could not be parsed. Empty when absent.
	Display string
	// At is the expiration instant in UTC. Only meaningful when Parsed.
	At     time.Time
	Parsed bool
}

// Normalize parses raw into an Expiry. Unparseable input keeps its text and
// reports Parsed=false so callers never expire on a parse failure.
func Normalize(raw string) Expiry {
	s := strings.TrimSpace(raw)
	if s == "" || s == placeholder {
		return Expiry{}
	}
	if neverValues[strings.ToLower(s)] {
		return Expiry{}
	}

	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return FromTime(t)
		}
	}

	if m := chatTimestamp.FindStringSubmatch(s); m != nil {
		if epoch, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return FromTime(time.Unix(epoch, 0))
		}
	}

	return Expiry{Display: s}
}

// FromTime builds a parsed Expiry for t.
func FromTime(t time.Time) Expiry {
	t = t.UTC()
	layout := displayDateTime
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
		layout = displayDate
	}
	return Expiry{Display: t.Format(layout), At: t, Parsed: true}
}

// IsAbsent reports whether no expiration is known.
func (e Expiry) IsAbsent() bool {
	return e.Display == ""
}

// ExpiredAt reports whether the expiry parsed to an instant strictly before now.
func (e Expiry) ExpiredAt(now time.Time) bool {
	return e.Parsed && e.At.Before(now)
}

// Instant returns a pointer to At, or nil when the value did not parse.
func (e Expiry) Instant() *time.Time {
	if !e.Parsed {
		return nil
	}
	t := e.At
	return &t
}

func (e Expiry) String() string {
	return e.Display
}
