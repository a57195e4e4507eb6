package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/PuerkitoBio/goquery"
	"github.com/pauljones0/shift-code-bot/internal/breaker"
	"github.com/pauljones0/shift-code-bot/internal/expiry"
	"github.com/pauljones0/shift-code-bot/internal/models"
	"github.com/pauljones0/shift-code-bot/internal/util"
)

// The tracker writes createDate arguments in US Eastern time.
const sourceTimeZone = "America/New_York"

// unknownExpiryMarker is the tracker's "unknown expiration date" value.
const unknownExpiryMarker = "UED"

var (
	codeBlockRegex  = regexp.MustCompile(`\{[^}]*?code:\s*"([A-Z0-9]{5}(?:-[A-Z0-9]{5}){4})"[^}]*?\}`)
	createDateRegex = regexp.MustCompile(`expires:\s*createDate\((\d+),\s*(\d+),\s*(\d+),\s*(\d+),\s*(\d+),\s*(\d+),\s*(\d+)\)`)
	quotedExpiry    = regexp.MustCompile(`expires:\s*["']([^"']+)["']`)
	isoDatePrefix   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)
	titleRegex      = regexp.MustCompile(`(?s)title:\s*["'](.*?)["']\s*(?:,|\n|\})`)
	bareCodeRegex   = regexp.MustCompile(`\b([A-Z0-9]{5}(?:-[A-Z0-9]{5}){4})\b`)

	jsUnescape = strings.NewReplacer(`\'`, `'`, `\"`, `"`)
)

// ScriptExtractor reads codes from object literals embedded in an inline
// script (`{ code: "...", title: "...", expires: ... }`), falling back to a
// plain pattern scan of every script when no structured block is found.
type ScriptExtractor struct {
	src     SourceConfig
	fetcher Fetcher
	breaker *breaker.Breaker
	loc     *time.Location
}

func NewScriptExtractor(src SourceConfig, f Fetcher, b *breaker.Breaker) *ScriptExtractor {
	loc, err := time.LoadLocation(sourceTimeZone)
	if err != nil {
		slog.Warn("Failed to load source time zone, using UTC", "zone", sourceTimeZone, "error", err)
		loc = time.UTC
	}
	return &ScriptExtractor{src: src, fetcher: f, breaker: b, loc: loc}
}

func (e *ScriptExtractor) Name() string { return e.src.Name }

func (e *ScriptExtractor) Extract(ctx context.Context) Result {
	return run(ctx, e.src, e.fetcher, e.breaker, e.parse)
}

func (e *ScriptExtractor) parse(doc *goquery.Document) []models.Candidate {
	var scripts []string
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if text := s.Text(); strings.TrimSpace(text) != "" {
			scripts = append(scripts, text)
		}
	})

	seen := make(map[string]bool)
	var codes []models.Candidate

	for _, script := range scripts {
		if e.src.Marker != "" && !strings.Contains(script, e.src.Marker) {
			continue
		}
		for _, m := range codeBlockRegex.FindAllStringSubmatch(script, -1) {
			block, code := m[0], m[1]
			if isExcluded(code) || seen[code] {
				continue
			}
			seen[code] = true
			codes = append(codes, models.Candidate{
				Code:    code,
				Reward:  blockReward(block),
				Expires: e.blockExpiry(block),
				Source:  e.src.Name,
			})
		}
	}

	if len(codes) > 0 {
		return codes
	}

	slog.Warn("No structured code blocks found, using fallback pattern scan", "source", e.src.Name, "marker", e.src.Marker)
	for _, script := range scripts {
		for _, m := range bareCodeRegex.FindAllStringSubmatch(script, -1) {
			code := m[1]
			if isExcluded(code) || seen[code] {
				continue
			}
			seen[code] = true
			codes = append(codes, models.Candidate{
				Code:   code,
				Reward: models.DefaultReward,
				Source: e.src.Name,
			})
		}
	}
	return codes
}

func blockReward(block string) string {
	m := titleRegex.FindStringSubmatch(block)
	if m == nil {
		return models.DefaultReward
	}
	reward := util.CollapseWhitespace(util.StripMarkup(jsUnescape.Replace(m[1])))
	if reward == "" {
		return models.DefaultReward
	}
	return reward
}

func (e *ScriptExtractor) blockExpiry(block string) expiry.Expiry {
	if m := createDateRegex.FindStringSubmatch(block); m != nil {
		return e.createDate(m[1:])
	}

	m := quotedExpiry.FindStringSubmatch(block)
	if m == nil {
		return expiry.Expiry{}
	}
	raw := strings.TrimSpace(m[1])
	if !isoDatePrefix.MatchString(raw) && strings.Contains(raw, unknownExpiryMarker) {
		return expiry.Expiry{}
	}
	return expiry.Normalize(raw)
}

// createDate mirrors the tracker's createDate(year, month, day, hour, minute,
// second, isPM) helper: a 12-hour clock in the source time zone.
func (e *ScriptExtractor) createDate(args []string) expiry.Expiry {
	year, month, day := util.SafeAtoi(args[0]), util.SafeAtoi(args[1]), util.SafeAtoi(args[2])
	hour, minute, second := util.SafeAtoi(args[3]), util.SafeAtoi(args[4]), util.SafeAtoi(args[5])
	isPM := util.SafeAtoi(args[6]) != 0

	if isPM && hour < 12 {
		hour += 12
	} else if !isPM && hour == 12 {
		hour = 0
	}

	dateOnly := fmt.Sprintf("%04d-%02d-%02d", year, month, day)
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || second > 59 {
		return expiry.Normalize(dateOnly)
	}

	t := time.Date(year, time.Month(month), day, hour, minute, second, 0, e.loc)
	// time.Date rolls Feb 31 into March.
	if t.Year() != year || t.Month() != time.Month(month) || t.Day() != day {
		return expiry.Normalize(dateOnly)
	}
	return expiry.FromTime(t)
}
