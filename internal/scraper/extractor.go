package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/pauljones0/shift-code-bot/internal/breaker"
	"github.com/pauljones0/shift-code-bot/internal/metrics"
	"github.com/pauljones0/shift-code-bot/internal/models"
)

// Outcome classifies one extraction pass.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeEmpty       Outcome = "empty" // fetched and parsed, no codes
	OutcomeSkipped     Outcome = "skipped"
	OutcomeFetchFailed Outcome = "fetch_failed"
	OutcomeParseFailed Outcome = "parse_failed"
)

// Failed reports whether the pass counted against the source's circuit.
func (o Outcome) Failed() bool {
	return o == OutcomeFetchFailed || o == OutcomeParseFailed
}

// Result is what an extractor hands back. Records is empty unless Outcome is
// OutcomeOK.
type Result struct {
	Source  string
	Records []models.Candidate
	Warning string
	Outcome Outcome
}

// Extractor pulls candidate codes from one source. Implementations never
// return errors and never panic; failures are reported through Result.
type Extractor interface {
	Name() string
	Extract(ctx context.Context) Result
}

// Fetcher retrieves a page body.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Example codes that sources publish to show the format.
var excludedCodes = map[string]bool{
	"XXXXX-XXXXX-XXXXX-XXXXX-XXXXX": true,
	"3ZXJB-53STT-56T3W-B3TT3-HTS95": true,
	"NO CODE":                       true,
}

var placeholders = map[string]bool{
	"coming soon": true,
	"…":           true,
	"tba":         true,
	"tbd":         true,
	"n/a":         true,
}

func isExcluded(code string) bool {
	return excludedCodes[strings.ToUpper(strings.TrimSpace(code))]
}

func isPlaceholder(text string) bool {
	return placeholders[strings.ToLower(strings.TrimSpace(text))]
}

// parseFunc turns a parsed page into candidates.
type parseFunc func(doc *goquery.Document) []models.Candidate

// run performs the gate, fetch, parse and breaker bookkeeping shared by every
// extractor kind.
func run(ctx context.Context, src SourceConfig, f Fetcher, b *breaker.Breaker, parse parseFunc) (res Result) {
	res.Source = src.Name
	key := src.breakerKey()
	defer func() {
		metrics.ExtractorOutcomes.WithLabelValues(src.Name, string(res.Outcome)).Inc()
	}()

	if b != nil && !b.CanAttempt(key) {
		slog.Warn("Circuit breaker is open, skipping source", "source", src.Name)
		res.Outcome = OutcomeSkipped
		res.Warning = "circuit open"
		return res
	}

	slog.Info("Fetching source", "source", src.Name, "url", src.URL)
	body, err := f.Fetch(ctx, src.URL)
	if err != nil {
		slog.Error("Failed to fetch source", "source", src.Name, "error", err)
		if b != nil {
			b.RecordFailure(key)
		}
		res.Outcome = OutcomeFetchFailed
		res.Warning = err.Error()
		return res
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Recovered from panic while parsing source", "source", src.Name, "panic", r)
			if b != nil {
				b.RecordFailure(key)
			}
			res.Records = nil
			res.Outcome = OutcomeParseFailed
			res.Warning = fmt.Sprintf("panic: %v", r)
		}
	}()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		slog.Error("Failed to parse source HTML", "source", src.Name, "error", err)
		if b != nil {
			b.RecordFailure(key)
		}
		res.Outcome = OutcomeParseFailed
		res.Warning = err.Error()
		return res
	}

	res.Records = parse(doc)
	if b != nil {
		b.RecordSuccess(key)
	}
	if len(res.Records) == 0 {
		slog.Warn("No codes found, possible source format change", "source", src.Name)
		res.Outcome = OutcomeEmpty
		res.Warning = "no codes found, possible source format change"
		return res
	}

	slog.Info("Scraped codes", "source", src.Name, "count", len(res.Records))
	res.Outcome = OutcomeOK
	return res
}

// NewRegistry builds one extractor per configured source, in config order.
func NewRegistry(cfg SourcesConfig, f Fetcher, b *breaker.Breaker) ([]Extractor, error) {
	extractors := make([]Extractor, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		switch src.Kind {
		case KindTable:
			extractors = append(extractors, NewTableExtractor(src, f, b))
		case KindScript:
			extractors = append(extractors, NewScriptExtractor(src, f, b))
		default:
			return nil, fmt.Errorf("source %s: unknown kind %q", src.Name, src.Kind)
		}
	}
	return extractors, nil
}
