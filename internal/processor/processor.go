package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pauljones0/shift-code-bot/internal/dedupe"
	"github.com/pauljones0/shift-code-bot/internal/metrics"
	"github.com/pauljones0/shift-code-bot/internal/models"
	"github.com/pauljones0/shift-code-bot/internal/scraper"
	"github.com/pauljones0/shift-code-bot/internal/validator"
)

const (
	DefaultCacheTTL         = time.Hour
	DefaultPollInterval     = time.Hour
	DefaultHistoryRetention = 90 * 24 * time.Hour
	defaultCommandStatsDays = 7
)

type Options struct {
	CacheTTL     time.Duration
	PollInterval time.Duration
	// HistoryRetention bounds the observation history. Negative disables the
	// cleanup; zero uses the default.
	HistoryRetention time.Duration
	Now              func() time.Time
}

// CycleResult summarizes one refresh cycle.
type CycleResult struct {
	ID             string
	StartedAt      time.Time
	Duration       time.Duration
	Sources        []scraper.Result
	Candidates     int // after dedupe
	Invalid        int
	Upserted       int
	New            []models.CodeRecord // in dedupe order
	Expired        int
	HistoryDeleted int
	Active         int
	// Err joins every non-fatal failure seen during the cycle.
	Err error
}

// CodeProcessor owns the refresh cycle and the active-code cache.
type CodeProcessor struct {
	store      CodeStore
	notifier   CodeNotifier
	extractors []scraper.Extractor
	validator  *validator.Validator

	cacheTTL         time.Duration
	pollInterval     time.Duration
	historyRetention time.Duration
	now              func() time.Time

	// cycleMu serializes background and forced cycles.
	cycleMu sync.Mutex

	mu      sync.RWMutex
	cache   []models.CodeRecord
	cacheAt time.Time
}

// New builds a processor. notifier may be nil, in which case new codes are
// only logged.
func New(store CodeStore, n CodeNotifier, extractors []scraper.Extractor, opts Options) *CodeProcessor {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.HistoryRetention == 0 {
		opts.HistoryRetention = DefaultHistoryRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &CodeProcessor{
		store:            store,
		notifier:         n,
		extractors:       extractors,
		validator:        validator.New(),
		cacheTTL:         opts.CacheTTL,
		pollInterval:     opts.PollInterval,
		historyRetention: opts.HistoryRetention,
		now:              opts.Now,
	}
}

// RunCycle performs one full refresh. It only returns an error when the cycle
// could not start; partial failures are reported in CycleResult.Err.
func (p *CodeProcessor) RunCycle(ctx context.Context) (CycleResult, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()
	return p.runCycleLocked(ctx)
}

func (p *CodeProcessor) runCycleLocked(ctx context.Context) (CycleResult, error) {
	if err := ctx.Err(); err != nil {
		return CycleResult{}, err
	}

	res := CycleResult{ID: uuid.NewString(), StartedAt: p.now()}
	logger := slog.With("cycle_id", res.ID)
	logger.Info("Starting refresh cycle", "sources", len(p.extractors))

	var errs []error

	expired, err := p.store.SweepExpired(ctx, res.StartedAt)
	if err != nil {
		logger.Warn("Expiry sweep failed", "error", err)
		errs = append(errs, fmt.Errorf("sweep: %w", err))
	}
	res.Expired = expired

	res.Sources = p.extractAll(ctx)
	perSource := make([][]models.Candidate, len(res.Sources))
	for i, r := range res.Sources {
		perSource[i] = r.Records
		if r.Outcome.Failed() {
			errs = append(errs, fmt.Errorf("source %s: %s: %s", r.Source, r.Outcome, r.Warning))
		}
	}
	candidates := dedupe.Merge(perSource...)
	res.Candidates = len(candidates)

	var newCodes []string
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			logger.Warn("Context cancelled, stopping upserts", "remaining", len(candidates)-res.Upserted-res.Invalid)
			errs = append(errs, err)
			break
		}
		if err := p.validator.ValidateCandidate(c); err != nil {
			logger.Warn("Skipping invalid candidate", "code", c.Code, "source", c.Source, "error", err)
			res.Invalid++
			continue
		}

		_, isNew, err := p.store.UpsertCode(ctx, c.Code, c.Reward, c.Expires.Display, c.Source)
		if err != nil {
			logger.Error("Failed to upsert code", "code", c.Code, "error", err)
			metrics.CodesUpserted.WithLabelValues("error").Inc()
			errs = append(errs, err)
			continue
		}
		res.Upserted++
		if isNew {
			metrics.CodesUpserted.WithLabelValues("new").Inc()
			newCodes = append(newCodes, models.NormalizeCode(c.Code))
		} else {
			metrics.CodesUpserted.WithLabelValues("seen").Inc()
		}
	}

	active, err := p.store.ListActive(ctx, 0)
	if err != nil {
		logger.Error("Failed to reload active codes", "error", err)
		errs = append(errs, fmt.Errorf("reload: %w", err))
	} else {
		p.setCache(active, p.now())
		res.Active = len(active)
		metrics.ActiveCodes.Set(float64(len(active)))
	}

	res.New = p.resolveNew(ctx, newCodes, active)
	if len(res.New) > 0 {
		logger.Info("Found new codes", "count", len(res.New))
		if p.notifier != nil {
			if err := p.notifier.NotifyNewCodes(ctx, res.New); err != nil {
				logger.Warn("Failed to notify new codes", "error", err)
				errs = append(errs, fmt.Errorf("notify: %w", err))
			}
		}
	}

	if p.historyRetention > 0 {
		deleted, err := p.store.CleanupHistory(ctx, p.now().Add(-p.historyRetention))
		if err != nil {
			logger.Warn("History cleanup failed", "error", err)
			errs = append(errs, fmt.Errorf("history cleanup: %w", err))
		}
		res.HistoryDeleted = deleted
	}

	res.Duration = p.now().Sub(res.StartedAt)
	res.Err = errors.Join(errs...)
	metrics.CycleDuration.Observe(res.Duration.Seconds())

	logger.Info("Finished refresh cycle",
		"candidates", res.Candidates,
		"upserted", res.Upserted,
		"new", len(res.New),
		"invalid", res.Invalid,
		"expired", res.Expired,
		"active", res.Active,
		"duration", res.Duration,
		"errors", len(errs),
	)
	return res, nil
}

// extractAll runs every extractor concurrently. Results keep registry order.
func (p *CodeProcessor) extractAll(ctx context.Context) []scraper.Result {
	results := make([]scraper.Result, len(p.extractors))
	var g errgroup.Group
	for i, e := range p.extractors {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Recovered from panic in extractor", "source", e.Name(), "panic", r)
					results[i] = scraper.Result{
						Source:  e.Name(),
						Outcome: scraper.OutcomeParseFailed,
						Warning: fmt.Sprintf("panic: %v", r),
					}
				}
			}()
			results[i] = e.Extract(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// resolveNew maps newly created codes to their stored records, preserving
// order.
func (p *CodeProcessor) resolveNew(ctx context.Context, newCodes []string, active []models.CodeRecord) []models.CodeRecord {
	if len(newCodes) == 0 {
		return nil
	}
	byCode := make(map[string]models.CodeRecord, len(active))
	for _, rec := range active {
		byCode[rec.Code] = rec
	}

	out := make([]models.CodeRecord, 0, len(newCodes))
	for _, code := range newCodes {
		if rec, ok := byCode[code]; ok {
			out = append(out, rec)
			continue
		}
		rec, err := p.store.GetCode(ctx, code)
		if err != nil {
			slog.Warn("Failed to load new code", "code", code, "error", err)
			continue
		}
		out = append(out, *rec)
	}
	return out
}

func (p *CodeProcessor) setCache(codes []models.CodeRecord, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = codes
	p.cacheAt = at
}

// cached returns a copy of the cache when it is non-empty and fresh.
func (p *CodeProcessor) cached() ([]models.CodeRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.cache) == 0 || p.now().Sub(p.cacheAt) >= p.cacheTTL {
		return nil, false
	}
	return append([]models.CodeRecord(nil), p.cache...), true
}

func (p *CodeProcessor) snapshot() []models.CodeRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]models.CodeRecord(nil), p.cache...)
}

// GetCodes returns the active codes, newest first. It refreshes synchronously
// when forced, when the cache is empty, or when it is older than the TTL.
func (p *CodeProcessor) GetCodes(ctx context.Context, force bool) ([]models.CodeRecord, error) {
	if !force {
		if codes, ok := p.cached(); ok {
			return codes, nil
		}
	}

	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if !force {
		if codes, ok := p.cached(); ok {
			return codes, nil
		}
	}
	if _, err := p.runCycleLocked(ctx); err != nil {
		return nil, err
	}
	return p.snapshot(), nil
}

// RefreshNow forces a cycle and returns the number of active codes cached.
func (p *CodeProcessor) RefreshNow(ctx context.Context) (int, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()
	if _, err := p.runCycleLocked(ctx); err != nil {
		return 0, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.cache), nil
}

// Run performs a cycle immediately and then on every poll interval until ctx
// is cancelled. Failures inside a cycle never stop the loop.
func (p *CodeProcessor) Run(ctx context.Context) {
	slog.Info("Starting background refresh loop", "interval", p.pollInterval)
	p.safeCycle(ctx)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Background refresh loop stopped")
			return
		case <-ticker.C:
			p.safeCycle(ctx)
		}
	}
}

func (p *CodeProcessor) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Recovered from panic in refresh cycle", "panic", r)
		}
	}()
	res, err := p.RunCycle(ctx)
	if err != nil {
		slog.Warn("Refresh cycle did not run", "error", err)
		return
	}
	if res.Err != nil {
		slog.Warn("Refresh cycle finished with errors", "cycle_id", res.ID, "error", res.Err)
	}
}

// Latest returns up to n of the newest active codes.
func (p *CodeProcessor) Latest(ctx context.Context, n int) ([]models.CodeRecord, error) {
	codes, err := p.GetCodes(ctx, false)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(codes) > n {
		codes = codes[:n]
	}
	return codes, nil
}

func (p *CodeProcessor) SearchCodes(ctx context.Context, term string) ([]models.CodeRecord, error) {
	return p.store.SearchRewards(ctx, term)
}

func (p *CodeProcessor) CodesBySource(ctx context.Context, source string) ([]models.CodeRecord, error) {
	return p.store.ListBySource(ctx, source)
}

// Deactivate marks a code inactive and drops it from the cache.
func (p *CodeProcessor) Deactivate(ctx context.Context, code string) (bool, error) {
	ok, err := p.store.MarkInactive(ctx, code)
	if err != nil || !ok {
		return ok, err
	}
	norm := models.NormalizeCode(code)
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.cache[:0:0]
	for _, rec := range p.cache {
		if rec.Code != norm {
			kept = append(kept, rec)
		}
	}
	p.cache = kept
	return true, nil
}

func (p *CodeProcessor) Stats(ctx context.Context) (models.Stats, error) {
	return p.store.Stats(ctx)
}

// CommandStats summarizes command usage over the trailing days (7 when
// days <= 0).
func (p *CodeProcessor) CommandStats(ctx context.Context, days int) (models.CommandStats, error) {
	if days <= 0 {
		days = defaultCommandStatsDays
	}
	stats, err := p.store.CommandStats(ctx, p.now().Add(-time.Duration(days)*24*time.Hour))
	if err != nil {
		return stats, err
	}
	stats.Days = days
	return stats, nil
}

func (p *CodeProcessor) LogCommandUsage(ctx context.Context, command, userID, guildID string) error {
	return p.store.LogCommandUsage(ctx, models.CommandUsage{
		CommandName: command,
		UserID:      userID,
		GuildID:     guildID,
		UsedAt:      p.now(),
	})
}

func (p *CodeProcessor) Subscribe(ctx context.Context, channelID, guildID string) (bool, error) {
	return p.store.AddSubscription(ctx, channelID, guildID)
}

func (p *CodeProcessor) Unsubscribe(ctx context.Context, channelID string) (bool, error) {
	return p.store.RemoveSubscription(ctx, channelID)
}

func (p *CodeProcessor) ListSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	return p.store.ListSubscriptions(ctx)
}
