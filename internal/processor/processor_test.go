package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pauljones0/shift-code-bot/internal/breaker"
	"github.com/pauljones0/shift-code-bot/internal/expiry"
	"github.com/pauljones0/shift-code-bot/internal/models"
	"github.com/pauljones0/shift-code-bot/internal/scraper"
)

// --- Mock implementations ---

type mockStore struct {
	mu       sync.Mutex
	codes    map[string]*models.CodeRecord
	order    []string // insertion order
	upserts  int
	sweeps   int
	cleanups int
	usage    []models.CommandUsage
	since    time.Time
	subs     map[string]models.Subscription
	upsertFn func(code string) error
	sweepFn  func(n int) // called with the 1-based sweep number
}

func newMockStore() *mockStore {
	return &mockStore{
		codes: make(map[string]*models.CodeRecord),
		subs:  make(map[string]models.Subscription),
	}
}

func (m *mockStore) seed(codes ...string) {
	for _, c := range codes {
		_, _, _ = m.UpsertCode(context.Background(), c, "Golden Key", "", "seed")
	}
	m.upserts = 0
}

func (m *mockStore) UpsertCode(_ context.Context, code, reward, expires, source string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertFn != nil {
		if err := m.upsertFn(code); err != nil {
			return "", false, err
		}
	}
	m.upserts++
	norm := models.NormalizeCode(code)
	if rec, ok := m.codes[norm]; ok {
		rec.TimesScraped++
		return rec.ID, false, nil
	}
	rec := &models.CodeRecord{
		ID:           fmt.Sprintf("id-%d", len(m.order)+1),
		Code:         norm,
		Reward:       reward,
		Expires:      expires,
		Source:       source,
		TimesScraped: 1,
		IsActive:     true,
	}
	m.codes[norm] = rec
	m.order = append(m.order, norm)
	return rec.ID, true, nil
}

func (m *mockStore) SweepExpired(_ context.Context, _ time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps++
	if m.sweepFn != nil {
		m.sweepFn(m.sweeps)
	}
	return 0, nil
}

func (m *mockStore) sweepCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweeps
}

func (m *mockStore) ListActive(_ context.Context, limit int) ([]models.CodeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CodeRecord
	for i := len(m.order) - 1; i >= 0; i-- {
		rec := m.codes[m.order[i]]
		if !rec.IsActive {
			continue
		}
		out = append(out, *rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockStore) GetCode(_ context.Context, code string) (*models.CodeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.codes[models.NormalizeCode(code)]
	if !ok {
		return nil, models.ErrCodeNotFound
	}
	c := *rec
	return &c, nil
}

func (m *mockStore) MarkInactive(_ context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.codes[models.NormalizeCode(code)]
	if !ok || !rec.IsActive {
		return false, nil
	}
	rec.IsActive = false
	return true, nil
}

func (m *mockStore) ListBySource(_ context.Context, source string) ([]models.CodeRecord, error) {
	all, _ := m.ListActive(context.Background(), 0)
	var out []models.CodeRecord
	for _, rec := range all {
		if rec.Source == source {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *mockStore) SearchRewards(_ context.Context, term string) ([]models.CodeRecord, error) {
	all, _ := m.ListActive(context.Background(), 0)
	var out []models.CodeRecord
	for _, rec := range all {
		if strings.Contains(strings.ToLower(rec.Reward), strings.ToLower(term)) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *mockStore) NewSince(_ context.Context, _ time.Time) ([]models.CodeRecord, error) {
	return nil, nil
}

func (m *mockStore) Stats(_ context.Context) (models.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.Stats{Total: len(m.codes)}, nil
}

func (m *mockStore) CleanupHistory(_ context.Context, _ time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups++
	return 0, nil
}

func (m *mockStore) LogCommandUsage(_ context.Context, usage models.CommandUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, usage)
	return nil
}

func (m *mockStore) CommandStats(_ context.Context, since time.Time) (models.CommandStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.since = since
	return models.CommandStats{Total: len(m.usage)}, nil
}

func (m *mockStore) AddSubscription(_ context.Context, channelID, guildID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[channelID]; ok {
		return false, nil
	}
	m.subs[channelID] = models.Subscription{ChannelID: channelID, GuildID: guildID, Active: true}
	return true, nil
}

func (m *mockStore) RemoveSubscription(_ context.Context, channelID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[channelID]; !ok {
		return false, nil
	}
	delete(m.subs, channelID)
	return true, nil
}

func (m *mockStore) ListSubscriptions(_ context.Context) ([]models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Subscription
	for _, s := range m.subs {
		out = append(out, s)
	}
	return out, nil
}

type mockNotifier struct {
	calls [][]models.CodeRecord
	err   error
}

func (m *mockNotifier) NotifyNewCodes(_ context.Context, codes []models.CodeRecord) error {
	m.calls = append(m.calls, codes)
	return m.err
}

type mockExtractor struct {
	name    string
	result  scraper.Result
	panicOn int // 1-based call that panics, 0 for never
	delay   time.Duration

	mu          sync.Mutex
	calls       int
	inFlight    int
	maxInFlight int
}

func (m *mockExtractor) Name() string { return m.name }

func (m *mockExtractor) Extract(_ context.Context) scraper.Result {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if call == m.panicOn {
		panic("unexpected page layout")
	}
	res := m.result
	res.Source = m.name
	return res
}

func (m *mockExtractor) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockExtractor) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

func okExtractor(name string, codes ...string) *mockExtractor {
	var records []models.Candidate
	for _, c := range codes {
		records = append(records, models.Candidate{
			Code:    c,
			Reward:  "Golden Key",
			Expires: expiry.Normalize(""),
			Source:  name,
		})
	}
	return &mockExtractor{name: name, result: scraper.Result{Records: records, Outcome: scraper.OutcomeOK}}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestProcessor(store *mockStore, n CodeNotifier, clock *fakeClock, extractors ...scraper.Extractor) *CodeProcessor {
	return New(store, n, extractors, Options{
		CacheTTL: time.Hour,
		Now:      clock.Now,
	})
}

func testCode(i int) string {
	return fmt.Sprintf("AAAAA-BBBBB-CCCCC-DDDDD-%05d", i)
}

func TestRunCycle_NotifiesOnlyNewCodesInOrder(t *testing.T) {
	store := newMockStore()
	store.seed(testCode(1), testCode(2), testCode(3))
	n := &mockNotifier{}
	clock := &fakeClock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}

	p := newTestProcessor(store, n, clock,
		okExtractor("MentalMars", testCode(1), testCode(4), testCode(2)),
		okExtractor("xsmashx88x Tracker", testCode(3), testCode(5), testCode(4)),
	)

	res, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if res.Err != nil {
		t.Errorf("unexpected cycle error: %v", res.Err)
	}
	if res.Candidates != 5 {
		t.Errorf("expected 5 candidates after dedupe, got %d", res.Candidates)
	}
	if len(res.New) != 2 {
		t.Fatalf("expected 2 new codes, got %d", len(res.New))
	}
	if res.New[0].Code != testCode(4) || res.New[1].Code != testCode(5) {
		t.Errorf("unexpected delta order: %s, %s", res.New[0].Code, res.New[1].Code)
	}
	if res.New[0].Source != "MentalMars" {
		t.Errorf("expected first source to win, got %s", res.New[0].Source)
	}
	if len(n.calls) != 1 || len(n.calls[0]) != 2 {
		t.Errorf("expected one notification with 2 codes, got %v", n.calls)
	}
	if res.Active != 5 {
		t.Errorf("expected 5 active codes, got %d", res.Active)
	}
	if store.sweeps != 1 || store.cleanups != 1 {
		t.Errorf("expected one sweep and one cleanup, got %d and %d", store.sweeps, store.cleanups)
	}
}

func TestRunCycle_NoNewCodesSkipsNotify(t *testing.T) {
	store := newMockStore()
	store.seed(testCode(1))
	n := &mockNotifier{}
	clock := &fakeClock{t: time.Now()}

	p := newTestProcessor(store, n, clock, okExtractor("MentalMars", testCode(1)))
	res, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if len(res.New) != 0 {
		t.Errorf("expected no new codes, got %d", len(res.New))
	}
	if len(n.calls) != 0 {
		t.Errorf("expected no notification, got %d", len(n.calls))
	}
	if store.codes[testCode(1)].TimesScraped != 2 {
		t.Errorf("expected times_scraped 2, got %d", store.codes[testCode(1)].TimesScraped)
	}
}

func TestRunCycle_PartialFailure(t *testing.T) {
	store := newMockStore()
	n := &mockNotifier{}
	clock := &fakeClock{t: time.Now()}

	failing := &mockExtractor{name: "MentalMars", result: scraper.Result{
		Outcome: scraper.OutcomeFetchFailed,
		Warning: "connection refused",
	}}
	p := newTestProcessor(store, n, clock, failing, okExtractor("xsmashx88x Tracker", testCode(1)))

	res, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "MentalMars") {
		t.Errorf("expected cycle error naming the failed source, got %v", res.Err)
	}
	if len(res.New) != 1 {
		t.Errorf("expected the healthy source to still produce 1 new code, got %d", len(res.New))
	}
}

func TestRunCycle_UpsertErrorContinues(t *testing.T) {
	store := newMockStore()
	store.upsertFn = func(code string) error {
		if code == testCode(1) {
			return errors.New("write failed")
		}
		return nil
	}
	clock := &fakeClock{t: time.Now()}
	p := newTestProcessor(store, nil, clock, okExtractor("MentalMars", testCode(1), testCode(2)))

	res, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if res.Upserted != 1 || len(res.New) != 1 {
		t.Errorf("expected 1 upsert and 1 new code, got %d and %d", res.Upserted, len(res.New))
	}
	if res.Err == nil {
		t.Error("expected aggregated upsert error")
	}
}

func TestRunCycle_SkipsInvalidCandidates(t *testing.T) {
	store := newMockStore()
	clock := &fakeClock{t: time.Now()}
	p := newTestProcessor(store, nil, clock, okExtractor("MentalMars", "NOT-A-CODE", testCode(1)))

	res, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if res.Invalid != 1 {
		t.Errorf("expected 1 invalid candidate, got %d", res.Invalid)
	}
	if store.upserts != 1 {
		t.Errorf("expected 1 upsert, got %d", store.upserts)
	}
}

func TestRunCycle_OpenCircuitSkipsSource(t *testing.T) {
	store := newMockStore()
	clock := &fakeClock{t: time.Now()}
	b := breaker.New(3, 5*time.Minute, breaker.WithClock(clock.Now))
	for i := 0; i < 3; i++ {
		b.RecordFailure("MentalMars")
	}

	f := &countingFetcher{}
	src := scraper.SourceConfig{Name: "MentalMars", Kind: scraper.KindTable, URL: "https://mentalmars.com/codes"}
	p := newTestProcessor(store, nil, clock, scraper.NewTableExtractor(src, f, b))

	res, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if f.calls != 0 {
		t.Errorf("expected no fetch while circuit is open, got %d", f.calls)
	}
	if len(res.Sources) != 1 || res.Sources[0].Outcome != scraper.OutcomeSkipped {
		t.Errorf("expected skipped outcome, got %+v", res.Sources)
	}
	if res.Err != nil {
		t.Errorf("a skipped source is not a failure, got %v", res.Err)
	}
}

type countingFetcher struct{ calls int }

func (f *countingFetcher) Fetch(_ context.Context, _ string) (string, error) {
	f.calls++
	return "<html></html>", nil
}

func TestRunCycle_CancelledContext(t *testing.T) {
	store := newMockStore()
	clock := &fakeClock{t: time.Now()}
	p := newTestProcessor(store, nil, clock, okExtractor("MentalMars", testCode(1)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.RunCycle(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if store.sweeps != 0 {
		t.Errorf("expected no work on a cancelled context")
	}
}

func TestGetCodes_CacheTTL(t *testing.T) {
	store := newMockStore()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	ext := okExtractor("MentalMars", testCode(1), testCode(2))
	p := newTestProcessor(store, nil, clock, ext)
	ctx := context.Background()

	steps := []struct {
		name      string
		advance   time.Duration
		force     bool
		wantCalls int
	}{
		{name: "empty cache refreshes", wantCalls: 1},
		{name: "fresh cache is served", advance: 30 * time.Minute, wantCalls: 1},
		{name: "stale cache refreshes", advance: 31 * time.Minute, wantCalls: 2},
		{name: "force refreshes", force: true, wantCalls: 3},
	}
	for _, s := range steps {
		t.Run(s.name, func(t *testing.T) {
			clock.Advance(s.advance)
			codes, err := p.GetCodes(ctx, s.force)
			if err != nil {
				t.Fatalf("GetCodes failed: %v", err)
			}
			if len(codes) != 2 {
				t.Errorf("expected 2 codes, got %d", len(codes))
			}
			if ext.calls != s.wantCalls {
				t.Errorf("expected %d extractor calls, got %d", s.wantCalls, ext.calls)
			}
		})
	}
}

func TestGetCodes_ReturnsCopy(t *testing.T) {
	store := newMockStore()
	clock := &fakeClock{t: time.Now()}
	p := newTestProcessor(store, nil, clock, okExtractor("MentalMars", testCode(1)))

	codes, err := p.GetCodes(context.Background(), false)
	if err != nil {
		t.Fatalf("GetCodes failed: %v", err)
	}
	codes[0].Reward = "mutated"

	again, _ := p.GetCodes(context.Background(), false)
	if again[0].Reward != "Golden Key" {
		t.Error("caller mutation leaked into the cache")
	}
}

func TestRefreshNowAndLatest(t *testing.T) {
	store := newMockStore()
	clock := &fakeClock{t: time.Now()}
	p := newTestProcessor(store, nil, clock, okExtractor("MentalMars", testCode(1), testCode(2), testCode(3)))
	ctx := context.Background()

	n, err := p.RefreshNow(ctx)
	if err != nil || n != 3 {
		t.Fatalf("RefreshNow = %d, %v", n, err)
	}
	latest, err := p.Latest(ctx, 2)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if len(latest) != 2 || latest[0].Code != testCode(3) {
		t.Errorf("unexpected latest codes %+v", latest)
	}
}

func TestDeactivateDropsFromCache(t *testing.T) {
	store := newMockStore()
	clock := &fakeClock{t: time.Now()}
	p := newTestProcessor(store, nil, clock, okExtractor("MentalMars", testCode(1), testCode(2)))
	ctx := context.Background()

	if _, err := p.RefreshNow(ctx); err != nil {
		t.Fatalf("RefreshNow failed: %v", err)
	}
	ok, err := p.Deactivate(ctx, strings.ToLower(testCode(1)))
	if err != nil || !ok {
		t.Fatalf("Deactivate = %v, %v", ok, err)
	}
	codes, _ := p.GetCodes(ctx, false)
	if len(codes) != 1 || codes[0].Code != testCode(2) {
		t.Errorf("expected only %s cached, got %+v", testCode(2), codes)
	}
	if ok, _ := p.Deactivate(ctx, "ZZZZZ-ZZZZZ-ZZZZZ-ZZZZZ-ZZZZZ"); ok {
		t.Error("expected false for unknown code")
	}
}

func TestCommandStats_DefaultWindow(t *testing.T) {
	store := newMockStore()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: now}
	p := newTestProcessor(store, nil, clock)
	ctx := context.Background()

	if err := p.LogCommandUsage(ctx, "codes", "user-1", "guild-1"); err != nil {
		t.Fatalf("LogCommandUsage failed: %v", err)
	}
	if store.usage[0].UsedAt != now {
		t.Errorf("expected usage stamped with clock time")
	}

	tests := []struct {
		days      int
		wantDays  int
		wantSince time.Time
	}{
		{days: 0, wantDays: 7, wantSince: now.Add(-7 * 24 * time.Hour)},
		{days: 30, wantDays: 30, wantSince: now.Add(-30 * 24 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("days=%d", tt.days), func(t *testing.T) {
			stats, err := p.CommandStats(ctx, tt.days)
			if err != nil {
				t.Fatalf("CommandStats failed: %v", err)
			}
			if stats.Days != tt.wantDays {
				t.Errorf("Days = %d, want %d", stats.Days, tt.wantDays)
			}
			if !store.since.Equal(tt.wantSince) {
				t.Errorf("since = %v, want %v", store.since, tt.wantSince)
			}
		})
	}
}

func TestSubscriptions(t *testing.T) {
	store := newMockStore()
	p := newTestProcessor(store, nil, &fakeClock{t: time.Now()})
	ctx := context.Background()

	if ok, _ := p.Subscribe(ctx, "c1", "g1"); !ok {
		t.Error("expected first subscribe to succeed")
	}
	if ok, _ := p.Subscribe(ctx, "c1", "g1"); ok {
		t.Error("expected duplicate subscribe to report false")
	}
	subs, _ := p.ListSubscriptions(ctx)
	if len(subs) != 1 {
		t.Errorf("expected 1 subscription, got %d", len(subs))
	}
	if ok, _ := p.Unsubscribe(ctx, "c1"); !ok {
		t.Error("expected unsubscribe to succeed")
	}
}

func TestRunCycle_LongRewardIsStored(t *testing.T) {
	store := newMockStore()
	ext := okExtractor("MentalMars", testCode(1))
	ext.result.Records[0].Reward = strings.Repeat("x", 600)
	p := newTestProcessor(store, nil, &fakeClock{t: time.Now()}, ext)

	res, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if res.Invalid != 0 || len(res.New) != 1 {
		t.Fatalf("expected the code to be stored as new, got invalid=%d new=%d", res.Invalid, len(res.New))
	}
	if got := len(store.codes[testCode(1)].Reward); got != 600 {
		t.Errorf("expected full reward text, got %d chars", got)
	}
}

func TestRunCycle_RecoversExtractorPanic(t *testing.T) {
	store := newMockStore()
	broken := okExtractor("MentalMars", testCode(1))
	broken.panicOn = 1
	p := newTestProcessor(store, nil, &fakeClock{t: time.Now()}, broken, okExtractor("xsmashx88x Tracker", testCode(2)))

	res, err := p.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if res.Sources[0].Outcome != scraper.OutcomeParseFailed || res.Sources[0].Source != "MentalMars" {
		t.Errorf("expected parse failure for the panicking source, got %+v", res.Sources[0])
	}
	if res.Err == nil {
		t.Error("expected the panic to be reported in the cycle error")
	}
	if len(res.New) != 1 || res.New[0].Code != testCode(2) {
		t.Errorf("expected the healthy source to be stored, got %+v", res.New)
	}
}

// readConcurrently calls GetCodes from n goroutines and reports any failure.
func readConcurrently(t *testing.T, p *CodeProcessor, n, wantCodes int) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes, err := p.GetCodes(context.Background(), false)
			if err != nil {
				errs <- err
				return
			}
			if len(codes) != wantCodes {
				errs <- fmt.Errorf("expected %d codes, got %d", wantCodes, len(codes))
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestGetCodes_ConcurrentReadersShareOneCycle(t *testing.T) {
	store := newMockStore()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	ext := okExtractor("MentalMars", testCode(1), testCode(2))
	ext.delay = 5 * time.Millisecond
	p := newTestProcessor(store, nil, clock, ext)

	readConcurrently(t, p, 20, 2)
	if got := ext.Calls(); got != 1 {
		t.Errorf("expected one cycle for concurrent readers of an empty cache, got %d", got)
	}

	clock.Advance(2 * time.Hour)
	readConcurrently(t, p, 20, 2)
	if got := ext.Calls(); got != 2 {
		t.Errorf("expected one more cycle for a stale cache, got %d total", got)
	}
}

func TestCycles_AreSerialized(t *testing.T) {
	store := newMockStore()
	ext := okExtractor("MentalMars", testCode(1))
	ext.delay = 2 * time.Millisecond
	p := newTestProcessor(store, nil, &fakeClock{t: time.Now()}, ext)
	ctx := context.Background()

	const refreshers, readers = 5, 10
	var wg sync.WaitGroup
	for i := 0; i < refreshers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if n, err := p.RefreshNow(ctx); err != nil || n != 1 {
				t.Errorf("RefreshNow = %d, %v", n, err)
			}
		}()
	}
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.GetCodes(ctx, false); err != nil {
				t.Errorf("GetCodes failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := ext.MaxInFlight(); got != 1 {
		t.Errorf("cycles overlapped: %d extractions in flight at once", got)
	}
	// Every forced refresh runs; readers add at most the one cycle that
	// filled the empty cache.
	if got := ext.Calls(); got < refreshers || got > refreshers+1 {
		t.Errorf("expected %d or %d cycles, got %d", refreshers, refreshers+1, got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRun_ImmediateCycleAndStopOnCancel(t *testing.T) {
	store := newMockStore()
	ext := okExtractor("MentalMars", testCode(1))
	clock := &fakeClock{t: time.Now()}
	p := New(store, nil, []scraper.Extractor{ext}, Options{PollInterval: time.Hour, Now: clock.Now})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return ext.Calls() == 1 })
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if got := ext.Calls(); got != 1 {
		t.Errorf("expected only the immediate cycle before the first tick, got %d", got)
	}
}

func TestRun_TicksAndSurvivesPanics(t *testing.T) {
	store := newMockStore()
	store.sweepFn = func(n int) {
		if n == 1 {
			panic("store connection reset")
		}
	}
	ext := okExtractor("MentalMars", testCode(1))
	ext.panicOn = 2
	clock := &fakeClock{t: time.Now()}
	p := New(store, nil, []scraper.Extractor{ext}, Options{PollInterval: 5 * time.Millisecond, Now: clock.Now})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	// Cycle 1 panics in the store, cycle 3 in the extractor; the loop keeps
	// ticking past both.
	waitFor(t, func() bool { return ext.Calls() >= 3 })
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if got := store.sweepCount(); got < 4 {
		t.Errorf("expected at least 4 cycles, got %d sweeps", got)
	}
	if _, err := store.GetCode(context.Background(), testCode(1)); err != nil {
		t.Errorf("expected the code stored by a later cycle: %v", err)
	}
}
