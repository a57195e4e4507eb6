package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/pauljones0/shift-code-bot/internal/models"
)

type mockSubs struct {
	mu      sync.Mutex
	subs    []models.Subscription
	removed []string
}

func (m *mockSubs) ListSubscriptions(_ context.Context) ([]models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Subscription(nil), m.subs...), nil
}

func (m *mockSubs) RemoveSubscription(_ context.Context, channelID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, channelID)
	return true, nil
}

func activeSubs(ids ...string) *mockSubs {
	m := &mockSubs{}
	for _, id := range ids {
		m.subs = append(m.subs, models.Subscription{ChannelID: id, GuildID: "guild", Active: true})
	}
	return m
}

func newTestClient(serverURL string, subs SubscriptionSource) *Client {
	c := New("test-token", subs, WithAPIBase(serverURL))
	// Override rate limiter for tests to run fast
	c.rateLimiter = rate.NewLimiter(rate.Inf, 1)
	return c
}

func sampleCodes(n int) []models.CodeRecord {
	out := make([]models.CodeRecord, n)
	for i := range out {
		out[i] = models.CodeRecord{
			Code:   strings.Repeat(string(rune('A'+i)), 5) + "-11111-22222-33333-44444",
			Reward: "Golden Key",
		}
	}
	out[0].Expires = "2099-01-01"
	return out
}

func TestFormatCodesEmbed(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		count      int
		wantTitle  string
		wantFields int
		wantMore   bool
	}{
		{"single code", 1, "New SHiFT Code", 1, false},
		{"exactly five", 5, "5 New SHiFT Codes", 5, false},
		{"overflow", 8, "8 New SHiFT Codes", 6, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			embed := formatCodesEmbed(sampleCodes(tt.count), now)
			if embed.Title != tt.wantTitle {
				t.Errorf("Title = %q, want %q", embed.Title, tt.wantTitle)
			}
			if len(embed.Fields) != tt.wantFields {
				t.Fatalf("expected %d fields, got %d", tt.wantFields, len(embed.Fields))
			}
			last := embed.Fields[len(embed.Fields)-1]
			if got := strings.HasPrefix(last.Name, "And "); got != tt.wantMore {
				t.Errorf("overflow field present = %v, want %v (%q)", got, tt.wantMore, last.Name)
			}
			if tt.wantMore && last.Name != "And 3 more" {
				t.Errorf("unexpected overflow label %q", last.Name)
			}
			if embed.URL != RedeemURL || !strings.Contains(embed.Description, RedeemURL) {
				t.Errorf("embed should link to the redeem page, got %q / %q", embed.URL, embed.Description)
			}
			if embed.Timestamp != "2025-06-01T12:00:00Z" {
				t.Errorf("Timestamp = %q", embed.Timestamp)
			}
		})
	}

	embed := formatCodesEmbed(sampleCodes(1), now)
	if !strings.Contains(embed.Fields[0].Value, "Expires: 2099-01-01") {
		t.Errorf("expected expiry in field value, got %q", embed.Fields[0].Value)
	}
}

func TestNotifyNewCodes_PostsToEveryChannel(t *testing.T) {
	var mu sync.Mutex
	var paths []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST request, got %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bot test-token" {
			t.Errorf("Authorization = %q", got)
		}
		var payload messagePayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("Failed to decode request body: %v", err)
		}
		if len(payload.Embeds) != 1 {
			t.Errorf("Expected 1 embed, got %d", len(payload.Embeds))
		}
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "12345"}`))
	}))
	defer server.Close()

	subs := activeSubs("111", "222")
	subs.subs = append(subs.subs, models.Subscription{ChannelID: "333", Active: false})
	c := newTestClient(server.URL, subs)

	if err := c.NotifyNewCodes(context.Background(), sampleCodes(2)); err != nil {
		t.Fatalf("NotifyNewCodes() returned error: %v", err)
	}
	if len(paths) != 2 || paths[0] != "/channels/111/messages" || paths[1] != "/channels/222/messages" {
		t.Errorf("unexpected request paths %v", paths)
	}
}

func TestNotifyNewCodes_RemovesUnreachableChannels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/forbidden/"):
			w.WriteHeader(http.StatusForbidden)
		case strings.Contains(r.URL.Path, "/deleted/"):
			w.WriteHeader(http.StatusNotFound)
		default:
			w.Write([]byte(`{"id": "ok"}`))
		}
	}))
	defer server.Close()

	subs := activeSubs("forbidden", "ok", "deleted")
	c := newTestClient(server.URL, subs)

	if err := c.NotifyNewCodes(context.Background(), sampleCodes(1)); err != nil {
		t.Fatalf("removed channels should not be reported as errors, got %v", err)
	}
	if len(subs.removed) != 2 || subs.removed[0] != "forbidden" || subs.removed[1] != "deleted" {
		t.Errorf("unexpected removals %v", subs.removed)
	}
}

func TestNotifyNewCodes_RetriesOn5xx(t *testing.T) {
	var attempts int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) <= 1 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"message": "server error"}`))
			return
		}
		w.Write([]byte(`{"id": "retry-success"}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL, activeSubs("111"))
	if err := c.NotifyNewCodes(context.Background(), sampleCodes(1)); err != nil {
		t.Fatalf("NotifyNewCodes() should have succeeded after retry, got error: %v", err)
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Errorf("Expected 2 attempts, got %d", atomic.LoadInt32(&attempts))
	}
}

func TestNotifyNewCodes_RetriesOn429(t *testing.T) {
	var attempts int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.Header().Set("Retry-After", "0.01")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message": "rate limited"}`))
			return
		}
		w.Write([]byte(`{"id": "429-success"}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL, activeSubs("111"))
	if err := c.NotifyNewCodes(context.Background(), sampleCodes(1)); err != nil {
		t.Fatalf("NotifyNewCodes() should have succeeded after 429 retry, got error: %v", err)
	}
}

func TestNotifyNewCodes_NoRetryOn4xx(t *testing.T) {
	var attempts int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message": "bad request"}`))
	}))
	defer server.Close()

	subs := activeSubs("111")
	c := newTestClient(server.URL, subs)
	err := c.NotifyNewCodes(context.Background(), sampleCodes(1))
	if err == nil {
		t.Fatal("NotifyNewCodes() should have returned error for 400 response")
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Errorf("Expected 1 attempt (no retry for 400), got %d", atomic.LoadInt32(&attempts))
	}
	if len(subs.removed) != 0 {
		t.Errorf("400 should not remove the subscription")
	}
}

func TestNotifyNewCodes_SkipsWithoutTokenOrCodes(t *testing.T) {
	var called int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&called, 1)
	}))
	defer server.Close()

	noToken := New("", activeSubs("111"), WithAPIBase(server.URL))
	if err := noToken.NotifyNewCodes(context.Background(), sampleCodes(1)); err != nil {
		t.Errorf("expected nil without token, got %v", err)
	}
	withToken := newTestClient(server.URL, activeSubs("111"))
	if err := withToken.NotifyNewCodes(context.Background(), nil); err != nil {
		t.Errorf("expected nil for empty delta, got %v", err)
	}
	if atomic.LoadInt32(&called) != 0 {
		t.Errorf("expected no requests, got %d", called)
	}
}

func TestRetryBackoff(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		retryAfter string
		attempt    int
		want       time.Duration
	}{
		{"429 with Retry-After", 429, "2", 0, 2 * time.Second},
		{"429 with fractional Retry-After", 429, "0.5", 0, 500 * time.Millisecond},
		{"429 without Retry-After", 429, "", 1, 2 * time.Second},
		{"500 error", 500, "", 0, time.Second},
		{"503 error", 503, "", 2, 4 * time.Second},
		{"400 error", 400, "", 0, 0},
		{"404 error", 404, "", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{StatusCode: tt.statusCode, Header: http.Header{}}
			if tt.retryAfter != "" {
				resp.Header.Set("Retry-After", tt.retryAfter)
			}
			if got := retryBackoff(resp, tt.attempt); got != tt.want {
				t.Errorf("retryBackoff = %v, want %v", got, tt.want)
			}
		})
	}
}
