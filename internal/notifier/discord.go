package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/pauljones0/shift-code-bot/internal/metrics"
	"github.com/pauljones0/shift-code-bot/internal/models"
	"github.com/pauljones0/shift-code-bot/internal/util"
)

const (
	DefaultAPIBase = "https://discord.com/api/v10"
	RedeemURL      = "https://shift.gearboxsoftware.com/rewards"

	colorShiftGold = 16766720 // #FFD700

	maxListedCodes  = 5
	maxSendAttempts = 3
	baseRetryDelay  = time.Second
)

// SubscriptionSource lists subscribed channels and drops ones that can no
// longer be delivered to.
type SubscriptionSource interface {
	ListSubscriptions(ctx context.Context) ([]models.Subscription, error)
	RemoveSubscription(ctx context.Context, channelID string) (bool, error)
}

// Client posts new-code announcements to every subscribed Discord channel
// through the bot REST API.
type Client struct {
	apiBase     string
	token       string
	subs        SubscriptionSource
	client      *http.Client
	rateLimiter *rate.Limiter
	now         func() time.Time
}

type Option func(*Client)

func WithAPIBase(base string) Option {
	return func(c *Client) { c.apiBase = strings.TrimRight(base, "/") }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// New builds a client. An empty token disables delivery.
func New(token string, subs SubscriptionSource, opts ...Option) *Client {
	c := &Client{
		apiBase: DefaultAPIBase,
		token:   token,
		subs:    subs,
		client:  &http.Client{Timeout: 10 * time.Second},
		// Discord allows roughly 5 messages per 5 seconds per channel.
		rateLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError is a non-2xx reply from Discord.
type StatusError struct {
	StatusCode int
	Body       string
	retryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("discord status %d: %s", e.StatusCode, e.Body)
}

// gone reports whether the channel is unreachable for good.
func (e *StatusError) gone() bool {
	return e.StatusCode == http.StatusForbidden || e.StatusCode == http.StatusNotFound
}

type messagePayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbedFooter struct {
	Text string `json:"text,omitempty"`
}

type discordEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	URL         string              `json:"url,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
	Footer      discordEmbedFooter  `json:"footer,omitempty"`
}

// NotifyNewCodes announces codes to every active subscription. Channels that
// answer 403 or 404 are unsubscribed. The returned error joins the failures
// of the remaining channels.
func (c *Client) NotifyNewCodes(ctx context.Context, codes []models.CodeRecord) error {
	if len(codes) == 0 {
		return nil
	}
	if c.token == "" {
		slog.Info("Discord token not configured, skipping notification", "codes", len(codes))
		return nil
	}

	subs, err := c.subs.ListSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		slog.Info("No subscribed channels for new codes", "codes", len(codes))
		return nil
	}

	payload := messagePayload{Embeds: []discordEmbed{formatCodesEmbed(codes, c.now())}}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var errs []error
	delivered := 0
	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		err := c.send(ctx, sub.ChannelID, body)
		if err == nil {
			delivered++
			metrics.NotificationsSent.WithLabelValues("ok").Inc()
			continue
		}

		var se *StatusError
		if errors.As(err, &se) && se.gone() {
			slog.Warn("Channel unreachable, removing subscription", "channel_id", sub.ChannelID, "status", se.StatusCode)
			metrics.NotificationsSent.WithLabelValues("removed").Inc()
			if _, rmErr := c.subs.RemoveSubscription(ctx, sub.ChannelID); rmErr != nil {
				errs = append(errs, fmt.Errorf("remove subscription %s: %w", sub.ChannelID, rmErr))
			}
			continue
		}

		slog.Error("Failed to notify channel", "channel_id", sub.ChannelID, "error", err)
		metrics.NotificationsSent.WithLabelValues("error").Inc()
		errs = append(errs, fmt.Errorf("channel %s: %w", sub.ChannelID, err))
		if ctx.Err() != nil {
			break
		}
	}

	slog.Info("Sent new code notifications", "codes", len(codes), "channels", delivered)
	return errors.Join(errs...)
}

func (c *Client) send(ctx context.Context, channelID string, body []byte) error {
	endpoint := fmt.Sprintf("%s/channels/%s/messages", c.apiBase, channelID)

	backoff := func(attempt int, err error) time.Duration {
		var se *StatusError
		if errors.As(err, &se) && se.retryAfter > 0 {
			return se.retryAfter
		}
		return baseRetryDelay * time.Duration(1<<attempt)
	}

	return util.Retry(ctx, maxSendAttempts, backoff, func(attempt int) error {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return util.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bot "+c.token)

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return util.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		se := &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
		wait := retryBackoff(resp, attempt)
		if wait == 0 {
			return util.Permanent(se)
		}
		se.retryAfter = wait
		slog.Warn("Discord request failed, retrying", "channel_id", channelID, "status", resp.StatusCode, "attempt", attempt+1, "backoff", wait)
		return se
	})
}

// retryBackoff returns how long to wait before retrying resp, or 0 when the
// status is not retryable. 429 honours Retry-After; 5xx backs off
// exponentially.
func retryBackoff(resp *http.Response, attempt int) time.Duration {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.ParseFloat(ra, 64); err == nil && secs > 0 {
				return time.Duration(secs * float64(time.Second))
			}
		}
		return baseRetryDelay * time.Duration(1<<attempt)
	case resp.StatusCode >= 500:
		return baseRetryDelay * time.Duration(1<<attempt)
	default:
		return 0
	}
}

func formatCodesEmbed(codes []models.CodeRecord, now time.Time) discordEmbed {
	title := "New SHiFT Code"
	if len(codes) > 1 {
		title = fmt.Sprintf("%d New SHiFT Codes", len(codes))
	}

	listed := codes
	if len(listed) > maxListedCodes {
		listed = listed[:maxListedCodes]
	}

	fields := make([]discordEmbedField, 0, len(listed)+1)
	for _, rec := range listed {
		value := fmt.Sprintf("`%s`", rec.Code)
		if rec.Expires != "" {
			value += "\nExpires: " + rec.Expires
		}
		fields = append(fields, discordEmbedField{Name: rec.Reward, Value: value})
	}
	if extra := len(codes) - len(listed); extra > 0 {
		fields = append(fields, discordEmbedField{Name: fmt.Sprintf("And %d more", extra), Value: "Use /codes to see them all"})
	}

	return discordEmbed{
		Title:       title,
		URL:         RedeemURL,
		Description: fmt.Sprintf("[Redeem on the SHiFT site](%s)", RedeemURL),
		Timestamp:   now.UTC().Format(time.RFC3339),
		Color:       colorShiftGold,
		Fields:      fields,
		Footer:      discordEmbedFooter{Text: "SHiFT Code Bot"},
	}
}
