package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pauljones0/shift-code-bot/internal/expiry"
	"github.com/pauljones0/shift-code-bot/internal/models"
)

const (
	codesCollection         = "codes"
	historyCollection       = "code_history"
	commandsCollection      = "command_stats"
	subscriptionsCollection = "notification_subscriptions"
)

type codeDoc struct {
	Code         string     `firestore:"code"`
	Reward       string     `firestore:"reward"`
	Expires      string     `firestore:"expires"`
	ExpiresAt    *time.Time `firestore:"expiresAt"`
	Source       string     `firestore:"source"`
	FirstSeen    time.Time  `firestore:"firstSeen"`
	LastSeen     time.Time  `firestore:"lastSeen"`
	TimesScraped int        `firestore:"timesScraped"`
	IsActive     bool       `firestore:"isActive"`
	Notes        string     `firestore:"notes,omitempty"`
}

func (d codeDoc) toRecord(id string) models.CodeRecord {
	return models.CodeRecord{
		ID:           id,
		Code:         d.Code,
		Reward:       d.Reward,
		Expires:      d.Expires,
		ExpiresAt:    d.ExpiresAt,
		Source:       d.Source,
		FirstSeen:    d.FirstSeen,
		LastSeen:     d.LastSeen,
		TimesScraped: d.TimesScraped,
		IsActive:     d.IsActive,
		Notes:        d.Notes,
	}
}

type historyDoc struct {
	CodeID    string    `firestore:"codeId"`
	Source    string    `firestore:"source"`
	ScrapedAt time.Time `firestore:"scrapedAt"`
}

type commandDoc struct {
	CommandName string    `firestore:"commandName"`
	UserID      string    `firestore:"userId"`
	GuildID     string    `firestore:"guildId,omitempty"`
	UsedAt      time.Time `firestore:"usedAt"`
}

type subscriptionDoc struct {
	ChannelID    string    `firestore:"channelId"`
	GuildID      string    `firestore:"guildId"`
	SubscribedAt time.Time `firestore:"subscribedAt"`
	IsActive     bool      `firestore:"isActive"`
}

// FirestoreStore keeps codes in Firestore. Code documents are keyed by the
// normalized code and subscriptions by channel ID.
type FirestoreStore struct {
	client *firestore.Client
	now    func() time.Time
}

func NewFirestore(ctx context.Context, projectID string) (*FirestoreStore, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("firestore.NewClient: %w", err)
	}
	return &FirestoreStore{client: client, now: time.Now}, nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func (s *FirestoreStore) codes() *firestore.CollectionRef {
	return s.client.Collection(codesCollection)
}

func (s *FirestoreStore) UpsertCode(ctx context.Context, code, reward, expires, source string) (string, bool, error) {
	norm := models.NormalizeCode(code)
	if norm == "" {
		return "", false, fmt.Errorf("upsert: empty code")
	}
	if reward == "" {
		reward = models.DefaultReward
	}
	exp := expiry.Normalize(expires)
	now := s.now().UTC()
	ref := s.codes().Doc(norm)

	var isNew bool
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		isNew = false
		_, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
			isNew = true
			err = tx.Create(ref, codeDoc{
				Code:         norm,
				Reward:       reward,
				Expires:      exp.Display,
				ExpiresAt:    exp.Instant(),
				Source:       source,
				FirstSeen:    now,
				LastSeen:     now,
				TimesScraped: 1,
				IsActive:     true,
			})
		case err != nil:
			return fmt.Errorf("failed to get code %s: %w", norm, err)
		default:
			err = tx.Update(ref, []firestore.Update{
				{Path: "lastSeen", Value: now},
				{Path: "source", Value: source},
				{Path: "reward", Value: reward},
				{Path: "expires", Value: exp.Display},
				{Path: "expiresAt", Value: exp.Instant()},
				{Path: "timesScraped", Value: firestore.Increment(1)},
			})
		}
		if err != nil {
			return err
		}
		return tx.Create(s.client.Collection(historyCollection).NewDoc(), historyDoc{
			CodeID:    norm,
			Source:    source,
			ScrapedAt: now,
		})
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to upsert code %s: %w", norm, err)
	}

	if isNew {
		slog.Info("New code added", "code", norm, "reward", reward, "source", source)
	}
	return norm, isNew, nil
}

func (s *FirestoreStore) queryCodes(ctx context.Context, q firestore.Query) ([]models.CodeRecord, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []models.CodeRecord
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate codes: %w", err)
		}
		var d codeDoc
		if err := doc.DataTo(&d); err != nil {
			return nil, fmt.Errorf("failed to unmarshal code %s: %w", doc.Ref.ID, err)
		}
		out = append(out, d.toRecord(doc.Ref.ID))
	}
	return out, nil
}

func (s *FirestoreStore) activeQuery() firestore.Query {
	return s.codes().Where("isActive", "==", true)
}

func (s *FirestoreStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	active, err := s.queryCodes(ctx, s.activeQuery())
	if err != nil {
		return 0, fmt.Errorf("failed to load codes for expiry sweep: %w", err)
	}

	bulkWriter := s.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob
	for _, rec := range active {
		if rec.Expires == "" || !expiry.Normalize(rec.Expires).ExpiredAt(now) {
			continue
		}
		job, err := bulkWriter.Update(s.codes().Doc(rec.ID), []firestore.Update{{Path: "isActive", Value: false}})
		if err != nil {
			slog.Warn("Error queueing expiry update", "code", rec.Code, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	bulkWriter.End()

	deactivated := 0
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			slog.Warn("Failed to deactivate expired code", "error", err)
			continue
		}
		deactivated++
	}
	if deactivated > 0 {
		slog.Info("Marked expired codes inactive", "count", deactivated)
	}
	return deactivated, nil
}

func (s *FirestoreStore) ListActive(ctx context.Context, limit int) ([]models.CodeRecord, error) {
	q := s.activeQuery().OrderBy("firstSeen", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	return s.queryCodes(ctx, q)
}

func (s *FirestoreStore) GetCode(ctx context.Context, code string) (*models.CodeRecord, error) {
	norm := models.NormalizeCode(code)
	doc, err := s.codes().Doc(norm).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get code %s: %w", norm, err)
	}
	var d codeDoc
	if err := doc.DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal code data: %w", err)
	}
	rec := d.toRecord(doc.Ref.ID)
	return &rec, nil
}

func (s *FirestoreStore) MarkInactive(ctx context.Context, code string) (bool, error) {
	norm := models.NormalizeCode(code)
	_, err := s.codes().Doc(norm).Update(ctx, []firestore.Update{{Path: "isActive", Value: false}})
	if status.Code(err) == codes.NotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark code %s inactive: %w", norm, err)
	}
	slog.Info("Code marked inactive", "code", norm)
	return true, nil
}

func (s *FirestoreStore) ListBySource(ctx context.Context, source string) ([]models.CodeRecord, error) {
	return s.queryCodes(ctx, s.activeQuery().Where("source", "==", source).OrderBy("firstSeen", firestore.Desc))
}

// SearchRewards filters active codes in memory; Firestore has no substring
// match.
func (s *FirestoreStore) SearchRewards(ctx context.Context, term string) ([]models.CodeRecord, error) {
	active, err := s.ListActive(ctx, 0)
	if err != nil {
		return nil, err
	}
	term = strings.ToLower(term)
	var out []models.CodeRecord
	for _, rec := range active {
		if strings.Contains(strings.ToLower(rec.Reward), term) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *FirestoreStore) NewSince(ctx context.Context, since time.Time) ([]models.CodeRecord, error) {
	return s.queryCodes(ctx, s.activeQuery().Where("firstSeen", ">", since.UTC()).OrderBy("firstSeen", firestore.Desc))
}

func (s *FirestoreStore) count(ctx context.Context, q firestore.Query) (int, error) {
	result, err := q.NewAggregationQuery().WithCount("all").Get(ctx)
	if err != nil {
		return 0, err
	}
	return countValue(result, "all")
}

// countValue reads a count aggregation, which the client may return as an
// int64 or a raw protobuf value depending on version.
func countValue(result map[string]interface{}, key string) (int, error) {
	v, ok := result[key]
	if !ok {
		return 0, fmt.Errorf("count aggregation result was invalid: %q key missing", key)
	}
	switch val := v.(type) {
	case int64:
		return int(val), nil
	case *firestorepb.Value:
		return int(val.GetIntegerValue()), nil
	default:
		return 0, fmt.Errorf("count aggregation result has unexpected type %T", v)
	}
}

func (s *FirestoreStore) Stats(ctx context.Context) (models.Stats, error) {
	var stats models.Stats

	total, err := s.count(ctx, s.codes().Query)
	if err != nil {
		return stats, fmt.Errorf("failed to count codes: %w", err)
	}
	active, err := s.ListActive(ctx, 0)
	if err != nil {
		return stats, err
	}
	stats.Total = total
	stats.Active = len(active)
	stats.Inactive = total - len(active)

	stats.BySource = make(map[string]int)
	rewards := make(map[string]int)
	for _, rec := range active {
		stats.BySource[rec.Source]++
		rewards[rec.Reward]++
	}

	for reward, n := range rewards {
		stats.TopRewards = append(stats.TopRewards, models.Count{Key: reward, Count: n})
	}
	sortCounts(stats.TopRewards)
	if len(stats.TopRewards) > topRewardsLimit {
		stats.TopRewards = stats.TopRewards[:topRewardsLimit]
	}

	for _, rec := range active {
		stats.MostScraped = append(stats.MostScraped, models.Count{Key: rec.Code, Count: rec.TimesScraped})
	}
	sortCounts(stats.MostScraped)
	if len(stats.MostScraped) > mostScrapedLimit {
		stats.MostScraped = stats.MostScraped[:mostScrapedLimit]
	}

	return stats, nil
}

// sortCounts orders by count descending, then key ascending.
func sortCounts(c []models.Count) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].Count != c[j].Count {
			return c[i].Count > c[j].Count
		}
		return c[i].Key < c[j].Key
	})
}

// CleanupHistory deletes observations older than olderThan, oldest first.
func (s *FirestoreStore) CleanupHistory(ctx context.Context, olderThan time.Time) (int, error) {
	iter := s.client.Collection(historyCollection).
		Where("scrapedAt", "<", olderThan.UTC()).
		OrderBy("scrapedAt", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	bulkWriter := s.client.BulkWriter(ctx)
	defer bulkWriter.End()

	deletedCount := 0
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return deletedCount, fmt.Errorf("failed to iterate history for cleanup: %w", err)
		}
		if _, err := bulkWriter.Delete(doc.Ref); err != nil {
			slog.Warn("Error queueing history delete", "id", doc.Ref.ID, "error", err)
			continue
		}
		deletedCount++
	}

	if deletedCount > 0 {
		bulkWriter.Flush()
		slog.Info("Cleaned up old history entries", "count", deletedCount)
	}
	return deletedCount, nil
}

func (s *FirestoreStore) LogCommandUsage(ctx context.Context, usage models.CommandUsage) error {
	if usage.UsedAt.IsZero() {
		usage.UsedAt = s.now()
	}
	_, err := s.client.Collection(commandsCollection).NewDoc().Create(ctx, commandDoc{
		CommandName: usage.CommandName,
		UserID:      usage.UserID,
		GuildID:     usage.GuildID,
		UsedAt:      usage.UsedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to log command usage: %w", err)
	}
	return nil
}

func (s *FirestoreStore) CommandStats(ctx context.Context, since time.Time) (models.CommandStats, error) {
	stats := models.CommandStats{ByCommand: map[string]int{}}

	iter := s.client.Collection(commandsCollection).Where("usedAt", ">", since.UTC()).Documents(ctx)
	defer iter.Stop()

	users := make(map[string]struct{})
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("failed to iterate command usage: %w", err)
		}
		var d commandDoc
		if err := doc.DataTo(&d); err != nil {
			return stats, fmt.Errorf("failed to unmarshal command usage: %w", err)
		}
		stats.Total++
		stats.ByCommand[d.CommandName]++
		users[d.UserID] = struct{}{}
	}
	stats.UniqueUsers = len(users)
	return stats, nil
}

func (s *FirestoreStore) AddSubscription(ctx context.Context, channelID, guildID string) (bool, error) {
	_, err := s.client.Collection(subscriptionsCollection).Doc(channelID).Create(ctx, subscriptionDoc{
		ChannelID:    channelID,
		GuildID:      guildID,
		SubscribedAt: s.now().UTC(),
		IsActive:     true,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			slog.Info("Channel already subscribed", "channel_id", channelID)
			return false, nil
		}
		return false, fmt.Errorf("failed to subscribe channel %s: %w", channelID, err)
	}
	slog.Info("Channel subscribed to notifications", "channel_id", channelID, "guild_id", guildID)
	return true, nil
}

func (s *FirestoreStore) RemoveSubscription(ctx context.Context, channelID string) (bool, error) {
	_, err := s.client.Collection(subscriptionsCollection).Doc(channelID).Delete(ctx, firestore.Exists)
	if status.Code(err) == codes.NotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to unsubscribe channel %s: %w", channelID, err)
	}
	slog.Info("Channel unsubscribed from notifications", "channel_id", channelID)
	return true, nil
}

func (s *FirestoreStore) ListSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	iter := s.client.Collection(subscriptionsCollection).Where("isActive", "==", true).Documents(ctx)
	defer iter.Stop()

	var out []models.Subscription
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate subscriptions: %w", err)
		}
		var d subscriptionDoc
		if err := doc.DataTo(&d); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subscription %s: %w", doc.Ref.ID, err)
		}
		out = append(out, models.Subscription{
			ChannelID:    d.ChannelID,
			GuildID:      d.GuildID,
			SubscribedAt: d.SubscribedAt,
			Active:       d.IsActive,
		})
	}
	return out, nil
}
