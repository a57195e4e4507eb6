package processor

import (
	"context"
	"time"

	"github.com/pauljones0/shift-code-bot/internal/models"
)

// SubscriptionStore manages channels opted in to new-code notifications.
type SubscriptionStore interface {
	// AddSubscription returns false, nil when the channel is already subscribed.
	AddSubscription(ctx context.Context, channelID, guildID string) (bool, error)
	RemoveSubscription(ctx context.Context, channelID string) (bool, error)
	ListSubscriptions(ctx context.Context) ([]models.Subscription, error)
}

// CodeStore abstracts the storage layer for code data.
type CodeStore interface {
	SubscriptionStore

	// UpsertCode records one observation of code and reports whether it
	// created the record.
	UpsertCode(ctx context.Context, code, reward, expires, source string) (id string, isNew bool, err error)
	SweepExpired(ctx context.Context, now time.Time) (int, error)
	ListActive(ctx context.Context, limit int) ([]models.CodeRecord, error)

	GetCode(ctx context.Context, code string) (*models.CodeRecord, error)
	MarkInactive(ctx context.Context, code string) (bool, error)
	ListBySource(ctx context.Context, source string) ([]models.CodeRecord, error)
	SearchRewards(ctx context.Context, term string) ([]models.CodeRecord, error)
	NewSince(ctx context.Context, since time.Time) ([]models.CodeRecord, error)
	Stats(ctx context.Context) (models.Stats, error)
	CleanupHistory(ctx context.Context, olderThan time.Time) (int, error)

	LogCommandUsage(ctx context.Context, usage models.CommandUsage) error
	CommandStats(ctx context.Context, since time.Time) (models.CommandStats, error)
}

// CodeNotifier abstracts the notification layer.
type CodeNotifier interface {
	NotifyNewCodes(ctx context.Context, codes []models.CodeRecord) error
}
