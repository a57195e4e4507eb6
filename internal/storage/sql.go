package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pauljones0/shift-code-bot/internal/expiry"
	"github.com/pauljones0/shift-code-bot/internal/models"
)

// ErrNotFound is returned for single-record lookups with no match.
var ErrNotFound = models.ErrCodeNotFound

const (
	topRewardsLimit  = 5
	mostScrapedLimit = 5
)

type codeRow struct {
	ID           uint   `gorm:"primaryKey"`
	Code         string `gorm:"type:text;not null;uniqueIndex"`
	Reward       string `gorm:"type:text;not null"`
	Expires      string `gorm:"type:text"`
	ExpiresAt    *time.Time
	Source       string    `gorm:"type:text;not null;index"`
	FirstSeen    time.Time `gorm:"not null;index"`
	LastSeen     time.Time `gorm:"not null"`
	TimesScraped int       `gorm:"not null"`
	IsActive     bool      `gorm:"not null;index"`
	Notes        string    `gorm:"type:text"`
}

func (codeRow) TableName() string { return "codes" }

type historyRow struct {
	ID        uint      `gorm:"primaryKey"`
	CodeID    uint      `gorm:"not null;index"`
	Source    string    `gorm:"type:text;not null"`
	ScrapedAt time.Time `gorm:"not null;index"`
}

func (historyRow) TableName() string { return "code_history" }

type commandRow struct {
	ID          uint      `gorm:"primaryKey"`
	CommandName string    `gorm:"type:text;not null;index"`
	UserID      string    `gorm:"type:text;not null"`
	GuildID     string    `gorm:"type:text"`
	UsedAt      time.Time `gorm:"not null;index"`
}

func (commandRow) TableName() string { return "command_stats" }

type subscriptionRow struct {
	ID           uint      `gorm:"primaryKey"`
	ChannelID    string    `gorm:"type:text;not null;uniqueIndex"`
	GuildID      string    `gorm:"type:text"`
	SubscribedAt time.Time `gorm:"not null"`
	IsActive     bool      `gorm:"not null"`
}

func (subscriptionRow) TableName() string { return "notification_subscriptions" }

func (r codeRow) toRecord() models.CodeRecord {
	return models.CodeRecord{
		ID:           strconv.FormatUint(uint64(r.ID), 10),
		Code:         r.Code,
		Reward:       r.Reward,
		Expires:      r.Expires,
		ExpiresAt:    r.ExpiresAt,
		Source:       r.Source,
		FirstSeen:    r.FirstSeen,
		LastSeen:     r.LastSeen,
		TimesScraped: r.TimesScraped,
		IsActive:     r.IsActive,
		Notes:        r.Notes,
	}
}

func toRecords(rows []codeRow) []models.CodeRecord {
	out := make([]models.CodeRecord, len(rows))
	for i, r := range rows {
		out[i] = r.toRecord()
	}
	return out
}

// SQLStore keeps codes in a relational database through gorm.
type SQLStore struct {
	db  *gorm.DB
	now func() time.Time
}

// Dialect maps a driver name to its gorm dialector.
func Dialect(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "sqlite":
		return sqlite.Open(dsn), nil
	case "postgres":
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported %s database type", driver)
	}
}

// OpenSQL connects, migrates the schema and returns a ready store.
func OpenSQL(driver, dsn string) (*SQLStore, error) {
	dialector, err := Dialect(driver, dsn)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(slogWriter{}, logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	if driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sqlite handle: %w", err)
		}
		// SQLite allows one writer; in-memory databases exist per connection.
		sqlDB.SetMaxOpenConns(1)
	}

	return NewSQLStore(db)
}

// NewSQLStore migrates the schema on an existing connection.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&codeRow{}, &historyRow{}, &commandRow{}, &subscriptionRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &SQLStore{db: db, now: time.Now}, nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLStore) UpsertCode(ctx context.Context, code, reward, expires, source string) (string, bool, error) {
	norm := models.NormalizeCode(code)
	if norm == "" {
		return "", false, fmt.Errorf("upsert: empty code")
	}
	if reward == "" {
		reward = models.DefaultReward
	}
	exp := expiry.Normalize(expires)
	now := s.now().UTC()

	var id uint
	var isNew bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row codeRow
		err := tx.Where("code = ?", norm).Take(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = codeRow{
				Code:         norm,
				Reward:       reward,
				Expires:      exp.Display,
				ExpiresAt:    exp.Instant(),
				Source:       source,
				FirstSeen:    now,
				LastSeen:     now,
				TimesScraped: 1,
				IsActive:     true,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("failed to insert code %s: %w", norm, err)
			}
			isNew = true
		case err != nil:
			return fmt.Errorf("failed to look up code %s: %w", norm, err)
		default:
			err := tx.Model(&codeRow{}).Where("id = ?", row.ID).Updates(map[string]interface{}{
				"last_seen":     now,
				"source":        source,
				"reward":        reward,
				"expires":       exp.Display,
				"expires_at":    exp.Instant(),
				"times_scraped": gorm.Expr("times_scraped + 1"),
			}).Error
			if err != nil {
				return fmt.Errorf("failed to update code %s: %w", norm, err)
			}
		}
		id = row.ID

		if err := tx.Create(&historyRow{CodeID: row.ID, Source: source, ScrapedAt: now}).Error; err != nil {
			return fmt.Errorf("failed to append history for %s: %w", norm, err)
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}

	if isNew {
		slog.Info("New code added", "code", norm, "reward", reward, "source", source)
	}
	return strconv.FormatUint(uint64(id), 10), isNew, nil
}

// SweepExpired deactivates active codes whose stored expiry parses to an
// instant before now. Text that does not parse leaves the code active.
func (s *SQLStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	var rows []codeRow
	err := s.db.WithContext(ctx).
		Select("id", "code", "expires").
		Where("is_active = ? AND expires IS NOT NULL AND expires <> ''", true).
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load codes for expiry sweep: %w", err)
	}

	var expired []uint
	for _, r := range rows {
		exp := expiry.Normalize(r.Expires)
		if !exp.Parsed {
			slog.Debug("Could not parse expiry, keeping code active", "code", r.Code, "expires", r.Expires)
			continue
		}
		if exp.ExpiredAt(now) {
			expired = append(expired, r.ID)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).Model(&codeRow{}).Where("id IN ?", expired).Update("is_active", false)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to deactivate expired codes: %w", res.Error)
	}
	slog.Info("Marked expired codes inactive", "count", res.RowsAffected)
	return int(res.RowsAffected), nil
}

func (s *SQLStore) activeQuery(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Where("is_active = ?", true).Order("first_seen DESC").Order("id DESC")
}

// ListActive returns active codes, newest first. limit <= 0 means all.
func (s *SQLStore) ListActive(ctx context.Context, limit int) ([]models.CodeRecord, error) {
	q := s.activeQuery(ctx)
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []codeRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list active codes: %w", err)
	}
	return toRecords(rows), nil
}

func (s *SQLStore) GetCode(ctx context.Context, code string) (*models.CodeRecord, error) {
	var row codeRow
	err := s.db.WithContext(ctx).Where("code = ?", models.NormalizeCode(code)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get code %s: %w", code, err)
	}
	rec := row.toRecord()
	return &rec, nil
}

func (s *SQLStore) MarkInactive(ctx context.Context, code string) (bool, error) {
	norm := models.NormalizeCode(code)
	res := s.db.WithContext(ctx).Model(&codeRow{}).Where("code = ?", norm).Update("is_active", false)
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark code %s inactive: %w", norm, res.Error)
	}
	if res.RowsAffected > 0 {
		slog.Info("Code marked inactive", "code", norm)
	}
	return res.RowsAffected > 0, nil
}

func (s *SQLStore) ListBySource(ctx context.Context, source string) ([]models.CodeRecord, error) {
	var rows []codeRow
	if err := s.activeQuery(ctx).Where("source = ?", source).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list codes for source %s: %w", source, err)
	}
	return toRecords(rows), nil
}

// SearchRewards matches active codes whose reward contains term, ignoring case.
func (s *SQLStore) SearchRewards(ctx context.Context, term string) ([]models.CodeRecord, error) {
	var rows []codeRow
	pattern := "%" + strings.ToLower(term) + "%"
	if err := s.activeQuery(ctx).Where("LOWER(reward) LIKE ?", pattern).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to search rewards: %w", err)
	}
	return toRecords(rows), nil
}

func (s *SQLStore) NewSince(ctx context.Context, since time.Time) ([]models.CodeRecord, error) {
	var rows []codeRow
	if err := s.activeQuery(ctx).Where("first_seen > ?", since.UTC()).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list codes since %s: %w", since, err)
	}
	return toRecords(rows), nil
}

type labelCount struct {
	Label string
	N     int
}

func toCounts(in []labelCount) []models.Count {
	out := make([]models.Count, len(in))
	for i, c := range in {
		out[i] = models.Count{Key: c.Label, Count: c.N}
	}
	return out
}

func (s *SQLStore) Stats(ctx context.Context) (models.Stats, error) {
	db := s.db.WithContext(ctx)
	var stats models.Stats

	var total, active int64
	if err := db.Model(&codeRow{}).Count(&total).Error; err != nil {
		return stats, fmt.Errorf("failed to count codes: %w", err)
	}
	if err := db.Model(&codeRow{}).Where("is_active = ?", true).Count(&active).Error; err != nil {
		return stats, fmt.Errorf("failed to count active codes: %w", err)
	}
	stats.Total = int(total)
	stats.Active = int(active)
	stats.Inactive = int(total - active)

	var bySource []labelCount
	err := db.Model(&codeRow{}).
		Select("source AS label, COUNT(*) AS n").
		Where("is_active = ?", true).
		Group("source").
		Scan(&bySource).Error
	if err != nil {
		return stats, fmt.Errorf("failed to count codes by source: %w", err)
	}
	stats.BySource = make(map[string]int, len(bySource))
	for _, c := range bySource {
		stats.BySource[c.Label] = c.N
	}

	var rewards []labelCount
	err = db.Model(&codeRow{}).
		Select("reward AS label, COUNT(*) AS n").
		Where("is_active = ?", true).
		Group("reward").
		Order("n DESC").Order("label ASC").
		Limit(topRewardsLimit).
		Scan(&rewards).Error
	if err != nil {
		return stats, fmt.Errorf("failed to rank rewards: %w", err)
	}
	stats.TopRewards = toCounts(rewards)

	var scraped []labelCount
	err = db.Model(&codeRow{}).
		Select("code AS label, times_scraped AS n").
		Where("is_active = ?", true).
		Order("times_scraped DESC").Order("code ASC").
		Limit(mostScrapedLimit).
		Scan(&scraped).Error
	if err != nil {
		return stats, fmt.Errorf("failed to rank scraped codes: %w", err)
	}
	stats.MostScraped = toCounts(scraped)

	return stats, nil
}

// CleanupHistory deletes observations recorded before olderThan.
func (s *SQLStore) CleanupHistory(ctx context.Context, olderThan time.Time) (int, error) {
	res := s.db.WithContext(ctx).Where("scraped_at < ?", olderThan.UTC()).Delete(&historyRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clean up history: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		slog.Info("Cleaned up old history entries", "count", res.RowsAffected)
	}
	return int(res.RowsAffected), nil
}

// HistoryCount returns the number of observations stored for code.
func (s *SQLStore) HistoryCount(ctx context.Context, code string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&historyRow{}).
		Joins("JOIN codes ON codes.id = code_history.code_id").
		Where("codes.code = ?", models.NormalizeCode(code)).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count history for %s: %w", code, err)
	}
	return int(n), nil
}

func (s *SQLStore) LogCommandUsage(ctx context.Context, usage models.CommandUsage) error {
	if usage.UsedAt.IsZero() {
		usage.UsedAt = s.now()
	}
	row := commandRow{
		CommandName: usage.CommandName,
		UserID:      usage.UserID,
		GuildID:     usage.GuildID,
		UsedAt:      usage.UsedAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to log command usage: %w", err)
	}
	return nil
}

func (s *SQLStore) CommandStats(ctx context.Context, since time.Time) (models.CommandStats, error) {
	db := s.db.WithContext(ctx)
	since = since.UTC()
	stats := models.CommandStats{ByCommand: map[string]int{}}

	var total int64
	if err := db.Model(&commandRow{}).Where("used_at > ?", since).Count(&total).Error; err != nil {
		return stats, fmt.Errorf("failed to count commands: %w", err)
	}
	stats.Total = int(total)

	var byCommand []labelCount
	err := db.Model(&commandRow{}).
		Select("command_name AS label, COUNT(*) AS n").
		Where("used_at > ?", since).
		Group("command_name").
		Scan(&byCommand).Error
	if err != nil {
		return stats, fmt.Errorf("failed to count commands by name: %w", err)
	}
	for _, c := range byCommand {
		stats.ByCommand[c.Label] = c.N
	}

	var users int64
	if err := db.Model(&commandRow{}).Where("used_at > ?", since).Distinct("user_id").Count(&users).Error; err != nil {
		return stats, fmt.Errorf("failed to count unique users: %w", err)
	}
	stats.UniqueUsers = int(users)

	return stats, nil
}

func (s *SQLStore) AddSubscription(ctx context.Context, channelID, guildID string) (bool, error) {
	row := subscriptionRow{
		ChannelID:    channelID,
		GuildID:      guildID,
		SubscribedAt: s.now().UTC(),
		IsActive:     true,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicateKeyErr(err) {
			slog.Info("Channel already subscribed", "channel_id", channelID)
			return false, nil
		}
		return false, fmt.Errorf("failed to subscribe channel %s: %w", channelID, err)
	}
	slog.Info("Channel subscribed to notifications", "channel_id", channelID, "guild_id", guildID)
	return true, nil
}

func (s *SQLStore) RemoveSubscription(ctx context.Context, channelID string) (bool, error) {
	res := s.db.WithContext(ctx).Where("channel_id = ?", channelID).Delete(&subscriptionRow{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to unsubscribe channel %s: %w", channelID, res.Error)
	}
	if res.RowsAffected > 0 {
		slog.Info("Channel unsubscribed from notifications", "channel_id", channelID)
	}
	return res.RowsAffected > 0, nil
}

func (s *SQLStore) ListSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	var rows []subscriptionRow
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("subscribed_at ASC").Order("id ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	out := make([]models.Subscription, len(rows))
	for i, r := range rows {
		out[i] = models.Subscription{
			ChannelID:    r.ChannelID,
			GuildID:      r.GuildID,
			SubscribedAt: r.SubscribedAt,
			Active:       r.IsActive,
		}
	}
	return out, nil
}

// isDuplicateKeyErr recognizes unique violations across the supported
// dialects.
func isDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	// PostgreSQL 23505
	if strings.Contains(msg, "duplicate key value violates unique constraint") {
		return true
	}
	// SQLite 2067
	return strings.Contains(msg, "UNIQUE constraint failed")
}

// slogWriter routes gorm's logger through slog.
type slogWriter struct{}

func (slogWriter) Printf(format string, args ...interface{}) {
	slog.Warn("gorm", "message", fmt.Sprintf(format, args...))
}
