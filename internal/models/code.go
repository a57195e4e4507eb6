package models

import (
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/pauljones0/shift-code-bot/internal/expiry"
)

// DefaultReward is used when a source lists a code without a reward.
const DefaultReward = "Golden Key"

// CodePattern matches one code: five groups of five alphanumerics.
var CodePattern = regexp.MustCompile(`^[A-Z0-9]{5}(-[A-Z0-9]{5}){4}$`)

// ErrCodeNotFound is returned when a single code lookup has no match.
var ErrCodeNotFound = errors.New("code not found")

// CodeRecord is the stored entity for one discovered code.
type CodeRecord struct {
	ID           string     `json:"id"`
	Code         string     `json:"code"`
	Reward       string     `json:"reward"`
	Expires      string     `json:"expires,omitempty"`    // canonical display, empty when unknown
	ExpiresAt    *time.Time `json:"expires_at,omitempty"` // set when Expires parsed
	Source       string     `json:"source"`
	FirstSeen    time.Time  `json:"first_seen"`
	LastSeen     time.Time  `json:"last_seen"`
	TimesScraped int        `json:"times_scraped"`
	IsActive     bool       `json:"is_active"`
	Notes        string     `json:"notes,omitempty"`
}

// Candidate is a code as reported by one source during one cycle.
type Candidate struct {
	Code    string        `validate:"required,shiftcode"`
	Reward  string        `validate:"required"`
	Expires expiry.Expiry `validate:"-"`
	Source  string        `validate:"required"`
}

// Observation is one append-only history entry for a record.
type Observation struct {
	ID         string    `json:"id"`
	RecordID   string    `json:"record_id"`
	Source     string    `json:"source"`
	ObservedAt time.Time `json:"observed_at"`
}

// Subscription is a channel opted in to new-code notifications.
type Subscription struct {
	ChannelID    string    `json:"channel_id"`
	GuildID      string    `json:"guild_id"`
	SubscribedAt time.Time `json:"subscribed_at"`
	Active       bool      `json:"active"`
}

// CommandUsage is one logged command invocation.
type CommandUsage struct {
	CommandName string    `json:"command_name"`
	UserID      string    `json:"user_id"`
	GuildID     string    `json:"guild_id,omitempty"`
	UsedAt      time.Time `json:"used_at"`
}

// Count pairs a label with how often it occurs.
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Stats summarizes the code table.
type Stats struct {
	Total       int            `json:"total"`
	Active      int            `json:"active"`
	Inactive    int            `json:"inactive"`
	BySource    map[string]int `json:"by_source"`
	TopRewards  []Count        `json:"top_rewards"`
	MostScraped []Count        `json:"most_scraped"`
}

// CommandStats summarizes command usage over a trailing window.
type CommandStats struct {
	Days        int            `json:"days"`
	Total       int            `json:"total"`
	ByCommand   map[string]int `json:"by_command"`
	UniqueUsers int            `json:"unique_users"`
}

// NormalizeCode is the identity key for a code: trimmed, upper-cased and
// stripped of all whitespace.
func NormalizeCode(code string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, code)
}

// IsShiftCode reports whether code has the five-by-five shape once
// normalized.
func IsShiftCode(code string) bool {
	return CodePattern.MatchString(NormalizeCode(code))
}
