package tokenmeter

import (
	"fmt"
	"time"
)

// dayLayout is the on-disk representation of a Day.
const dayLayout = "2006-01-02"

// Day is a calendar date without a time component, formatted YYYY-MM-DD.
type Day string

// DayOf returns the calendar day of t in loc. A nil loc means UTC.
func DayOf(t time.Time, loc *time.Location) Day {
	if loc == nil {
		loc = time.UTC
	}
	return Day(t.In(loc).Format(dayLayout))
}

// ParseDay validates s as a YYYY-MM-DD date.
func ParseDay(s string) (Day, error) {
	if _, err := time.Parse(dayLayout, s); err != nil {
		return "", fmt.Errorf("tokenmeter: invalid day %q: %w", s, err)
	}
	return Day(s), nil
}

func (d Day) String() string { return string(d) }

// Account is the metering row for one pseudo-identity.
type Account struct {
	UserID     string `json:"user_id"`
	TokensLeft int64  `json:"tokens_left"`
	LastReset  Day    `json:"last_reset"`
	IsPaid     bool   `json:"is_paid"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Verse is a scripture passage returned by a Scripture lookup.
type Verse struct {
	Reference   string `json:"reference"`
	Text        string `json:"text"`
	Translation string `json:"translation"`
}

// HistoryEntry is one append-only chat log row.
type HistoryEntry struct {
	UserID    string
	Role      string
	Message   string
	Timestamp time.Time
}

// Action names a metered user action.
type Action string

const (
	ActionAsk       Action = "ask"
	ActionVerse     Action = "verse"
	ActionTranslate Action = "translate"
)

// CreditSource identifies which path applied a donation credit.
type CreditSource string

const (
	SourceRedirect CreditSource = "redirect"
	SourceWebhook  CreditSource = "webhook"
	SourceOperator CreditSource = "operator"
)
