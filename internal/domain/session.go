package domain

import (
	"time"
)

// Role identifies the author of a history entry.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single conversation history entry.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// UnlimitedUsage is the canonical limit value for users without a daily cap.
const UnlimitedUsage = -1

// DailyUsage tracks how many generations a user consumed on Date (UTC, YYYY-MM-DD).
type DailyUsage struct {
	Count int    `json:"count"`
	Date  string `json:"date"`
	Limit int    `json:"limit"`
}

// Unlimited returns true if no daily cap applies.
func (u DailyUsage) Unlimited() bool {
	return u.Limit < 0
}

// Session holds persisted conversation and quota state for a user.
type Session struct {
	UserID              string     `json:"user_id"`
	History             []Message  `json:"history"`
	DailyUsage          DailyUsage `json:"daily_usage"`
	IsPremium           bool       `json:"is_premium"`
	PremiumSince        *time.Time `json:"premium_since,omitempty"`
	LastPaymentChargeID string     `json:"last_payment_charge_id,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// HasSystemPrompt returns true if history starts with a system message.
func (s *Session) HasSystemPrompt() bool {
	return len(s.History) > 0 && s.History[0].Role == RoleSystem
}

// RecentMessages returns the last n history entries.
func (s *Session) RecentMessages(n int) []Message {
	if n >= len(s.History) {
		return s.History
	}
	return s.History[len(s.History)-n:]
}

// InitialHistory returns the history a fresh or reset session starts with.
func InitialHistory(systemPrompt string) []Message {
	if systemPrompt == "" {
		return []Message{}
	}
	return []Message{{Role: RoleSystem, Content: systemPrompt}}
}
