// Package quota decides whether a user may consume another generation today.
package quota

import (
	"fmt"
	"time"

	"github.com/ashureev/tgrelay/internal/domain"
)

// Unlimited is the canonical daily limit for "no cap". An absent quota
// configuration means the same thing.
const Unlimited = domain.UnlimitedUsage

// DefaultPremiumPrice is the upgrade price in Telegram Stars.
const DefaultPremiumPrice = 100

const dateLayout = "2006-01-02"

// Config holds the optional usage quota settings.
type Config struct {
	DailyLimit   int
	PremiumPrice int
}

// UnlimitedConfig returns the configuration used when no quota is set.
func UnlimitedConfig() Config {
	return Config{DailyLimit: Unlimited, PremiumPrice: DefaultPremiumPrice}
}

// Enabled reports whether a finite daily limit applies.
func (c Config) Enabled() bool {
	return c.DailyLimit >= 0
}

// Decision is the result of Admit.
type Decision int

const (
	Allowed Decision = iota
	Denied
)

func (d Decision) String() string {
	if d == Allowed {
		return "allowed"
	}
	return "denied"
}

// Gate applies the daily usage rules to a session.
type Gate struct{}

// NewGate creates a usage gate.
func NewGate() *Gate {
	return &Gate{}
}

// Admit decides whether the session may make another request at now and
// records the use when it may. Premium sessions are always allowed and not
// counted. The counter resets lazily on the first call of a new UTC day.
// A denied call does not change the count.
func (g *Gate) Admit(s *domain.Session, now time.Time) Decision {
	if s.IsPremium {
		return Allowed
	}

	today := Today(now)
	if s.DailyUsage.Date != today {
		s.DailyUsage.Count = 0
		s.DailyUsage.Date = today
	}

	if !s.DailyUsage.Unlimited() && s.DailyUsage.Count >= s.DailyUsage.Limit {
		return Denied
	}

	s.DailyUsage.Count++
	return Allowed
}

// Remaining returns how many requests the session has left today, or -1 if
// it is unlimited. It does not modify the session.
func (g *Gate) Remaining(s *domain.Session, now time.Time) int {
	if s.IsPremium || s.DailyUsage.Unlimited() {
		return -1
	}
	used := s.DailyUsage.Count
	if s.DailyUsage.Date != Today(now) {
		used = 0
	}
	if used >= s.DailyUsage.Limit {
		return 0
	}
	return s.DailyUsage.Limit - used
}

// Today returns the UTC calendar day of now.
func Today(now time.Time) string {
	return now.UTC().Format(dateLayout)
}

// UntilReset returns the time from now to the next UTC midnight.
func UntilReset(now time.Time) time.Duration {
	utc := now.UTC()
	midnight := time.Date(utc.Year(), utc.Month(), utc.Day()+1, 0, 0, 0, 0, time.UTC)
	return midnight.Sub(utc)
}

// FormatWait renders a reset wait as "5h 12m", "12m" or "under a minute".
func FormatWait(d time.Duration) string {
	if d < time.Minute {
		return "under a minute"
	}
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	if h == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh %dm", h, m)
}

// FormatPrice renders a Stars price the way the upgrade prompt shows it,
// counting 100 Stars as one dollar.
func FormatPrice(stars int) string {
	return fmt.Sprintf("$%.2f", float64(stars)/100)
}
