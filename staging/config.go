package staging

import (
	"fmt"
	"time"
)

type Config struct {
	// In-world hours an approved staging stays valid when the approver does not pick a TTL.
	DefaultTTLHours int
	// Upper bound for one narrative generation call.
	NarrativeTimeout time.Duration
	// Wall-clock wait before an unanswered approval request is auto-approved
	// with the rule candidates (0 disables auto-approval).
	ApprovalTimeout time.Duration
	// Max ttl accepted from approvers (0 => no cap).
	MaxTTLHours int
}

func DefaultConfig() Config {
	return Config{
		DefaultTTLHours:  3,
		NarrativeTimeout: 20 * time.Second,
		ApprovalTimeout:  30 * time.Second,
		MaxTTLHours:      24 * 7,
	}
}

func (c Config) Validate() error {
	if c.DefaultTTLHours <= 0 {
		return fmt.Errorf("DefaultTTLHours must be > 0")
	}
	if c.MaxTTLHours < 0 {
		return fmt.Errorf("MaxTTLHours must be >= 0")
	}
	if c.MaxTTLHours > 0 && c.DefaultTTLHours > c.MaxTTLHours {
		return fmt.Errorf("DefaultTTLHours must be <= MaxTTLHours")
	}
	if c.NarrativeTimeout <= 0 {
		return fmt.Errorf("NarrativeTimeout must be > 0")
	}
	if c.ApprovalTimeout < 0 {
		return fmt.Errorf("ApprovalTimeout must be >= 0")
	}
	return nil
}

// ResolveTTL applies the default for ttl == 0 and rejects out-of-range values.
func (c Config) ResolveTTL(ttl int) (int, error) {
	if ttl == 0 {
		return c.DefaultTTLHours, nil
	}
	if ttl < 0 {
		return 0, Invalid("ttl_hours must be > 0, got %d", ttl)
	}
	if c.MaxTTLHours > 0 && ttl > c.MaxTTLHours {
		return 0, Invalid("ttl_hours must be <= %d, got %d", c.MaxTTLHours, ttl)
	}
	return ttl, nil
}
