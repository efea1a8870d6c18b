// Package capability issues short-lived, single-use capability tokens for
// privileged stage operations.
//
// A token grants one named scope to one requester. The issuer only grants
// scopes enumerated in the whitelist policy, and only to the stages the
// policy lists for that scope. A granted token must be validated
// immediately before the privileged call and is consumed exactly once.
package capability

import (
	"errors"
	"fmt"
	"time"
)

// Tier selects a token lifetime.
type Tier string

const (
	TierDefault  Tier = "default"
	TierExtended Tier = "extended"
	TierCritical Tier = "critical"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierDefault, TierExtended, TierCritical:
		return true
	}
	return false
}

// TTLs maps tiers to lifetimes.
type TTLs struct {
	Default  time.Duration
	Extended time.Duration
	Critical time.Duration
}

// DefaultTTLs returns the stock tier lifetimes.
func DefaultTTLs() TTLs {
	return TTLs{
		Default:  300 * time.Second,
		Extended: 600 * time.Second,
		Critical: 900 * time.Second,
	}
}

// For returns the lifetime of tier t.
func (l TTLs) For(t Tier) time.Duration {
	switch t {
	case TierExtended:
		return l.Extended
	case TierCritical:
		return l.Critical
	}
	return l.Default
}

// Token is a granted capability.
type Token struct {
	ID         string    `json:"id"`
	Scope      string    `json:"scope"`
	Requester  string    `json:"requester"`
	RunID      string    `json:"run_id,omitempty"`
	Tier       Tier      `json:"tier"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	ConsumedAt time.Time `json:"consumed_at,omitempty"`
	Revoked    bool      `json:"revoked,omitempty"`
}

// Consumed reports whether the token has been used.
func (t Token) Consumed() bool { return !t.ConsumedAt.IsZero() }

// Expired reports whether the token's lifetime has passed at now.
func (t Token) Expired(now time.Time) bool { return !now.Before(t.ExpiresAt) }

// Reason explains why a token operation was refused.
type Reason string

const (
	ReasonUnknown        Reason = "unknown"
	ReasonScopeMismatch  Reason = "scope_mismatch"
	ReasonExpired        Reason = "expired"
	ReasonConsumed       Reason = "consumed"
	ReasonRevoked        Reason = "revoked"
	ReasonHolderMismatch Reason = "holder_mismatch"
	ReasonNotPermitted   Reason = "not_permitted"
)

// TokenError is returned when a token is refused or rejected. Token
// errors are fatal to the attempt that presented the token.
type TokenError struct {
	Reason Reason
	Scope  string
	// Ref is the shortened token ID, empty for refused issuance.
	Ref string
}

func (e *TokenError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("capability token %s for scope %q: %s", e.Ref, e.Scope, e.Reason)
	}
	return fmt.Sprintf("capability for scope %q: %s", e.Scope, e.Reason)
}

// ReasonOf returns the reason of a wrapped *TokenError, or "".
func ReasonOf(err error) Reason {
	var te *TokenError
	if errors.As(err, &te) {
		return te.Reason
	}
	return ""
}

// ref shortens a token ID for errors and audit subjects.
func ref(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
