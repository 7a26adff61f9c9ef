// Package auth manages the delegated-trading credential lifecycle that gates
// authenticated stream channels.
package auth

import "time"

// Credential is the delegated-trading authorization record. It is created
// when agent wallet creation succeeds, mutated on approval, invalidated on
// wallet disconnect, and never touched by inbound streaming data.
type Credential struct {
	Address          string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	Approved         bool
	RefreshThreshold time.Duration
}

// Expired reports whether the credential's validity window has passed.
func (c Credential) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// NeedsRefresh reports whether the credential is close enough to expiry that
// the user should be prompted to reauthorize before it lapses.
func (c Credential) NeedsRefresh(now time.Time) bool {
	return c.ExpiresAt.Sub(now) < c.RefreshThreshold
}

// Valid reports whether the credential is fully usable: approved and not
// expired. Callers never observe a partially-valid credential.
func (c Credential) Valid(now time.Time) bool {
	return c.Approved && !c.Expired(now)
}
