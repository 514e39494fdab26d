package domain

import "time"

// DefaultChallengeTTL is how long an issued verification code stays valid.
const DefaultChallengeTTL = 30 * time.Minute

// Challenge is an outstanding verification code issued to a chat user.
// Only one challenge exists per requester; issuing again replaces it.
type Challenge struct {
	RequesterID string    `json:"requester_id"` // Discord user ID
	Code        string    `json:"code"`         // 6 char uppercase base-36 code
	IssuedAt    time.Time `json:"issued_at"`
}

// ExpiresAt returns the last instant at which the challenge is still valid.
func (c Challenge) ExpiresAt(ttl time.Duration) time.Time {
	return c.IssuedAt.Add(ttl)
}

// Expired reports whether the challenge is past its TTL at now.
// A challenge read at exactly IssuedAt+ttl is still valid.
func (c Challenge) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(c.IssuedAt) > ttl
}
