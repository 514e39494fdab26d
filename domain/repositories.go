package domain

import (
	"context"
)

// CodeStore holds outstanding verification challenges keyed by requester.
// Expired entries are reported as ErrChallengeExpired on the read that notices
// them and are removed by that read.
type CodeStore interface {
	// Issue generates a fresh code for the requester, replacing any earlier one.
	Issue(ctx context.Context, requesterID string) (*Challenge, error)
	// Peek returns the active challenge without consuming it.
	Peek(ctx context.Context, requesterID string) (*Challenge, error)
	// Consume removes the requester's challenge. Removing a missing entry is not an error.
	Consume(ctx context.Context, requesterID string) error
}

// IdentityLedger is the append-only log of completed verifications.
type IdentityLedger interface {
	// IsVerified reports whether any record exists for the requester, in any guild.
	IsVerified(ctx context.Context, requesterID string) (bool, error)
	Record(ctx context.Context, record *VerificationRecord) error
	ListByCommunity(ctx context.Context, communityID string) ([]*VerificationRecord, error)
}
