package proof

import (
	"context"

	"go.pilab.hu/verifybot/instagram"
)

// Authenticator logs the operator account in.
type Authenticator interface {
	Authenticate(ctx context.Context) (*instagram.Session, error)
}

// Platform is the set of social platform operations the checker relies on.
// *instagram.Client implements it.
type Platform interface {
	Authenticator
	ResolveAccountByHandle(ctx context.Context, sess *instagram.Session, handle string) (*instagram.User, error)
	GetPublicProfile(ctx context.Context, sess *instagram.Session, accountID string) (*instagram.UserInfo, error)
	GetFollowRelationship(ctx context.Context, sess *instagram.Session, accountID string) (*instagram.Friendship, error)
	ListPrimaryInboxThreads(ctx context.Context, sess *instagram.Session) ([]instagram.Thread, error)
	ListPendingInboxThreads(ctx context.Context, sess *instagram.Session) ([]instagram.Thread, error)
	AcceptPendingThread(ctx context.Context, sess *instagram.Session, threadID string) error
}

var _ Platform = (*instagram.Client)(nil)
