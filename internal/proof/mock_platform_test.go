package proof

import (
	"context"

	"github.com/stretchr/testify/mock"
	"go.pilab.hu/verifybot/instagram"
)

type mockPlatform struct {
	mock.Mock
}

func (m *mockPlatform) Authenticate(ctx context.Context) (*instagram.Session, error) {
	args := m.Called(ctx)
	sess, _ := args.Get(0).(*instagram.Session)
	return sess, args.Error(1)
}

func (m *mockPlatform) ResolveAccountByHandle(ctx context.Context, sess *instagram.Session, handle string) (*instagram.User, error) {
	args := m.Called(ctx, sess, handle)
	user, _ := args.Get(0).(*instagram.User)
	return user, args.Error(1)
}

func (m *mockPlatform) GetPublicProfile(ctx context.Context, sess *instagram.Session, accountID string) (*instagram.UserInfo, error) {
	args := m.Called(ctx, sess, accountID)
	info, _ := args.Get(0).(*instagram.UserInfo)
	return info, args.Error(1)
}

func (m *mockPlatform) GetFollowRelationship(ctx context.Context, sess *instagram.Session, accountID string) (*instagram.Friendship, error) {
	args := m.Called(ctx, sess, accountID)
	rel, _ := args.Get(0).(*instagram.Friendship)
	return rel, args.Error(1)
}

func (m *mockPlatform) ListPrimaryInboxThreads(ctx context.Context, sess *instagram.Session) ([]instagram.Thread, error) {
	args := m.Called(ctx, sess)
	threads, _ := args.Get(0).([]instagram.Thread)
	return threads, args.Error(1)
}

func (m *mockPlatform) ListPendingInboxThreads(ctx context.Context, sess *instagram.Session) ([]instagram.Thread, error) {
	args := m.Called(ctx, sess)
	threads, _ := args.Get(0).([]instagram.Thread)
	return threads, args.Error(1)
}

func (m *mockPlatform) AcceptPendingThread(ctx context.Context, sess *instagram.Session, threadID string) error {
	args := m.Called(ctx, sess, threadID)
	return args.Error(0)
}
