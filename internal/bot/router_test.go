package bot

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/verifybot/domain"
	"go.pilab.hu/verifybot/internal/proof"
	"go.pilab.hu/verifybot/log"
	"go.pilab.hu/verifybot/verification"
)

type mockVerifier struct {
	mock.Mock
}

func (m *mockVerifier) StartChallenge(ctx context.Context, r verification.Requester, d verification.Deliverer) (verification.StartResult, error) {
	args := m.Called(ctx, r, d)
	return args.Get(0).(verification.StartResult), args.Error(1)
}

func (m *mockVerifier) Submit(ctx context.Context, r verification.Requester, handle string) (verification.SubmitResult, error) {
	args := m.Called(ctx, r, handle)
	return args.Get(0).(verification.SubmitResult), args.Error(1)
}

func (m *mockVerifier) ListVerified(ctx context.Context, communityID string) ([]*domain.VerificationRecord, error) {
	args := m.Called(ctx, communityID)
	records, _ := args.Get(0).([]*domain.VerificationRecord)
	return records, args.Error(1)
}

type mockConversation struct {
	mock.Mock
}

func (m *mockConversation) Reply(ctx context.Context, text string) error {
	return m.Called(ctx, text).Error(0)
}

func (m *mockConversation) IsAdministrator(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

type mockMessenger struct {
	mock.Mock
}

func (m *mockMessenger) SendDirect(ctx context.Context, userID, text string) error {
	return m.Called(ctx, userID, text).Error(0)
}

var requesterAlice = verification.Requester{ID: "1001", DisplayName: "alice#0001"}

func guildMessage(content string) Message {
	return Message{AuthorID: "1001", AuthorName: "alice#0001", GuildID: "g1", ChannelID: "c1", Content: content}
}

func directMessage(content string) Message {
	return Message{AuthorID: "1001", AuthorName: "alice#0001", ChannelID: "dm1", Content: content}
}

func TestParseSubmit(t *testing.T) {
	tests := []struct {
		content string
		handle  string
		ok      bool
	}{
		{"!verify alice", "alice", true},
		{"!verify", "", true},
		{"!verify  alice", "", true},
		{"!verify alice extra", "alice", true},
		{"!Verify alice", "", false},
		{"!verifyalice", "", false},
		{"hello", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			handle, ok := parseSubmit(tt.content)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.handle, handle)
		})
	}
}

func TestHandle_IgnoresBots(t *testing.T) {
	v := new(mockVerifier)
	conv := new(mockConversation)
	msg := guildMessage("!verify")
	msg.AuthorBot = true

	NewRouter(v, new(mockMessenger), log.NewNop()).Handle(context.Background(), msg, conv)

	v.AssertNotCalled(t, "StartChallenge", mock.Anything, mock.Anything, mock.Anything)
	conv.AssertNotCalled(t, "Reply", mock.Anything, mock.Anything)
}

func TestHandle_StartChallenge(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		reply string
	}{
		{"sent", nil, msgInstructionsSent},
		{"already verified", verification.ErrAlreadyVerified, msgAlreadyVerified},
		{"dm blocked", verification.ErrDeliveryBlocked, msgDMBlocked},
		{"ledger down", fmt.Errorf("%w: mongo", verification.ErrTransient), msgGenericError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := new(mockVerifier)
			conv := new(mockConversation)
			v.On("StartChallenge", mock.Anything, requesterAlice, mock.Anything).Return(verification.StartResult{}, tt.err)
			conv.On("Reply", mock.Anything, tt.reply).Return(nil).Once()

			NewRouter(v, new(mockMessenger), log.NewNop()).Handle(context.Background(), guildMessage("!verify"), conv)

			v.AssertExpectations(t)
			conv.AssertExpectations(t)
		})
	}
}

func TestHandle_StartDeliversInstructions(t *testing.T) {
	v := new(mockVerifier)
	dm := new(mockMessenger)
	conv := new(mockConversation)
	in := verification.Instructions{OperatorHandle: "operator", Code: "AB12CD", TTL: 30 * time.Minute}

	v.On("StartChallenge", mock.Anything, requesterAlice, mock.Anything).
		Run(func(args mock.Arguments) {
			d := args.Get(2).(verification.Deliverer)
			require.NoError(t, d.DeliverInstructions(context.Background(), "1001", in))
		}).
		Return(verification.StartResult{}, nil)
	dm.On("SendDirect", mock.Anything, "1001", mock.MatchedBy(func(text string) bool {
		return assert.Contains(t, text, "**AB12CD**") &&
			assert.Contains(t, text, "**operator**") &&
			assert.Contains(t, text, "30 minutes")
	})).Return(nil).Once()
	conv.On("Reply", mock.Anything, msgInstructionsSent).Return(nil)

	NewRouter(v, dm, log.NewNop()).Handle(context.Background(), guildMessage("!verify"), conv)

	dm.AssertExpectations(t)
}

func TestHandle_GuildCommandsAreExact(t *testing.T) {
	v := new(mockVerifier)
	conv := new(mockConversation)
	r := NewRouter(v, new(mockMessenger), log.NewNop())

	for _, content := range []string{"!verify alice", "!VERIFY", " !verify", "!verified-users now"} {
		r.Handle(context.Background(), guildMessage(content), conv)
	}

	v.AssertNotCalled(t, "StartChallenge", mock.Anything, mock.Anything, mock.Anything)
	v.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything, mock.Anything)
	conv.AssertNotCalled(t, "IsAdministrator", mock.Anything)
}

func TestHandle_Submit(t *testing.T) {
	expired := fmt.Errorf("%w: %w", verification.ErrNoActiveChallenge, domain.ErrChallengeExpired)
	missing := fmt.Errorf("%w: %w", verification.ErrNoActiveChallenge, domain.ErrChallengeNotFound)

	tests := []struct {
		name  string
		res   verification.SubmitResult
		err   error
		reply string
	}{
		{"verified", verification.SubmitResult{Outcome: verification.SubmitVerified}, nil, msgVerified},
		{"partial", verification.SubmitResult{Outcome: verification.SubmitPartial}, nil, msgPartial},
		{"no challenge", verification.SubmitResult{}, missing, msgStartFirst},
		{"expired", verification.SubmitResult{}, expired, msgCodeExpired},
		{"not following", verification.SubmitResult{}, &verification.ProofError{Reason: proof.ReasonNotFollowing}, msgFailedPrefix + msgNotFollowing},
		{"token missing", verification.SubmitResult{}, &verification.ProofError{Reason: proof.ReasonTokenNotFound}, msgFailedPrefix + msgTokenNotFound},
		{"account missing", verification.SubmitResult{}, &verification.ProofError{Reason: proof.ReasonAccountNotFound}, msgFailedPrefix + msgAccountMissing},
		{"transient", verification.SubmitResult{}, fmt.Errorf("%w: timeout", verification.ErrTransient), msgFailedPrefix + msgTransient},
		{"unexpected", verification.SubmitResult{}, errors.New("boom"), msgGrantError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := new(mockVerifier)
			conv := new(mockConversation)
			v.On("Submit", mock.Anything, requesterAlice, "alice").Return(tt.res, tt.err)
			conv.On("Reply", mock.Anything, tt.reply).Return(nil).Once()

			NewRouter(v, new(mockMessenger), log.NewNop()).Handle(context.Background(), directMessage("!verify alice"), conv)

			conv.AssertExpectations(t)
		})
	}
}

func TestHandle_SubmitWithoutHandle(t *testing.T) {
	v := new(mockVerifier)
	conv := new(mockConversation)
	v.On("Submit", mock.Anything, requesterAlice, "").Return(verification.SubmitResult{}, verification.ErrUsage)
	conv.On("Reply", mock.Anything, msgUsage).Return(nil).Once()

	NewRouter(v, new(mockMessenger), log.NewNop()).Handle(context.Background(), directMessage("!verify"), conv)

	conv.AssertExpectations(t)
}

func TestHandle_CriteriaFailureListsRequirements(t *testing.T) {
	v := new(mockVerifier)
	conv := new(mockConversation)
	perr := &verification.ProofError{
		Reason:         proof.ReasonCriteriaFailed,
		FailedCriteria: []string{proof.CriterionMinFollowers, proof.CriterionMinFollowing},
	}
	v.On("Submit", mock.Anything, requesterAlice, "alice").Return(verification.SubmitResult{}, perr)

	var reply string
	conv.On("Reply", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		reply = args.String(1)
	}).Return(nil)

	NewRouter(v, new(mockMessenger), log.NewNop()).Handle(context.Background(), directMessage("!verify alice"), conv)

	assert.Equal(t, "Verification failed: Your account does not meet the following requirements:\n"+
		"- At least 10 followers\n"+
		"- You must follow at least 5 profiles\n", reply)
}

func TestHandle_VerifiedUsers(t *testing.T) {
	records := []*domain.VerificationRecord{{
		RequesterDisplayName:  "alice#0001",
		ExternalAccountHandle: "alice",
		VerifiedAt:            time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		CommunityID:           "g1",
	}}

	t.Run("admin", func(t *testing.T) {
		v := new(mockVerifier)
		conv := new(mockConversation)
		conv.On("IsAdministrator", mock.Anything).Return(true, nil)
		v.On("ListVerified", mock.Anything, "g1").Return(records, nil)
		conv.On("Reply", mock.Anything, "**Verified users:**\n- Discord: alice#0001, Instagram: alice, Date: 2025-03-01\n").Return(nil).Once()

		NewRouter(v, new(mockMessenger), log.NewNop()).Handle(context.Background(), guildMessage("!verified-users"), conv)

		conv.AssertExpectations(t)
	})

	t.Run("empty", func(t *testing.T) {
		v := new(mockVerifier)
		conv := new(mockConversation)
		conv.On("IsAdministrator", mock.Anything).Return(true, nil)
		v.On("ListVerified", mock.Anything, "g1").Return(nil, nil)
		conv.On("Reply", mock.Anything, msgNoVerifiedUsers).Return(nil).Once()

		NewRouter(v, new(mockMessenger), log.NewNop()).Handle(context.Background(), guildMessage("!verified-users"), conv)

		conv.AssertExpectations(t)
	})

	t.Run("not admin", func(t *testing.T) {
		v := new(mockVerifier)
		conv := new(mockConversation)
		conv.On("IsAdministrator", mock.Anything).Return(false, nil)

		NewRouter(v, new(mockMessenger), log.NewNop()).Handle(context.Background(), guildMessage("!verified-users"), conv)

		v.AssertNotCalled(t, "ListVerified", mock.Anything, mock.Anything)
		conv.AssertNotCalled(t, "Reply", mock.Anything, mock.Anything)
	})

	t.Run("ignored in DMs", func(t *testing.T) {
		v := new(mockVerifier)
		conv := new(mockConversation)

		NewRouter(v, new(mockMessenger), log.NewNop()).Handle(context.Background(), directMessage("!verified-users"), conv)

		conv.AssertNotCalled(t, "IsAdministrator", mock.Anything)
	})
}

func TestInstructionsText(t *testing.T) {
	text := InstructionsText(verification.Instructions{OperatorHandle: "operator", Code: "AB12CD", TTL: 30 * time.Minute})
	assert.Contains(t, text, "Follow **operator** on Instagram")
	assert.Contains(t, text, "**AB12CD**")
	assert.Contains(t, text, "!verify <your_instagram_username>")
	assert.Contains(t, text, "valid for 30 minutes")
}
