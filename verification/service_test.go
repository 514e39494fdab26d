package verification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/verifybot/cache"
	"go.pilab.hu/verifybot/domain"
	"go.pilab.hu/verifybot/internal/proof"
	"go.pilab.hu/verifybot/log"
)

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

type fixture struct {
	svc       *Service
	clock     fakeClock
	codes     *cache.MemoryCodeStore
	ledger    *memoryLedger
	checker   *inboxChecker
	granter   *guildGranter
	deliverer *recordingDeliverer
}

var alice = Requester{ID: "1001", DisplayName: "alice#0001"}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var clock fakeClock = clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	codes := cache.NewMemoryCodeStore(domain.DefaultChallengeTTL, clock)
	t.Cleanup(func() { _ = codes.Close() })

	f := &fixture{
		clock:   clock,
		codes:   codes,
		ledger:  &memoryLedger{},
		checker: newInboxChecker(),
		granter: &guildGranter{
			guilds: []Community{{ID: "g1"}, {ID: "g2"}, {ID: "g3"}},
			status: map[string]GrantStatus{"g1": GrantSucceeded, "g2": GrantSucceeded},
		},
		deliverer: &recordingDeliverer{},
	}
	f.svc = NewService(ServiceOptions{
		Codes:          codes,
		Ledger:         f.ledger,
		Checker:        f.checker,
		Granter:        f.granter,
		Communities:    f.granter,
		OperatorHandle: "operator",
		Clock:          clock,
		Logger:         log.NewNop(),
	})
	return f
}

func (f *fixture) start(t *testing.T) string {
	t.Helper()
	res, err := f.svc.StartChallenge(context.Background(), alice, f.deliverer)
	require.NoError(t, err)
	return res.Challenge.Code
}

func TestStartChallenge_IssuesAndDelivers(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.StartChallenge(context.Background(), alice, f.deliverer)
	require.NoError(t, err)

	assert.Regexp(t, `^[0-9A-Z]{6}$`, res.Challenge.Code)
	assert.Equal(t, "operator", f.deliverer.last.OperatorHandle)
	assert.Equal(t, res.Challenge.Code, f.deliverer.last.Code)
	assert.Equal(t, 30*time.Minute, f.deliverer.last.TTL)
	assert.Equal(t, f.clock.Now().Add(30*time.Minute), f.deliverer.last.ExpiresAt)
}

func TestStartChallenge_AlreadyVerifiedInAnyGuild(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.Record(context.Background(), &domain.VerificationRecord{RequesterID: alice.ID, CommunityID: "other-guild"}))

	_, err := f.svc.StartChallenge(context.Background(), alice, f.deliverer)
	assert.ErrorIs(t, err, ErrAlreadyVerified)

	_, err = f.codes.Peek(context.Background(), alice.ID)
	assert.ErrorIs(t, err, domain.ErrChallengeNotFound, "no challenge is issued for a verified requester")
}

func TestStartChallenge_OnlyLatestCodeIsValid(t *testing.T) {
	f := newFixture(t)
	first := f.start(t)
	var second string
	for second = f.start(t); second == first; second = f.start(t) {
	}

	f.checker.send("alice", first)
	_, err := f.svc.Submit(context.Background(), alice, "alice")
	var perr *ProofError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, proof.ReasonTokenNotFound, perr.Reason)

	f.checker.send("alice", second)
	res, err := f.svc.Submit(context.Background(), alice, "alice")
	require.NoError(t, err)
	assert.Equal(t, SubmitVerified, res.Outcome)
	assert.Equal(t, second, f.checker.tokens[len(f.checker.tokens)-1])
}

func TestStartChallenge_DeliveryBlockedKeepsChallenge(t *testing.T) {
	f := newFixture(t)
	f.deliverer.err = ErrDeliveryBlocked

	res, err := f.svc.StartChallenge(context.Background(), alice, f.deliverer)
	assert.ErrorIs(t, err, ErrDeliveryBlocked)
	require.NotEmpty(t, res.Challenge.Code)

	got, err := f.codes.Peek(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Challenge.Code, got.Code)
}

func TestStartChallenge_OtherDeliveryError(t *testing.T) {
	f := newFixture(t)
	f.deliverer.err = errors.New("gateway closed")

	_, err := f.svc.StartChallenge(context.Background(), alice, f.deliverer)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDeliveryBlocked)
}

func TestSubmit_ChallengeExpiresAfterThirtyMinutes(t *testing.T) {
	t.Run("valid at exactly the TTL", func(t *testing.T) {
		f := newFixture(t)
		code := f.start(t)
		f.checker.send("alice", code)

		f.clock.Advance(30 * time.Minute)
		res, err := f.svc.Submit(context.Background(), alice, "alice")
		require.NoError(t, err)
		assert.Equal(t, SubmitVerified, res.Outcome)
	})

	t.Run("gone right after", func(t *testing.T) {
		f := newFixture(t)
		code := f.start(t)
		f.checker.send("alice", code)

		f.clock.Advance(30*time.Minute + time.Nanosecond)
		_, err := f.svc.Submit(context.Background(), alice, "alice")
		assert.ErrorIs(t, err, ErrNoActiveChallenge)
		assert.ErrorIs(t, err, domain.ErrChallengeExpired)

		_, err = f.svc.Submit(context.Background(), alice, "alice")
		assert.ErrorIs(t, err, domain.ErrChallengeNotFound, "expired challenge is removed on read")
		assert.Zero(t, f.ledger.count())
	})
}

func TestSubmit_RoundTrip(t *testing.T) {
	f := newFixture(t)
	code := f.start(t)
	f.checker.send("alice", code)

	res, err := f.svc.Submit(context.Background(), alice, "alice")
	require.NoError(t, err)

	assert.Equal(t, SubmitVerified, res.Outcome)
	require.Len(t, res.Grants, 3)
	assert.Equal(t, GrantNotAMember, res.Grants[2].Status)
	require.Len(t, res.Records, 2)
	assert.Equal(t, 2, f.ledger.count())
	for _, rec := range res.Records {
		assert.Equal(t, alice.ID, rec.RequesterID)
		assert.Equal(t, alice.DisplayName, rec.RequesterDisplayName)
		assert.Equal(t, "alice", rec.ExternalAccountHandle)
		assert.Equal(t, f.clock.Now().UTC(), rec.VerifiedAt)
		assert.NotEmpty(t, rec.ID)
	}

	_, err = f.codes.Peek(context.Background(), alice.ID)
	assert.ErrorIs(t, err, domain.ErrChallengeNotFound, "challenge is consumed on success")

	_, err = f.svc.StartChallenge(context.Background(), alice, f.deliverer)
	assert.ErrorIs(t, err, ErrAlreadyVerified)

	listed, err := f.svc.ListVerified(context.Background(), "g1")
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestSubmit_WithoutChallenge(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Submit(context.Background(), alice, "alice")
	assert.ErrorIs(t, err, ErrNoActiveChallenge)
	assert.ErrorIs(t, err, domain.ErrChallengeNotFound)
	assert.Empty(t, f.checker.tokens)
	assert.Zero(t, f.ledger.count())
}

func TestSubmit_EmptyHandle(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	_, err := f.svc.Submit(context.Background(), alice, "")
	assert.ErrorIs(t, err, ErrUsage)
}

func TestSubmit_CaseMismatchedTokenKeepsChallenge(t *testing.T) {
	f := newFixture(t)
	f.svc.codes = &fixedCodeStore{code: "AB12CD", clock: f.clock}
	code := f.start(t)
	f.checker.send("alice", "ab12cd")

	_, err := f.svc.Submit(context.Background(), alice, "alice")
	var perr *ProofError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, proof.ReasonTokenNotFound, perr.Reason)
	assert.Zero(t, f.ledger.count())
	assert.Zero(t, f.granter.calls)

	got, err := f.svc.codes.Peek(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.Equal(t, code, got.Code)
}

func TestSubmit_ProofFailures(t *testing.T) {
	tests := []struct {
		name    string
		outcome proof.Outcome
		check   func(t *testing.T, err error)
	}{
		{
			name:    "criteria failed",
			outcome: proof.Outcome{Reason: proof.ReasonCriteriaFailed, FailedCriteria: []string{proof.CriterionMinFollowers}},
			check: func(t *testing.T, err error) {
				var perr *ProofError
				require.ErrorAs(t, err, &perr)
				assert.Equal(t, proof.ReasonCriteriaFailed, perr.Reason)
				assert.Equal(t, []string{"minFollowers"}, perr.FailedCriteria)
			},
		},
		{
			name:    "not following",
			outcome: proof.Outcome{Reason: proof.ReasonNotFollowing},
			check: func(t *testing.T, err error) {
				var perr *ProofError
				require.ErrorAs(t, err, &perr)
				assert.Equal(t, proof.ReasonNotFollowing, perr.Reason)
			},
		},
		{
			name:    "account not found",
			outcome: proof.Outcome{Reason: proof.ReasonAccountNotFound},
			check: func(t *testing.T, err error) {
				var perr *ProofError
				require.ErrorAs(t, err, &perr)
				assert.Equal(t, proof.ReasonAccountNotFound, perr.Reason)
			},
		},
		{
			name:    "transient",
			outcome: proof.Outcome{Reason: proof.ReasonTransient, Err: errors.New("i/o timeout")},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrTransient)
				assert.ErrorContains(t, err, "i/o timeout")
				var perr *ProofError
				assert.False(t, errors.As(err, &perr))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			code := f.start(t)
			outcome := tt.outcome
			f.checker.failWith = &outcome

			_, err := f.svc.Submit(context.Background(), alice, "alice")
			tt.check(t, err)
			assert.Zero(t, f.ledger.count())
			assert.Zero(t, f.granter.calls)

			got, err := f.codes.Peek(context.Background(), alice.ID)
			require.NoError(t, err, "failed attempts keep the challenge")
			assert.Equal(t, code, got.Code)
		})
	}
}

func TestSubmit_PartialSuccessKeepsChallenge(t *testing.T) {
	f := newFixture(t)
	f.granter.status = map[string]GrantStatus{"g2": GrantPermissionDenied}
	code := f.start(t)
	f.checker.send("alice", code)

	res, err := f.svc.Submit(context.Background(), alice, "alice")
	require.NoError(t, err)
	assert.Equal(t, SubmitPartial, res.Outcome)
	assert.Empty(t, res.Records)
	assert.Len(t, res.Grants, 3)
	assert.Zero(t, f.ledger.count())

	_, err = f.codes.Peek(context.Background(), alice.ID)
	require.NoError(t, err)

	// Joining a guild later lets the same challenge complete.
	f.granter.status["g1"] = GrantSucceeded
	res, err = f.svc.Submit(context.Background(), alice, "alice")
	require.NoError(t, err)
	assert.Equal(t, SubmitVerified, res.Outcome)
	assert.Equal(t, 1, f.ledger.count())
}

func TestSubmit_GrantErrorDoesNotStopFanOut(t *testing.T) {
	f := newFixture(t)
	f.granter.status = map[string]GrantStatus{"g1": GrantFailed, "g3": GrantSucceeded}
	f.granter.err = map[string]error{"g1": errors.New("discord 500")}
	code := f.start(t)
	f.checker.send("alice", code)

	res, err := f.svc.Submit(context.Background(), alice, "alice")
	require.NoError(t, err)
	assert.Equal(t, SubmitVerified, res.Outcome)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "g3", res.Records[0].CommunityID)
	assert.Equal(t, 3, f.granter.calls)
}

func TestSubmit_LedgerFailureKeepsChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.recordErr = errors.New("mongo unavailable")
	code := f.start(t)
	f.checker.send("alice", code)

	res, err := f.svc.Submit(ctx, alice, "alice")
	require.ErrorIs(t, err, ErrTransient)
	assert.NotEqual(t, SubmitVerified, res.Outcome)
	assert.Empty(t, res.Records, "unpersisted records are not reported")
	assert.Equal(t, 0, f.ledger.count())

	_, err = f.codes.Peek(ctx, alice.ID)
	require.NoError(t, err, "challenge is kept for a retry")
	assert.Equal(t, StateFailed, f.svc.activeState(alice.ID))

	f.ledger.recordErr = nil
	res, err = f.svc.Submit(ctx, alice, "alice")
	require.NoError(t, err)
	assert.Equal(t, SubmitVerified, res.Outcome)
	assert.Len(t, res.Records, 2)
	assert.Equal(t, 2, f.ledger.count())

	_, err = f.svc.StartChallenge(ctx, alice, f.deliverer)
	assert.ErrorIs(t, err, ErrAlreadyVerified)
}

func TestSubmit_TracksFailedState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code := f.start(t)
	assert.Equal(t, StatePending, f.svc.activeState(alice.ID))

	f.checker.send("alice", "not-the-code")
	_, err := f.svc.Submit(ctx, alice, "alice")
	var perr *ProofError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StateFailed, f.svc.activeState(alice.ID))

	state, err := f.svc.currentState(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)

	f.checker.send("alice", code)
	res, err := f.svc.Submit(ctx, alice, "alice")
	require.NoError(t, err)
	assert.Equal(t, SubmitVerified, res.Outcome)
	assert.False(t, f.svc.failed.has(alice.ID), "granting leaves the failed state")
}

func TestStartChallenge_ClearsFailedState(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.checker.send("alice", "not-the-code")
	_, err := f.svc.Submit(context.Background(), alice, "alice")
	require.Error(t, err)
	require.True(t, f.svc.failed.has(alice.ID))

	f.start(t)
	assert.Equal(t, StatePending, f.svc.activeState(alice.ID))
}

func TestSubmit_NormalizesHandle(t *testing.T) {
	f := newFixture(t)
	code := f.start(t)
	f.checker.send("alice", code)

	res, err := f.svc.Submit(context.Background(), alice, " @Alice")
	require.NoError(t, err)
	require.NotEmpty(t, res.Records)
	for _, rec := range res.Records {
		assert.Equal(t, "alice", rec.ExternalAccountHandle)
	}
}

func TestSubmit_BareAtSignIsUsage(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	_, err := f.svc.Submit(context.Background(), alice, "@")
	assert.ErrorIs(t, err, ErrUsage)
}

func TestNormalizeHandle(t *testing.T) {
	tests := map[string]string{
		"alice":       "alice",
		"@alice":      "alice",
		" @Alice.IG ": "alice.ig",
		"@":           "",
		"":            "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeHandle(in), "input %q", in)
	}
}

func TestSubmit_ConcurrentDoubleSubmitGrantsOnce(t *testing.T) {
	f := newFixture(t)
	code := f.start(t)
	f.checker.send("alice", code)

	const submitters = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		verified int
		noActive int
	)
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Submit(context.Background(), alice, "alice")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && res.Outcome == SubmitVerified:
				verified++
			case errors.Is(err, ErrNoActiveChallenge):
				noActive++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, verified)
	assert.Equal(t, submitters-1, noActive)
	assert.Equal(t, 2, f.ledger.count())
	assert.Equal(t, 3, f.granter.calls)
	assert.Zero(t, f.svc.locks.size())
}

func TestSubmit_AB12CDScenario(t *testing.T) {
	f := newFixture(t)
	f.svc.codes = &fixedCodeStore{code: "AB12CD", clock: f.clock}

	res, err := f.svc.StartChallenge(context.Background(), alice, f.deliverer)
	require.NoError(t, err)
	require.Equal(t, "AB12CD", res.Challenge.Code)

	f.granter.status = map[string]GrantStatus{"g1": GrantSucceeded}
	f.checker.send("alice", "AB12CD")
	out, err := f.svc.Submit(context.Background(), alice, "alice")
	require.NoError(t, err)
	assert.Equal(t, SubmitVerified, out.Outcome)
	require.Equal(t, 1, f.ledger.count())
	assert.Equal(t, "alice", f.ledger.records[0].ExternalAccountHandle)
}

// fixedCodeStore always issues the same code.
type fixedCodeStore struct {
	code  string
	clock clockwork.Clock
	mu    sync.Mutex
	store map[string]*domain.Challenge
}

func (s *fixedCodeStore) Issue(_ context.Context, requesterID string) (*domain.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		s.store = make(map[string]*domain.Challenge)
	}
	c := &domain.Challenge{RequesterID: requesterID, Code: s.code, IssuedAt: s.clock.Now()}
	s.store[requesterID] = c
	return c, nil
}

func (s *fixedCodeStore) Peek(_ context.Context, requesterID string) (*domain.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.store[requesterID]
	if !ok {
		return nil, domain.ErrChallengeNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *fixedCodeStore) Consume(_ context.Context, requesterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.store, requesterID)
	return nil
}
