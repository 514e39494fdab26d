package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.pilab.hu/verifybot/domain"
	"go.pilab.hu/verifybot/internal/audit"
	"go.pilab.hu/verifybot/internal/metrics"
	"go.pilab.hu/verifybot/internal/proof"
	"go.pilab.hu/verifybot/log"
	"go.pilab.hu/verifybot/tracing"
	"go.uber.org/multierr"
)

// ProofChecker checks a handle against an expected token. *proof.Checker implements it.
type ProofChecker interface {
	Verify(ctx context.Context, handle, token string) proof.Outcome
}

// GrantStatus is the per-guild result of applying the verified role.
type GrantStatus int

const (
	GrantSucceeded GrantStatus = iota
	GrantNotAMember
	GrantPermissionDenied
	GrantFailed
)

func (s GrantStatus) String() string {
	switch s {
	case GrantSucceeded:
		return "succeeded"
	case GrantNotAMember:
		return "not_a_member"
	case GrantPermissionDenied:
		return "permission_denied"
	case GrantFailed:
		return "failed"
	}
	return "unknown"
}

// RoleGranter applies the verified role to a requester in one guild.
// The error carries the cause of a failed or denied grant; NotAMember has none.
type RoleGranter interface {
	Grant(ctx context.Context, requesterID, communityID string) (GrantStatus, error)
}

// Community is a guild the bot is installed in.
type Community struct {
	ID   string
	Name string
}

// CommunityDirectory lists every guild the bot can grant roles in.
type CommunityDirectory interface {
	Communities(ctx context.Context) ([]Community, error)
}

// Deliverer sends challenge instructions to the requester out of band.
// It returns ErrDeliveryBlocked when the requester cannot be reached.
type Deliverer interface {
	DeliverInstructions(ctx context.Context, requesterID string, in Instructions) error
}

// Requester identifies the chat user driving the workflow.
type Requester struct {
	ID          string
	DisplayName string
}

// Instructions is what the requester needs to complete a challenge.
type Instructions struct {
	OperatorHandle string
	Code           string
	TTL            time.Duration
	ExpiresAt      time.Time
}

// StartResult is returned by StartChallenge. It is populated even when
// delivery fails, since the challenge is still valid.
type StartResult struct {
	Challenge    domain.Challenge
	Instructions Instructions
}

// SubmitOutcome distinguishes full success from an accepted proof that
// could not be applied anywhere.
type SubmitOutcome int

const (
	SubmitVerified SubmitOutcome = iota
	SubmitPartial
)

func (o SubmitOutcome) String() string {
	if o == SubmitVerified {
		return "verified"
	}
	return "partial"
}

// GrantResult is the outcome of the role grant in one guild.
type GrantResult struct {
	CommunityID string
	Status      GrantStatus
	Err         error
}

// SubmitResult is returned by a Submit whose proof was accepted.
type SubmitResult struct {
	Outcome SubmitOutcome
	Grants  []GrantResult
	Records []*domain.VerificationRecord
}

// ServiceOptions holds the collaborators of a Service.
type ServiceOptions struct {
	Codes          domain.CodeStore
	Ledger         domain.IdentityLedger
	Checker        ProofChecker
	Granter        RoleGranter
	Communities    CommunityDirectory
	OperatorHandle string
	ChallengeTTL   time.Duration   // defaults to domain.DefaultChallengeTTL
	Clock          clockwork.Clock // defaults to the real clock
	Logger         log.Logger
}

// Service is the verification workflow. It is safe for concurrent use;
// calls for the same requester are serialised.
type Service struct {
	codes          domain.CodeStore
	ledger         domain.IdentityLedger
	checker        ProofChecker
	granter        RoleGranter
	communities    CommunityDirectory
	operatorHandle string
	ttl            time.Duration
	clock          clockwork.Clock
	logger         log.Logger
	locks          *keyedMutex
	failed         *failureSet
}

// NewService creates a Service.
func NewService(opts ServiceOptions) *Service {
	if opts.ChallengeTTL <= 0 {
		opts.ChallengeTTL = domain.DefaultChallengeTTL
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	return &Service{
		codes:          opts.Codes,
		ledger:         opts.Ledger,
		checker:        opts.Checker,
		granter:        opts.Granter,
		communities:    opts.Communities,
		operatorHandle: opts.OperatorHandle,
		ttl:            opts.ChallengeTTL,
		clock:          opts.Clock,
		logger:         opts.Logger,
		locks:          newKeyedMutex(),
		failed:         newFailureSet(),
	}
}

// StartChallenge issues a fresh code for the requester and delivers the
// instructions through d.
func (s *Service) StartChallenge(ctx context.Context, r Requester, d Deliverer) (StartResult, error) {
	unlock := s.locks.Lock(r.ID)
	defer unlock()

	verified, err := s.ledger.IsVerified(ctx, r.ID)
	if err != nil {
		return StartResult{}, fmt.Errorf("%w: check verification status: %w", ErrTransient, err)
	}
	if verified {
		// StateVerified has no outgoing transitions.
		return StartResult{}, ErrAlreadyVerified
	}

	from, err := s.currentState(ctx, r.ID)
	if err != nil {
		return StartResult{}, err
	}
	if _, err := s.transition(ctx, r.ID, from, EventStart); err != nil {
		return StartResult{}, err
	}

	challenge, err := s.codes.Issue(ctx, r.ID)
	if err != nil {
		return StartResult{}, fmt.Errorf("%w: issue challenge: %w", ErrTransient, err)
	}
	metrics.ChallengesIssuedTotal.Inc()

	res := StartResult{
		Challenge: *challenge,
		Instructions: Instructions{
			OperatorHandle: s.operatorHandle,
			Code:           challenge.Code,
			TTL:            s.ttl,
			ExpiresAt:      challenge.ExpiresAt(s.ttl),
		},
	}
	s.logger.Info(ctx, "Verification challenge issued", log.Fields{
		"discord_id": r.ID,
		"expires_at": res.Instructions.ExpiresAt,
	})
	audit.Log(audit.ActionChallengeIssued, r.ID, "", res.Instructions.ExpiresAt.Format(time.RFC3339), true, nil)

	if err := d.DeliverInstructions(ctx, r.ID, res.Instructions); err != nil {
		audit.Log(audit.ActionDeliveryBlocked, r.ID, "", "", false, err)
		if errors.Is(err, ErrDeliveryBlocked) {
			return res, ErrDeliveryBlocked
		}
		return res, fmt.Errorf("deliver instructions: %w", err)
	}
	return res, nil
}

// Submit checks the proof for the requester's active challenge and, when it
// holds, grants the verified role in every guild the requester is a member of.
// A nil error with SubmitPartial means the proof was accepted but no role
// could be applied; the challenge is kept for a retry.
func (s *Service) Submit(ctx context.Context, r Requester, handle string) (SubmitResult, error) {
	handle = NormalizeHandle(handle)
	if handle == "" {
		return SubmitResult{}, ErrUsage
	}

	ctx, span := tracing.Tracer.Start(ctx, "verification.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("discord.user_id", r.ID), attribute.String("ig.handle", handle))

	unlock := s.locks.Lock(r.ID)
	defer unlock()

	res, err := s.submit(ctx, r, handle)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.SubmissionsTotal.WithLabelValues(submissionLabel(err)).Inc()
		return res, err
	}
	metrics.SubmissionsTotal.WithLabelValues(res.Outcome.String()).Inc()
	return res, nil
}

func (s *Service) submit(ctx context.Context, r Requester, handle string) (SubmitResult, error) {
	challenge, err := s.codes.Peek(ctx, r.ID)
	from := s.activeState(r.ID)
	switch {
	case errors.Is(err, domain.ErrChallengeExpired):
		if _, terr := s.transition(ctx, r.ID, from, EventExpire); terr != nil {
			return SubmitResult{}, terr
		}
		return SubmitResult{}, fmt.Errorf("%w: %w", ErrNoActiveChallenge, err)
	case errors.Is(err, domain.ErrChallengeNotFound):
		s.failed.set(r.ID, false)
		return SubmitResult{}, fmt.Errorf("%w: %w", ErrNoActiveChallenge, err)
	case err != nil:
		return SubmitResult{}, fmt.Errorf("%w: read challenge: %w", ErrTransient, err)
	}

	out := s.checker.Verify(ctx, handle, challenge.Code)
	if !out.Success {
		if out.Reason == proof.ReasonTransient {
			if _, terr := s.transition(ctx, r.ID, from, EventTransientFailure); terr != nil {
				return SubmitResult{}, terr
			}
			return SubmitResult{}, fmt.Errorf("%w: %w", ErrTransient, out.Err)
		}

		if _, terr := s.transition(ctx, r.ID, from, EventProofFailed); terr != nil {
			return SubmitResult{}, terr
		}
		audit.Log(audit.ActionProofFailed, r.ID, handle, out.Reason.String(), false, nil)
		return SubmitResult{}, &ProofError{Reason: out.Reason, FailedCriteria: out.FailedCriteria}
	}

	communities, err := s.communities.Communities(ctx)
	if err != nil {
		if _, terr := s.transition(ctx, r.ID, from, EventTransientFailure); terr != nil {
			return SubmitResult{}, terr
		}
		return SubmitResult{}, fmt.Errorf("%w: list guilds: %w", ErrTransient, err)
	}

	res, err := s.grantAll(ctx, r, handle, communities)
	if err != nil {
		// Every granted role needs a ledger entry. Granting again is a no-op.
		if _, terr := s.transition(ctx, r.ID, from, EventTransientFailure); terr != nil {
			return SubmitResult{}, terr
		}
		return res, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	if len(res.Records) == 0 {
		if _, err := s.transition(ctx, r.ID, from, EventNoCommunity); err != nil {
			return SubmitResult{}, err
		}
		res.Outcome = SubmitPartial
		s.logger.Warn(ctx, "Proof accepted but no role could be applied", log.Fields{
			"discord_id": r.ID,
			"ig_handle":  handle,
			"guilds":     len(communities),
		})
		return res, nil
	}

	if _, err := s.transition(ctx, r.ID, from, EventGranted); err != nil {
		return SubmitResult{}, err
	}
	res.Outcome = SubmitVerified
	s.logger.Info(ctx, "Requester verified", log.Fields{
		"discord_id": r.ID,
		"ig_handle":  handle,
		"guilds":     len(res.Records),
	})
	audit.Log(audit.ActionVerificationFinal, r.ID, handle, fmt.Sprintf("%d guild(s)", len(res.Records)), true, nil)
	return res, nil
}

// grantAll applies the role in every guild. A failure in one guild does not
// stop the others; each successful grant is recorded in the ledger. The
// returned error collects grants whose ledger write failed.
func (s *Service) grantAll(ctx context.Context, r Requester, handle string, communities []Community) (SubmitResult, error) {
	var (
		res        SubmitResult
		errs       error
		unrecorded error
	)
	for _, c := range communities {
		status, err := s.granter.Grant(ctx, r.ID, c.ID)
		res.Grants = append(res.Grants, GrantResult{CommunityID: c.ID, Status: status, Err: err})
		if status != GrantSucceeded {
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("guild %s: %w", c.ID, err))
			}
			continue
		}
		metrics.RolesGrantedTotal.Inc()
		audit.Log(audit.ActionRoleGranted, r.ID, c.ID, handle, true, nil)

		record := &domain.VerificationRecord{
			ID:                    uuid.NewString(),
			RequesterID:           r.ID,
			RequesterDisplayName:  r.DisplayName,
			ExternalAccountHandle: handle,
			VerifiedAt:            s.clock.Now().UTC(),
			CommunityID:           c.ID,
		}
		if err := s.ledger.Record(ctx, record); err != nil && !errors.Is(err, domain.ErrRecordExists) {
			recordErr := fmt.Errorf("guild %s: record verification: %w", c.ID, err)
			errs = multierr.Append(errs, recordErr)
			unrecorded = multierr.Append(unrecorded, recordErr)
			continue
		}
		res.Records = append(res.Records, record)
	}

	if errs != nil {
		s.logger.Error(ctx, "Role grant fan-out had failures", errs, log.Fields{
			"discord_id": r.ID,
			"failures":   len(multierr.Errors(errs)),
		})
	}
	return res, unrecorded
}

// NormalizeHandle strips surrounding space and a leading "@". Instagram
// usernames are lowercase, so the result is lowercased.
func NormalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}

// ListVerified returns the ledger entries of one guild.
func (s *Service) ListVerified(ctx context.Context, communityID string) ([]*domain.VerificationRecord, error) {
	records, err := s.ledger.ListByCommunity(ctx, communityID)
	if err != nil {
		return nil, fmt.Errorf("list verified users: %w", err)
	}
	return records, nil
}

// currentState derives the requester's state from the code store. Peeking
// also removes an expired challenge.
func (s *Service) currentState(ctx context.Context, requesterID string) (State, error) {
	_, err := s.codes.Peek(ctx, requesterID)
	switch {
	case err == nil:
		return s.activeState(requesterID), nil
	case errors.Is(err, domain.ErrChallengeExpired):
		s.failed.set(requesterID, false)
		return StateExpired, nil
	case errors.Is(err, domain.ErrChallengeNotFound):
		s.failed.set(requesterID, false)
		return StateNoChallenge, nil
	}
	return StateNoChallenge, fmt.Errorf("%w: read challenge: %w", ErrTransient, err)
}

// activeState is the state of a requester whose challenge is still valid.
func (s *Service) activeState(requesterID string) State {
	if s.failed.has(requesterID) {
		return StateFailed
	}
	return StatePending
}

// transition applies event to from and performs its side effect on the code store.
func (s *Service) transition(ctx context.Context, requesterID string, from State, event Event) (State, error) {
	t, ok := lookupTransition(from, event)
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, from)
	}
	s.failed.set(requesterID, t.to == StateFailed)
	if t.consume {
		if err := s.codes.Consume(ctx, requesterID); err != nil {
			// A leftover entry only allows a repeat submission, which records nothing new.
			s.logger.Warn(ctx, "Failed to consume challenge", log.Fields{
				"discord_id": requesterID,
				"error":      err.Error(),
			})
		}
	}
	s.logger.Debug(ctx, "Verification state transition", log.Fields{
		"discord_id": requesterID,
		"from":       from.String(),
		"event":      event.String(),
		"to":         t.to.String(),
	})
	return t.to, nil
}

func submissionLabel(err error) string {
	var perr *ProofError
	switch {
	case errors.As(err, &perr):
		return "proof_failed"
	case errors.Is(err, ErrNoActiveChallenge):
		return "no_active_challenge"
	case errors.Is(err, ErrTransient):
		return "transient"
	}
	return "error"
}
