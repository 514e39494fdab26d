package proof

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.pilab.hu/verifybot/instagram"
	"go.pilab.hu/verifybot/internal/metrics"
	"go.pilab.hu/verifybot/log"
	"go.pilab.hu/verifybot/tracing"
)

const meterName = "go.pilab.hu/verifybot/internal/proof"

// Reason explains why a proof check did not succeed.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonAccountNotFound
	ReasonCriteriaFailed
	ReasonNotFollowing
	ReasonTokenNotFound
	ReasonTransient
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonAccountNotFound:
		return "account_not_found"
	case ReasonCriteriaFailed:
		return "criteria_failed"
	case ReasonNotFollowing:
		return "not_following"
	case ReasonTokenNotFound:
		return "token_not_found"
	case ReasonTransient:
		return "transient"
	}
	return "unknown"
}

// Outcome is the result of a proof check. Err is only set for ReasonTransient.
type Outcome struct {
	Success        bool
	Reason         Reason
	FailedCriteria []string
	Err            error
}

func failure(reason Reason) Outcome {
	return Outcome{Reason: reason}
}

func transient(err error) Outcome {
	return Outcome{Reason: ReasonTransient, Err: err}
}

// Checker verifies that an Instagram account is eligible, follows the
// operator and has sent the expected token as a direct message.
type Checker struct {
	platform Platform
	sessions *SessionManager
	criteria []Criterion
	logger   log.Logger
	duration otelmetric.Float64Histogram
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithCriteria replaces DefaultCriteria.
func WithCriteria(criteria []Criterion) CheckerOption {
	return func(c *Checker) { c.criteria = criteria }
}

// NewChecker creates a Checker. It is safe for concurrent use.
func NewChecker(platform Platform, sessions *SessionManager, logger log.Logger, opts ...CheckerOption) *Checker {
	c := &Checker{
		platform: platform,
		sessions: sessions,
		criteria: DefaultCriteria(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	hist, err := otel.Meter(meterName).Float64Histogram("verifybot_proof_check_duration",
		otelmetric.WithUnit("s"),
		otelmetric.WithDescription("Duration of Instagram proof checks."),
	)
	if err != nil {
		logger.Warn(context.Background(), "Proof check histogram unavailable", log.Fields{"error": err.Error()})
		hist = noop.Float64Histogram{}
	}
	c.duration = hist
	return c
}

// Verify runs the proof check for handle and token. It never returns an
// error; platform failures are reported as ReasonTransient.
func (c *Checker) Verify(ctx context.Context, handle, token string) Outcome {
	ctx, span := tracing.Tracer.Start(ctx, "proof.Verify")
	defer span.End()
	span.SetAttributes(attribute.String("ig.handle", handle))

	start := time.Now()
	out := c.verify(ctx, handle, token)
	c.duration.Record(ctx, time.Since(start).Seconds(),
		otelmetric.WithAttributes(attribute.String("reason", out.Reason.String())))

	span.SetAttributes(attribute.String("proof.reason", out.Reason.String()))
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
		c.logger.Error(ctx, "Proof check failed on platform error", out.Err, log.Fields{"ig_handle": handle})
	}
	if !out.Success {
		metrics.ProofFailuresTotal.WithLabelValues(out.Reason.String()).Inc()
	}
	return out
}

func (c *Checker) verify(ctx context.Context, handle, token string) Outcome {
	sess, err := c.sessions.Acquire(ctx)
	if err != nil {
		return transient(err)
	}
	a := &attempt{checker: c, sess: sess}

	var user *instagram.User
	err = a.do(ctx, func(s *instagram.Session) (err error) {
		user, err = c.platform.ResolveAccountByHandle(ctx, s, handle)
		return err
	})
	if errors.Is(err, instagram.ErrUserNotFound) {
		return failure(ReasonAccountNotFound)
	}
	if err != nil {
		return transient(err)
	}

	var profile *instagram.UserInfo
	err = a.do(ctx, func(s *instagram.Session) (err error) {
		profile, err = c.platform.GetPublicProfile(ctx, s, user.ID())
		return err
	})
	if errors.Is(err, instagram.ErrUserNotFound) {
		return failure(ReasonAccountNotFound)
	}
	if err != nil {
		return transient(err)
	}
	if failed := failedCriteria(c.criteria, profile); len(failed) > 0 {
		return Outcome{Reason: ReasonCriteriaFailed, FailedCriteria: failed}
	}

	var rel *instagram.Friendship
	err = a.do(ctx, func(s *instagram.Session) (err error) {
		rel, err = c.platform.GetFollowRelationship(ctx, s, user.ID())
		return err
	})
	if err != nil {
		return transient(err)
	}
	if !rel.FollowedBy {
		return failure(ReasonNotFollowing)
	}

	var threads []instagram.Thread
	err = a.do(ctx, func(s *instagram.Session) (err error) {
		threads, err = c.platform.ListPrimaryInboxThreads(ctx, s)
		return err
	})
	if err != nil {
		return transient(err)
	}
	if findProofThread(threads, handle, token) != nil {
		c.logger.Debug(ctx, "Token found in primary inbox", log.Fields{"ig_handle": handle})
		return Outcome{Success: true}
	}

	err = a.do(ctx, func(s *instagram.Session) (err error) {
		threads, err = c.platform.ListPendingInboxThreads(ctx, s)
		return err
	})
	if err != nil {
		return transient(err)
	}
	thread := findProofThread(threads, handle, token)
	if thread == nil {
		return failure(ReasonTokenNotFound)
	}

	err = a.do(ctx, func(s *instagram.Session) error {
		return c.platform.AcceptPendingThread(ctx, s, thread.ThreadID)
	})
	if err != nil {
		return transient(err)
	}
	c.logger.Debug(ctx, "Token found in pending inbox, thread accepted", log.Fields{
		"ig_handle": handle,
		"thread_id": thread.ThreadID,
	})
	return Outcome{Success: true}
}

// findProofThread returns the one-to-one thread with handle whose newest
// message is exactly token. Handles compare case-insensitively, tokens do not.
func findProofThread(threads []instagram.Thread, handle, token string) *instagram.Thread {
	handle = strings.TrimPrefix(handle, "@")
	for i := range threads {
		counterpart, ok := threads[i].SoleCounterpart()
		if !ok || !strings.EqualFold(counterpart.Username, handle) {
			continue
		}
		if threads[i].LatestText() == token {
			return &threads[i]
		}
	}
	return nil
}

// attempt tracks the session used by one Verify call. A call that hits an
// expired session gets one re-login.
type attempt struct {
	checker  *Checker
	sess     *instagram.Session
	relogged bool
}

func (a *attempt) do(ctx context.Context, call func(*instagram.Session) error) error {
	err := call(a.sess)
	if !errors.Is(err, instagram.ErrLoginRequired) || a.relogged {
		return err
	}

	a.relogged = true
	a.checker.sessions.Invalidate(ctx, a.sess)
	sess, loginErr := a.checker.sessions.Acquire(ctx)
	if loginErr != nil {
		return loginErr
	}
	a.sess = sess
	return call(a.sess)
}
