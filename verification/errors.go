package verification

import (
	"errors"
	"fmt"
	"strings"

	"go.pilab.hu/verifybot/internal/proof"
)

var (
	// ErrUsage is returned for a submission without a handle.
	ErrUsage = errors.New("verification: handle is required")
	// ErrAlreadyVerified is returned when the requester already has a record in any guild.
	ErrAlreadyVerified = errors.New("verification: requester is already verified")
	// ErrNoActiveChallenge wraps domain.ErrChallengeNotFound or domain.ErrChallengeExpired.
	ErrNoActiveChallenge = errors.New("verification: no active challenge")
	// ErrDeliveryBlocked is returned when the instructions could not be sent to the requester.
	// The issued challenge stays valid.
	ErrDeliveryBlocked = errors.New("verification: cannot deliver instructions to requester")
	// ErrTransient wraps platform and storage failures the requester may retry.
	ErrTransient = errors.New("verification: temporary failure")
	// ErrInvalidTransition indicates a programming error in the workflow.
	ErrInvalidTransition = errors.New("verification: invalid state transition")
)

// ProofError reports a failed proof check the requester can correct.
type ProofError struct {
	Reason         proof.Reason
	FailedCriteria []string
}

func (e *ProofError) Error() string {
	if len(e.FailedCriteria) > 0 {
		return fmt.Sprintf("verification: proof rejected: %s [%s]", e.Reason, strings.Join(e.FailedCriteria, ", "))
	}
	return fmt.Sprintf("verification: proof rejected: %s", e.Reason)
}
