package verification

import "fmt"

// State is where a requester is in the verification workflow.
type State int

const (
	StateNoChallenge State = iota
	StatePending
	StateVerified
	StateExpired
	StateFailed // last proof attempt failed, challenge still valid
)

func (s State) String() string {
	switch s {
	case StateNoChallenge:
		return "no_challenge"
	case StatePending:
		return "pending"
	case StateVerified:
		return "verified"
	case StateExpired:
		return "expired"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Event drives a State change.
type Event int

const (
	EventStart Event = iota
	EventExpire
	EventProofFailed
	EventTransientFailure
	EventNoCommunity
	EventGranted
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventExpire:
		return "expire"
	case EventProofFailed:
		return "proof_failed"
	case EventTransientFailure:
		return "transient_failure"
	case EventNoCommunity:
		return "no_community"
	case EventGranted:
		return "granted"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

type transitionKey struct {
	from  State
	event Event
}

// transition is the outcome of applying an event. consume removes the
// requester's challenge from the code store.
type transition struct {
	to      State
	consume bool
}

// transitions is the complete workflow. A (State, Event) pair missing here is
// not allowed; in particular nothing leaves StateVerified.
var transitions = map[transitionKey]transition{
	{StateNoChallenge, EventStart}: {to: StatePending},
	{StateExpired, EventStart}:     {to: StatePending},
	{StateFailed, EventStart}:      {to: StatePending},
	{StatePending, EventStart}:     {to: StatePending}, // reissue replaces the code

	{StatePending, EventExpire}:           {to: StateExpired, consume: true},
	{StatePending, EventProofFailed}:      {to: StateFailed},
	{StatePending, EventTransientFailure}: {to: StateFailed},
	{StatePending, EventNoCommunity}:      {to: StatePending},
	{StatePending, EventGranted}:          {to: StateVerified, consume: true},

	{StateFailed, EventExpire}:           {to: StateExpired, consume: true},
	{StateFailed, EventProofFailed}:      {to: StateFailed},
	{StateFailed, EventTransientFailure}: {to: StateFailed},
	{StateFailed, EventNoCommunity}:      {to: StatePending},
	{StateFailed, EventGranted}:          {to: StateVerified, consume: true},
}

func lookupTransition(from State, event Event) (transition, bool) {
	t, ok := transitions[transitionKey{from: from, event: event}]
	return t, ok
}
