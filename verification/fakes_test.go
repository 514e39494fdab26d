package verification

import (
	"context"
	"sync"

	"go.pilab.hu/verifybot/domain"
	"go.pilab.hu/verifybot/internal/proof"
)

type memoryLedger struct {
	mu        sync.Mutex
	records   []*domain.VerificationRecord
	recordErr error
}

func (l *memoryLedger) IsVerified(_ context.Context, requesterID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.records {
		if r.RequesterID == requesterID {
			return true, nil
		}
	}
	return false, nil
}

func (l *memoryLedger) Record(_ context.Context, record *domain.VerificationRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.recordErr != nil {
		return l.recordErr
	}
	for _, r := range l.records {
		if r.RequesterID == record.RequesterID && r.CommunityID == record.CommunityID {
			return domain.ErrRecordExists
		}
	}
	l.records = append(l.records, record)
	return nil
}

func (l *memoryLedger) ListByCommunity(_ context.Context, communityID string) ([]*domain.VerificationRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*domain.VerificationRecord
	for _, r := range l.records {
		if r.CommunityID == communityID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *memoryLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// inboxChecker passes when the last message sent for handle equals the token.
type inboxChecker struct {
	mu       sync.Mutex
	sent     map[string]string
	failWith *proof.Outcome
	tokens   []string
}

func newInboxChecker() *inboxChecker {
	return &inboxChecker{sent: make(map[string]string)}
}

func (c *inboxChecker) send(handle, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent[handle] = text
}

func (c *inboxChecker) Verify(_ context.Context, handle, token string) proof.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = append(c.tokens, token)
	if c.failWith != nil {
		return *c.failWith
	}
	if c.sent[handle] != token {
		return proof.Outcome{Reason: proof.ReasonTokenNotFound}
	}
	return proof.Outcome{Success: true}
}

// guildGranter grants in the guilds listed in status, NotAMember elsewhere.
type guildGranter struct {
	mu     sync.Mutex
	guilds []Community
	status map[string]GrantStatus
	err    map[string]error
	calls  int
}

func (g *guildGranter) Grant(_ context.Context, _, communityID string) (GrantStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	status, ok := g.status[communityID]
	if !ok {
		return GrantNotAMember, nil
	}
	return status, g.err[communityID]
}

func (g *guildGranter) Communities(context.Context) ([]Community, error) {
	return g.guilds, nil
}

type recordingDeliverer struct {
	mu   sync.Mutex
	last Instructions
	err  error
}

func (d *recordingDeliverer) DeliverInstructions(_ context.Context, _ string, in Instructions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = in
	return d.err
}
