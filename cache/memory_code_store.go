package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"go.pilab.hu/verifybot/domain"
)

// ExpiryBackstop is added to the challenge TTL for the storage-level expiry.
// The clock check in Peek is authoritative; the backstop only reclaims memory.
const ExpiryBackstop = time.Minute

// MemoryCodeStore implements domain.CodeStore using ttlcache.
type MemoryCodeStore struct {
	cache *ttlcache.Cache[string, domain.Challenge]
	clock clockwork.Clock
	ttl   time.Duration

	// mu keeps Issue and the expiry delete in Peek from interleaving,
	// so a lazily expired entry never removes a freshly issued one.
	mu sync.Mutex
}

// NewMemoryCodeStore creates an in-memory code store and starts its cleanup loop.
func NewMemoryCodeStore(ttl time.Duration, clock clockwork.Clock) *MemoryCodeStore {
	if ttl <= 0 {
		ttl = domain.DefaultChallengeTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	cache := ttlcache.New(
		ttlcache.WithTTL[string, domain.Challenge](ttl+ExpiryBackstop),
		ttlcache.WithDisableTouchOnHit[string, domain.Challenge](),
	)
	go cache.Start()

	return &MemoryCodeStore{
		cache: cache,
		clock: clock,
		ttl:   ttl,
	}
}

// Issue implements domain.CodeStore.Issue.
func (s *MemoryCodeStore) Issue(_ context.Context, requesterID string) (*domain.Challenge, error) {
	code, err := GenerateCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate verification code: %w", err)
	}

	challenge := domain.Challenge{
		RequesterID: requesterID,
		Code:        code,
		IssuedAt:    s.clock.Now().UTC(),
	}

	s.mu.Lock()
	s.cache.Set(requesterID, challenge, ttlcache.DefaultTTL)
	s.mu.Unlock()

	log.Debug().Str("requester_id", requesterID).Time("issued_at", challenge.IssuedAt).Msg("verification challenge issued")

	return &challenge, nil
}

// Peek implements domain.CodeStore.Peek.
func (s *MemoryCodeStore) Peek(_ context.Context, requesterID string) (*domain.Challenge, error) {
	item := s.cache.Get(requesterID)
	if item == nil {
		return nil, domain.ErrChallengeNotFound
	}

	challenge := item.Value()
	if challenge.Expired(s.clock.Now(), s.ttl) {
		s.mu.Lock()
		if current := s.cache.Get(requesterID); current != nil && current.Value().Code == challenge.Code &&
			current.Value().IssuedAt.Equal(challenge.IssuedAt) {
			s.cache.Delete(requesterID)
		}
		s.mu.Unlock()

		log.Debug().Str("requester_id", requesterID).Msg("verification challenge expired")
		return nil, domain.ErrChallengeExpired
	}

	return &challenge, nil
}

// Consume implements domain.CodeStore.Consume.
func (s *MemoryCodeStore) Consume(_ context.Context, requesterID string) error {
	s.cache.Delete(requesterID)

	return nil
}

// Len returns the number of stored challenges, including ones not yet lazily expired.
func (s *MemoryCodeStore) Len() int {
	return s.cache.Len()
}

// Close stops the cleanup goroutine.
func (s *MemoryCodeStore) Close() error {
	s.cache.Stop()

	return nil
}

var _ domain.CodeStore = (*MemoryCodeStore)(nil)
