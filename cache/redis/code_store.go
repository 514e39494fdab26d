package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.pilab.hu/verifybot/cache"
	"go.pilab.hu/verifybot/domain"
)

const (
	fieldCode     = "code"
	fieldIssuedAt = "issued_at"
)

// deleteIfCode removes the challenge only while it still carries the expected code,
// so an expiry noticed by one handler cannot drop a code issued in the meantime.
var deleteIfCode = redis.NewScript(`
if redis.call("HGET", KEYS[1], "code") == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// CodeStore implements domain.CodeStore using Redis hashes.
type CodeStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	clock  clockwork.Clock
}

// NewCodeStore creates a new [CodeStore] instance.
func NewCodeStore(client *redis.Client, prefix string, ttl time.Duration, clock clockwork.Clock) *CodeStore {
	if ttl <= 0 {
		ttl = domain.DefaultChallengeTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CodeStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		clock:  clock,
	}
}

// redisKey returns the Redis key holding a requester's challenge.
func (s *CodeStore) redisKey(requesterID string) string {
	return fmt.Sprintf("%s:challenge:%s", s.prefix, requesterID)
}

// Issue implements domain.CodeStore.Issue.
func (s *CodeStore) Issue(ctx context.Context, requesterID string) (*domain.Challenge, error) {
	code, err := cache.GenerateCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate verification code: %w", err)
	}

	challenge := &domain.Challenge{
		RequesterID: requesterID,
		Code:        code,
		IssuedAt:    s.clock.Now().UTC(),
	}
	key := s.redisKey(requesterID)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fieldCode, challenge.Code, fieldIssuedAt, challenge.IssuedAt.UnixNano())
		pipe.Expire(ctx, key, s.ttl+cache.ExpiryBackstop)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store challenge in Redis: %w", err)
	}

	return challenge, nil
}

// Peek implements domain.CodeStore.Peek.
func (s *CodeStore) Peek(ctx context.Context, requesterID string) (*domain.Challenge, error) {
	key := s.redisKey(requesterID)

	res, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read challenge from Redis: %w", err)
	}
	if len(res) == 0 {
		return nil, domain.ErrChallengeNotFound
	}

	issuedAtNano, err := strconv.ParseInt(res[fieldIssuedAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed challenge issue time for %s: %w", requesterID, err)
	}

	challenge := &domain.Challenge{
		RequesterID: requesterID,
		Code:        res[fieldCode],
		IssuedAt:    time.Unix(0, issuedAtNano).UTC(),
	}

	if challenge.Expired(s.clock.Now(), s.ttl) {
		if err := deleteIfCode.Run(ctx, s.client, []string{key}, challenge.Code).Err(); err != nil && !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("requester_id", requesterID).Msg("failed to remove expired challenge")
		}
		return nil, domain.ErrChallengeExpired
	}

	return challenge, nil
}

// Consume implements domain.CodeStore.Consume.
func (s *CodeStore) Consume(ctx context.Context, requesterID string) error {
	if err := s.client.Del(ctx, s.redisKey(requesterID)).Err(); err != nil {
		return fmt.Errorf("failed to delete challenge from Redis: %w", err)
	}
	return nil
}

var _ domain.CodeStore = (*CodeStore)(nil)
