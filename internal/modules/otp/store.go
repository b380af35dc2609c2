// README: OTP challenge stores (in-process and Redis with TTL purge).
package otp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"rideline/internal/types"
)

// Store keeps at most one challenge per booking. Update runs fn against the
// current challenge, persists it when fn reports a change, and then returns
// fn's error. fn may run more than once under contention.
type Store interface {
	Put(ctx context.Context, c *Challenge) error
	Get(ctx context.Context, bookingID types.ID) (*Challenge, error)
	Update(ctx context.Context, bookingID types.ID, fn func(c *Challenge) (bool, error)) (*Challenge, error)
	Delete(ctx context.Context, bookingID types.ID) error
}

// retention keeps expired challenges readable so verify reports Expired
// instead of NoChallenge.
const retention = time.Hour

type MemoryStore struct {
	mu         sync.Mutex
	challenges map[types.ID]Challenge
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{challenges: make(map[types.ID]Challenge)}
}

func (s *MemoryStore) Put(_ context.Context, c *Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[c.BookingID] = *c
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[id]
	if !ok {
		return nil, ErrNoChallenge
	}
	return &c, nil
}

func (s *MemoryStore) Update(_ context.Context, id types.ID, fn func(c *Challenge) (bool, error)) (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[id]
	if !ok {
		return nil, ErrNoChallenge
	}
	changed, err := fn(&c)
	if changed {
		s.challenges[id] = c
	}
	return &c, err
}

func (s *MemoryStore) Delete(_ context.Context, id types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.challenges, id)
	return nil
}

// PurgeExpired drops challenges that expired more than the retention window
// before now and reports how many were removed.
func (s *MemoryStore) PurgeExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, c := range s.challenges {
		if now.Sub(c.ExpiresAt) > retention {
			delete(s.challenges, id)
			n++
		}
	}
	return n
}

const (
	challengeKeyPrefix = "otp:booking:%s"
	maxWatchRetries    = 5
)

type RedisStore struct {
	redis *redis.Client
	now   func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{redis: client, now: time.Now}
}

func challengeKey(id types.ID) string {
	return fmt.Sprintf(challengeKeyPrefix, string(id))
}

func (s *RedisStore) ttl(c *Challenge) time.Duration {
	d := c.ExpiresAt.Sub(s.now()) + retention
	if d <= 0 {
		d = time.Second
	}
	return d
}

func (s *RedisStore) Put(ctx context.Context, c *Challenge) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, challengeKey(c.BookingID), data, s.ttl(c)).Err(); err != nil {
		return fmt.Errorf("put otp challenge: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id types.ID) (*Challenge, error) {
	data, err := s.redis.Get(ctx, challengeKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoChallenge
	}
	if err != nil {
		return nil, fmt.Errorf("get otp challenge: %w", err)
	}
	var c Challenge
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode otp challenge: %w", err)
	}
	return &c, nil
}

func (s *RedisStore) Update(ctx context.Context, id types.ID, fn func(c *Challenge) (bool, error)) (*Challenge, error) {
	key := challengeKey(id)
	var result *Challenge
	var fnErr error

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNoChallenge
		}
		if err != nil {
			return err
		}
		var c Challenge
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("decode otp challenge: %w", err)
		}
		changed, err := fn(&c)
		result, fnErr = &c, err
		if !changed {
			return nil
		}
		encoded, err := json.Marshal(&c)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.ttl(&c))
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.redis.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, fnErr
	}
	return nil, fmt.Errorf("update otp challenge %s: too much contention", id)
}

func (s *RedisStore) Delete(ctx context.Context, id types.ID) error {
	return s.redis.Del(ctx, challengeKey(id)).Err()
}
