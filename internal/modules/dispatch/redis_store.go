// README: Offer and dispatch-record store backed by Redis keys with TTL.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"rideline/internal/types"
)

const (
	offerKeyPrefix       = "dispatch:offer:%s"
	bookingPendingPrefix = "dispatch:booking:%s:pending"
	driverOffersPrefix   = "dispatch:driver:%s:offers"
	offerExpiryKey       = "dispatch:offers:expiry"
	recordKeyPrefix      = "dispatch:record:%s"
	// Offers and records only matter while a booking is REQUESTED; keep them
	// around for a day for inspection.
	keyTTL = 24 * time.Hour
)

func offerKey(id types.ID) string          { return fmt.Sprintf(offerKeyPrefix, string(id)) }
func bookingPendingKey(id types.ID) string { return fmt.Sprintf(bookingPendingPrefix, string(id)) }
func driverOffersKey(id types.ID) string   { return fmt.Sprintf(driverOffersPrefix, string(id)) }
func recordKey(id types.ID) string         { return fmt.Sprintf(recordKeyPrefix, string(id)) }

// resolveScript flips a pending offer and drops it from every pending index.
var resolveScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return -1 end
local o = cjson.decode(raw)
if o.outcome ~= 'PENDING' then return 0 end
o.outcome = ARGV[1]
o.resolvedAt = ARGV[2]
redis.call('SET', KEYS[1], cjson.encode(o), 'KEEPTTL')
redis.call('SREM', KEYS[2], ARGV[3])
redis.call('SREM', KEYS[3], ARGV[3])
redis.call('ZREM', KEYS[4], ARGV[3])
return 1
`)

type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{redis: client}
}

func (s *RedisStore) CreateOffer(ctx context.Context, o *Offer) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, offerKey(o.ID), data, keyTTL)
		pipe.SAdd(ctx, bookingPendingKey(o.BookingID), string(o.ID))
		pipe.Expire(ctx, bookingPendingKey(o.BookingID), keyTTL)
		pipe.SAdd(ctx, driverOffersKey(o.DriverID), string(o.ID))
		pipe.Expire(ctx, driverOffersKey(o.DriverID), keyTTL)
		pipe.ZAdd(ctx, offerExpiryKey, redis.Z{Score: float64(o.ExpiresAt.UnixMilli()), Member: string(o.ID)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	return nil
}

func (s *RedisStore) GetOffer(ctx context.Context, id types.ID) (*Offer, error) {
	data, err := s.redis.Get(ctx, offerKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get offer: %w", err)
	}
	var o Offer
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}
	return &o, nil
}

func (s *RedisStore) ResolveOffer(ctx context.Context, o *Offer, to Outcome, at time.Time) (bool, error) {
	n, err := resolveScript.Run(ctx, s.redis,
		[]string{offerKey(o.ID), bookingPendingKey(o.BookingID), driverOffersKey(o.DriverID), offerExpiryKey},
		string(to), at.UTC().Format(time.RFC3339Nano), string(o.ID),
	).Int()
	if err != nil {
		return false, fmt.Errorf("resolve offer: %w", err)
	}
	if n < 0 {
		return false, ErrOfferNotFound
	}
	return n == 1, nil
}

func (s *RedisStore) loadOffers(ctx context.Context, ids []string) ([]Offer, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = offerKey(types.ID(id))
	}
	vals, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load offers: %w", err)
	}
	out := make([]Offer, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var o Offer
		if err := json.Unmarshal([]byte(raw), &o); err != nil {
			return nil, fmt.Errorf("decode offer: %w", err)
		}
		out = append(out, o)
	}
	sortOffers(out)
	return out, nil
}

func (s *RedisStore) pendingFrom(ctx context.Context, setKey string) ([]Offer, error) {
	ids, err := s.redis.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending offers: %w", err)
	}
	offers, err := s.loadOffers(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := offers[:0]
	for _, o := range offers {
		if o.Pending() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *RedisStore) PendingOffers(ctx context.Context, bookingID types.ID) ([]Offer, error) {
	return s.pendingFrom(ctx, bookingPendingKey(bookingID))
}

func (s *RedisStore) PendingForDriver(ctx context.Context, driverID types.ID) ([]Offer, error) {
	return s.pendingFrom(ctx, driverOffersKey(driverID))
}

// PurgeResolved is a no-op; resolved offers leave Redis through keyTTL.
func (s *RedisStore) PurgeResolved(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (s *RedisStore) DueOffers(ctx context.Context, now time.Time) ([]Offer, error) {
	ids, err := s.redis.ZRangeByScore(ctx, offerExpiryKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list due offers: %w", err)
	}
	offers, err := s.loadOffers(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := offers[:0]
	for _, o := range offers {
		if o.Expired(now) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *RedisStore) GetRecord(ctx context.Context, bookingID types.ID) (*Record, error) {
	data, err := s.redis.Get(ctx, recordKey(bookingID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dispatch record: %w", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode dispatch record: %w", err)
	}
	if r.Excluded == nil {
		r.Excluded = map[types.ID]bool{}
	}
	if r.Offered == nil {
		r.Offered = map[types.ID]bool{}
	}
	return &r, nil
}

func (s *RedisStore) SaveRecord(ctx context.Context, r *Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, recordKey(r.BookingID), data, keyTTL).Err(); err != nil {
		return fmt.Errorf("save dispatch record: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteRecord(ctx context.Context, bookingID types.ID) error {
	return s.redis.Del(ctx, recordKey(bookingID), bookingPendingKey(bookingID)).Err()
}
