// README: Driver session pool backed by a Redis GEO index and one hash per driver.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"rideline/internal/modules/geo"
	"rideline/internal/types"
)

const (
	driverGeoKey        = "dispatch:drivers:geo"
	driverSessionPrefix = "dispatch:driver:%s"
)

func sessionKey(id types.ID) string {
	return fmt.Sprintf(driverSessionPrefix, string(id))
}

var updateLocationScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local cur = tonumber(redis.call('HGET', KEYS[1], 'fix_at') or '0')
local at = tonumber(ARGV[3])
if cur and at < cur then return 0 end
redis.call('HSET', KEYS[1], 'lat', ARGV[1], 'lng', ARGV[2], 'fix_at', ARGV[3], 'updated_at', ARGV[3])
if redis.call('HGET', KEYS[1], 'online') == '1' then
	redis.call('GEOADD', KEYS[2], ARGV[2], ARGV[1], ARGV[4])
end
return 1
`)

// syncGeoScript indexes an online driver at the stored fix, or drops the
// driver from the index.
var syncGeoScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'online') == '1' then
	local lat = redis.call('HGET', KEYS[1], 'lat')
	local lng = redis.call('HGET', KEYS[1], 'lng')
	if lat and lng then
		redis.call('GEOADD', KEYS[2], lng, lat, ARGV[1])
		return 1
	end
end
redis.call('ZREM', KEYS[2], ARGV[1])
return 0
`)

var reserveScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'online') ~= '1' then return 0 end
local cur = redis.call('HGET', KEYS[1], 'booking')
if cur and cur ~= '' then return 0 end
redis.call('HSET', KEYS[1], 'booking', ARGV[1])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'booking') == ARGV[1] then
	redis.call('HSET', KEYS[1], 'booking', '')
	return 1
end
return 0
`)

type RedisPool struct {
	redis *redis.Client
}

func NewRedisPool(client *redis.Client) *RedisPool {
	return &RedisPool{redis: client}
}

func (p *RedisPool) Get(ctx context.Context, driverID types.ID) (*DriverSession, error) {
	fields, err := p.redis.HGetAll(ctx, sessionKey(driverID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get driver session: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrUnknownDriver
	}
	return parseSession(driverID, fields), nil
}

func (p *RedisPool) SetPresence(ctx context.Context, pr Presence) (*DriverSession, *DriverSession, error) {
	prev, err := p.Get(ctx, pr.DriverID)
	if err != nil && !errors.Is(err, ErrUnknownDriver) {
		return nil, nil, err
	}
	if prev == nil && pr.VehicleType == "" {
		return nil, nil, ErrBadPresence
	}

	cur := &DriverSession{DriverID: pr.DriverID}
	if prev != nil {
		cur = copySession(prev)
	}
	applyPresence(cur, pr)

	// Fix fields are only written through updateLocationScript so a newer
	// fix stored since the read above is never rolled back.
	key := sessionKey(pr.DriverID)
	keys := []string{key, driverGeoKey}
	_, err = p.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"vehicle", string(cur.VehicleType),
			"online", boolFlag(cur.Online),
			"device_token", cur.DeviceToken,
			"updated_at", cur.UpdatedAt.UnixMilli(),
		)
		if pr.Location != nil {
			updateLocationScript.Eval(ctx, pipe, keys,
				formatCoord(pr.Location.Lat), formatCoord(pr.Location.Lng), pr.At.UnixMilli(), string(pr.DriverID))
		}
		syncGeoScript.Eval(ctx, pipe, keys, string(pr.DriverID))
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("set driver presence: %w", err)
	}
	// Re-read so a concurrent reservation is reflected.
	stored, err := p.Get(ctx, pr.DriverID)
	if err != nil {
		return nil, nil, err
	}
	return prev, stored, nil
}

func (p *RedisPool) UpdateLocation(ctx context.Context, driverID types.ID, pt types.Point, at time.Time) (*DriverSession, error) {
	res, err := updateLocationScript.Run(ctx, p.redis,
		[]string{sessionKey(driverID), driverGeoKey},
		formatCoord(pt.Lat), formatCoord(pt.Lng), at.UnixMilli(), string(driverID),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("update driver location: %w", err)
	}
	if res < 0 {
		return nil, ErrUnknownDriver
	}
	return p.Get(ctx, driverID)
}

func (p *RedisPool) Nearby(ctx context.Context, q NearbyQuery) ([]Candidate, error) {
	names, err := p.redis.GeoSearch(ctx, driverGeoKey, &redis.GeoSearchQuery{
		Longitude:  q.Point.Lng,
		Latitude:   q.Point.Lat,
		Radius:     q.RadiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo search drivers: %w", err)
	}
	if len(names) == 0 {
		return nil, nil
	}

	pipe := p.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(names))
	for i, name := range names {
		cmds[i] = pipe.HGetAll(ctx, sessionKey(types.ID(name)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load driver sessions: %w", err)
	}

	out := make([]Candidate, 0, len(names))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		s := parseSession(types.ID(names[i]), fields)
		if !s.Available() || s.VehicleType != q.VehicleType {
			continue
		}
		d := geo.Distance(q.Point, s.LastLocation.Point)
		if d > q.RadiusKm {
			continue
		}
		out = append(out, Candidate{Session: *s, DistanceKm: d})
	}
	return out, nil
}

func (p *RedisPool) Reserve(ctx context.Context, driverID, bookingID types.ID) (bool, error) {
	n, err := reserveScript.Run(ctx, p.redis, []string{sessionKey(driverID)}, string(bookingID)).Int()
	if err != nil {
		return false, fmt.Errorf("reserve driver: %w", err)
	}
	return n == 1, nil
}

func (p *RedisPool) Release(ctx context.Context, driverID, bookingID types.ID) error {
	if err := releaseScript.Run(ctx, p.redis, []string{sessionKey(driverID)}, string(bookingID)).Err(); err != nil {
		return fmt.Errorf("release driver: %w", err)
	}
	return nil
}

func parseSession(id types.ID, f map[string]string) *DriverSession {
	s := &DriverSession{
		DriverID:    id,
		VehicleType: types.VehicleType(f["vehicle"]),
		Online:      f["online"] == "1",
		DeviceToken: f["device_token"],
		UpdatedAt:   parseMillis(f["updated_at"]),
	}
	if b := f["booking"]; b != "" {
		s.CurrentBookingID = types.ID(b).Ptr()
	}
	lat, errLat := strconv.ParseFloat(f["lat"], 64)
	lng, errLng := strconv.ParseFloat(f["lng"], 64)
	if errLat == nil && errLng == nil {
		s.LastLocation = &Fix{Point: types.Point{Lat: lat, Lng: lng}, At: parseMillis(f["fix_at"])}
	}
	return s
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
