package registry

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/models"
)

// RedisRegistry implements Registry using Redis GEO commands, with driver
// metadata (online flag, report timestamp) kept in a hash per driver.
type RedisRegistry struct {
	client *redis.Client
	key    string
}

func NewRedisRegistry(addr, password, key string) *RedisRegistry {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisRegistry{client: c, key: key}
}

func (r *RedisRegistry) Report(ctx context.Context, loc models.DriverLocation) error {
	if loc.ReportedAt.IsZero() {
		loc.ReportedAt = time.Now()
	}
	// Older-than-stored reports are dropped; read-then-write is close enough
	// here since a lost race only costs one position update.
	if prev, err := r.client.HGet(ctx, metaKey(loc.DriverID), "reported_at").Result(); err == nil {
		if t, perr := time.Parse(time.RFC3339Nano, prev); perr == nil && loc.ReportedAt.Before(t) {
			return nil
		}
	}
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Loc.Lng, Latitude: loc.Loc.Lat, Name: loc.DriverID}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(loc.DriverID), map[string]interface{}{
		"online":      strconv.FormatBool(loc.Online),
		"reported_at": loc.ReportedAt.Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisRegistry) SetOnline(ctx context.Context, driverID string, online bool) error {
	return r.client.HSet(ctx, metaKey(driverID), "online", strconv.FormatBool(online)).Err()
}

func (r *RedisRegistry) Nearby(ctx context.Context, p models.Coord, radiusM float64, maxStaleness time.Duration, limit int) ([]models.DriverLocation, error) {
	res, err := r.client.GeoRadius(ctx, r.key, p.Lng, p.Lat, &redis.GeoRadiusQuery{
		Radius: radiusM, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]models.DriverLocation, 0, len(res))
	for _, g := range res {
		d := models.DriverLocation{DriverID: g.Name}
		d.Loc.Lat = g.Latitude
		d.Loc.Lng = g.Longitude
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		d.Online = m["online"] == "true"
		if v, ok := m["reported_at"]; ok {
			if t, perr := time.Parse(time.RFC3339Nano, v); perr == nil {
				d.ReportedAt = t
			}
		}
		if !d.Online {
			continue
		}
		if maxStaleness > 0 && (d.ReportedAt.IsZero() || now.Sub(d.ReportedAt) > maxStaleness) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func metaKey(id string) string { return "driver:meta:" + id }
