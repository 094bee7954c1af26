package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisIndex implements LocationIndex on Redis GEO commands so the nearby
// read model can be shared across processes (server and location consumer).
type RedisIndex struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisIndex(addr, password, key string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key, ctx: context.Background()}
}

func (r *RedisIndex) Upsert(hb models.Heartbeat) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: hb.Loc.Lon, Latitude: hb.Loc.Lat, Name: hb.DriverID}).Result()
	_ = r.client.HSet(r.ctx, MetaKey(hb.DriverID), map[string]interface{}{
		"tier":    string(hb.Tier),
		"updated": time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisIndex) Nearby(lat, lon float64, limit int) []models.Heartbeat {
	res, err := r.client.GeoRadius(r.ctx, r.key, lon, lat, &redis.GeoRadiusQuery{Radius: 100, Unit: "km", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.Heartbeat, 0, len(res))
	for _, g := range res {
		hb := models.Heartbeat{DriverID: g.Name}
		hb.Loc.Lat = g.Latitude
		hb.Loc.Lon = g.Longitude
		if m, err := r.client.HGetAll(r.ctx, MetaKey(g.Name)).Result(); err == nil {
			if v, ok := m["tier"]; ok {
				hb.Tier = models.Tier(v)
			}
			if v, ok := m["updated"]; ok {
				if ts, err := time.Parse(time.RFC3339, v); err == nil {
					hb.Updated = ts
				}
			}
		}
		out = append(out, hb)
	}
	return out
}

// MetaKey is the hash key holding per-driver metadata next to the geo set.
func MetaKey(id string) string { return "driver:meta:" + id }
