package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-pooling/internal/models"
)

// RedisIndex implements Index using Redis GEO commands over open
// pool-request pickup points.
type RedisIndex struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisIndex(addr, password, key string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key, ctx: context.Background()}
}

func NewRedisIndexFromClient(c *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: c, key: key, ctx: context.Background()}
}

func (r *RedisIndex) Upsert(pr models.PoolRequest) {
	// GEOADD for the pickup point, HSET for metadata shown in discovery
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: pr.Pickup.Point.Lon, Latitude: pr.Pickup.Point.Lat, Name: pr.ID}).Result()
	_ = r.client.HSet(r.ctx, metaKey(pr.ID), map[string]interface{}{
		"requester": pr.RequesterID,
		"depart_at": pr.DepartAt.Format(time.RFC3339),
		"seats":     strconv.Itoa(pr.SeatsNeeded),
		"updated":   time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisIndex) Remove(id string) {
	_ = r.client.ZRem(r.ctx, r.key, id).Err()
	_ = r.client.Del(r.ctx, metaKey(id)).Err()
}

func (r *RedisIndex) Nearby(p models.GeoPoint, radiusM float64, limit int) []string {
	res, err := r.client.GeoRadius(r.ctx, r.key, p.Lon, p.Lat, &redis.GeoRadiusQuery{Radius: radiusM, Unit: "m", Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(res))
	for _, g := range res {
		out = append(out, g.Name)
	}
	return out
}

func metaKey(id string) string { return "pool:meta:" + id }
