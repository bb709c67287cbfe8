package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/waste-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. Worker metadata
// (availability, base price, name) lives in a hash next to the geo set so a
// nearby query can be answered without touching the primary store.
type RedisGeo struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, ctx: context.Background()}
}

func (r *RedisGeo) Upsert(w models.Worker) {
	if w.LastLocation == nil {
		return
	}
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{
		Longitude: w.LastLocation.Lng,
		Latitude:  w.LastLocation.Lat,
		Name:      w.ID,
	}).Result()
	_ = r.client.HSet(r.ctx, metaKey(w.ID), map[string]interface{}{
		"name":      w.Name,
		"available": strconv.FormatBool(w.Available),
		"price":     strconv.FormatInt(w.BasePricePerItem, 10),
		"token":     w.PushToken,
		"updated":   time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) Nearby(p models.Coord, radiusKm float64) []models.Worker {
	res, err := r.client.GeoRadius(r.ctx, r.key, p.Lng, p.Lat, &redis.GeoRadiusQuery{
		Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.Worker, 0, len(res))
	for _, g := range res {
		w, ok := r.hydrate(g)
		if !ok || !w.Available {
			continue
		}
		out = append(out, w)
	}
	return out
}

func (r *RedisGeo) All() []models.Worker {
	ids, err := r.client.ZRange(r.ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil
	}
	out := make([]models.Worker, 0, len(ids))
	for _, id := range ids {
		pos, err := r.client.GeoPos(r.ctx, r.key, id).Result()
		if err != nil || len(pos) == 0 || pos[0] == nil {
			continue
		}
		g := redis.GeoLocation{Name: id, Latitude: pos[0].Latitude, Longitude: pos[0].Longitude}
		if w, ok := r.hydrate(g); ok {
			out = append(out, w)
		}
	}
	return out
}

func (r *RedisGeo) hydrate(g redis.GeoLocation) (models.Worker, bool) {
	w := models.Worker{ID: g.Name}
	w.LastLocation = &models.LocationStamp{Coord: models.Coord{Lat: g.Latitude, Lng: g.Longitude}}
	m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result()
	if err != nil {
		return w, false
	}
	w.Name = m["name"]
	w.PushToken = m["token"]
	w.Available = m["available"] == "true"
	if v, ok := m["price"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			w.BasePricePerItem = n
		}
	}
	if v, ok := m["updated"]; ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			w.LastLocation.Timestamp = ts
		}
	}
	return w, true
}

func metaKey(id string) string { return "worker:meta:" + id }
