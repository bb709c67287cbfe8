package geo

import (
	"math"
	"sync"
	"time"

	"github.com/example/waste-dispatch/internal/models"
)

// Geo is the minimal interface required by the matching session and handlers.
type Geo interface {
	Nearby(p models.Coord, radiusKm float64) []models.Worker
	All() []models.Worker
	Upsert(w models.Worker)
}

type Index struct {
	mu      sync.RWMutex
	workers map[string]models.Worker
}

func NewIndex() *Index {
	return &Index{workers: make(map[string]models.Worker)}
}

func (g *Index) Upsert(w models.Worker) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w.LastLocation != nil && w.LastLocation.Timestamp.IsZero() {
		w.LastLocation.Timestamp = time.Now()
	}
	g.workers[w.ID] = w
}

func (g *Index) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.workers, id)
}

// Nearby returns every available worker with a known location within
// radiusKm great-circle distance of p, nearest first. Workers that never
// reported a position are excluded.
// naive scan; in prod use geo-hash or H3
func (g *Index) Nearby(p models.Coord, radiusKm float64) []models.Worker {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		w    models.Worker
		dist float64
	}
	arr := make([]pair, 0, len(g.workers))
	for _, w := range g.workers {
		if !w.Available || w.LastLocation == nil {
			continue
		}
		dist := HaversineKm(p.Lat, p.Lng, w.LastLocation.Lat, w.LastLocation.Lng)
		if dist > radiusKm {
			continue
		}
		arr = append(arr, pair{w, dist})
	}
	// insertion sort, small N
	for i := 1; i < len(arr); i++ {
		for j := i; j > 0 && arr[j].dist < arr[j-1].dist; j-- {
			arr[j], arr[j-1] = arr[j-1], arr[j]
		}
	}
	out := make([]models.Worker, 0, len(arr))
	for _, pr := range arr {
		out = append(out, pr.w)
	}
	return out
}

// All returns every worker currently in the index regardless of distance or
// availability. Callers use it as the manual-browse fallback when a nearby
// query comes back empty.
func (g *Index) All() []models.Worker {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Worker, 0, len(g.workers))
	for _, w := range g.workers {
		out = append(out, w)
	}
	return out
}

// HaversineKm is the great-circle distance in kilometres.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
