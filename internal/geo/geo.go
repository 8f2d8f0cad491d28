package geo

import (
	"math"
	"sync"

	"github.com/example/ride-pooling/internal/models"
)

// Index is the minimal interface required by the discovery handlers: a
// spatial index of open pool-request pickup points.
type Index interface {
	Upsert(pr models.PoolRequest)
	Remove(id string)
	Nearby(p models.GeoPoint, radiusM float64, limit int) []string
}

// MemoryIndex is the in-process fallback used when Redis is not configured.
type MemoryIndex struct {
	mu     sync.RWMutex
	points map[string]models.GeoPoint
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{points: make(map[string]models.GeoPoint)}
}

func (g *MemoryIndex) Upsert(pr models.PoolRequest) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.points[pr.ID] = pr.Pickup.Point
}

func (g *MemoryIndex) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.points, id)
}

// naive scan; in prod use the redis GEO index
func (g *MemoryIndex) Nearby(p models.GeoPoint, radiusM float64, limit int) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		id   string
		dist float64
	}
	arr := make([]pair, 0, len(g.points))
	for id, pt := range g.points {
		dist := Distance(p, pt)
		if dist > radiusM {
			continue
		}
		arr = append(arr, pair{id, dist})
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].id)
	}
	return out
}

// Distance returns the great-circle distance in meters between two points.
// Symmetric and deterministic; out-of-range coordinates still produce a
// numeric result, range validation is the caller's job.
func Distance(a, b models.GeoPoint) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
