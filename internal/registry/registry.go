package registry

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

// Registry is the freshness-aware driver position store consumed by the
// offer broker. Nearby results are computed fresh per call, ordered by
// distance from the query point.
type Registry interface {
	Report(ctx context.Context, loc models.DriverLocation) error
	SetOnline(ctx context.Context, driverID string, online bool) error
	Nearby(ctx context.Context, p models.Coord, radiusM float64, maxStaleness time.Duration, limit int) ([]models.DriverLocation, error)
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverLocation
	now     func() time.Time
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.DriverLocation), now: time.Now}
}

// Report overwrites the driver's last-known position. Out-of-order reports
// carrying an older timestamp than the stored one are discarded silently.
func (g *Index) Report(_ context.Context, loc models.DriverLocation) error {
	if loc.ReportedAt.IsZero() {
		loc.ReportedAt = g.now()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.drivers[loc.DriverID]; ok && loc.ReportedAt.Before(prev.ReportedAt) {
		return nil
	}
	g.drivers[loc.DriverID] = loc
	return nil
}

func (g *Index) SetOnline(_ context.Context, driverID string, online bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok {
		d = models.DriverLocation{DriverID: driverID, ReportedAt: g.now()}
	}
	d.Online = online
	g.drivers[driverID] = d
	return nil
}

// naive scan; in prod use geo-hash or H3
func (g *Index) Nearby(_ context.Context, p models.Coord, radiusM float64, maxStaleness time.Duration, limit int) ([]models.DriverLocation, error) {
	now := g.now()
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		d    models.DriverLocation
		dist float64
	}
	arr := make([]pair, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Online {
			continue
		}
		if maxStaleness > 0 && now.Sub(d.ReportedAt) > maxStaleness {
			continue
		}
		dist := Haversine(p.Lat, p.Lng, d.Loc.Lat, d.Loc.Lng)
		if radiusM > 0 && dist > radiusM {
			continue
		}
		arr = append(arr, pair{d, dist})
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) || n <= 0 {
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
	out := make([]models.DriverLocation, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].d)
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
