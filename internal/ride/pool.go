package ride

import (
	"strings"
	"sync"

	"github.com/example/rider-core/internal/geo"
	"github.com/example/rider-core/internal/models"
	"github.com/example/rider-core/internal/realtime"
)

// hireableStatuses is the "available for hire" set. Anything else (on a
// trip, offline, suspended) never belongs on the pre-booking map.
var hireableStatuses = map[string]bool{
	"available": true,
	"online":    true,
	"live":      true,
}

// NearbyDriverPool maintains the transient roster of unassigned candidate
// drivers near the rider. Pre-booking only: it is force-cleared the instant
// a ride is accepted, and refreshes are suppressed while one is active, so
// stale markers never render alongside the assigned driver.
type NearbyDriverPool struct {
	mu         sync.RWMutex
	drivers    []models.NearbyDriver
	center     models.LatLng
	maxDrivers int
	suppressed bool
}

func NewNearbyDriverPool(maxDrivers int) *NearbyDriverPool {
	if maxDrivers <= 0 {
		maxDrivers = 15
	}
	return &NearbyDriverPool{maxDrivers: maxDrivers}
}

// Refresh requests candidates from dispatch. No-op while suppressed.
func (p *NearbyDriverPool) Refresh(ch Emitter, center models.LatLng, vehicleClass models.VehicleClass, radiusMeters float64) {
	p.mu.Lock()
	if p.suppressed {
		p.mu.Unlock()
		return
	}
	p.center = center
	p.mu.Unlock()

	_ = ch.Emit(realtime.EvtRequestNearbyDrivers, realtime.RequestNearbyDrivers{
		Latitude:    center.Lat,
		Longitude:   center.Lng,
		Radius:      radiusMeters,
		VehicleType: string(vehicleClass),
	})
}

// SetResponse replaces the pool from a server response: entries missing an
// id or coordinates are dropped, non-hireable statuses are dropped, the rest
// are sorted ascending by distance from the request center and capped to
// bound render cost.
func (p *NearbyDriverPool) SetResponse(wire []realtime.NearbyDriverWire) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.suppressed {
		return
	}

	out := make([]models.NearbyDriver, 0, len(wire))
	for _, w := range wire {
		if w.DriverID == "" {
			continue
		}
		pos := models.LatLng{Lat: w.Latitude, Lng: w.Longitude}
		if pos.IsZero() {
			continue
		}
		if !hireableStatuses[strings.ToLower(w.Status)] {
			continue
		}
		out = append(out, models.NearbyDriver{
			DriverID:       w.DriverID,
			Position:       pos,
			VehicleClass:   models.VehicleClass(w.VehicleType),
			Status:         w.Status,
			DistanceMeters: geo.DistanceMeters(p.center, pos),
		})
	}

	// insertion sort; the pool is capped at a handful of entries
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].DistanceMeters < out[j-1].DistanceMeters; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if len(out) > p.maxDrivers {
		out = out[:p.maxDrivers]
	}
	p.drivers = out
}

// SetStatus applies a single driver status push. A candidate that stops
// being hireable drops off the roster immediately instead of waiting for
// the next full refresh.
func (p *NearbyDriverPool) SetStatus(driverID, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, d := range p.drivers {
		if d.DriverID != driverID {
			continue
		}
		if hireableStatuses[strings.ToLower(status)] {
			p.drivers[i].Status = status
		} else {
			p.drivers = append(p.drivers[:i], p.drivers[i+1:]...)
		}
		return
	}
}

// Suppress gates the pool while a ride is active. Suppressing also clears
// it; un-suppressing leaves it empty until the next refresh.
func (p *NearbyDriverPool) Suppress(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suppressed = on
	if on {
		p.drivers = nil
	}
}

func (p *NearbyDriverPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drivers = nil
}

func (p *NearbyDriverPool) Snapshot() []models.NearbyDriver {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.NearbyDriver, len(p.drivers))
	copy(out, p.drivers)
	return out
}
