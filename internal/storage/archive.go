package storage

import (
	"sync"
	"time"

	"github.com/example/rider-core/internal/models"
)

// ArchivedRide is the terminal record kept for diagnostics and support
// lookups after a ride completes or is cancelled.
type ArchivedRide struct {
	RideID     string
	UserID     string
	DriverID   string
	Status     models.RideStatus
	Pickup     models.LatLng
	Dropoff    models.LatLng
	DistanceKm float64
	Charge     int64
	BookedAt   time.Time
	EndedAt    time.Time
}

// Archive persists terminal rides. Writes are best effort; an archive
// failure never blocks a state transition.
type Archive interface {
	SaveRide(r *ArchivedRide) error
}

type MemoryArchive struct {
	mu    sync.RWMutex
	rides map[string]*ArchivedRide
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{rides: make(map[string]*ArchivedRide)}
}

func (m *MemoryArchive) SaveRide(r *ArchivedRide) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.RideID] = r
	return nil
}

func (m *MemoryArchive) Get(rideID string) (*ArchivedRide, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[rideID]
	return r, ok
}
