package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/example/rider-core/internal/models"
	"github.com/example/rider-core/internal/observability"
)

// Key names are the on-device contract; a session written by one app version
// must be readable by the next.
const (
	keyRideID         = "currentRideId"
	keyStatus         = "rideStatus"
	keyOTP            = "bookingOTP"
	keyDriver         = "acceptedDriver"
	keyPickup         = "ridePickupLocation"
	keyBookedPickup   = "bookedPickupLocation"
	keyDropoff        = "rideDropoffLocation"
	keyRoute          = "rideRouteCoords"
	keyDistance       = "rideDistance"
	keyTravelTime     = "rideTravelTime"
	keyDriverPos      = "driverLocation"
	keyDriverPosStamp = "driverLocationTimestamp"
)

var allKeys = []string{
	keyRideID, keyStatus, keyOTP, keyDriver,
	keyPickup, keyBookedPickup, keyDropoff,
	keyRoute, keyDistance, keyTravelTime,
	keyDriverPos, keyDriverPosStamp,
}

// Patch carries the fields of one save. Nil fields are left untouched in
// storage, which gives Save its merge semantics.
type Patch struct {
	RideID           *string
	Status           *models.RideStatus
	OTP              *string
	Driver           *models.DriverInfo
	Pickup           *models.Stop
	BookedPickup     *models.Stop
	Dropoff          *models.Stop
	Route            *[]models.LatLng
	DistanceKm       *float64
	TravelTime       *float64
	DriverPosition   *models.LatLng
	DriverPositionAt *time.Time
}

// SavedSession is what a restart finds: enough to resume the machine in the
// status it was saved in. Position data is a placeholder until a fresh push
// arrives.
type SavedSession struct {
	RideID           string
	Status           models.RideStatus
	OTP              string
	Driver           *models.DriverInfo
	Pickup           *models.Stop
	BookedPickup     *models.Stop
	Dropoff          *models.Stop
	Route            []models.LatLng
	DistanceKm       *float64
	TravelTime       *float64
	DriverPosition   *models.LatLng
	DriverPositionAt *time.Time
}

// SessionStore persists ride session fields through a KV backend so killing
// and relaunching the app mid-ride resumes where it left off.
type SessionStore struct {
	kv     KV
	logger *slog.Logger
}

func NewSessionStore(kv KV, logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{kv: kv, logger: logger}
}

// Save merges and persists the given fields. Callers treat it as
// fire-and-forget; failures are logged, never surfaced into the ride flow.
func (s *SessionStore) Save(ctx context.Context, p Patch) {
	set := func(key, value string) {
		if err := s.kv.Set(ctx, key, value); err != nil {
			s.logger.Warn("session save failed", "key", key, "error", err)
		}
	}
	setJSON := func(key string, v any) {
		b, err := json.Marshal(v)
		if err != nil {
			s.logger.Warn("session marshal failed", "key", key, "error", err)
			return
		}
		set(key, string(b))
	}

	if p.RideID != nil {
		set(keyRideID, *p.RideID)
	}
	if p.Status != nil {
		set(keyStatus, string(*p.Status))
	}
	if p.OTP != nil {
		set(keyOTP, *p.OTP)
	}
	if p.Driver != nil {
		setJSON(keyDriver, p.Driver)
	}
	if p.Pickup != nil {
		setJSON(keyPickup, p.Pickup)
	}
	if p.BookedPickup != nil {
		setJSON(keyBookedPickup, p.BookedPickup)
	}
	if p.Dropoff != nil {
		setJSON(keyDropoff, p.Dropoff)
	}
	if p.Route != nil {
		setJSON(keyRoute, *p.Route)
	}
	if p.DistanceKm != nil {
		set(keyDistance, strconv.FormatFloat(*p.DistanceKm, 'f', -1, 64))
	}
	if p.TravelTime != nil {
		set(keyTravelTime, strconv.FormatFloat(*p.TravelTime, 'f', -1, 64))
	}
	if p.DriverPosition != nil {
		setJSON(keyDriverPos, p.DriverPosition)
	}
	if p.DriverPositionAt != nil {
		set(keyDriverPosStamp, p.DriverPositionAt.UTC().Format(time.RFC3339))
	}
	observability.SessionSaves.Inc()
}

// Load reads whatever was last saved, or nil if never booked or already
// cleared. Called once at startup, before any event handling begins.
func (s *SessionStore) Load(ctx context.Context) (*SavedSession, error) {
	rideID, ok, err := s.kv.Get(ctx, keyRideID)
	if err != nil {
		return nil, fmt.Errorf("load ride id: %w", err)
	}
	if !ok || rideID == "" {
		return nil, nil
	}

	out := &SavedSession{RideID: rideID, Status: models.StatusIdle}

	if v, ok, _ := s.kv.Get(ctx, keyStatus); ok {
		out.Status = models.RideStatus(v)
	}
	if v, ok, _ := s.kv.Get(ctx, keyOTP); ok {
		out.OTP = v
	}
	if v, ok, _ := s.kv.Get(ctx, keyDriver); ok {
		var d models.DriverInfo
		if err := json.Unmarshal([]byte(v), &d); err == nil {
			out.Driver = &d
		} else {
			s.logger.Warn("corrupt persisted driver, dropping", "error", err)
		}
	}
	out.Pickup = s.loadStop(ctx, keyPickup)
	out.BookedPickup = s.loadStop(ctx, keyBookedPickup)
	out.Dropoff = s.loadStop(ctx, keyDropoff)
	if v, ok, _ := s.kv.Get(ctx, keyRoute); ok {
		var pts []models.LatLng
		if err := json.Unmarshal([]byte(v), &pts); err == nil {
			out.Route = pts
		}
	}
	if v, ok, _ := s.kv.Get(ctx, keyDistance); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out.DistanceKm = &f
		}
	}
	if v, ok, _ := s.kv.Get(ctx, keyTravelTime); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out.TravelTime = &f
		}
	}
	if v, ok, _ := s.kv.Get(ctx, keyDriverPos); ok {
		var p models.LatLng
		if err := json.Unmarshal([]byte(v), &p); err == nil {
			out.DriverPosition = &p
		}
	}
	if v, ok, _ := s.kv.Get(ctx, keyDriverPosStamp); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			out.DriverPositionAt = &t
		}
	}
	return out, nil
}

func (s *SessionStore) loadStop(ctx context.Context, key string) *models.Stop {
	v, ok, _ := s.kv.Get(ctx, key)
	if !ok {
		return nil
	}
	var st models.Stop
	if err := json.Unmarshal([]byte(v), &st); err != nil {
		s.logger.Warn("corrupt persisted stop, dropping", "key", key, "error", err)
		return nil
	}
	return &st
}

// Clear removes every ride-related key. Called on cancellation and on
// completion acknowledgement.
func (s *SessionStore) Clear(ctx context.Context) {
	if err := s.kv.Remove(ctx, allKeys...); err != nil {
		s.logger.Warn("session clear failed", "error", err)
	}
}
