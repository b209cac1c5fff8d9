package ride

import (
	"log/slog"
	"sync"
	"time"

	"github.com/example/rider-core/internal/geo"
	"github.com/example/rider-core/internal/models"
	"github.com/example/rider-core/internal/observability"
)

const (
	minAnimation = 300 * time.Millisecond
	maxAnimation = 2500 * time.Millisecond
)

// TrackerConfig holds the policy constants. Zero values take the documented
// defaults.
type TrackerConfig struct {
	FreshnessBound        time.Duration // reject pings older than this
	Throttle              time.Duration // at most one accepted update per driver per window
	PickupGeofenceMeters  float64
	DropoffGeofenceMeters float64
}

func (c *TrackerConfig) applyDefaults() {
	if c.FreshnessBound <= 0 {
		c.FreshnessBound = 10 * time.Second
	}
	if c.Throttle <= 0 {
		c.Throttle = time.Second
	}
	if c.PickupGeofenceMeters <= 0 {
		c.PickupGeofenceMeters = 50
	}
	if c.DropoffGeofenceMeters <= 0 {
		c.DropoffGeofenceMeters = 50
	}
}

// DriverTracker turns a raw, jittery, possibly out-of-order stream of driver
// position pings into a smoothed displayed position and one-shot
// geofence-crossing signals. It writes session fields only through the
// narrow callbacks handed to it; status stays with the lifecycle machine.
type DriverTracker struct {
	cfg    TrackerConfig
	logger *slog.Logger
	now    func() time.Time

	setPosition func(models.LatLng)
	animate     func(models.MarkerAnimation)

	mu             sync.Mutex
	assignedDriver string
	lastAccepted   map[string]time.Time
	lastPos        *models.LatLng
	lastPosAt      time.Time
	arrivalFired   bool
	dropoffFired   bool
}

// NewDriverTracker wires the tracker to the session's position fields via
// setPosition (authoritative driverPosition) and animate (displayed marker
// convergence). Both may be nil in tests.
func NewDriverTracker(cfg TrackerConfig, setPosition func(models.LatLng), animate func(models.MarkerAnimation), logger *slog.Logger) *DriverTracker {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if setPosition == nil {
		setPosition = func(models.LatLng) {}
	}
	if animate == nil {
		animate = func(models.MarkerAnimation) {}
	}
	return &DriverTracker{
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
		setPosition:  setPosition,
		animate:      animate,
		lastAccepted: make(map[string]time.Time),
	}
}

// SetAssignedDriver pins the tracker to one driver id. Empty means
// pre-assignment (no filtering).
func (t *DriverTracker) SetAssignedDriver(driverID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.assignedDriver = driverID
}

// ResetForRide clears one-shot and throttle state so a new ride starts with
// fresh geofences.
func (t *DriverTracker) ResetForRide() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastAccepted = make(map[string]time.Time)
	t.lastPos = nil
	t.lastPosAt = time.Time{}
	t.arrivalFired = false
	t.dropoffFired = false
}

// SeedPosition installs a starting position without animation, used when the
// acceptance payload or a rehydrated session provides a placeholder.
func (t *DriverTracker) SeedPosition(pos models.LatLng) {
	t.mu.Lock()
	p := pos
	t.lastPos = &p
	t.lastPosAt = t.now()
	t.mu.Unlock()
	t.setPosition(pos)
}

// OnRawUpdate processes one ping. Returns true if the update was accepted
// (position advanced), false if it was dropped as foreign, stale, or
// throttled.
func (t *DriverTracker) OnRawUpdate(driverID string, pos models.LatLng, headingDegrees float64, serverTime time.Time) bool {
	t.mu.Lock()

	if t.assignedDriver != "" && driverID != t.assignedDriver {
		t.mu.Unlock()
		observability.ForeignUpdatesDropped.Inc()
		t.logger.Debug("foreign driver ping dropped", "driver", driverID, "assigned", t.assignedDriver)
		return false
	}

	now := t.now()
	if now.Sub(serverTime) > t.cfg.FreshnessBound {
		t.mu.Unlock()
		observability.StaleUpdatesDropped.Inc()
		t.logger.Debug("stale driver ping dropped", "driver", driverID, "age", now.Sub(serverTime))
		return false
	}

	if last, ok := t.lastAccepted[driverID]; ok && now.Sub(last) < t.cfg.Throttle {
		t.mu.Unlock()
		observability.ThrottledUpdates.Inc()
		return false
	}
	t.lastAccepted[driverID] = now

	duration := t.animationDuration(pos, now)
	p := pos
	t.lastPos = &p
	t.lastPosAt = now
	t.mu.Unlock()

	// authoritative position first, then schedule the marker convergence
	t.setPosition(pos)
	t.animate(models.MarkerAnimation{To: pos, Duration: duration})
	return true
}

// animationDuration sizes the marker's interpolation window to the observed
// update cadence so it glides at the driver's real speed: animating the gap
// distance over roughly the gap time neither teleports nor lags. Clamped so
// a burst doesn't stutter and a long gap doesn't crawl. Caller holds t.mu.
func (t *DriverTracker) animationDuration(next models.LatLng, now time.Time) time.Duration {
	if t.lastPos == nil || t.lastPosAt.IsZero() {
		return minAnimation
	}
	dist := geo.DistanceMeters(*t.lastPos, next)
	elapsed := now.Sub(t.lastPosAt)
	if elapsed <= 0 || dist <= 0 {
		return minAnimation
	}
	if elapsed < minAnimation {
		return minAnimation
	}
	if elapsed > maxAnimation {
		return maxAnimation
	}
	return elapsed
}

// LastPosition returns the last accepted position, if any.
func (t *DriverTracker) LastPosition() *models.LatLng {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastPos == nil {
		return nil
	}
	p := *t.lastPos
	return &p
}

// CheckArrivalAtPickup fires at most once per ride: true iff the driver is
// inside the pickup geofence while en route to it. Duplicate firing would
// re-trigger the OTP prompt, so the one-shot latch is load-bearing.
func (t *DriverTracker) CheckArrivalAtPickup(pickup models.LatLng, status models.RideStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.arrivalFired || status != models.StatusOnTheWay || t.lastPos == nil {
		return false
	}
	if geo.DistanceMeters(*t.lastPos, pickup) > t.cfg.PickupGeofenceMeters {
		return false
	}
	t.arrivalFired = true
	observability.GeofenceFires.WithLabelValues("pickup").Inc()
	return true
}

// CheckReachedDropoff is the symmetric one-shot for the destination, gated
// on the trip being in progress.
func (t *DriverTracker) CheckReachedDropoff(dropoff models.LatLng, status models.RideStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dropoffFired || status != models.StatusStarted || t.lastPos == nil {
		return false
	}
	if geo.DistanceMeters(*t.lastPos, dropoff) > t.cfg.DropoffGeofenceMeters {
		return false
	}
	t.dropoffFired = true
	observability.GeofenceFires.WithLabelValues("dropoff").Inc()
	return true
}
