package ride

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/example/rider-core/internal/config"
	"github.com/example/rider-core/internal/geo"
	"github.com/example/rider-core/internal/models"
	"github.com/example/rider-core/internal/observability"
	"github.com/example/rider-core/internal/pricing"
	"github.com/example/rider-core/internal/realtime"
	"github.com/example/rider-core/internal/storage"
	"github.com/example/rider-core/internal/store"
	"github.com/example/rider-core/internal/routing"
)

// Emitter is the slice of the realtime channel the ride package needs.
type Emitter interface {
	Emit(event string, payload any) error
	EmitWithAck(event string, payload any, ack realtime.AckFunc) error
}

// LocationPublisher mirrors rider positions to an analytics sink.
type LocationPublisher interface {
	PublishRiderLocation(userID, rideID string, pos models.LatLng, at time.Time) error
}

// Alert is a user-facing, dismissible notification with a clear next action.
// Transient and stale-data errors never become alerts.
type Alert struct {
	Kind    string
	Message string
}

const (
	AlertBookingFailed = "booking_failed"
	AlertNoDriverFound = "no_driver_found"
	AlertRideCancelled = "ride_cancelled"
	AlertDriverArrived = "driver_arrived"
	AlertBill          = "bill"
)

// Ride-scoped task names. Only one ride exists at a time, so the shared
// prefix is the teardown handle.
const (
	taskPrefix        = "ride:"
	taskSearchTimeout = taskPrefix + "searchTimeout"
	taskStatusPoll    = taskPrefix + "statusPoll"
	taskDriverPoll    = taskPrefix + "driverPoll"
	taskAutoPersist   = taskPrefix + "autoPersist"
)

var (
	ErrNotIdle        = errors.New("ride: a ride is already in progress")
	ErrMissingStops   = errors.New("ride: pickup and dropoff must be set")
	ErrNoVehicleClass = errors.New("ride: vehicle class must be set")
	ErrNoQuote        = errors.New("ride: no price quote available yet")
	ErrNoActiveRide   = errors.New("ride: no active ride")
)

// Deps wires the machine's collaborators. Archive, Telemetry, and Notify are
// optional.
type Deps struct {
	Channel   Emitter
	Store     *store.SessionStore
	Oracle    *pricing.Oracle
	Pool      *NearbyDriverPool
	Refresher *routing.Refresher
	Archive   storage.Archive
	Telemetry LocationPublisher
	Notify    func(Alert)
	Logger    *slog.Logger
}

// Machine owns the ride session and every status transition. All other
// components write session fields only through the narrow callbacks it hands
// out; nothing else mutates the aggregate.
type Machine struct {
	cfg     config.Config
	ch      Emitter
	store   *store.SessionStore
	oracle  *pricing.Oracle
	pool    *NearbyDriverPool
	tracker *DriverTracker
	refresh *routing.Refresher
	archive storage.Archive
	telem   LocationPublisher
	notify  func(Alert)
	sched   *Scheduler
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	session  models.RideSession
	riderPos *models.LatLng
}

func NewMachine(cfg config.Config, d Deps) *Machine {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notify := d.Notify
	if notify == nil {
		notify = func(Alert) {}
	}
	m := &Machine{
		cfg:     cfg,
		ch:      d.Channel,
		store:   d.Store,
		oracle:  d.Oracle,
		pool:    d.Pool,
		refresh: d.Refresher,
		archive: d.Archive,
		telem:   d.Telemetry,
		notify:  notify,
		sched:   NewScheduler(logger),
		logger:  logger,
		now:     time.Now,
	}
	m.session = models.RideSession{Status: models.StatusIdle}
	m.tracker = NewDriverTracker(TrackerConfig{
		FreshnessBound:        cfg.LocationFreshness,
		Throttle:              cfg.TrackerThrottle,
		PickupGeofenceMeters:  cfg.PickupGeofenceMeters,
		DropoffGeofenceMeters: cfg.DropoffGeofenceMeters,
	}, m.setDriverPosition, m.animateDriverMarker, logger)

	if m.oracle != nil {
		m.oracle.OnUpdate(m.recomputeQuote)
	}
	return m
}

// Tracker exposes the driver tracker for wiring and tests.
func (m *Machine) Tracker() *DriverTracker { return m.tracker }

// AutoFollowCamera reports whether the map camera should chase the driver
// marker. Off by default: camera control belongs to the user.
func (m *Machine) AutoFollowCamera() bool { return m.cfg.AutoFollowCamera }

// Bind subscribes the machine to every server event it consumes and hooks
// the post-reconnect resync. Called once at startup.
func (m *Machine) Bind(ch *realtime.Channel) {
	ch.RegisterIdentity(m.cfg.UserID)

	ch.OnAcceptance(m.HandleAcceptance)
	ch.On(realtime.EvtRideCreated, decode(m.logger, m.HandleRideCreated))
	ch.On(realtime.EvtDriverLiveLocation, decode(m.logger, m.HandleDriverLocation))
	ch.On(realtime.EvtNearbyDriversResp, decode(m.logger, m.HandleNearbyDrivers))
	ch.On(realtime.EvtDriverStatusUpdate, decode(m.logger, m.HandleDriverStatusUpdate))
	ch.On(realtime.EvtRideCancelled, decode(m.logger, m.HandleRideCancelled))
	ch.On(realtime.EvtRideCompleted, decode(m.logger, m.HandleRideCompleted))
	ch.On(realtime.EvtBillAlert, decode(m.logger, m.HandleRideCompleted))
	for _, evt := range []string{realtime.EvtOTPVerified, realtime.EvtRideStarted, realtime.EvtDriverStartedRide} {
		ch.On(evt, decode(m.logger, m.HandleRideStarted))
	}
	for _, evt := range []string{realtime.EvtPriceUpdate, realtime.EvtCurrentPrices} {
		ch.On(evt, decode(m.logger, m.HandlePriceUpdate))
	}

	ch.OnReconnect(m.Resync)
}

// Close stops every timer the machine owns.
func (m *Machine) Close() { m.sched.Stop() }

// --- drafts and quoting -------------------------------------------------

// SetPickup updates the mutable pickup draft. Rejected once a ride exists;
// booked stops are immutable.
func (m *Machine) SetPickup(s models.Stop) error {
	return m.setDraft(func() { m.session.Pickup = s })
}

func (m *Machine) SetDropoff(s models.Stop) error {
	return m.setDraft(func() { m.session.Dropoff = s })
}

func (m *Machine) SetVehicleClass(v models.VehicleClass) error {
	if !v.Valid() {
		return ErrNoVehicleClass
	}
	return m.setDraft(func() { m.session.VehicleClass = v })
}

func (m *Machine) SetWantReturnTrip(want bool) error {
	return m.setDraft(func() { m.session.WantReturnTrip = want })
}

// SetRouteEstimate installs the draft route/distance/eta computed by the
// routing collaborator for the pickup->dropoff pair.
func (m *Machine) SetRouteEstimate(r routing.Route) error {
	return m.setDraft(func() {
		m.session.RoutePolyline = r.Points
		d := r.DistanceKm
		e := r.ETAMinutes
		m.session.DistanceKm = &d
		m.session.ETAMinutes = &e
	})
}

func (m *Machine) setDraft(apply func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.Status != models.StatusIdle {
		return ErrNotIdle
	}
	apply()
	m.recomputeQuoteLocked()
	return nil
}

func (m *Machine) recomputeQuote() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recomputeQuoteLocked()
}

func (m *Machine) recomputeQuoteLocked() {
	if m.oracle == nil || m.session.DistanceKm == nil || !m.session.VehicleClass.Valid() {
		m.session.EstimatedPrice = nil
		return
	}
	m.session.EstimatedPrice = m.oracle.Quote(m.session.VehicleClass, *m.session.DistanceKm, m.session.WantReturnTrip)
}

// CanBook reports whether the booking affordance should be enabled. The
// quote gate is deliberate: no real rate, no booking.
func (m *Machine) CanBook() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bookGuardLocked() == nil
}

func (m *Machine) bookGuardLocked() error {
	if m.session.Status != models.StatusIdle {
		return ErrNotIdle
	}
	if m.session.Pickup.Location.IsZero() || m.session.Dropoff.Location.IsZero() {
		return ErrMissingStops
	}
	if !m.session.VehicleClass.Valid() {
		return ErrNoVehicleClass
	}
	if m.session.DistanceKm == nil || m.session.EstimatedPrice == nil {
		return ErrNoQuote
	}
	return nil
}

// --- booking ------------------------------------------------------------

// BookRide emits the booking request and moves to Searching. The guard is a
// precondition, not a runtime error path: UI should have disabled booking
// already when it fails.
func (m *Machine) BookRide(ctx context.Context) error {
	m.mu.Lock()
	if err := m.bookGuardLocked(); err != nil {
		m.mu.Unlock()
		observability.BookingsRejected.Inc()
		return err
	}

	now := m.now()
	otp := generateOTP(m.cfg.CustomerID, now)
	m.session.Status = models.StatusSearching
	m.session.OTP = otp
	m.session.RideID = ""
	m.session.BookedAt = &now

	payload := realtime.BookRide{
		UserID:         m.cfg.UserID,
		CustomerID:     m.cfg.CustomerID,
		UserName:       m.cfg.UserName,
		UserMobile:     m.cfg.UserMobile,
		Pickup:         wireStop(m.session.Pickup),
		Drop:           wireStop(m.session.Dropoff),
		VehicleType:    string(m.session.VehicleClass),
		OTP:            otp,
		EstimatedPrice: *m.session.EstimatedPrice,
		Distance:       *m.session.DistanceKm,
		TravelTime:     floatOrZero(m.session.ETAMinutes),
		WantReturn:     m.session.WantReturnTrip,
	}
	patch := store.Patch{
		Status:       statusPtr(models.StatusSearching),
		OTP:          &otp,
		Pickup:       stopPtr(m.session.Pickup),
		BookedPickup: stopPtr(m.session.Pickup),
		Dropoff:      stopPtr(m.session.Dropoff),
		DistanceKm:   m.session.DistanceKm,
		TravelTime:   m.session.ETAMinutes,
	}
	m.mu.Unlock()

	m.store.Save(ctx, patch)
	observability.BookingsTotal.Inc()

	m.sched.After(taskSearchTimeout, m.cfg.SearchTimeout, m.searchTimedOut)
	m.sched.Every(taskStatusPoll, m.cfg.StatusPollInterval, m.pollRideStatus)
	m.sched.Every(taskAutoPersist, m.cfg.AutoPersistInterval, m.autoPersist)

	if err := m.ch.EmitWithAck(realtime.EvtBookRide, payload, m.onBookAck); err != nil {
		// transport down: nothing reached the server, so unwind instead of
		// leaving the session stuck in searching
		m.resetToIdle(ctx)
		return fmt.Errorf("book ride emit: %w", err)
	}
	return nil
}

func (m *Machine) onBookAck(data json.RawMessage, err error) {
	if err != nil {
		// booking ack lost, not necessarily the booking: rideCreated or an
		// acceptance event may still land. Keep searching.
		m.logger.Warn("booking ack not received", "error", err)
		return
	}
	var ack realtime.BookAck
	if jsonErr := json.Unmarshal(data, &ack); jsonErr != nil {
		m.logger.Warn("unparseable booking ack", "error", jsonErr)
		return
	}
	if !ack.Success {
		m.logger.Warn("booking rejected by server", "message", ack.Message)
		m.resetToIdle(context.Background())
		m.notify(Alert{Kind: AlertBookingFailed, Message: orDefault(ack.Message, "Booking failed, please try again.")})
		return
	}
	if ack.RideID != "" {
		m.adoptRideID(ack.RideID)
	}
}

// HandleRideCreated confirms the server-side ride record. Redundant with the
// booking ack on a healthy connection; either may arrive first.
func (m *Machine) HandleRideCreated(rc realtime.RideCreated) {
	if !rc.Success {
		m.logger.Warn("ride creation failed", "message", rc.Message)
		m.resetToIdle(context.Background())
		m.notify(Alert{Kind: AlertBookingFailed, Message: orDefault(rc.Message, "Booking failed, please try again.")})
		return
	}
	if rc.RideID != "" {
		m.adoptRideID(rc.RideID)
	}
}

func (m *Machine) adoptRideID(rideID string) {
	m.mu.Lock()
	if m.session.Status != models.StatusSearching || m.session.RideID == rideID {
		m.mu.Unlock()
		return
	}
	if m.session.RideID != "" && m.session.RideID != rideID {
		m.logger.Warn("conflicting ride id ignored", "have", m.session.RideID, "got", rideID)
		m.mu.Unlock()
		return
	}
	m.session.RideID = rideID
	m.mu.Unlock()

	m.store.Save(context.Background(), store.Patch{RideID: &rideID})
	m.logger.Info("ride created", "ride", rideID)
}

func (m *Machine) searchTimedOut() {
	m.mu.Lock()
	if m.session.Status != models.StatusSearching {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	observability.SearchTimeouts.Inc()
	m.logger.Info("search timed out with no acceptance")
	m.resetToIdle(context.Background())
	m.notify(Alert{Kind: AlertNoDriverFound, Message: "No driver found nearby. Please try again."})
}

// --- acceptance ---------------------------------------------------------

// HandleAcceptance is the single idempotent funnel for every acceptance
// alias. Duplicate delivery across channels must not double-apply the
// transition or reset driver state.
func (m *Machine) HandleAcceptance(a realtime.Acceptance) {
	m.mu.Lock()

	if m.session.RideID != "" && a.RideID != "" && a.RideID != m.session.RideID {
		m.mu.Unlock()
		m.logger.Debug("acceptance for another ride ignored", "ride", a.RideID)
		return
	}
	if m.session.Status != models.StatusSearching {
		// already accepted (duplicate alias) or ride no longer exists
		m.mu.Unlock()
		return
	}

	if m.session.RideID == "" && a.RideID != "" {
		m.session.RideID = a.RideID
	}
	driver := models.DriverInfo{
		DriverID:     a.DriverID,
		Name:         a.DriverName,
		Phone:        a.DriverPhone,
		VehicleClass: a.VehicleType,
	}
	m.session.AssignedDriver = &driver
	m.session.Status = models.StatusOnTheWay

	seed := a.Position
	var degraded bool
	if seed == nil {
		// payload omitted driver coordinates: the pickup draft stands in
		// until a real push arrives
		p := m.session.Pickup.Location
		seed = &p
		degraded = true
	}
	rideID := m.session.RideID
	patch := store.Patch{
		RideID:         &rideID,
		Status:         statusPtr(models.StatusOnTheWay),
		Driver:         &driver,
		DriverPosition: seed,
	}
	m.mu.Unlock()

	if degraded {
		m.logger.Warn("acceptance without driver coordinates, seeding from pickup", "ride", rideID, "driver", driver.DriverID)
	}

	m.tracker.ResetForRide()
	m.tracker.SetAssignedDriver(driver.DriverID)
	m.tracker.SeedPosition(*seed)
	m.pool.Suppress(true)

	m.sched.Cancel(taskSearchTimeout)
	m.sched.Cancel(taskStatusPoll)
	m.sched.Every(taskDriverPoll, m.cfg.DriverPollInterval, m.pollDriverLocation)

	m.store.Save(context.Background(), patch)
	m.logger.Info("driver accepted", "ride", rideID, "driver", driver.DriverID)
}

// --- live tracking ------------------------------------------------------

// HandleDriverLocation feeds one raw ping through the tracker and reacts to
// any geofence crossing it causes.
func (m *Machine) HandleDriverLocation(d realtime.DriverLiveLocation) {
	m.mu.Lock()
	status := m.session.Status
	pickup := m.session.Pickup.Location
	dropoff := m.session.Dropoff.Location
	rideID := m.session.RideID
	driver := m.session.AssignedDriver
	distanceKm := floatOrZero(m.session.DistanceKm)
	m.mu.Unlock()

	pos := models.LatLng{Lat: d.Lat, Lng: d.Lng}
	if !m.tracker.OnRawUpdate(d.DriverID, pos, d.Heading, d.Time()) {
		return
	}

	if m.tracker.CheckArrivalAtPickup(pickup, status) {
		m.transitionArrived(rideID)
	}
	if m.tracker.CheckReachedDropoff(dropoff, status) {
		// rider side only signals; completion is server-authoritative
		if driver != nil {
			_ = m.ch.Emit(realtime.EvtDriverReachedDestination, realtime.DriverReachedDestination{
				RideID:   rideID,
				DriverID: driver.DriverID,
				Distance: distanceKm,
			})
		}
		m.logger.Info("destination geofence reached, awaiting server completion", "ride", rideID)
	}

	if status == models.StatusStarted && m.refresh != nil && !dropoff.IsZero() {
		if route := m.refresh.MaybeRefresh(context.Background(), pos, dropoff); route != nil {
			m.applyRoute(*route)
		}
	}
}

func (m *Machine) transitionArrived(rideID string) {
	m.mu.Lock()
	if m.session.Status != models.StatusOnTheWay || m.session.RideID != rideID {
		m.mu.Unlock()
		return
	}
	m.session.Status = models.StatusArrived
	otp := m.session.OTP
	m.mu.Unlock()

	m.store.Save(context.Background(), store.Patch{Status: statusPtr(models.StatusArrived)})
	m.logger.Info("driver arrived at pickup", "ride", rideID)
	m.notify(Alert{Kind: AlertDriverArrived, Message: "Your driver has arrived. Share OTP " + otp + " to start the trip."})
}

func (m *Machine) applyRoute(r routing.Route) {
	m.mu.Lock()
	m.session.RoutePolyline = r.Points
	d := r.DistanceKm
	e := r.ETAMinutes
	m.session.DistanceKm = &d
	m.session.ETAMinutes = &e
	pts := r.Points
	m.mu.Unlock()

	m.store.Save(context.Background(), store.Patch{Route: &pts, DistanceKm: &d, TravelTime: &e})
}

// setDriverPosition is the tracker's narrow write access to the session.
func (m *Machine) setDriverPosition(pos models.LatLng) {
	m.mu.Lock()
	p := pos
	m.session.DriverPosition = &p
	m.mu.Unlock()
}

// animateDriverMarker converges the displayed marker. The UI reads the
// target and duration; easing is its problem.
func (m *Machine) animateDriverMarker(a models.MarkerAnimation) {
	m.mu.Lock()
	m.session.DisplayedDriverPosition = a.To
	m.mu.Unlock()
}

// --- trip start and completion ------------------------------------------

// HandleRideStarted processes the server's OTP-verified signal. Accepted
// from Arrived (normal) and OnTheWay (arrival geofence missed; the server
// outranks our geometry).
func (m *Machine) HandleRideStarted(rs realtime.RideStarted) {
	m.mu.Lock()
	if rs.RideID != "" && m.session.RideID != "" && rs.RideID != m.session.RideID {
		m.mu.Unlock()
		return
	}
	if m.session.Status != models.StatusArrived && m.session.Status != models.StatusOnTheWay {
		m.mu.Unlock()
		return
	}
	m.session.Status = models.StatusStarted
	rideID := m.session.RideID
	var driverID string
	if m.session.AssignedDriver != nil {
		driverID = m.session.AssignedDriver.DriverID
	}
	m.mu.Unlock()

	if m.refresh != nil {
		m.refresh.Reset()
	}
	m.store.Save(context.Background(), store.Patch{Status: statusPtr(models.StatusStarted)})
	// stale pre-pickup position is useless now; ask for a fresh one
	_ = m.ch.Emit(realtime.EvtRequestDriverLocation, realtime.RequestDriverLocation{
		RideID: rideID, DriverID: driverID, Priority: "high",
	})
	m.logger.Info("trip started", "ride", rideID)
}

// HandleRideCompleted applies the server's fare-bearing completion event and
// surfaces the bill. The session stays terminal until the user acknowledges.
func (m *Machine) HandleRideCompleted(bill models.Bill) {
	m.mu.Lock()
	if !m.session.Status.Active() {
		m.mu.Unlock()
		return
	}
	m.session.Status = models.StatusCompleted
	m.session.FinalBill = &bill
	rideID := m.session.RideID
	m.mu.Unlock()

	m.sched.CancelPrefix(taskPrefix)
	m.archiveTerminal()
	m.logger.Info("ride completed", "ride", rideID, "charge", bill.Charge)
	m.notify(Alert{Kind: AlertBill, Message: fmt.Sprintf("Trip complete. Fare: %d", bill.Charge)})
}

// AcknowledgeCompletion clears the terminal session once the user has seen
// the bill, returning the machine to Idle defaults.
func (m *Machine) AcknowledgeCompletion(ctx context.Context) error {
	m.mu.Lock()
	if !m.session.Status.Terminal() {
		m.mu.Unlock()
		return ErrNoActiveRide
	}
	m.mu.Unlock()
	m.resetToIdle(ctx)
	return nil
}

// --- cancellation -------------------------------------------------------

// Cancel tears down the current ride. User-initiated cancels notify the
// server; server-initiated ones arrive via HandleRideCancelled.
func (m *Machine) Cancel(ctx context.Context, userInitiated bool) error {
	m.mu.Lock()
	if m.session.Status == models.StatusIdle || m.session.Status.Terminal() {
		m.mu.Unlock()
		return ErrNoActiveRide
	}
	rideID := m.session.RideID
	m.session.Status = models.StatusCancelled
	m.mu.Unlock()

	// stop every ride-scoped timer before anything else so no late tick
	// acts on the dead ride
	m.sched.CancelPrefix(taskPrefix)
	m.tracker.SetAssignedDriver("")
	m.tracker.ResetForRide()
	m.pool.Suppress(false)

	if userInitiated && rideID != "" {
		_ = m.ch.Emit(realtime.EvtCancelRide, realtime.CancelRide{RideID: rideID})
	}
	m.archiveTerminal()

	m.mu.Lock()
	m.clearRideStateLocked()
	m.mu.Unlock()
	m.store.Clear(ctx)
	m.logger.Info("ride cancelled", "ride", rideID, "byUser", userInitiated)
	return nil
}

// HandleRideCancelled applies a server-side cancellation.
func (m *Machine) HandleRideCancelled(rc realtime.RideCancelled) {
	m.mu.Lock()
	match := m.session.RideID != "" && rc.RideID == m.session.RideID && !m.session.Status.Terminal() && m.session.Status != models.StatusIdle
	m.mu.Unlock()
	if !match {
		return
	}
	if err := m.Cancel(context.Background(), false); err == nil {
		m.notify(Alert{Kind: AlertRideCancelled, Message: "Your ride was cancelled."})
	}
}

// clearRideStateLocked wipes driver and route state but keeps the terminal
// status and bill for display. Caller holds m.mu.
func (m *Machine) clearRideStateLocked() {
	m.session.AssignedDriver = nil
	m.session.DriverPosition = nil
	m.session.RoutePolyline = nil
}

// resetToIdle returns the machine to a bookable state and clears
// persistence.
func (m *Machine) resetToIdle(ctx context.Context) {
	m.sched.CancelPrefix(taskPrefix)
	m.tracker.SetAssignedDriver("")
	m.tracker.ResetForRide()
	m.pool.Suppress(false)

	// drafts and their route estimate survive the reset so the user can
	// immediately retry
	m.mu.Lock()
	m.session = models.RideSession{
		Status:         models.StatusIdle,
		Pickup:         m.session.Pickup,
		Dropoff:        m.session.Dropoff,
		VehicleClass:   m.session.VehicleClass,
		WantReturnTrip: m.session.WantReturnTrip,
		DistanceKm:     m.session.DistanceKm,
		ETAMinutes:     m.session.ETAMinutes,
		RoutePolyline:  m.session.RoutePolyline,
	}
	m.recomputeQuoteLocked()
	m.mu.Unlock()

	m.store.Clear(ctx)
}

func (m *Machine) archiveTerminal() {
	if m.archive == nil {
		return
	}
	m.mu.Lock()
	r := storage.ArchivedRide{
		RideID:     m.session.RideID,
		UserID:     m.cfg.UserID,
		Status:     m.session.Status,
		Pickup:     m.session.Pickup.Location,
		Dropoff:    m.session.Dropoff.Location,
		DistanceKm: floatOrZero(m.session.DistanceKm),
		EndedAt:    m.now(),
	}
	if m.session.AssignedDriver != nil {
		r.DriverID = m.session.AssignedDriver.DriverID
	}
	if m.session.FinalBill != nil {
		r.Charge = m.session.FinalBill.Charge
	}
	if m.session.BookedAt != nil {
		r.BookedAt = *m.session.BookedAt
	}
	m.mu.Unlock()
	if r.RideID == "" {
		return
	}
	if err := m.archive.SaveRide(&r); err != nil {
		m.logger.Warn("ride archive write failed", "ride", r.RideID, "error", err)
	}
}

// --- nearby drivers and prices ------------------------------------------

func (m *Machine) HandleNearbyDrivers(resp realtime.NearbyDriversResponse) {
	m.pool.SetResponse(resp.Drivers)
}

func (m *Machine) HandleDriverStatusUpdate(u realtime.DriverStatusUpdate) {
	m.pool.SetStatus(u.DriverID, u.Status)
}

func (m *Machine) HandlePriceUpdate(t models.PriceTable) {
	m.oracle.SetRates(t)
}

// RefreshNearby requests the candidate roster around the rider. Wider search
// tolerance once a booking is committed.
func (m *Machine) RefreshNearby() {
	m.mu.Lock()
	status := m.session.Status
	class := m.session.VehicleClass
	var center models.LatLng
	if m.riderPos != nil {
		center = *m.riderPos
	} else {
		center = m.session.Pickup.Location
	}
	m.mu.Unlock()

	if status.Active() || status.Terminal() {
		return
	}
	radius := m.cfg.NearbyRadiusIdleMeters
	if status == models.StatusSearching {
		radius = m.cfg.NearbyRadiusSearchingMeters
	}
	if center.IsZero() {
		return
	}
	m.pool.Refresh(m.ch, center, class, radius)
}

// --- rider location -----------------------------------------------------

// UpdateRiderLocation records the rider's own position, forwards it to
// dispatch while a ride is live, and mirrors it to telemetry.
func (m *Machine) UpdateRiderLocation(pos models.LatLng) {
	now := m.now()
	m.mu.Lock()
	prev := m.riderPos
	p := pos
	m.riderPos = &p
	rideID := m.session.RideID
	active := m.session.Status == models.StatusSearching || m.session.Status.Active()
	m.mu.Unlock()

	if prev != nil && !geo.IsSignificantMovement(*prev, pos, 0) {
		return
	}
	if active {
		_ = m.ch.Emit(realtime.EvtUserLocationUpdate, realtime.UserLocationUpdate{
			UserID:    m.cfg.UserID,
			RideID:    rideID,
			Latitude:  pos.Lat,
			Longitude: pos.Lng,
			Timestamp: now.UnixMilli(),
		})
	}
	if m.telem != nil {
		if err := m.telem.PublishRiderLocation(m.cfg.UserID, rideID, pos, now); err != nil {
			m.logger.Debug("telemetry publish failed", "error", err)
		}
	}
}

// --- polling, resync, rehydration ---------------------------------------

func (m *Machine) pollRideStatus() {
	m.mu.Lock()
	rideID := m.session.RideID
	searching := m.session.Status == models.StatusSearching
	m.mu.Unlock()
	if !searching || rideID == "" {
		return
	}
	_ = m.ch.Emit(realtime.EvtGetRideStatus, realtime.GetRideStatus{RideID: rideID})
}

func (m *Machine) pollDriverLocation() {
	m.mu.Lock()
	rideID := m.session.RideID
	var driverID string
	if m.session.AssignedDriver != nil {
		driverID = m.session.AssignedDriver.DriverID
	}
	active := m.session.Status.Active()
	m.mu.Unlock()
	if !active || driverID == "" {
		return
	}
	_ = m.ch.Emit(realtime.EvtRequestDriverLocation, realtime.RequestDriverLocation{
		RideID: rideID, DriverID: driverID,
	})
}

func (m *Machine) autoPersist() {
	m.mu.Lock()
	if m.session.RideID == "" {
		m.mu.Unlock()
		return
	}
	patch := store.Patch{
		RideID: &m.session.RideID,
		Status: statusPtr(m.session.Status),
	}
	if m.session.DriverPosition != nil {
		pos := *m.session.DriverPosition
		at := m.now()
		patch.DriverPosition = &pos
		patch.DriverPositionAt = &at
	}
	m.mu.Unlock()
	m.store.Save(context.Background(), patch)
}

// Resync re-requests authoritative state after a reconnect. The channel
// guarantees nothing about events missed during the gap.
func (m *Machine) Resync() {
	m.oracle.RequestCurrentRates(m.ch)

	m.mu.Lock()
	rideID := m.session.RideID
	var driverID string
	if m.session.AssignedDriver != nil {
		driverID = m.session.AssignedDriver.DriverID
	}
	live := rideID != "" && !m.session.Status.Terminal()
	m.mu.Unlock()

	if !live {
		return
	}
	_ = m.ch.Emit(realtime.EvtGetRideStatus, realtime.GetRideStatus{RideID: rideID})
	if driverID != "" {
		_ = m.ch.Emit(realtime.EvtRequestDriverLocation, realtime.RequestDriverLocation{
			RideID: rideID, DriverID: driverID, Priority: "high",
		})
	}
}

// Rehydrate restores a persisted mid-ride session after a process restart.
// Persisted position data is a placeholder, not current truth: fresh status
// and location are re-requested from the server.
func (m *Machine) Rehydrate(ctx context.Context) error {
	saved, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load persisted session: %w", err)
	}
	if saved == nil {
		return nil
	}
	if saved.Status.Terminal() || saved.Status == models.StatusIdle || saved.RideID == "" {
		m.store.Clear(ctx)
		return nil
	}

	m.mu.Lock()
	m.session = models.RideSession{
		RideID: saved.RideID,
		Status: saved.Status,
		OTP:    saved.OTP,
	}
	if saved.BookedPickup != nil {
		m.session.Pickup = *saved.BookedPickup
	} else if saved.Pickup != nil {
		m.session.Pickup = *saved.Pickup
	}
	if saved.Dropoff != nil {
		m.session.Dropoff = *saved.Dropoff
	}
	m.session.AssignedDriver = saved.Driver
	m.session.RoutePolyline = saved.Route
	m.session.DistanceKm = saved.DistanceKm
	m.session.ETAMinutes = saved.TravelTime
	if saved.Driver != nil {
		m.session.VehicleClass = saved.Driver.VehicleClass
	}
	status := saved.Status
	m.mu.Unlock()

	m.tracker.ResetForRide()
	if saved.Driver != nil {
		m.tracker.SetAssignedDriver(saved.Driver.DriverID)
	}
	if saved.DriverPosition != nil {
		m.tracker.SeedPosition(*saved.DriverPosition)
	}
	if status.Active() {
		m.pool.Suppress(true)
		m.sched.Every(taskDriverPoll, m.cfg.DriverPollInterval, m.pollDriverLocation)
	}
	if status == models.StatusSearching {
		m.sched.After(taskSearchTimeout, m.cfg.SearchTimeout, m.searchTimedOut)
		m.sched.Every(taskStatusPoll, m.cfg.StatusPollInterval, m.pollRideStatus)
	}
	m.sched.Every(taskAutoPersist, m.cfg.AutoPersistInterval, m.autoPersist)

	m.Resync()
	m.logger.Info("session rehydrated", "ride", saved.RideID, "status", string(status))
	return nil
}

// Snapshot returns a copy of the session for read-only consumers.
func (m *Machine) Snapshot() models.RideSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	if m.session.AssignedDriver != nil {
		d := *m.session.AssignedDriver
		s.AssignedDriver = &d
	}
	if m.session.DriverPosition != nil {
		p := *m.session.DriverPosition
		s.DriverPosition = &p
	}
	s.RoutePolyline = append([]models.LatLng(nil), m.session.RoutePolyline...)
	return s
}

// --- helpers ------------------------------------------------------------

// generateOTP derives the pickup confirmation code from the tail of a stable
// customer identifier, falling back to a timestamp suffix. Deliberately not
// cryptographic; the server echoes and verifies it.
func generateOTP(customerID string, now time.Time) string {
	if len(customerID) >= 4 {
		return customerID[len(customerID)-4:]
	}
	ms := strconv.FormatInt(now.UnixMilli(), 10)
	return ms[len(ms)-4:]
}

func wireStop(s models.Stop) realtime.WireStop {
	return realtime.WireStop{Lat: s.Location.Lat, Lng: s.Location.Lng, Address: s.Address}
}

func statusPtr(s models.RideStatus) *models.RideStatus { return &s }
func stopPtr(s models.Stop) *models.Stop               { return &s }

func floatOrZero(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func orDefault(s, def string) string {
	if s != "" {
		return s
	}
	return def
}
