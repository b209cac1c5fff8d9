package routing

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/rider-core/internal/geo"
	"github.com/example/rider-core/internal/models"
	"github.com/example/rider-core/internal/observability"
)

// Refresher recomputes the remaining route from the moving driver to the
// destination, throttled by distance moved and wall-clock time so a
// stationary driver does not spam the routing service and a fast one does
// not show a stale path.
type Refresher struct {
	router        Router
	minMoveMeters float64
	minInterval   time.Duration
	attempts      int
	retryDelay    time.Duration
	logger        *slog.Logger

	now   func() time.Time
	sleep func(time.Duration)

	lastAt  time.Time
	lastPos *models.LatLng
}

func NewRefresher(router Router, minMoveMeters float64, minInterval time.Duration, attempts int, retryDelay time.Duration, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	if attempts <= 0 {
		attempts = 3
	}
	return &Refresher{
		router:        router,
		minMoveMeters: minMoveMeters,
		minInterval:   minInterval,
		attempts:      attempts,
		retryDelay:    retryDelay,
		logger:        logger,
		now:           time.Now,
		sleep:         time.Sleep,
	}
}

// Reset clears the throttle state; called when a new ride starts so the
// first position update always produces a route.
func (r *Refresher) Reset() {
	r.lastAt = time.Time{}
	r.lastPos = nil
}

// due applies both throttle bounds: enough distance covered, or enough time
// elapsed, whichever governs first.
func (r *Refresher) due(pos models.LatLng) bool {
	if r.lastPos == nil {
		return true
	}
	if geo.DistanceMeters(*r.lastPos, pos) >= r.minMoveMeters {
		return true
	}
	return r.now().Sub(r.lastAt) >= r.minInterval
}

// MaybeRefresh recomputes the route from the driver to the destination if a
// throttle bound has been crossed. A failed fetch retries a bounded number
// of times with a fixed delay, then gives up silently for this cycle; the
// next trigger tries again. Returns the new route, or nil when throttled or
// given up.
func (r *Refresher) MaybeRefresh(ctx context.Context, driverPos, destination models.LatLng) *Route {
	if !r.due(driverPos) {
		return nil
	}

	var route *Route
	var err error
	for i := 0; i < r.attempts; i++ {
		route, err = r.router.Route(ctx, driverPos, destination)
		if err == nil {
			break
		}
		if i < r.attempts-1 {
			r.sleep(r.retryDelay)
		}
	}
	if err != nil {
		observability.RouteRefreshFailed.Inc()
		r.logger.Warn("route refresh gave up for this cycle", "error", err)
		return nil
	}

	pos := driverPos
	r.lastPos = &pos
	r.lastAt = r.now()
	observability.RouteRefreshTotal.Inc()
	return route
}
