package routing

import (
	"context"

	"github.com/example/rider-core/internal/models"
)

// Route is the best-known path between two points.
type Route struct {
	Points     []models.LatLng
	DistanceKm float64
	ETAMinutes float64
}

// Router is the routing collaborator. The core never owns routing; it only
// consumes route(from, to).
type Router interface {
	Route(ctx context.Context, from, to models.LatLng) (*Route, error)
}
