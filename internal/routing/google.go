package routing

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/rider-core/internal/models"
)

// GoogleRouter backs the routing collaborator with the Google Maps
// Directions API. Used where no OSRM deployment is available.
type GoogleRouter struct {
	client *maps.Client
}

func NewGoogleRouter(apiKey string) (*GoogleRouter, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create maps client: %w", err)
	}
	return &GoogleRouter{client: client}, nil
}

func (g *GoogleRouter) Route(ctx context.Context, from, to models.LatLng) (*Route, error) {
	req := &maps.DirectionsRequest{
		Origin:      fmt.Sprintf("%.6f,%.6f", from.Lat, from.Lng),
		Destination: fmt.Sprintf("%.6f,%.6f", to.Lat, to.Lng),
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := g.client.Directions(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return nil, fmt.Errorf("no route found")
	}

	route := routes[0]
	leg := route.Legs[0]

	decoded, err := route.OverviewPolyline.Decode()
	if err != nil {
		return nil, fmt.Errorf("decode polyline: %w", err)
	}
	pts := make([]models.LatLng, 0, len(decoded))
	for _, p := range decoded {
		pts = append(pts, models.LatLng{Lat: p.Lat, Lng: p.Lng})
	}

	return &Route{
		Points:     pts,
		DistanceKm: float64(leg.Distance.Meters) / 1000,
		ETAMinutes: leg.Duration.Minutes(),
	}, nil
}
