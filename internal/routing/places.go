package routing

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/rider-core/internal/models"
)

// Place is one address-search suggestion.
type Place struct {
	Name     string        `json:"name"`
	Location models.LatLng `json:"location"`
}

// PlacesClient is the address-autocomplete collaborator: free text in,
// candidate stops out.
type PlacesClient struct {
	client *maps.Client
}

func NewPlacesClient(apiKey string) (*PlacesClient, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create maps client: %w", err)
	}
	return &PlacesClient{client: client}, nil
}

func (p *PlacesClient) Search(ctx context.Context, text string) ([]Place, error) {
	resp, err := p.client.TextSearch(ctx, &maps.TextSearchRequest{Query: text})
	if err != nil {
		return nil, fmt.Errorf("places search: %w", err)
	}
	out := make([]Place, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, Place{
			Name:     r.Name,
			Location: models.LatLng{Lat: r.Geometry.Location.Lat, Lng: r.Geometry.Location.Lng},
		})
	}
	return out, nil
}
