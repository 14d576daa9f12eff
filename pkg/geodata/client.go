// Package geodata provides clients for the upstream POI and raster tile
// services. Both clients classify failures so the caller's retry policy can
// branch: 5xx and 429 responses come back as transient errors, other 4xx are
// permanent.
package geodata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/geostash/geostash/internal/geo"
	"github.com/geostash/geostash/internal/model"
	"github.com/geostash/geostash/internal/resilience"
)

const defaultBaseURL = "https://api.geostash.io/v1"

// POIClient fetches points of interest for a bounding box.
type POIClient interface {
	// FetchRegion returns every POI of the requested categories inside bbox.
	// Partial category coverage in the response is allowed; missing
	// categories simply yield no entities.
	FetchRegion(ctx context.Context, bbox geo.BoundingBox, categories []string) ([]model.Entity, error)
}

// Option configures the POI client.
type Option func(*poiClient)

// WithBaseURL overrides the upstream API endpoint.
func WithBaseURL(base string) Option {
	return func(c *poiClient) {
		c.baseURL = strings.TrimRight(base, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *poiClient) {
		c.httpClient = hc
	}
}

// WithAPIKey sets the bearer token sent with each request.
func WithAPIKey(key string) Option {
	return func(c *poiClient) {
		c.apiKey = key
	}
}

type poiClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewPOIClient creates a POI client with the given options.
func NewPOIClient(opts ...Option) POIClient {
	c := &poiClient{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// poiResponse is the upstream wire format.
type poiResponse struct {
	Elements []struct {
		ID       string            `json:"id"`
		Name     string            `json:"name"`
		Lat      float64           `json:"lat"`
		Lon      float64           `json:"lon"`
		Category string            `json:"category"`
		Tags     map[string]string `json:"tags,omitempty"`
	} `json:"elements"`
}

func (c *poiClient) FetchRegion(ctx context.Context, bbox geo.BoundingBox, categories []string) ([]model.Entity, error) {
	q := url.Values{}
	q.Set("bbox", fmt.Sprintf("%f,%f,%f,%f", bbox.South, bbox.West, bbox.North, bbox.East))
	if len(categories) > 0 {
		q.Set("categories", strings.Join(categories, ","))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/pois?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "geodata: build poi request")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "geodata: poi request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("geodata: poi service returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "geodata: read poi response"), 0)
	}

	var parsed poiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, eris.Wrap(err, "geodata: decode poi response")
	}

	fetchedAt := time.Now().UTC()
	entities := make([]model.Entity, 0, len(parsed.Elements))
	for _, el := range parsed.Elements {
		if el.ID == "" {
			continue
		}
		var attrs map[string]any
		if len(el.Tags) > 0 {
			attrs = make(map[string]any, len(el.Tags))
			for k, v := range el.Tags {
				attrs[k] = v
			}
		}
		entities = append(entities, model.Entity{
			ID:         el.ID,
			Name:       el.Name,
			Lat:        el.Lat,
			Lon:        el.Lon,
			Category:   el.Category,
			Attributes: attrs,
			FetchedAt:  fetchedAt,
		})
	}
	return entities, nil
}
