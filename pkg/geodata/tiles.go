package geodata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"

	"github.com/geostash/geostash/internal/resilience"
)

// TileStyle describes one raster provider. The URL template uses {host},
// {z}, {x}, and {y} placeholders; Mirrors are rotated round-robin so load
// spreads across the provider's hosts.
type TileStyle struct {
	Key         string
	URLTemplate string
	Mirrors     []string
}

// TileClient downloads raster tiles by slippy coordinates.
type TileClient interface {
	FetchTile(ctx context.Context, z, x, y int, styleKey string) ([]byte, error)
}

// TileOption configures the tile client.
type TileOption func(*tileClient)

// WithTileHTTPClient sets a custom HTTP client for tile requests.
func WithTileHTTPClient(hc *http.Client) TileOption {
	return func(c *tileClient) {
		c.httpClient = hc
	}
}

type tileClient struct {
	styles     map[string]*styleState
	httpClient *http.Client
}

type styleState struct {
	style TileStyle
	next  atomic.Uint64
}

// NewTileClient creates a tile client for the given styles.
func NewTileClient(styles []TileStyle, opts ...TileOption) TileClient {
	c := &tileClient{
		styles:     make(map[string]*styleState, len(styles)),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, s := range styles {
		c.styles[s.Key] = &styleState{style: s}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *tileClient) FetchTile(ctx context.Context, z, x, y int, styleKey string) ([]byte, error) {
	state, ok := c.styles[styleKey]
	if !ok {
		return nil, eris.Errorf("geodata: unknown tile style %q", styleKey)
	}

	tileURL := state.url(z, x, y)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tileURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "geodata: build tile request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "geodata: tile request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("geodata: tile service returned status %d for %s/%d/%d/%d",
			resp.StatusCode, styleKey, z, x, y)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "geodata: read tile body"), 0)
	}
	return data, nil
}

// url expands the style's template, rotating across mirrors.
func (s *styleState) url(z, x, y int) string {
	out := s.style.URLTemplate
	if len(s.style.Mirrors) > 0 {
		idx := (s.next.Add(1) - 1) % uint64(len(s.style.Mirrors))
		out = strings.ReplaceAll(out, "{host}", s.style.Mirrors[idx])
	}
	out = strings.ReplaceAll(out, "{z}", fmt.Sprint(z))
	out = strings.ReplaceAll(out, "{x}", fmt.Sprint(x))
	out = strings.ReplaceAll(out, "{y}", fmt.Sprint(y))
	return out
}
