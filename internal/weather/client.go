// Package weather reads current conditions from the OpenWeatherMap API for
// the locations of virtual sensors.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"beaconsync/internal/config"
	"beaconsync/internal/errs"
	"beaconsync/internal/merge"
	"beaconsync/internal/types"
)

// Current is one observation for a location, in device units.
type Current struct {
	At      time.Time
	Reading types.Reading
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func NewClient(cfg config.Weather, logger *slog.Logger, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if _, err := url.ParseRequestURI(base); err != nil || base == "" {
		return nil, fmt.Errorf("invalid weather base url %q", cfg.BaseURL)
	}
	if !cfg.Enabled() {
		return nil, errors.New("weather client needs an api key")
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL: base,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With("component", "weather"),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) Provider() string { return types.ProviderOpenWeatherMap }

type currentResponse struct {
	Dt   int64 `json:"dt"`
	Main *struct {
		Temp     *float64 `json:"temp"`
		Humidity *float64 `json:"humidity"`
		Pressure *float64 `json:"pressure"`
	} `json:"main"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// Current fetches the conditions at loc. Pressure arrives in hPa and is
// returned in Pa like a device reading.
func (c *Client) Current(ctx context.Context, loc types.Location) (Current, error) {
	if err := loc.Validate(); err != nil {
		return Current{}, err
	}
	q := url.Values{
		"lat":   {strconv.FormatFloat(loc.Latitude, 'f', -1, 64)},
		"lon":   {strconv.FormatFloat(loc.Longitude, 'f', -1, 64)},
		"units": {"metric"},
		"appid": {c.apiKey},
	}
	const path = "/data/2.5/weather"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return Current{}, fmt.Errorf("build %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Current{}, ctxErr
		}
		return Current{}, errs.Transport("GET "+path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Current{}, errs.Transport("read "+path, err)
	}
	c.logger.Debug("weather request", "lat", loc.Latitude, "lon", loc.Longitude, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode >= 300 {
		var e errorResponse
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && e.Message != "" {
			msg = e.Message
		}
		return Current{}, errs.Transport("GET "+path, fmt.Errorf("status %d: %s", resp.StatusCode, msg))
	}

	var out currentResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Current{}, errs.Decode(path+" response", err)
	}
	if out.Dt <= 0 || out.Main == nil {
		return Current{}, errs.Decode(path+" response", errors.New("missing observation"))
	}
	rd := types.Reading{
		Temperature: out.Main.Temp,
		Humidity:    out.Main.Humidity,
	}
	if out.Main.Pressure != nil {
		pa := merge.PressurePa(*out.Main.Pressure)
		rd.Pressure = &pa
	}
	if rd.Empty() {
		return Current{}, errs.Decode(path+" response", errors.New("no values"))
	}
	return Current{At: time.Unix(out.Dt, 0).UTC(), Reading: rd}, nil
}
