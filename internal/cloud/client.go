// Package cloud is the client for the Ruuvi Cloud REST API. Every call
// except RequestCode and ValidateCode needs the session's API key and fails
// with errs.ErrNotAuthorized before touching the network when there is none.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"beaconsync/internal/config"
	"beaconsync/internal/errs"
	"beaconsync/internal/types"
)

// DefaultChunkSize is the number of measurements requested per history page.
const DefaultChunkSize = 5000

// Decoder turns a raw advertisement stored by the cloud into a reading.
type Decoder func(raw []byte) (types.Reading, error)

// Credentials is where the client gets its bearer token.
type Credentials interface {
	APIKey() (string, error)
}

type Client struct {
	baseURL   string
	http      *http.Client
	creds     Credentials
	decode    Decoder
	logger    *slog.Logger
	chunkSize int
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithChunkSize(n int) Option { return func(c *Client) { c.chunkSize = n } }

func NewClient(cfg config.Cloud, creds Credentials, decode Decoder, logger *slog.Logger, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if _, err := url.ParseRequestURI(base); err != nil || base == "" {
		return nil, fmt.Errorf("invalid cloud base url %q", cfg.BaseURL)
	}
	if creds == nil {
		return nil, errors.New("cloud client needs credentials")
	}
	if decode == nil {
		return nil, errors.New("cloud client needs a decoder")
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		baseURL:   base,
		http:      &http.Client{Timeout: timeout},
		creds:     creds,
		decode:    decode,
		logger:    logger.With("component", "cloud"),
		chunkSize: DefaultChunkSize,
	}
	for _, o := range opts {
		o(c)
	}
	if c.chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size %d", c.chunkSize)
	}
	return c, nil
}

// Authorized reports whether calls can be made.
func (c *Client) Authorized() bool {
	_, err := c.creds.APIKey()
	return err == nil
}

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	auth   bool
}

// do performs an API call and decodes the envelope's data into out.
func (c *Client) do(ctx context.Context, req request, out any) error {
	var token string
	if req.auth {
		key, err := c.creds.APIKey()
		if err != nil {
			return err
		}
		token = key
	}

	u := c.baseURL + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}
	var body io.Reader
	if req.body != nil {
		b, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", req.path, err)
		}
		body = bytes.NewReader(b)
	}

	hr, err := http.NewRequestWithContext(ctx, req.method, u, body)
	if err != nil {
		return fmt.Errorf("build %s: %w", req.path, err)
	}
	hr.Header.Set("Accept", "application/json")
	if body != nil {
		hr.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		hr.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(hr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return errs.Transport(req.method+" "+req.path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return errs.Transport("read "+req.path, err)
	}
	c.logger.Debug("cloud request", "method", req.method, "path", req.path, "status", resp.StatusCode, "duration", time.Since(start))

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return errs.Decode(req.path+" response", err)
	}
	if resp.StatusCode >= 300 || env.Result != resultSuccess {
		return &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Error}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errs.Decode(req.path+" data", err)
	}
	return nil
}

// RequestCode asks the cloud to email a sign-in code. Returns the email.
func (c *Client) RequestCode(ctx context.Context, email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", errors.New("email is required")
	}
	var out struct {
		Email string `json:"email"`
	}
	if err := c.do(ctx, request{method: http.MethodPost, path: "/register", body: registerRequest{Email: email}}, &out); err != nil {
		return "", err
	}
	if out.Email == "" {
		out.Email = email
	}
	return out.Email, nil
}

// ValidateCode exchanges a sign-in code for the account's API key.
func (c *Client) ValidateCode(ctx context.Context, code string) (Verified, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Verified{}, errors.New("code is required")
	}
	var out verifyResponse
	q := url.Values{"token": {code}}
	if err := c.do(ctx, request{method: http.MethodGet, path: "/verify", query: q}, &out); err != nil {
		return Verified{}, err
	}
	if out.AccessToken == "" {
		return Verified{}, errs.Decode("verify data", errors.New("missing access token"))
	}
	return Verified{Email: out.Email, APIKey: out.AccessToken, NewUser: out.NewUser}, nil
}

func (c *Client) LoadSettings(ctx context.Context) (map[string]string, error) {
	var out struct {
		Settings map[string]string `json:"settings"`
	}
	if err := c.do(ctx, request{method: http.MethodGet, path: "/settings", auth: true}, &out); err != nil {
		return nil, err
	}
	if out.Settings == nil {
		out.Settings = map[string]string{}
	}
	return out.Settings, nil
}

func (c *Client) SetSetting(ctx context.Context, name, value string) error {
	return c.do(ctx, request{method: http.MethodPost, path: "/settings", auth: true, body: settingRequest{Name: name, Value: value}}, nil)
}

func (c *Client) LoadAlerts(ctx context.Context) ([]SensorAlerts, error) {
	var out struct {
		Sensors []SensorAlerts `json:"sensors"`
	}
	if err := c.do(ctx, request{method: http.MethodGet, path: "/alerts", auth: true}, &out); err != nil {
		return nil, err
	}
	return out.Sensors, nil
}

func (c *Client) SetAlert(ctx context.Context, a Alert) error {
	if a.Sensor == "" || a.Type == "" {
		return errors.New("alert needs a sensor and a type")
	}
	return c.do(ctx, request{method: http.MethodPost, path: "/alerts", auth: true, body: a}, nil)
}
