package logger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

var (
	// ErrQueueFull is recorded when an entry is dropped because the shipping queue is full
	ErrQueueFull = errors.New("log shipping queue is full")

	// ErrRateLimited is returned when the shipper's token bucket is empty
	ErrRateLimited = errors.New("log shipping rate limit exceeded")

	// ErrCircuitOpen is returned while the shipper's breaker refuses requests
	// to a failing sink
	ErrCircuitOpen = errors.New("log shipping circuit open")

	// ErrClosed is recorded for entries logged after Close
	ErrClosed = errors.New("logger is closed")
)

// Shipper delivers one entry to a remote sink
type Shipper interface {
	Ship(ctx context.Context, e Entry) error
}

// ShipperFunc adapts a function to the Shipper interface
type ShipperFunc func(ctx context.Context, e Entry) error

// Ship calls f(ctx, e)
func (f ShipperFunc) Ship(ctx context.Context, e Entry) error {
	return f(ctx, e)
}

// NopShipper accepts every entry and sends nothing
type NopShipper struct{}

// Ship does nothing
func (NopShipper) Ship(context.Context, Entry) error {
	return nil
}

// HTTPShipperConfig holds configuration for the HTTP log shipper
type HTTPShipperConfig struct {
	Endpoint   string        // URL receiving POSTed JSON entries
	SigningKey string        // HS256 key for the bearer token; empty disables auth
	Issuer     string        // token issuer claim
	TokenTTL   time.Duration // lifetime of each bearer token
	RatePerSec float64       // sustained entries per second
	Burst      int           // maximum burst size
	Timeout    time.Duration // HTTP client timeout
	Client     *http.Client  // optional custom client

	BreakerFailures uint32        // consecutive failures that open the circuit (0 disables)
	BreakerCooldown time.Duration // how long the circuit stays open before a trial request
}

// DefaultHTTPShipperConfig returns default shipper configuration
func DefaultHTTPShipperConfig() *HTTPShipperConfig {
	return &HTTPShipperConfig{
		Issuer:     "opskit",
		TokenTTL:   time.Minute,
		RatePerSec: 50,
		Burst:      100,
		Timeout:    5 * time.Second,

		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// HTTPShipper posts entries as JSON to a collector endpoint
type HTTPShipper struct {
	endpoint   string
	client     *http.Client
	limiter    *rate.Limiter
	signingKey []byte
	issuer     string
	tokenTTL   time.Duration
	now        func() time.Time
	breaker    *gobreaker.CircuitBreaker[struct{}]
}

// NewHTTPShipper creates an HTTP shipper
func NewHTTPShipper(config *HTTPShipperConfig) (*HTTPShipper, error) {
	if config == nil {
		config = DefaultHTTPShipperConfig()
	}
	if config.Endpoint == "" {
		return nil, errors.New("log shipper endpoint is required")
	}

	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	limit := rate.Limit(config.RatePerSec)
	if config.RatePerSec <= 0 {
		limit = rate.Inf
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}

	tokenTTL := config.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = time.Minute
	}

	s := &HTTPShipper{
		endpoint:   config.Endpoint,
		client:     client,
		limiter:    rate.NewLimiter(limit, burst),
		signingKey: []byte(config.SigningKey),
		issuer:     config.Issuer,
		tokenTTL:   tokenTTL,
		now:        time.Now,
	}
	if config.BreakerFailures > 0 {
		s.breaker = newShipBreaker(config.Endpoint, config.BreakerFailures, config.BreakerCooldown)
	}
	return s, nil
}

// newShipBreaker opens after failures consecutive errors and lets a single
// trial request through once cooldown has elapsed
func newShipBreaker(endpoint string, failures uint32, cooldown time.Duration) *gobreaker.CircuitBreaker[struct{}] {
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "log-shipper:" + endpoint,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
	})
}

// Ship posts the entry once; there is no retry. While the sink keeps failing
// the breaker rejects entries with ErrCircuitOpen without a request.
func (s *HTTPShipper) Ship(ctx context.Context, e Entry) error {
	if !s.limiter.Allow() {
		return ErrRateLimited
	}
	if s.breaker == nil {
		return s.post(ctx, e)
	}

	_, err := s.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, s.post(ctx, e)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// BreakerState returns "closed", "half-open" or "open". Shippers without a
// breaker always report "closed".
func (s *HTTPShipper) BreakerState() string {
	if s.breaker == nil {
		return gobreaker.StateClosed.String()
	}
	return s.breaker.State().String()
}

func (s *HTTPShipper) post(ctx context.Context, e Entry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build ship request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if len(s.signingKey) > 0 {
		token, err := s.token()
		if err != nil {
			return fmt.Errorf("failed to sign ship token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to ship log entry: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("log sink returned %s", resp.Status)
	}
	return nil
}

// token issues a short-lived HS256 bearer token
func (s *HTTPShipper) token() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   "log-shipper",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
}
