package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	// DefaultDeliveryTimeout bounds a single delivery attempt.
	DefaultDeliveryTimeout = 30 * time.Second
	// DefaultUserAgent identifies the delivery worker to receivers.
	DefaultUserAgent = "RCM-Webhook-Delivery/1.0"
	// MaxResponseBodyChars is the number of response characters kept.
	MaxResponseBodyChars = 1000

	// responseReadLimit caps how many bytes are read from a response.
	responseReadLimit = 64 * 1024
)

// Outbound header names.
const (
	HeaderSignature = "X-Foresight-Signature"
	HeaderDelivery  = "X-Foresight-Delivery"
	HeaderEvent     = "X-Foresight-Event"
)

// Attempt is the outcome of one HTTP delivery.
type Attempt struct {
	StatusCode int
	Body       string
	Duration   time.Duration
}

// Attempter posts signed payloads to webhook endpoints.
type Attempter struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
}

// AttempterOption configures an Attempter.
type AttempterOption func(*Attempter)

// WithHTTPClient sets the HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) AttempterOption {
	return func(a *Attempter) { a.client = c }
}

// WithTimeout overrides the per-attempt timeout.
func WithTimeout(d time.Duration) AttempterOption {
	return func(a *Attempter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) AttempterOption {
	return func(a *Attempter) {
		if ua != "" {
			a.userAgent = ua
		}
	}
}

// NewAttempter creates an Attempter with a 30 second timeout.
func NewAttempter(opts ...AttempterOption) *Attempter {
	a := &Attempter{
		client:    &http.Client{},
		timeout:   DefaultDeliveryTimeout,
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Deliver sends payload to url. A 2xx response returns the attempt and a nil
// error. A non-2xx response returns the attempt together with an
// *HTTPDeliveryError. Transport failures and timeouts return an
// *NetworkDeliveryError.
func (a *Attempter) Deliver(ctx context.Context, url, deliveryID string, payload []byte, algorithm, signature string) (*Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &NetworkDeliveryError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", a.userAgent)
	req.Header.Set(HeaderSignature, SignatureHeader(algorithm, signature))
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderEvent, "webhook")

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return &Attempt{Duration: time.Since(start)}, &NetworkDeliveryError{Timeout: isTimeout(ctx, err), Err: err}
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, responseReadLimit))
	attempt := &Attempt{
		StatusCode: resp.StatusCode,
		Body:       truncate(string(raw), MaxResponseBodyChars),
		Duration:   time.Since(start),
	}
	// A body cut short means the receiver may not have finished handling the
	// event, so the attempt fails even on a 2xx status.
	if readErr != nil {
		return attempt, &NetworkDeliveryError{Timeout: isTimeout(ctx, readErr), Err: fmt.Errorf("read response body: %w", readErr)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return attempt, &HTTPDeliveryError{StatusCode: resp.StatusCode, Body: attempt.Body}
	}
	return attempt, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// truncate keeps at most n characters of s.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
