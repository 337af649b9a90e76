package ltsd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/origin-engine/internal/resilience"
)

// Client defines the evaluation service operations.
type Client interface {
	// Evaluate asks the service to evaluate one origin rule.
	Evaluate(ctx context.Context, req EvaluationRequest) (*EvaluationResponse, error)
	// Generate renders a certificate document. The caller must close Document.Body.
	Generate(ctx context.Context, req CertificateRequest) (*Document, error)
}

// ForwardedHeaders are copied from a generate response to the caller.
var ForwardedHeaders = []string{
	"Content-Type",
	"Content-Disposition",
	"X-Notary-Hash",
	"X-Ledger-Reference",
}

// Document is a streamed certificate document.
type Document struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// UpstreamError is a failure reported by or on the way to the service. Status
// and Message are meant to be surfaced to callers unchanged.
type UpstreamError struct {
	Status      int
	Message     string
	Details     json.RawMessage
	Unreachable bool
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("ltsd: status %d: %s", e.Status, e.Message)
}

// IsUnavailable reports whether err means the service could not be consulted
// (timeout, connection failure, open breaker), so a local fallback applies.
func IsUnavailable(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Unreachable
	}
	return resilience.Unreachable(err)
}

// Trips reports whether err should count against the service's breaker:
// transport failures and transient statuses, not request rejections.
func Trips(err error) bool {
	return IsUnavailable(err) || resilience.IsTransient(err)
}

const (
	msgInvalidResponse = "Invalid response from evaluation service"
	msgGenericError    = "Evaluation service responded with an error"
	msgTimeout         = "Evaluation service request timed out"
	msgUnreachable     = "Failed to reach evaluation service"
	msgCircuitOpen     = "Evaluation service temporarily unavailable"
	maxErrorBody       = 64 << 10
)

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout bounds each call.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithBreaker sets the circuit breaker guarding the service.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *httpClient) {
		c.breaker = b
	}
}

// WithRetry sets the retry policy for evaluate calls.
func WithRetry(p resilience.Policy) Option {
	return func(c *httpClient) {
		c.retry = p
	}
}

type httpClient struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	breaker *resilience.Breaker
	retry   resilience.Policy
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...Option) Client {
	c := &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: 10 * time.Second,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = resilience.NewBreaker(resilience.BreakerConfig{Trips: Trips})
	}
	c.retry.OnRetry = resilience.LogRetry("ltsd", "evaluate")
	return c
}

func (c *httpClient) Evaluate(ctx context.Context, req EvaluationRequest) (*EvaluationResponse, error) {
	body, err := json.Marshal(toWireEvaluate(req))
	if err != nil {
		return nil, eris.Wrap(err, "ltsd: marshal evaluate request")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := resilience.CallVal(ctx, c.breaker, func(ctx context.Context) (*EvaluationResponse, error) {
		return resilience.RetryVal(ctx, c.retry, func(ctx context.Context) (*EvaluationResponse, error) {
			return c.evaluateOnce(ctx, body)
		})
	})
	if err != nil {
		return nil, surface(err)
	}
	return resp, nil
}

func (c *httpClient) evaluateOnce(ctx context.Context, body []byte) (*EvaluationResponse, error) {
	resp, err := c.post(ctx, "/evaluate", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, readUpstreamError(resp)
	}

	var wire wireEvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &UpstreamError{Status: http.StatusInternalServerError, Message: msgInvalidResponse}
	}
	out := fromWireEvaluate(wire)
	return &out, nil
}

func (c *httpClient) Generate(ctx context.Context, req CertificateRequest) (*Document, error) {
	body, err := json.Marshal(toWireCertificate(req))
	if err != nil {
		return nil, eris.Wrap(err, "ltsd: marshal generate request")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	resp, err := resilience.CallVal(ctx, c.breaker, func(ctx context.Context) (*http.Response, error) {
		resp, err := c.post(ctx, "/generate", body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			defer resp.Body.Close() //nolint:errcheck
			return nil, readUpstreamError(resp)
		}
		return resp, nil
	})
	if err != nil {
		cancel()
		return nil, surface(err)
	}

	header := make(http.Header)
	for _, h := range ForwardedHeaders {
		if v := resp.Header.Get(h); v != "" {
			header.Set(h, v)
		}
	}
	return &Document{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
	}, nil
}

func (c *httpClient) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrapf(err, "ltsd: create request %s", path)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &UpstreamError{Status: http.StatusGatewayTimeout, Message: msgTimeout, Unreachable: true}
		}
		return nil, resilience.Transient(
			&UpstreamError{Status: http.StatusServiceUnavailable, Message: msgUnreachable, Unreachable: true}, 0)
	}
	zap.L().Debug("ltsd: call",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)
	return resp, nil
}

// readUpstreamError turns a non-2xx response into an UpstreamError carrying
// the remote detail or error message and the remote status.
func readUpstreamError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	ue := &UpstreamError{Status: resp.StatusCode, Message: msgGenericError}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err == nil {
		ue.Details = raw
		for _, key := range []string{"detail", "error"} {
			if v, ok := body[key]; ok {
				ue.Message = message(v)
				break
			}
		}
	}
	if resilience.TransientStatus(resp.StatusCode) {
		return resilience.Transient(ue, resp.StatusCode)
	}
	return ue
}

// message renders a detail field: strings verbatim, anything else as JSON.
func message(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(v)
}

// surface unwraps retry markers and maps an open breaker to an UpstreamError.
func surface(err error) error {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue
	}
	if errors.Is(err, resilience.ErrOpen) {
		return &UpstreamError{Status: http.StatusServiceUnavailable, Message: msgCircuitOpen, Unreachable: true}
	}
	return err
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}
