// Package proxy calls registered backend services on behalf of the
// dispatcher.
//
// Every call carries a JSON envelope with the gateway's own API key, the
// caller's identity and the opaque client payload. The backend must answer
// with {success, message, payload}; anything else is reported as a
// malformed reply, distinct from the backend being unreachable.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/connect/internal/circuitbreaker"
	"github.com/vyrodovalexey/connect/internal/observability"
)

// Defaults.
const (
	DefaultTimeout      = 10 * time.Second
	DefaultScheme       = "http"
	DefaultMaxReplySize = 10 << 20
)

var tracer = otel.Tracer("github.com/vyrodovalexey/connect/internal/proxy")

// Envelope is the body sent to a backend.
type Envelope struct {
	APIKey   string          `json:"apiKey"`
	Debug    bool            `json:"debug"`
	UserData any             `json:"userData"`
	Payload  json.RawMessage `json:"payload"`
}

// Call describes one backend call.
type Call struct {
	Service string
	Host    string
	Port    int
	Method  string
	Path    string
	Body    Envelope
}

// Reply is a structurally valid backend answer.
type Reply struct {
	StatusCode int
	Success    bool
	Message    string
	Payload    json.RawMessage
}

// replyEnvelope is the schema a backend reply must satisfy.
type replyEnvelope struct {
	Success *bool           `json:"success" validate:"required"`
	Message *string         `json:"message" validate:"required"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

// errNullPayload rejects a reply whose payload is present but null.
var errNullPayload = errors.New("payload must not be null")

// Client calls backends.
type Client struct {
	httpClient   *http.Client
	scheme       string
	maxReplySize int64
	breakers     *circuitbreaker.Registry
	validate     *validator.Validate
	logger       observability.Logger
	metrics      *Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-call timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// WithScheme sets the URL scheme used to reach backends.
func WithScheme(scheme string) Option {
	return func(c *Client) {
		if scheme != "" {
			c.scheme = scheme
		}
	}
}

// WithCircuitBreakers routes calls through per-service breakers.
func WithCircuitBreakers(breakers *circuitbreaker.Registry) Option {
	return func(c *Client) {
		c.breakers = breakers
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(c *Client) {
		c.metrics = metrics
	}
}

// NewClient creates a backend client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient:   &http.Client{Timeout: DefaultTimeout},
		scheme:       DefaultScheme,
		maxReplySize: DefaultMaxReplySize,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		logger:       observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Target returns the URL a call is sent to.
func (c *Client) Target(call Call) string {
	host := net.JoinHostPort(call.Host, strconv.Itoa(call.Port))
	return c.scheme + "://" + host + "/" + strings.TrimLeft(call.Path, "/")
}

// Do performs call. The returned error is always a *CallError.
func (c *Client) Do(ctx context.Context, call Call) (*Reply, error) {
	start := time.Now()
	target := c.Target(call)

	ctx, span := tracer.Start(ctx, "proxy.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("connect.service", call.Service),
			attribute.String("http.request.method", call.Method),
			attribute.String("url.full", target),
		),
	)
	defer span.End()

	var (
		reply *Reply
		err   error
	)
	if c.breakers != nil {
		breakerErr := c.breakers.Execute(call.Service, func() error {
			reply, err = c.do(ctx, call, target)
			return err
		})
		if errors.Is(breakerErr, circuitbreaker.ErrOpen) {
			err = &CallError{Kind: KindUnreachable, Service: call.Service, Target: target, Cause: breakerErr}
		}
	} else {
		reply, err = c.do(ctx, call, target)
	}

	outcome := "ok"
	if err != nil {
		var ce *CallError
		if errors.As(err, &ce) {
			outcome = ce.Kind.String()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		c.logger.WithContext(ctx).Warn("backend call failed",
			observability.String("service", call.Service),
			observability.String("target", target),
			observability.String("outcome", outcome),
			observability.Error(err),
		)
	} else {
		span.SetAttributes(attribute.Int("http.response.status_code", reply.StatusCode))
	}
	c.metrics.observe(call.Service, outcome, time.Since(start))

	return reply, err
}

func (c *Client) do(ctx context.Context, call Call, target string) (*Reply, error) {
	unreachable := func(cause error) error {
		return &CallError{Kind: KindUnreachable, Service: call.Service, Target: target, Cause: cause}
	}

	body, err := json.Marshal(call.Body)
	if err != nil {
		return nil, unreachable(fmt.Errorf("encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, call.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, unreachable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if requestID := observability.RequestIDFromContext(ctx); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
	observability.InjectTraceContext(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, unreachable(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxReplySize))
	if err != nil {
		return nil, unreachable(fmt.Errorf("read response: %w", err))
	}

	return c.decode(ctx, call, target, resp.StatusCode, raw)
}

func (c *Client) decode(ctx context.Context, call Call, target string, status int, raw []byte) (*Reply, error) {
	malformed := func(cause error) error {
		return &CallError{Kind: KindMalformed, Service: call.Service, Target: target, Body: raw, Cause: cause}
	}

	var envelope replyEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, malformed(err)
	}
	if err := c.validate.StructCtx(ctx, envelope); err != nil {
		return nil, malformed(err)
	}
	if bytes.Equal(bytes.TrimSpace(envelope.Payload), []byte("null")) {
		return nil, malformed(errNullPayload)
	}

	return &Reply{
		StatusCode: status,
		Success:    *envelope.Success,
		Message:    *envelope.Message,
		Payload:    envelope.Payload,
	}, nil
}
