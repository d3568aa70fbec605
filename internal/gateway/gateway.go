// Package gateway wraps every outbound call to the ad platform with per-account
// rate limiting, retry with backoff, error classification and call logging.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/adpilot/automation-service/internal/http/ratelimit"
)

// Operation describes one remote API request
type Operation struct {
	// Kind is a short name used in logs and metrics, e.g. "disable_entity"
	Kind   string
	Method string
	Path   string
	Query  url.Values
	Body   any
}

// Response is a successful remote API response
type Response struct {
	Status     int
	Header     http.Header
	Body       []byte
	RetryAfter time.Duration
	Attempts   int
	Latency    time.Duration
}

// Decode unmarshals the JSON body into v
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Transport performs a single attempt of an operation. It returns a Response for
// any HTTP status; a non-nil error means the request did not complete.
type Transport interface {
	Do(ctx context.Context, accountID string, op Operation) (*Response, error)
}

// CallRecord is emitted for every call after retries are resolved
type CallRecord struct {
	AccountID string
	Operation string
	Outcome   string // ok or the error class
	Status    int
	Attempts  int
	Latency   time.Duration
	Err       error
}

// Observer receives call records for downstream observability
type Observer interface {
	ObserveCall(CallRecord)
}

// Gateway is safe for concurrent use by any number of tenants
type Gateway struct {
	transport Transport
	limiters  *ratelimit.Limiters
	policy    ratelimit.Policy
	observers []Observer
	metrics   *MetricsRecorder
	tracer    trace.Tracer
	logger    *zerolog.Logger
}

// Option configures a Gateway
type Option func(*Gateway)

// WithPolicy overrides the retry policy
func WithPolicy(p ratelimit.Policy) Option {
	return func(g *Gateway) {
		if p.Retryable == nil {
			p.Retryable = IsRetryable
		}
		g.policy = p
	}
}

// WithObserver adds a call observer
func WithObserver(o Observer) Option {
	return func(g *Gateway) { g.observers = append(g.observers, o) }
}

// WithLogger sets the logger
func WithLogger(logger *zerolog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			l := logger.With().Str("component", "gateway").Logger()
			g.logger = &l
		}
	}
}

// New creates a gateway over transport using cfg for buckets and retries
func New(transport Transport, cfg ratelimit.Config, opts ...Option) *Gateway {
	nop := zerolog.Nop()
	g := &Gateway{
		transport: transport,
		limiters:  ratelimit.NewLimiters(cfg),
		policy:    ratelimit.PolicyFromConfig(cfg, IsRetryable),
		metrics:   NewMetricsRecorder(),
		tracer:    otel.Tracer("github.com/adpilot/automation-service/internal/gateway"),
		logger:    &nop,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Limiters exposes the per-account buckets, e.g. for idle eviction
func (g *Gateway) Limiters() *ratelimit.Limiters {
	return g.limiters
}

// Call runs op for accountID. It waits for the account's token before each
// attempt, retries transient and rate limited failures per the policy, and
// returns a *Error for classified failures or the context error.
func (g *Gateway) Call(ctx context.Context, accountID string, op Operation) (*Response, error) {
	ctx, span := g.tracer.Start(ctx, "gateway."+op.Kind, trace.WithAttributes(
		attribute.String("account.id", accountID),
		attribute.String("operation", op.Kind),
	))
	defer span.End()

	start := time.Now()
	var resp *Response
	var lastStatus int

	attempts, err := g.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		if err := g.limiters.Wait(ctx, accountID); err != nil {
			return err
		}
		g.metrics.RecordAttempt(op.Kind)

		r, err := g.transport.Do(ctx, accountID, op)
		if err != nil {
			return g.classifyTransportError(ctx, accountID, op, err)
		}
		lastStatus = r.Status
		if class := ClassifyStatus(r.Status); class != "" {
			return &Error{
				Class:      class,
				Status:     r.Status,
				Reason:     reasonFromBody(r.Body),
				AccountID:  accountID,
				Operation:  op.Kind,
				RetryAfter: r.RetryAfter,
			}
		}
		resp = r
		return nil
	})
	latency := time.Since(start)

	rec := CallRecord{
		AccountID: accountID,
		Operation: op.Kind,
		Outcome:   "ok",
		Status:    lastStatus,
		Attempts:  attempts,
		Latency:   latency,
		Err:       err,
	}

	if err != nil {
		var gwErr *Error
		if errors.As(err, &gwErr) {
			gwErr.Attempts = attempts
			rec.Outcome = string(gwErr.Class)
		} else {
			rec.Outcome = "cancelled"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, rec.Outcome)
	} else {
		resp.Attempts = attempts
		resp.Latency = latency
	}
	span.SetAttributes(attribute.Int("attempts", attempts))

	g.record(rec)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (g *Gateway) classifyTransportError(ctx context.Context, accountID string, op Operation, err error) error {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		if gwErr.AccountID == "" {
			gwErr.AccountID = accountID
		}
		if gwErr.Operation == "" {
			gwErr.Operation = op.Kind
		}
		return gwErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &Error{Class: ClassTransient, AccountID: accountID, Operation: op.Kind, Err: err}
}

func (g *Gateway) record(rec CallRecord) {
	g.metrics.RecordCall(rec.Operation, rec.Outcome, rec.Latency)

	ev := g.logger.Info()
	if rec.Err != nil {
		ev = g.logger.Warn().Err(rec.Err)
	}
	ev.Str("account_id", rec.AccountID).
		Str("operation", rec.Operation).
		Str("outcome", rec.Outcome).
		Int("status", rec.Status).
		Int("attempts", rec.Attempts).
		Dur("latency", rec.Latency).
		Msg("Ad platform call")

	for _, o := range g.observers {
		o.ObserveCall(rec)
	}
}

// reasonFromBody extracts the platform's error code from a JSON error body
func reasonFromBody(body []byte) string {
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if len(body) == 0 || json.Unmarshal(body, &payload) != nil {
		return ""
	}
	if payload.Error.Code != "" {
		return payload.Error.Code
	}
	return payload.Error.Message
}
