// Package dispatch implements the request pipeline of the gateway.
//
// A dispatch authorizes the caller, resolves the service and route, checks
// the route method and permission, calls the backend and maps the outcome
// to a ConnectResponse. Every failure is converted into a response; nothing
// is returned to the transport as an error. Each dispatch emits exactly one
// audit record.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/connect/internal/audit"
	"github.com/vyrodovalexey/connect/internal/auth"
	"github.com/vyrodovalexey/connect/internal/observability"
	"github.com/vyrodovalexey/connect/internal/proxy"
	"github.com/vyrodovalexey/connect/internal/registry"
	"github.com/vyrodovalexey/connect/internal/router"
)

// Authorizer decides who the caller is.
type Authorizer interface {
	Authorize(ctx context.Context, apiKey, token string) (auth.Decision, error)
	OutboundAPIKey() string
}

// ServiceLookup resolves registered services by name.
type ServiceLookup interface {
	Lookup(name string) (registry.Service, bool)
}

// Backend performs backend calls.
type Backend interface {
	Do(ctx context.Context, call proxy.Call) (*proxy.Reply, error)
}

var (
	_ Authorizer    = (*auth.Authorizer)(nil)
	_ ServiceLookup = (*registry.Registry)(nil)
	_ Backend       = (*proxy.Client)(nil)
)

// Dispatcher runs the request pipeline.
type Dispatcher struct {
	version    string
	authorizer Authorizer
	services   ServiceLookup
	backend    Backend
	audit      audit.Logger
	logger     observability.Logger
	metrics    *Metrics
	now        func() time.Time
	newID      func() string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithAuditLogger sets the audit sink.
func WithAuditLogger(logger audit.Logger) Option {
	return func(d *Dispatcher) {
		d.audit = logger
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// WithIDGenerator overrides how response ids are generated when the
// context carries no request id.
func WithIDGenerator(newID func() string) Option {
	return func(d *Dispatcher) {
		d.newID = newID
	}
}

// New creates a dispatcher. version is reported as the connect version in
// audit records.
func New(version string, authorizer Authorizer, services ServiceLookup, backend Backend, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		version:    version,
		authorizer: authorizer,
		services:   services,
		backend:    backend,
		audit:      audit.NewNoopLogger(),
		logger:     observability.NopLogger(),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs req through the pipeline.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Result {
	in := d.now()

	id := observability.RequestIDFromContext(ctx)
	if id == "" {
		id = d.newID()
	}

	record := audit.NewRecord(id, in)
	record.Identification = audit.Identification{
		ConnectVersion: d.version,
		ClientName:     req.ClientName,
		ClientVersion:  req.ClientVersion,
		ServiceName:    req.ServiceName,
	}
	record.Data = audit.Data{
		Debug:     req.Debug,
		UserData:  auth.Identity{},
		PayloadIn: req.Payload,
	}

	result, service := d.run(ctx, id, req, record)

	out := d.now()
	record.Finish(out)
	record.Request = audit.RequestLine{
		Success:  result.Response.Success,
		Path:     req.Path,
		Method:   req.Method,
		HTTPCode: result.HTTPCode,
		Status:   string(result.Response.Status),
		Message:  result.Response.Message,
	}
	d.audit.Log(ctx, record)

	d.metrics.recordDispatch(service, result.Response.Status, result.HTTPCode, out.Sub(in))
	d.logger.WithContext(ctx).Info("request dispatched",
		observability.String("id", id),
		observability.String("service", req.ServiceName),
		observability.String("path", req.Path),
		observability.String("method", req.Method),
		observability.String("status", string(result.Response.Status)),
		observability.Int("code", result.HTTPCode),
		observability.Duration("duration", out.Sub(in)),
	)

	return result
}

// run executes the pipeline steps and returns the result together with the
// metrics label of the resolved service.
func (d *Dispatcher) run(ctx context.Context, id string, req Request, record *audit.Record) (Result, string) {
	reject := func(code int, status Status, message string) Result {
		return Result{HTTPCode: code, Response: newResponse(id, status, message, nil)}
	}

	decision, err := d.authorizer.Authorize(ctx, req.APIKey, req.Token)
	if err != nil {
		return reject(http.StatusUnauthorized, StatusUnregistered, auth.KindOf(err).Message()), unknownService
	}
	record.Data.UserData = decision.Identity

	svc, ok := d.services.Lookup(req.ServiceName)
	if !ok {
		return reject(http.StatusNotFound, StatusUnregistered, MessageServiceNotRegistered), unknownService
	}
	record.Identification.ServiceVersion = svc.Version

	route, ok := router.FindRoute(svc.Routes, req.Path)
	if !ok {
		return reject(http.StatusNotFound, StatusUnregistered, MessagePathNotInService), svc.Name
	}

	if string(route.Method) != req.Method {
		return reject(http.StatusMethodNotAllowed, StatusUnregistered, methodNotAllowed(req.Method, route)), svc.Name
	}

	if !decision.Allows(route.Permission) {
		return reject(http.StatusForbidden, StatusUnauthorized, MessagePermissionDenied), svc.Name
	}

	reply, err := d.backend.Do(ctx, proxy.Call{
		Service: svc.Name,
		Host:    svc.Host,
		Port:    svc.Port,
		Method:  string(route.Method),
		Path:    req.Path,
		Body: proxy.Envelope{
			APIKey:   d.authorizer.OutboundAPIKey(),
			Debug:    req.Debug,
			UserData: decision.Identity,
			Payload:  req.Payload,
		},
	})
	if err != nil {
		return d.backendFailure(id, err), svc.Name
	}

	status := StatusError
	if reply.Success {
		status = StatusSuccess
	}
	record.Data.PayloadOut = reply.Payload

	return Result{
		HTTPCode: reply.StatusCode,
		Response: newResponse(id, status, reply.Message, reply.Payload),
	}, svc.Name
}

func (d *Dispatcher) backendFailure(id string, err error) Result {
	if errors.Is(err, proxy.ErrMalformed) {
		var ce *proxy.CallError
		body := ""
		if errors.As(err, &ce) {
			body = string(ce.Body)
		}
		return Result{
			HTTPCode: http.StatusInternalServerError,
			Response: newResponse(id, StatusConnectError, "Invalid response from service: "+body, nil),
		}
	}
	return Result{
		HTTPCode: http.StatusServiceUnavailable,
		Response: newResponse(id, StatusUnreachable, "Service unreachable: "+err.Error(), nil),
	}
}

func methodNotAllowed(method string, route registry.Route) string {
	if method == "" {
		method = "(none)"
	}
	return fmt.Sprintf("Method %s not allowed for path %s (expected %s)", method, route.Path, route.Method)
}
