package server

import (
	"fmt"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/connect/internal/observability"
	"github.com/vyrodovalexey/connect/internal/ratelimit"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRetryAfter         = "Retry-After"
)

func errorBody(title, message string) gin.H {
	return gin.H{"error": title, "message": message}
}

// recovery turns a panic into a 500 so a faulty request never takes the
// listener down.
func recovery(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered",
					observability.Any("error", err),
					observability.String("method", c.Request.Method),
					observability.String("path", c.Request.URL.Path),
					observability.String("request_id", observability.RequestIDFromContext(c.Request.Context())),
					observability.String("stack", string(debug.Stack())),
				)
				if span := trace.SpanFromContext(c.Request.Context()); span.IsRecording() {
					span.RecordError(fmt.Errorf("panic: %v", err))
				}
				c.AbortWithStatusJSON(http.StatusInternalServerError,
					errorBody("Internal Server Error", "An unexpected error occurred"))
			}
		}()

		c.Next()
	}
}

// requestID accepts a well-formed inbound request ID or generates one. The
// ID also becomes the dispatch response and audit record ID, so anything
// that is not a UUID is replaced.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(observability.ContextWithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// accessLog logs each request at a level matching its status and records
// HTTP metrics when metrics are enabled.
func accessLog(logger observability.Logger, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		if metrics != nil {
			metrics.IncActiveRequests()
			defer metrics.DecActiveRequests()
		}

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		if metrics != nil {
			metrics.RecordRequest(c.Request.Method, c.FullPath(), status, latency)
		}

		fields := []observability.Field{
			observability.String("request_id", observability.RequestIDFromContext(c.Request.Context())),
			observability.String("method", c.Request.Method),
			observability.String("path", c.Request.URL.Path),
			observability.Int("status", status),
			observability.Duration("latency", latency),
			observability.String("client_ip", c.ClientIP()),
			observability.Int("body_size", c.Writer.Size()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, observability.String("errors", c.Errors.String()))
		}

		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("request completed", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("request completed", fields...)
		default:
			logger.Info("request completed", fields...)
		}
	}
}

// tracing starts a server span per request, continuing any inbound trace.
func tracing(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Resolved per request so a provider installed after startup is used.
		tracer := otel.GetTracerProvider().Tracer(name)

		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, c.Request.Method+" "+c.Request.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.target", c.Request.URL.Path),
				attribute.String("net.peer.ip", c.ClientIP()),
				attribute.String("request.id", observability.RequestIDFromContext(ctx)),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(observability.ContextWithSpan(ctx, span))
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

// bodyLimit caps request bodies. Reads past the limit fail, which the
// JSON handlers report as an invalid body.
func bodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge,
				errorBody("Request Entity Too Large", "request body exceeds "+strconv.FormatInt(maxBytes, 10)+" bytes"))
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// rateLimit throttles the listed paths per client IP. A limiter failure
// lets the request through.
func rateLimit(
	limiter ratelimit.Limiter,
	paths []string,
	logger observability.Logger,
	metrics *observability.Metrics,
) gin.HandlerFunc {
	limited := make(map[string]bool, len(paths))
	for _, p := range paths {
		limited[p] = true
	}

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if !limited[path] {
			c.Next()
			return
		}

		key := c.ClientIP()
		result, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			logger.Error("rate limit check failed",
				observability.String("key", key),
				observability.Error(err),
			)
			c.Next()
			return
		}

		if result.Limit > 0 {
			c.Header(HeaderRateLimitLimit, strconv.Itoa(result.Limit))
			c.Header(HeaderRateLimitRemaining, strconv.Itoa(result.Remaining))
		}

		if !result.Allowed {
			retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header(HeaderRetryAfter, strconv.Itoa(retryAfter))

			logger.Warn("rate limit exceeded",
				observability.String("client_ip", key),
				observability.String("path", path),
			)
			if metrics != nil {
				metrics.RecordRateLimitHit(path)
			}

			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too Many Requests",
				"message":     "Rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}
