// Package auth decides who is calling the gateway.
//
// There are two independent trust paths. A caller holding the shared API
// key is trusted completely and skips route permission checks. Any other
// caller gets exactly the permission bits carried by its HS256 bearer
// token, or none when it presents no token. A token that is present but
// fails verification rejects the request outright; it never falls back to
// the API key path.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"

	"github.com/vyrodovalexey/connect/internal/observability"
	"github.com/vyrodovalexey/connect/internal/permission"
)

// Keys holds the secrets the authorizer works with.
type Keys struct {
	// APIKey is the shared secret granting full trust.
	APIKey string
	// OutboundAPIKey is sent to backends so they can trust the gateway.
	OutboundAPIKey string
	// JWTSecret verifies HS256 bearer tokens.
	JWTSecret []byte
}

// Config configures an Authorizer.
type Config struct {
	Keys          Keys
	ClockSkew     time.Duration
	RequireExpiry bool
}

// Authorizer validates API keys and bearer tokens. Keys can be rotated
// while requests are in flight.
type Authorizer struct {
	keys          atomic.Pointer[Keys]
	clockSkew     time.Duration
	requireExpiry bool
	now           func() time.Time
	validate      *validator.Validate
	logger        observability.Logger
	metrics       *Metrics
}

// Option configures an Authorizer.
type Option func(*Authorizer)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(a *Authorizer) {
		a.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(a *Authorizer) {
		a.metrics = metrics
	}
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(a *Authorizer) {
		a.now = now
	}
}

// New creates an Authorizer.
func New(cfg Config, opts ...Option) *Authorizer {
	a := &Authorizer{
		clockSkew:     cfg.ClockSkew,
		requireExpiry: cfg.RequireExpiry,
		now:           time.Now,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		logger:        observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.SetKeys(cfg.Keys)
	return a
}

// SetKeys atomically replaces the keys.
func (a *Authorizer) SetKeys(keys Keys) {
	k := keys
	k.JWTSecret = append([]byte(nil), keys.JWTSecret...)
	a.keys.Store(&k)
}

// OutboundAPIKey returns the key the gateway presents to backends.
func (a *Authorizer) OutboundAPIKey() string {
	return a.keys.Load().OutboundAPIKey
}

// ValidateAPIKey reports whether key equals the shared API key. An empty
// key never validates, even when no key is configured.
func (a *Authorizer) ValidateAPIKey(key string) bool {
	expected := a.keys.Load().APIKey
	if key == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(expected)) == 1
}

// maxExpiry is the largest exp claim whose instant fits in time.Time
// nanoseconds.
const maxExpiry = math.MaxInt64 / 1e9

// tokenClaims is the required claim set of a bearer token.
type tokenClaims struct {
	UserID     *string  `json:"userId" validate:"required"`
	Permission *int64   `json:"permission" validate:"required,min=0"`
	Expiry     *float64 `json:"exp"`
}

// ValidateToken verifies token and returns the identity it carries. The
// returned error is always a *CredentialError.
func (a *Authorizer) ValidateToken(ctx context.Context, token string) (Identity, error) {
	keys := a.keys.Load()
	if len(keys.JWTSecret) == 0 {
		return Identity{}, newCredentialError(KindInvalid, errors.New("no token secret configured"))
	}

	payload, err := jws.Verify([]byte(token), jws.WithKey(jwa.HS256, keys.JWTSecret))
	if err != nil {
		return Identity{}, newCredentialError(KindInvalid, err)
	}

	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Identity{}, newCredentialError(KindMalformedClaims, err)
	}
	if err := a.validate.StructCtx(ctx, claims); err != nil {
		return Identity{}, newCredentialError(KindMalformedClaims, err)
	}

	identity := Identity{
		UserID:     *claims.UserID,
		Permission: permission.Mask(*claims.Permission),
	}

	if claims.Expiry == nil {
		if a.requireExpiry {
			return Identity{}, newCredentialError(KindMalformedClaims, errors.New("missing exp claim"))
		}
		return identity, nil
	}

	exp := *claims.Expiry
	if math.IsNaN(exp) || math.IsInf(exp, 0) || exp < 0 || exp > maxExpiry {
		return Identity{}, newCredentialError(KindMalformedClaims, fmt.Errorf("invalid exp claim %v", exp))
	}
	identity.ExpiresAt = int64(math.Ceil(exp))

	sec, frac := math.Modf(exp)
	expiresAt := time.Unix(int64(sec), int64(frac*float64(time.Second)))
	if a.now().After(expiresAt.Add(a.clockSkew)) {
		return Identity{}, newCredentialError(KindExpired,
			fmt.Errorf("expired at %s", expiresAt.UTC().Format(time.RFC3339Nano)))
	}

	return identity, nil
}

// Authorize evaluates both trust paths once for a request. A non-nil
// error is a *CredentialError and means the request must be rejected.
func (a *Authorizer) Authorize(ctx context.Context, apiKey, token string) (Decision, error) {
	decision := Decision{TokenPresent: token != ""}

	if decision.TokenPresent {
		identity, err := a.ValidateToken(ctx, token)
		if err != nil {
			kind := KindOf(err)
			a.logger.WithContext(ctx).Debug("token rejected",
				observability.String("kind", kind.String()),
				observability.Error(err),
			)
			a.metrics.recordDecision(kind.String())
			return Decision{TokenPresent: true}, err
		}
		decision.Identity = identity
	}

	decision.APIKeyValid = a.ValidateAPIKey(apiKey)

	switch {
	case decision.APIKeyValid:
		a.metrics.recordDecision("api_key")
	case decision.TokenPresent:
		a.metrics.recordDecision("token")
	default:
		a.metrics.recordDecision("anonymous")
	}

	return decision, nil
}
