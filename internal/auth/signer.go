package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/vyrodovalexey/connect/internal/permission"
)

// Claim names carried by bearer tokens.
const (
	ClaimUserID     = "userId"
	ClaimPermission = "permission"
)

// ErrEmptySecret is returned when signing without a secret.
var ErrEmptySecret = errors.New("token secret is empty")

// Signer issues HS256 tokens in the format the Authorizer verifies. The
// gateway never issues tokens while serving; this backs the token
// subcommand and tests.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	return &Signer{secret: append([]byte(nil), secret...)}, nil
}

// Sign issues a token for identity. ExpiresAt of zero omits the exp claim.
func (s *Signer) Sign(identity Identity) (string, error) {
	tok := jwt.New()
	if err := tok.Set(ClaimUserID, identity.UserID); err != nil {
		return "", fmt.Errorf("set %s: %w", ClaimUserID, err)
	}
	if err := tok.Set(ClaimPermission, uint64(identity.Permission)); err != nil {
		return "", fmt.Errorf("set %s: %w", ClaimPermission, err)
	}
	if identity.ExpiresAt != 0 {
		if err := tok.Set(jwt.ExpirationKey, time.Unix(identity.ExpiresAt, 0)); err != nil {
			return "", fmt.Errorf("set %s: %w", jwt.ExpirationKey, err)
		}
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return string(signed), nil
}

// SignFor issues a token for user valid for ttl from now.
func (s *Signer) SignFor(userID string, perm uint64, ttl time.Duration) (string, error) {
	return s.Sign(Identity{
		UserID:     userID,
		Permission: permission.Mask(perm),
		ExpiresAt:  time.Now().Add(ttl).Unix(),
	})
}
