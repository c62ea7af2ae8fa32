package auth

import (
	"time"

	"github.com/vyrodovalexey/connect/internal/permission"
)

// Identity is the caller derived from a verified token. The zero value is
// the anonymous caller with no permission bits.
type Identity struct {
	UserID     string          `json:"userId,omitempty"`
	Permission permission.Mask `json:"permission,omitempty"`
	ExpiresAt  int64           `json:"exp,omitempty"`
}

// Anonymous reports whether no token identified the caller.
func (i Identity) Anonymous() bool {
	return i.UserID == "" && i.Permission == permission.None && i.ExpiresAt == 0
}

// Expiry returns the expiry as a time, or the zero time when unset.
func (i Identity) Expiry() time.Time {
	if i.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(i.ExpiresAt, 0)
}

// Decision is the outcome of authorizing one request.
type Decision struct {
	Identity     Identity
	APIKeyValid  bool
	TokenPresent bool
}

// Bypass reports whether route permission checks are skipped because the
// caller presented the shared API key.
func (d Decision) Bypass() bool {
	return d.APIKeyValid
}

// Permission returns the caller's effective permission mask. It is only
// meaningful when Bypass is false.
func (d Decision) Permission() permission.Mask {
	return d.Identity.Permission
}

// Allows reports whether the caller may use a route requiring required.
func (d Decision) Allows(required permission.Mask) bool {
	return d.Bypass() || d.Permission().Satisfies(required)
}
