package registry

import (
	"slices"

	"github.com/vyrodovalexey/connect/internal/permission"
)

// HTTPMethod is an HTTP verb a route can be bound to.
type HTTPMethod string

// Supported route methods.
const (
	MethodGet     HTTPMethod = "GET"
	MethodPost    HTTPMethod = "POST"
	MethodPut     HTTPMethod = "PUT"
	MethodPatch   HTTPMethod = "PATCH"
	MethodDelete  HTTPMethod = "DELETE"
	MethodOptions HTTPMethod = "OPTIONS"
	MethodHead    HTTPMethod = "HEAD"
	MethodTrace   HTTPMethod = "TRACE"
)

// Methods lists every supported method.
var Methods = []HTTPMethod{
	MethodGet, MethodPost, MethodPut, MethodPatch,
	MethodDelete, MethodOptions, MethodHead, MethodTrace,
}

// Valid reports whether m is a supported method. Comparison is exact:
// lower-case verbs are rejected.
func (m HTTPMethod) Valid() bool {
	return slices.Contains(Methods, m)
}

// String returns the verb.
func (m HTTPMethod) String() string {
	return string(m)
}

// Route binds a path template and method to the permission bits a caller
// needs to use it.
type Route struct {
	Path       string          `json:"path"`
	Method     HTTPMethod      `json:"method"`
	Permission permission.Mask `json:"permission"`
}

// Service is a registered backend, including where it listens.
type Service struct {
	Name        string
	Description string
	Version     string
	Routes      []Route
	Port        int
	Host        string
}

// Clone returns a deep copy of s.
func (s Service) Clone() Service {
	s.Routes = slices.Clone(s.Routes)
	return s
}

// PublicRoute is the listing shape of a route.
type PublicRoute struct {
	Path       string          `json:"path"`
	Method     HTTPMethod      `json:"method"`
	Permission permission.Mask `json:"permission"`
}

// PublicService is what GET /services exposes: never the host, port or
// any secret.
type PublicService struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Version     string        `json:"version"`
	Routes      []PublicRoute `json:"routes"`
}

// Project converts a stored service into its public view.
func Project(s Service) PublicService {
	routes := make([]PublicRoute, len(s.Routes))
	for i, r := range s.Routes {
		routes[i] = PublicRoute{
			Path:       r.Path,
			Method:     r.Method,
			Permission: r.Permission,
		}
	}
	return PublicService{
		Name:        s.Name,
		Description: s.Description,
		Version:     s.Version,
		Routes:      routes,
	}
}
