package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/vyrodovalexey/connect/internal/auth"
	"github.com/vyrodovalexey/connect/internal/dispatch"
	"github.com/vyrodovalexey/connect/internal/observability"
	"github.com/vyrodovalexey/connect/internal/permission"
	"github.com/vyrodovalexey/connect/internal/registry"
)

// RouteRequest is one route in a registration body.
type RouteRequest struct {
	Path       string              `json:"path" binding:"required"`
	Method     registry.HTTPMethod `json:"method" binding:"required,oneof=GET POST PUT PATCH DELETE OPTIONS HEAD TRACE"`
	Permission permission.Mask     `json:"permission"`
}

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	Name          string         `json:"name" binding:"required"`
	Description   string         `json:"description"`
	Version       string         `json:"version" binding:"required"`
	Routes        []RouteRequest `json:"routes" binding:"dive"`
	ListeningPort int            `json:"listeningPort" binding:"required,min=1,max=65535"`
	APIKey        string         `json:"apiKey"`
	OverrideIP    string         `json:"overrideIp,omitempty" binding:"omitempty,ip|hostname"`
}

// RegisterResponse is the body of a successful registration.
type RegisterResponse struct {
	Message string `json:"message"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Services int    `json:"services"`
}

// RegisteredMessage reports a registration under a new name.
func RegisteredMessage(name, version string) string {
	return fmt.Sprintf("Registered %s version %s", name, version)
}

// ReplacedMessage reports that an existing entry was replaced.
func ReplacedMessage(name, version string) string {
	return fmt.Sprintf("Replaced existing %s with version %s", name, version)
}

func (s *Server) handlePing(c *gin.Context) {
	c.Status(http.StatusOK)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:   "ok",
		Version:  s.config.Version,
		Services: s.services.Len(),
	})
}

func (s *Server) handleServices(c *gin.Context) {
	c.JSON(http.StatusOK, s.services.ListPublic())
}

func (s *Server) handleRegister(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		s.rejectBody(c, err)
		return
	}
	var req RegisterRequest
	if err = json.Unmarshal(raw, &req); err != nil {
		s.rejectBody(c, err)
		return
	}

	// The key is checked before field validation.
	if !s.keys.ValidateAPIKey(req.APIKey) {
		s.logger.Warn("registration rejected",
			observability.String("service", req.Name),
			observability.String("client_ip", c.ClientIP()),
		)
		c.JSON(http.StatusUnauthorized, errorBody("Unauthorized", "invalid API key"))
		return
	}
	if err = binding.Validator.ValidateStruct(&req); err != nil {
		s.rejectBody(c, err)
		return
	}

	host := req.OverrideIP
	if host == "" {
		host = c.ClientIP()
	}

	routes := make([]registry.Route, len(req.Routes))
	for i, r := range req.Routes {
		routes[i] = registry.Route{
			Path:       r.Path,
			Method:     r.Method,
			Permission: r.Permission,
		}
	}

	_, replaced := s.services.Register(registry.Service{
		Name:        req.Name,
		Description: req.Description,
		Version:     req.Version,
		Routes:      routes,
		Port:        req.ListeningPort,
		Host:        host,
	})

	message := RegisteredMessage(req.Name, req.Version)
	if replaced {
		message = ReplacedMessage(req.Name, req.Version)
	}
	c.JSON(http.StatusAccepted, RegisterResponse{Message: message})
}

func (s *Server) handleConnect(c *gin.Context) {
	var req dispatch.Request
	// An empty body is a request with every field unset; the dispatcher
	// answers it like any other unroutable request.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.rejectBody(c, err)
		return
	}

	req.Method = c.Request.Method
	req.Token = auth.ExtractToken(c.Request, s.config.TokenCookie)

	result := s.dispatcher.Dispatch(c.Request.Context(), req)
	c.JSON(result.HTTPCode, result.Response)
}

// rejectBody answers 413 for oversized bodies and 422 for anything else
// that failed to decode or validate.
func (s *Server) rejectBody(c *gin.Context, err error) {
	_ = c.Error(err)

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge,
			errorBody("Request Entity Too Large", err.Error()))
		return
	}
	c.JSON(http.StatusUnprocessableEntity,
		errorBody("Unprocessable Entity", "invalid request body: "+err.Error()))
}
