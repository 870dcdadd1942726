// Package apiserver serves the emulated Catenis REST surface: every incoming
// request is checked against the single installed HTTP context and answered
// with the installed response.
package apiserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"catenis-api-emulator/internal/httpserver"
	"catenis-api-emulator/internal/model"
	"catenis-api-emulator/internal/signer"
)

// AuthError is the outcome of a failed request authentication: the HTTP
// status to answer with and the message to carry.
type AuthError struct {
	Code    int
	Message string
}

func (e *AuthError) Error() string {
	return e.Message
}

// Server holds the mutable test state consulted while matching: the
// single-shot HTTP context and the device credentials registry.
type Server struct {
	log      *zap.SugaredLogger
	basePath string
	now      func() time.Time

	mu      sync.RWMutex
	httpCtx *model.HTTPContext
	creds   []model.DeviceCredentials
	secrets map[string]string

	notifyMu      sync.RWMutex
	notifyHandler http.Handler

	engine *gin.Engine
}

// New builds the API server for the given base path ("/api/<version>/").
func New(log *zap.SugaredLogger, basePath string) *Server {
	s := &Server{
		log:      log,
		basePath: basePath,
		now:      time.Now,
		secrets:  make(map[string]string),
	}
	s.engine = s.buildEngine()
	return s
}

// Handler returns the http.Handler for the API listener.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// SetNotificationHandler mounts the WebSocket upgrade handler on the
// notification URL. Must be set before the listener starts accepting.
func (s *Server) SetNotificationHandler(h http.Handler) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.notifyHandler = h
}

func (s *Server) buildEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(httpserver.AccessLog(s.log.Named("api")))
	engine.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.log.Errorw("panic while serving API request", "panic", recovered)
		s.writeText(c, http.StatusInternalServerError, "Internal server error")
	}))
	engine.Use(cors.New(cors.Config{
		AllowMethods: []string{"POST", "GET", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Accept", "Accept-Encoding", "Content-Type", "Content-Length",
			"X-Bcot-Timestamp", "Authorization",
		},
		AllowOriginFunc: func(origin string) bool { return true },
		MaxAge:          24 * time.Hour,
	}))

	// Notification upgrades share the API listening socket; everything else
	// funnels into the matcher.
	engine.GET(s.basePath+"notify/ws/:eventName", func(c *gin.Context) {
		s.notifyMu.RLock()
		h := s.notifyHandler
		s.notifyMu.RUnlock()
		if h == nil {
			c.Status(http.StatusNotFound)
			return
		}
		h.ServeHTTP(c.Writer, c.Request)
	})
	engine.NoRoute(s.handleRequest)

	return engine
}

// SetHTTPContext validates the expectation document and swaps it in
// atomically. Subsequent requests observe the new value in its entirety.
func (s *Server) SetHTTPContext(httpCtx *model.HTTPContext) error {
	if httpCtx == nil {
		return errors.New("missing HTTP context document")
	}
	if err := httpCtx.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.httpCtx = httpCtx
	s.mu.Unlock()
	return nil
}

// HTTPContext returns the installed expectation, or nil when none is set.
func (s *Server) HTTPContext() *model.HTTPContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.httpCtx
}

// SetDeviceCredentials validates and installs the credentials registry,
// replacing any prior contents.
func (s *Server) SetDeviceCredentials(creds []model.DeviceCredentials) error {
	secrets := make(map[string]string, len(creds))
	for _, c := range creds {
		if err := c.Validate(); err != nil {
			return err
		}
		secrets[c.DeviceID] = c.APIAccessSecret
	}
	s.mu.Lock()
	s.creds = creds
	s.secrets = secrets
	s.mu.Unlock()
	return nil
}

// DeviceCredentials returns the installed credentials in install order.
func (s *Server) DeviceCredentials() []model.DeviceCredentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

func (s *Server) secretFor(deviceID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.secrets[deviceID]
	return secret, ok
}

// AuthenticateRequest verifies the CTN1 signature headers of req against the
// credentials registry. body must be the exact raw bytes received (empty for
// WebSocket upgrade requests). On success the authenticated device ID is
// returned; on failure an AuthError carrying the status and message.
func (s *Server) AuthenticateRequest(req *http.Request, body []byte) (string, *AuthError) {
	authData, err := signer.Parse(req.Header, s.now())
	if err != nil {
		var parseErr *signer.ParseError
		if errors.As(err, &parseErr) {
			return "", &AuthError{Code: http.StatusUnauthorized, Message: parseErr.Error()}
		}
		return "", &AuthError{Code: http.StatusInternalServerError, Message: "Internal server error"}
	}

	secret, ok := s.secretFor(authData.DeviceID)
	if !ok || !authData.VerifySignature(req.Method, req.URL.RequestURI(), req.Host, secret, body) {
		return "", &AuthError{Code: http.StatusUnauthorized, Message: "Authorization failed; invalid device or signature"}
	}

	return authData.DeviceID, nil
}

// handleRequest is the single-shot matcher: it validates the incoming request
// against the installed expectation and plays back the installed response.
func (s *Server) handleRequest(c *gin.Context) {
	httpCtx := s.HTTPContext()
	if httpCtx == nil {
		s.writeText(c, http.StatusInternalServerError, "Missing HTTP context")
		return
	}
	expected := &httpCtx.ExpectedRequest

	if c.Request.Method != expected.HTTPMethod {
		s.writeText(c, http.StatusInternalServerError, fmt.Sprintf(
			"Unexpected HTTP request method: expected: %s; received: %s",
			expected.HTTPMethod, c.Request.Method))
		return
	}

	expectedURL, err := s.resolveExpectedURL(expected.APIMethodPath)
	if err != nil {
		s.writeText(c, http.StatusInternalServerError, "Internal server error")
		return
	}
	if expectedURL.Path != c.Request.URL.Path {
		s.writeText(c, http.StatusInternalServerError, fmt.Sprintf(
			"Unexpected HTTP request path: expected: %s; received: %s",
			expectedURL.Path, c.Request.URL.Path))
		return
	}
	if !queryEquivalent(expectedURL.Query(), c.Request.URL.Query()) {
		s.writeText(c, http.StatusInternalServerError, fmt.Sprintf(
			"Unexpected HTTP request query string: expected: %s; received: %s",
			expectedURL.RawQuery, c.Request.URL.RawQuery))
		return
	}

	// The body feeds both the expectation check and the signature; it is
	// compared and signed as the exact raw bytes received.
	var body []byte
	if expected.Data != nil {
		body, err = io.ReadAll(c.Request.Body)
		if err != nil {
			s.writeText(c, http.StatusInternalServerError, "Internal server error")
			return
		}
		if len(body) > 0 {
			if contentType := c.GetHeader("Content-Type"); !strings.HasPrefix(contentType, "application/json") {
				s.writeText(c, http.StatusInternalServerError, fmt.Sprintf(
					"Unexpected HTTP request content type: expected: application/json; received: %s",
					contentType))
				return
			}
			if string(body) != *expected.Data {
				s.writeText(c, http.StatusInternalServerError, fmt.Sprintf(
					"Unexpected HTTP request body: expected: %s; received: %s",
					*expected.Data, string(body)))
				return
			}
		}
	}

	if expected.ShouldAuthenticate() {
		if _, authErr := s.AuthenticateRequest(c.Request, body); authErr != nil {
			s.writeText(c, authErr.Code, authErr.Message)
			return
		}
	}

	s.emitResponse(c, httpCtx.RequiredResponse)
}

func (s *Server) emitResponse(c *gin.Context, required *model.RequiredResponse) {
	if required == nil {
		s.ensureCORSOrigin(c)
		c.Status(http.StatusOK)
		return
	}
	if required.IsError() {
		s.writeJSON(c, *required.StatusCode, httpserver.ErrorEnvelope(*required.ErrorMessage))
		return
	}
	payload, err := httpserver.SuccessEnvelope(*required.Data)
	if err != nil {
		// Install-time validation guarantees the data parses; a failure
		// here is an internal inconsistency.
		s.writeText(c, http.StatusInternalServerError, "Internal server error")
		return
	}
	s.writeJSON(c, http.StatusOK, payload)
}

// resolveExpectedURL joins the installed method path (leading '/' optional)
// against the API base path on an arbitrary authority.
func (s *Server) resolveExpectedURL(apiMethodPath string) (*url.URL, error) {
	base, err := url.Parse("http://catenis.local" + s.basePath)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	ref, err := url.Parse(strings.TrimPrefix(apiMethodPath, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse API method path: %w", err)
	}
	return base.ResolveReference(ref), nil
}

// queryEquivalent reports whether the two query sets carry the same parameter
// names and, per name, the same multiset of values (order-insensitive).
func queryEquivalent(expected, received url.Values) bool {
	if len(expected) != len(received) {
		return false
	}
	for name, expectedValues := range expected {
		receivedValues, ok := received[name]
		if !ok {
			return false
		}
		if len(expectedValues) == 1 && len(receivedValues) == 1 {
			if expectedValues[0] != receivedValues[0] {
				return false
			}
			continue
		}
		if len(expectedValues) != len(receivedValues) {
			return false
		}
		sortedExpected := append([]string(nil), expectedValues...)
		sortedReceived := append([]string(nil), receivedValues...)
		sort.Strings(sortedExpected)
		sort.Strings(sortedReceived)
		for i := range sortedExpected {
			if sortedExpected[i] != sortedReceived[i] {
				return false
			}
		}
	}
	return true
}

// ensureCORSOrigin guarantees every response carries an allow-origin header:
// the CORS middleware echoes the Origin when one was sent; requests without
// one get the wildcard.
func (s *Server) ensureCORSOrigin(c *gin.Context) {
	if c.Writer.Header().Get("Access-Control-Allow-Origin") == "" {
		c.Header("Access-Control-Allow-Origin", "*")
	}
}

func (s *Server) writeText(c *gin.Context, status int, message string) {
	s.ensureCORSOrigin(c)
	httpserver.Text(c, status, message)
}

func (s *Server) writeJSON(c *gin.Context, status int, value any) {
	s.ensureCORSOrigin(c)
	httpserver.JSON(c, status, value)
}
