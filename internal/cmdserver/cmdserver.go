// Package cmdserver is the control plane: REST endpoints the test harness
// drives to install credentials, the HTTP expectation and the notification
// table, and to operate the emulator lifecycle.
package cmdserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"catenis-api-emulator/internal/httpserver"
	"catenis-api-emulator/internal/model"
)

// APIController is the slice of the API server the control plane installs
// state on.
type APIController interface {
	SetDeviceCredentials([]model.DeviceCredentials) error
	DeviceCredentials() []model.DeviceCredentials
	SetHTTPContext(*model.HTTPContext) error
	HTTPContext() *model.HTTPContext
}

// NotifyController is the slice of the notification server the control plane
// installs state on.
type NotifyController interface {
	SetNotifyContext(model.NotifyContext) error
	NotifyContext() model.NotifyContext
	CloseAllClients() error
}

// Server wires the control-plane endpoints onto the two data-plane
// components. shutdown is invoked, asynchronously, after POST /close has been
// answered; it closes the API listener and then this server.
type Server struct {
	log        *zap.SugaredLogger
	api        APIController
	notify     NotifyController
	appVersion string
	shutdown   func()

	engine *gin.Engine
}

// New builds the command server.
func New(log *zap.SugaredLogger, api APIController, notify NotifyController, appVersion string, shutdown func()) *Server {
	s := &Server{
		log:        log,
		api:        api,
		notify:     notify,
		appVersion: appVersion,
		shutdown:   shutdown,
	}
	s.engine = s.buildEngine()
	return s
}

// Handler returns the http.Handler for the command listener.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) buildEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(httpserver.AccessLog(s.log.Named("cmd")))
	engine.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.log.Errorw("panic while serving command request", "panic", recovered)
		httpserver.Text(c, http.StatusInternalServerError, "Internal server error")
	}))

	engine.GET("/device-credentials", s.getDeviceCredentials)
	engine.POST("/device-credentials", s.postDeviceCredentials)
	engine.GET("/http-context", s.getHTTPContext)
	engine.POST("/http-context", s.postHTTPContext)
	engine.GET("/notify-context", s.getNotifyContext)
	engine.POST("/notify-context", s.postNotifyContext)
	engine.POST("/notify-close", s.postNotifyClose)
	engine.GET("/info", s.getInfo)
	engine.POST("/close", s.postClose)

	// Unknown routes and mismatched methods answer 404 with an empty body.
	engine.NoRoute(func(c *gin.Context) {
		c.AbortWithStatus(http.StatusNotFound)
	})

	return engine
}

// readJSONBody enforces the control plane's content-type rule on non-GET
// requests and returns the raw body.
func readJSONBody(c *gin.Context) ([]byte, error) {
	if contentType := c.GetHeader("Content-Type"); !strings.HasPrefix(contentType, "application/json") {
		return nil, fmt.Errorf("unexpected content type: %q", contentType)
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return body, nil
}

func (s *Server) getDeviceCredentials(c *gin.Context) {
	creds := s.api.DeviceCredentials()
	if creds == nil {
		creds = []model.DeviceCredentials{}
	}
	httpserver.JSON(c, http.StatusOK, creds)
}

// postDeviceCredentials installs the credentials registry in bulk. The body
// is either a single credentials object or an array of them.
func (s *Server) postDeviceCredentials(c *gin.Context) {
	body, err := readJSONBody(c)
	if err != nil {
		httpserver.Text(c, http.StatusBadRequest, "Invalid device credentials")
		return
	}

	var creds []model.DeviceCredentials
	if err := json.Unmarshal(body, &creds); err != nil {
		var single model.DeviceCredentials
		if err := json.Unmarshal(body, &single); err != nil {
			httpserver.Text(c, http.StatusBadRequest, "Invalid device credentials")
			return
		}
		creds = []model.DeviceCredentials{single}
	}

	if err := s.api.SetDeviceCredentials(creds); err != nil {
		s.log.Debugw("rejected device credentials", "error", err)
		httpserver.Text(c, http.StatusBadRequest, "Invalid device credentials")
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) getHTTPContext(c *gin.Context) {
	httpserver.JSON(c, http.StatusOK, s.api.HTTPContext())
}

func (s *Server) postHTTPContext(c *gin.Context) {
	body, err := readJSONBody(c)
	if err != nil {
		httpserver.Text(c, http.StatusBadRequest, "Invalid HTTP context")
		return
	}

	var httpCtx model.HTTPContext
	if err := json.Unmarshal(body, &httpCtx); err != nil {
		httpserver.Text(c, http.StatusBadRequest, "Invalid HTTP context")
		return
	}
	if err := s.api.SetHTTPContext(&httpCtx); err != nil {
		s.log.Debugw("rejected HTTP context", "error", err)
		httpserver.Text(c, http.StatusBadRequest, "Invalid HTTP context")
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) getNotifyContext(c *gin.Context) {
	notifyCtx := s.notify.NotifyContext()
	if notifyCtx == nil {
		notifyCtx = model.NotifyContext{}
	}
	httpserver.JSON(c, http.StatusOK, notifyCtx)
}

func (s *Server) postNotifyContext(c *gin.Context) {
	body, err := readJSONBody(c)
	if err != nil {
		httpserver.Text(c, http.StatusBadRequest, "Invalid notification context")
		return
	}

	var notifyCtx model.NotifyContext
	if err := json.Unmarshal(body, &notifyCtx); err != nil {
		httpserver.Text(c, http.StatusBadRequest, "Invalid notification context")
		return
	}
	if err := s.notify.SetNotifyContext(notifyCtx); err != nil {
		s.log.Debugw("rejected notification context", "error", err)
		httpserver.Text(c, http.StatusBadRequest, "Invalid notification context")
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) postNotifyClose(c *gin.Context) {
	if err := s.notify.CloseAllClients(); err != nil {
		s.log.Errorw("failed to close notification clients", "error", err)
		httpserver.Text(c, http.StatusInternalServerError, "Internal server error")
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) getInfo(c *gin.Context) {
	httpserver.JSON(c, http.StatusOK, fmt.Sprintf("Catenis API Emulator (ver. %s)", s.appVersion))
}

// postClose answers 200 first; the API listener and then this server close
// in the background.
func (s *Server) postClose(c *gin.Context) {
	c.Header("Content-Length", "0")
	c.Status(http.StatusOK)
	c.Writer.Flush()
	if s.shutdown != nil {
		go s.shutdown()
	}
}
