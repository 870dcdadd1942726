// Package emulator assembles the API server, the notification server and the
// command server into one runnable process.
package emulator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"catenis-api-emulator/internal/apiserver"
	"catenis-api-emulator/internal/cmdserver"
	"catenis-api-emulator/internal/config"
	"catenis-api-emulator/internal/httpserver"
	"catenis-api-emulator/internal/logging"
	"catenis-api-emulator/internal/wsnotify"
)

const stopTimeout = 10 * time.Second

// Emulator owns the two listeners and the component wiring.
type Emulator struct {
	cfg *config.Config
	log *zap.SugaredLogger

	api    *apiserver.Server
	notify *wsnotify.Server
	cmd    *cmdserver.Server

	apiListener *httpserver.Server
	cmdListener *httpserver.Server

	closeOnce sync.Once
	closed    chan struct{}
}

// New wires the components: the notification server authenticates handshakes
// through the API server, and the command server installs state on both.
func New(cfg *config.Config, log *zap.SugaredLogger) *Emulator {
	e := &Emulator{
		cfg:    cfg,
		log:    log,
		closed: make(chan struct{}),
	}

	basePath := cfg.APIBasePath()
	e.api = apiserver.New(log, basePath)
	e.notify = wsnotify.New(log, basePath, e.api)
	e.api.SetNotificationHandler(e.notify)
	e.cmd = cmdserver.New(log, e.api, e.notify, config.AppVersion, e.beginShutdown)

	e.apiListener = httpserver.New("api-server", cfg.APIPort, e.api.Handler())
	e.cmdListener = httpserver.New("command-server", cfg.CmdPort, e.cmd.Handler())

	return e
}

// Start brings both listeners up. When it returns without error both sockets
// accept connections.
func (e *Emulator) Start(ctx context.Context) error {
	if err := e.apiListener.Start(ctx); err != nil {
		return fmt.Errorf("start API listener: %w", err)
	}
	if err := e.cmdListener.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = e.apiListener.Stop(stopCtx)
		return fmt.Errorf("start command listener: %w", err)
	}

	e.log.Infow("emulator started",
		"apiPort", e.apiListener.Port(),
		"cmdPort", e.cmdListener.Port(),
		"apiVersion", e.cfg.APIVersion,
	)
	return nil
}

// APIPort returns the bound API listener port.
func (e *Emulator) APIPort() int {
	return e.apiListener.Port()
}

// CmdPort returns the bound command listener port.
func (e *Emulator) CmdPort() int {
	return e.cmdListener.Port()
}

// Run starts the emulator and blocks until the context is cancelled or the
// control plane requested the shutdown, then tears everything down.
func (e *Emulator) Run(ctx context.Context) error {
	ctx = logging.WithLogger(ctx, e.log)
	if err := e.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		e.beginShutdown()
	case <-e.closed:
	}

	<-e.closed
	return nil
}

// beginShutdown closes the notification channels and the API listener first,
// then the command listener. Called at most once; POST /close invokes it
// after its 200 has gone out.
func (e *Emulator) beginShutdown() {
	e.closeOnce.Do(func() {
		e.log.Infow("emulator shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()

		_ = e.notify.CloseAllClients()
		if err := e.apiListener.Stop(ctx); err != nil {
			e.log.Errorw("failed to stop API listener", "error", err)
		}
		if err := e.cmdListener.Stop(ctx); err != nil {
			e.log.Errorw("failed to stop command listener", "error", err)
		}

		close(e.closed)
	})
}
