// Package frontend is the HTTP surface clients talk to. One POST to
// /control carries a signed envelope with the client's queued responses
// and returns the tasks leased for it; enrolment bootstraps over the
// same endpoint unauthenticated. The frontend is stateless, every
// poll's effects land in the datastore, so any number of frontends can
// serve the same fleet.
package frontend

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/quarryhq/quarry/flow"
	"github.com/quarryhq/quarry/foreman"
	"github.com/quarryhq/quarry/notifier"
	"github.com/quarryhq/quarry/queue"
	"github.com/quarryhq/quarry/types"
)

// Logger interface for frontend logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a no-op implementation of Logger.
type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}

// Config holds configuration for the client frontend.
type Config struct {
	// Listen is the address the HTTP server binds. Default: ":8080"
	Listen string

	// BodyLimit caps the request body size. Default: "10M"
	BodyLimit string

	// RateLimit is requests per second per source IP; zero disables
	// limiting.
	RateLimit float64

	// TaskLease is how long a delivered task stays leased before it is
	// eligible for redelivery. Default: 120s
	TaskLease time.Duration

	// MaxTasksPerPoll caps how many tasks one poll may drain. Default: 100
	MaxTasksPerPoll int

	// ClockSkew is the accepted window around the server clock for
	// envelope timestamps. Default: 10m
	ClockSkew time.Duration

	// ServerPEM is served at /server.pem for enrolment bootstrap.
	ServerPEM []byte

	// ReadTimeout and WriteTimeout bound the HTTP server. Default: 30s
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Logger for frontend events. Default: no-op.
	Logger Logger

	// OnError is called when an error occurs during processing.
	OnError func(err error)
}

// DefaultConfig returns the default frontend configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:          ":8080",
		BodyLimit:       "10M",
		TaskLease:       120 * time.Second,
		MaxTasksPerPoll: 100,
		ClockSkew:       10 * time.Minute,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
	}
}

// Frontend serves the client communication endpoints.
type Frontend struct {
	deps   *flow.Deps
	queues *queue.Manager
	fm     *foreman.Foreman
	notif  *notifier.Notifier
	config *Config
	logger Logger

	echo *echo.Echo

	// State
	started atomic.Bool
	wg      sync.WaitGroup
}

// New creates a frontend. The foreman and notifier are optional;
// without a foreman, rule assignment only happens on the periodic
// sweep, and without a notifier workers fall back to polling.
func New(deps *flow.Deps, fm *foreman.Foreman, notif *notifier.Notifier, config *Config) *Frontend {
	// Start with defaults and merge user config
	cfg := DefaultConfig()
	if config != nil {
		if config.Listen != "" {
			cfg.Listen = config.Listen
		}
		if config.BodyLimit != "" {
			cfg.BodyLimit = config.BodyLimit
		}
		if config.RateLimit > 0 {
			cfg.RateLimit = config.RateLimit
		}
		if config.TaskLease > 0 {
			cfg.TaskLease = config.TaskLease
		}
		if config.MaxTasksPerPoll > 0 {
			cfg.MaxTasksPerPoll = config.MaxTasksPerPoll
		}
		if config.ClockSkew > 0 {
			cfg.ClockSkew = config.ClockSkew
		}
		if len(config.ServerPEM) > 0 {
			cfg.ServerPEM = config.ServerPEM
		}
		if config.ReadTimeout > 0 {
			cfg.ReadTimeout = config.ReadTimeout
		}
		if config.WriteTimeout > 0 {
			cfg.WriteTimeout = config.WriteTimeout
		}
		if config.Logger != nil {
			cfg.Logger = config.Logger
		}
		if config.OnError != nil {
			cfg.OnError = config.OnError
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}

	f := &Frontend{
		deps:   deps,
		queues: deps.Queues,
		fm:     fm,
		notif:  notif,
		config: cfg,
		logger: cfg.Logger,
	}
	f.echo = f.buildServer()
	return f
}

// buildServer assembles the echo instance with the standard middleware
// chain and routes.
func (f *Frontend) buildServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if f.config.BodyLimit != "" {
		e.Use(middleware.BodyLimit(f.config.BodyLimit))
	}
	if f.config.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(f.config.RateLimit),
		)))
	}

	e.POST("/control", f.handleControl)
	e.GET("/server.pem", f.handleServerPEM)
	e.GET("/healthz", f.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.Server.ReadTimeout = f.config.ReadTimeout
	e.Server.WriteTimeout = f.config.WriteTimeout
	return e
}

// Start begins serving on the configured address.
func (f *Frontend) Start(ctx context.Context) error {
	if !f.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if err := f.echo.Start(f.config.Listen); err != nil && err != http.ErrServerClosed {
			f.logError(err)
		}
	}()

	f.logger.Info("frontend listening", "addr", f.config.Listen)
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (f *Frontend) Stop(ctx context.Context) error {
	if !f.started.CompareAndSwap(true, false) {
		return ErrNotStarted
	}

	if err := f.echo.Shutdown(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the frontend is running.
func (f *Frontend) IsRunning() bool {
	return f.started.Load()
}

// Handler exposes the HTTP handler, mainly for tests.
func (f *Frontend) Handler() http.Handler {
	return f.echo
}

// handleControl is the client poll endpoint. The request body is a
// signed envelope whose payload is the client's outbound message list;
// the response is an envelope (signed with the same key once the client
// is enrolled) carrying the tasks leased for it.
func (f *Frontend) handleControl(c echo.Context) error {
	ctx := c.Request().Context()
	requestCount.Inc()
	if c.Request().ContentLength > 0 {
		inBytes.Add(float64(c.Request().ContentLength))
	}

	var env SignedEnvelope
	if err := c.Bind(&env); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed envelope")
	}
	if env.ClientID != "" {
		if _, err := types.ParseClientID(env.ClientID.String()); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid client id")
		}
	} else {
		return echo.NewHTTPError(http.StatusBadRequest, "missing client id")
	}

	auth, key := f.authenticate(ctx, &env)

	var list types.MessageList
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &list); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "malformed message list")
		}
	}

	if _, err := f.ReceiveMessages(ctx, env.ClientID, list.Messages, auth); err != nil {
		f.logError(err)
		return echo.NewHTTPError(http.StatusInternalServerError, "receive failed")
	}

	var tasks []*types.Message
	if auth == types.AuthStateAuthenticated {
		var err error
		tasks, err = f.DrainTaskQueue(ctx, env.ClientID, f.config.MaxTasksPerPoll)
		if err != nil {
			f.logError(err)
			return echo.NewHTTPError(http.StatusInternalServerError, "drain failed")
		}
	}

	f.recordPing(ctx, env.ClientID)

	reply, err := NewEnvelope(env.ClientID, key, f.deps.Store.Now(), types.MessageList{Messages: tasks})
	if err != nil {
		f.logError(err)
		return echo.NewHTTPError(http.StatusInternalServerError, "reply failed")
	}
	buf, err := json.Marshal(reply)
	if err != nil {
		f.logError(err)
		return echo.NewHTTPError(http.StatusInternalServerError, "reply failed")
	}
	outBytes.Add(float64(len(buf)))
	return c.JSONBlob(http.StatusOK, buf)
}

// handleServerPEM serves the server certificate clients pin at
// enrolment.
func (f *Frontend) handleServerPEM(c echo.Context) error {
	if len(f.config.ServerPEM) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "no server certificate configured")
	}
	return c.Blob(http.StatusOK, "application/x-pem-file", f.config.ServerPEM)
}

// handleHealth reports liveness.
func (f *Frontend) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

// logError logs an error using the configured handler or the logger.
func (f *Frontend) logError(err error) {
	if f.config.OnError != nil {
		f.config.OnError(err)
		return
	}
	f.logger.Error("frontend error", "error", err)
}
