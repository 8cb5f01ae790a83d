package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/multierr"

	"policy-proxy-go/internal/config"
	"policy-proxy-go/internal/enricher"
	"policy-proxy-go/internal/handler"
	"policy-proxy-go/internal/listener"
	"policy-proxy-go/internal/metrics"
	"policy-proxy-go/internal/middleware"
	"policy-proxy-go/internal/model"
	"policy-proxy-go/internal/policy"
	"policy-proxy-go/internal/service"
	"policy-proxy-go/internal/upstream"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("policy-proxy"),
		kong.Description("Policy-enforcing HTTP proxy with reverse and forward modes."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			policy.FromConfig,
			enricher.New,
			upstream.NewPool,
			upstream.NewForwarder,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			newServers,
		),
		fx.Invoke(registerRoutes, warnConfigPermissions, startServers),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// servers holds one Echo instance per enabled listener. Disabled listeners
// are nil.
type servers struct {
	Reverse *echo.Echo
	Forward *echo.Echo
	Admin   *echo.Echo
}

func newServers(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *servers {
	s := &servers{}

	if cfg.Reverse.Enabled() {
		s.Reverse = newProxyEcho(cfg, logger, m)
		s.Reverse.Use(middleware.SecurityHeaders())
	}
	if cfg.Forward.Enabled() {
		s.Forward = newProxyEcho(cfg, logger, m)
	}
	if cfg.Admin.Enabled() {
		s.Admin = newEcho(logger)
	}

	return s
}

func newEcho(logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.ErrorHandler(logger)

	// Header reads are bounded to mitigate slow-client attacks. ReadTimeout
	// and WriteTimeout are disabled (0) so long uploads and tunnels are not
	// cut off; the upstream request and tunnel deadlines bound them instead.
	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Server.ReadTimeout = 0
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))

	return e
}

func newProxyEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := newEcho(logger)
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Proxy.MaxBodyBytes())))
	return e
}

func registerRoutes(s *servers, cfg *config.Config, m *metrics.Metrics, proxy *handler.ProxyHandler, health *handler.HealthHandler) {
	if s.Reverse != nil {
		handler.RegisterReverseRoutes(s.Reverse, proxy)
	}
	if s.Forward != nil {
		handler.RegisterForwardRoutes(s.Forward, proxy)
	}
	if s.Admin != nil {
		var metricsHandler echo.HandlerFunc
		if cfg.Metrics.Enabled {
			metricsHandler = echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
		}
		handler.RegisterAdminRoutes(s.Admin, health, cfg.Metrics.Path, metricsHandler)
	}
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

// namedServer pairs an Echo instance with its listener settings.
type namedServer struct {
	name string
	e    *echo.Echo
	cfg  config.ListenerConfig
}

func startServers(lc fx.Lifecycle, s *servers, cfg *config.Config, table *policy.Table, pool *upstream.Pool, logger *slog.Logger) {
	var running []namedServer
	for _, ns := range []namedServer{
		{"reverse", s.Reverse, cfg.Reverse},
		{"forward", s.Forward, cfg.Forward},
		{"admin", s.Admin, cfg.Admin},
	} {
		if ns.e != nil {
			running = append(running, ns)
		}
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			logger.Info("starting policy-proxy",
				"version", version,
				"reverse_rules", table.Count(model.ModeReverse),
				"forward_rules", table.Count(model.ModeForward),
				"max_body", humanize.Bytes(uint64(cfg.Proxy.MaxBodyBytes())),
			)

			// Bind everything before serving anything so a bad address
			// leaves no listener behind.
			listeners := make([]net.Listener, 0, len(running))
			for _, ns := range running {
				ln, err := listener.Listen(ns.cfg.Listen, ns.cfg.ProxyProtocol)
				if err != nil {
					for _, l := range listeners {
						_ = l.Close()
					}
					return err
				}
				listeners = append(listeners, ln)
			}

			for i, ns := range running {
				logger.Info("starting server",
					"listener", ns.name,
					"addr", ns.cfg.Listen,
					"proxy_protocol", ns.cfg.ProxyProtocol,
				)
				go func(ns namedServer, ln net.Listener) {
					if err := ns.e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("server error", "listener", ns.name, "err", err)
					}
				}(ns, listeners[i])
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down servers")
			var err error
			for _, ns := range running {
				err = multierr.Append(err, ns.e.Shutdown(ctx))
			}
			pool.CloseIdleConnections()
			return err
		},
	})
}
