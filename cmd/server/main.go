// Command server runs the quicspool HTTP and QUIC endpoints.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"go.uber.org/multierr"

	"example.com/quicspool/internal/config"
	"example.com/quicspool/internal/filebuffer"
	"example.com/quicspool/internal/handlers/staticfile"
	"example.com/quicspool/internal/logger"
	"example.com/quicspool/internal/metrics"
	"example.com/quicspool/internal/router"
	"example.com/quicspool/internal/server"
)

const metricsNamespace = "quicspool"

var version = "dev"

var CLI struct {
	Version kong.VersionFlag `help:"Print version and exit."`

	Serve ServeCommand `cmd:"" default:"withargs" help:"Run the server."`
	Check CheckCommand `cmd:"" help:"Validate a configuration file and its handler configs."`
}

// ServeCommand loads the configuration and runs until interrupted.
type ServeCommand struct {
	Config string `short:"c" required:"" type:"existingfile" env:"QUICSPOOL_CONFIG" help:"Configuration file (JSON or TOML)."`
}

func (c *ServeCommand) Run(ctx context.Context) error {
	cfg, err := config.LoadConfig(c.Config)
	if err != nil {
		return err
	}
	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		if err := lg.CloseLogFiles(); err != nil {
			fmt.Fprintf(os.Stderr, "closing log files: %v\n", err)
		}
	}()

	a, err := newApp(cfg, lg)
	if err != nil {
		lg.Error("Startup failed", logger.LogFields{"error": err.Error()})
		return err
	}
	lg.Info("Starting server", logger.LogFields{
		"version":     version,
		"config_file": cfg.OriginalFilePath(),
		"address":     *cfg.Server.Address,
		"quic":        cfg.Quic.IsEnabled(),
		"routes":      len(cfg.Routing.Routes),
	})
	if err := a.server.Run(ctx); err != nil {
		lg.Error("Server exited with an error", logger.LogFields{"error": err.Error()})
		return err
	}
	lg.Info("Server shut down gracefully")
	return nil
}

// CheckCommand creates every configured handler once and reports all
// failures.
type CheckCommand struct {
	Config string `short:"c" required:"" type:"existingfile" help:"Configuration file (JSON or TOML)."`
}

func (c *CheckCommand) Run(kctx *kong.Context) error {
	cfg, err := config.LoadConfig(c.Config)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger.NewDiscardLogger())
	if err != nil {
		return err
	}
	if err := a.checkRoutes(); err != nil {
		return err
	}
	fmt.Fprintf(kctx.Stdout, "%s: OK (%d routes, handler types: %v)\n", cfg.OriginalFilePath(), len(cfg.Routing.Routes), a.registry.Types())
	return nil
}

// app is the wired server.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	metrics  *metrics.Collector
	registry *server.HandlerRegistry
	router   *router.Router
	server   *server.Server
}

func newApp(cfg *config.Config, lg *logger.Logger) (*app, error) {
	m := metrics.NewCollector(metricsNamespace)
	registry := server.NewHandlerRegistry()
	if err := registerHandlers(registry, cfg, m); err != nil {
		return nil, err
	}
	rtr, err := router.NewRouter(cfg.Routing.Routes, registry, lg)
	if err != nil {
		return nil, fmt.Errorf("initializing router: %w", err)
	}
	srv, err := server.NewServer(cfg, lg, rtr, cfg.OriginalFilePath(), registry, m)
	if err != nil {
		return nil, fmt.Errorf("initializing server: %w", err)
	}
	return &app{cfg: cfg, log: lg, metrics: m, registry: registry, router: rtr, server: srv}, nil
}

func registerHandlers(registry *server.HandlerRegistry, cfg *config.Config, m *metrics.Collector) error {
	aggregation := 0
	if cfg.Output != nil {
		aggregation = cfg.Output.AggregationSize
	}
	if err := registry.Register(staticfile.HandlerType, staticfile.Factory(cfg.OriginalFilePath())); err != nil {
		return err
	}
	return registry.Register(filebuffer.HandlerType, filebuffer.Factory(registry, cfg.OriginalFilePath(), m, aggregation))
}

// checkRoutes creates the handler of every route so that configuration
// errors surface before the first request.
func (a *app) checkRoutes() error {
	var errs error
	for i, route := range a.cfg.Routing.Routes {
		if _, err := a.registry.CreateHandler(route.HandlerType, route.HandlerConfig, a.log); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("routing.routes[%d] %s %s: %w", i, route.MatchType, route.PathPattern, err))
		}
	}
	return errs
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kctx := kong.Parse(&CLI,
		kong.Name("quicspool"),
		kong.Description("HTTP/2 and QUIC server with file-buffered responses."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.Vars{"version": version},
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	kctx.FatalIfErrorf(kctx.Run())
}
