// Overseerd is the overseer daemon. It drives goal and plan executions
// against an agent CLI and serves the HTTP control surface.
//
// Configuration is read from ~/.config/overseer/config.yaml and overridden
// by environment variables. See internal/config for the mapping.
//
// Usage:
//
//	# Start with defaults
//	overseerd
//
//	# Explicit config file and port override
//	SERVER_HTTP_PORT=9090 overseerd --config /etc/overseer/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/overseer/internal/config"
	"github.com/fyrsmithlabs/overseer/internal/evaluator"
	"github.com/fyrsmithlabs/overseer/internal/events"
	"github.com/fyrsmithlabs/overseer/internal/executor"
	"github.com/fyrsmithlabs/overseer/internal/goal"
	"github.com/fyrsmithlabs/overseer/internal/governor"
	ovhttp "github.com/fyrsmithlabs/overseer/internal/http"
	"github.com/fyrsmithlabs/overseer/internal/learning"
	"github.com/fyrsmithlabs/overseer/internal/logging"
	"github.com/fyrsmithlabs/overseer/internal/manager"
	"github.com/fyrsmithlabs/overseer/internal/notify"
	"github.com/fyrsmithlabs/overseer/internal/plan"
	"github.com/fyrsmithlabs/overseer/internal/secrets"
	"github.com/fyrsmithlabs/overseer/internal/store"
	"github.com/fyrsmithlabs/overseer/internal/telemetry"
	"github.com/fyrsmithlabs/overseer/internal/usage"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath = flag.String("config", "", "path to config.yaml (default ~/.config/overseer/config.yaml)")

func main() {
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  overseerd [--config path]   Start the daemon\n")
			fmt.Fprintf(os.Stderr, "  overseerd version           Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadWithFile(*configPath)
	if err != nil {
		log.Fatalf("Loading configuration: %v", err)
	}

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Daemon error: %v", err)
	}
	log.Println("Shutdown complete")
}

func printVersion() {
	fmt.Printf("overseerd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the daemon and blocks until ctx is cancelled or the HTTP
// server fails. Active loops are persisted and halted on the way out so
// the next start resumes them.
func run(ctx context.Context, cfg *config.Config) error {
	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}

	logCfg, err := logging.FromObservability(cfg.Observability)
	if err != nil {
		return fmt.Errorf("invalid logging configuration: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	zl := logger.Underlying()

	zl.Info("starting overseerd",
		zap.String("version", version),
		zap.String("state_dir", cfg.Storage.Dir),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("telemetry", tel.IsEnabled()),
	)

	deps, err := initComponents(cfg, tel, logger)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return err
	}
	defer deps.Close()

	srv, err := ovhttp.NewServer(deps.manager, deps.store.Logs, zl, &ovhttp.Config{
		Host:  cfg.Server.Host,
		Port:  cfg.Server.Port,
		Meter: tel.Meter("github.com/fyrsmithlabs/overseer/internal/http"),
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	if err := deps.manager.Start(ctx); err != nil {
		return fmt.Errorf("starting manager: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		zl.Info("shutdown signal received")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	return errors.Join(
		runErr,
		srv.Shutdown(shutdownCtx),
		deps.manager.Shutdown(shutdownCtx),
		tel.Shutdown(shutdownCtx),
	)
}

// components holds everything run needs to tear down.
type components struct {
	store   *store.Store
	manager *manager.Manager
	bus     *events.NATSBus
	logger  *logging.Logger
}

// Close releases connections. The manager and telemetry are shut down by
// run with a deadline.
func (c *components) Close() {
	if c.bus != nil {
		_ = c.bus.Close()
	}
	_ = c.logger.Sync()
}

func initComponents(cfg *config.Config, tel *telemetry.Telemetry, logger *logging.Logger) (*components, error) {
	zl := logger.Underlying()

	st, err := store.Open(cfg.Storage.Dir)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	scrubber, err := secrets.New(&secrets.Config{
		Disabled:      cfg.Secrets.Disabled,
		AllowlistPath: cfg.Secrets.AllowlistPath,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing secret scrubber: %w", err)
	}

	exec, err := executor.NewCommandExecutor(cfg.Executor,
		executor.WithLogger(zl),
		executor.WithTracer(tel.Tracer("github.com/fyrsmithlabs/overseer/executor")),
		executor.WithScrubber(scrubber),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing executor: %w", err)
	}

	gov := governor.New(usage.NewFileSource(cfg.Usage.SummaryPath), governor.WithLogger(zl))
	eval := evaluator.New(exec, st.Logs, evaluator.WithLogger(zl))

	channels := notify.Multi{notify.LogChannel{Logger: zl}}
	if url := cfg.Notify.WebhookURL.Value(); url != "" {
		channels = append(channels, notify.NewWebhookChannel(url))
	}
	notifier := notify.NewNotifier(channels, cfg.Notify, zl)

	deps := &components{store: st, logger: logger}

	var bus events.Bus = events.Nop{}
	if cfg.Events.NATSURL != "" {
		nb, err := events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, zl)
		if err != nil {
			return nil, fmt.Errorf("connecting event bus: %w", err)
		}
		deps.bus = nb
		bus = nb
	}

	var experience learning.Store = learning.Nop{}
	if cfg.Learning.Enabled {
		cs, err := learning.NewChromemStore(cfg.Learning, zl)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("opening learning store: %w", err)
		}
		experience = cs
	}

	approvals := goal.NewApprovals()
	goals := goal.NewEngine(goal.Options{
		Store:          st,
		Governor:       gov,
		Evaluator:      eval,
		Executor:       exec,
		Approvals:      approvals,
		Notifier:       notifier,
		Events:         bus,
		Learning:       experience,
		Logger:         logger,
		IterationDelay: cfg.Engine.IterationDelay.Duration(),
	})
	plans := plan.NewEngine(plan.Options{
		Store:     st,
		Governor:  gov,
		Evaluator: eval,
		Executor:  exec,
		Notifier:  notifier,
		Events:    bus,
		Learning:  experience,
		Logger:    logger,
	})

	deps.manager = manager.New(manager.Options{
		Store:        st,
		Goals:        goals,
		Plans:        plans,
		Approvals:    approvals,
		Events:       bus,
		Logger:       logger,
		Engine:       cfg.Engine,
		GoalDefaults: cfg.Goals,
		PlanDefaults: cfg.Plans,
	})

	zl.Info("components initialized",
		zap.Bool("event_bus", deps.bus != nil),
		zap.Bool("learning", cfg.Learning.Enabled),
		zap.Bool("webhook", cfg.Notify.WebhookURL.Value() != ""),
		zap.Bool("redaction", !cfg.Secrets.Disabled),
	)
	return deps, nil
}
