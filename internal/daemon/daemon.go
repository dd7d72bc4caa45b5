package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/meridian-labs/contactd/internal/config"
	"github.com/meridian-labs/contactd/internal/logger"
	"github.com/meridian-labs/contactd/internal/observability"
	"github.com/meridian-labs/contactd/internal/tracing"
	"github.com/meridian-labs/contactd/pkg/agent"
	"github.com/meridian-labs/contactd/pkg/bridge"
	"github.com/meridian-labs/contactd/pkg/conn"
	"github.com/meridian-labs/contactd/pkg/gateway"
	"github.com/meridian-labs/contactd/pkg/memory"
	"github.com/meridian-labs/contactd/pkg/registry"
	"github.com/meridian-labs/contactd/pkg/resilience"
	"github.com/meridian-labs/contactd/pkg/routing"
	"github.com/meridian-labs/contactd/pkg/tools"
)

// Version is the contactd release, stamped on the CLI and on exported spans.
const Version = "0.1.0"

// Daemon is the contactd service: the shared runtime (tool set, memory,
// agent factory, session registry) plus the gateway surface, initialized in
// dependency order and torn down in reverse.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	templates  *tools.TemplateStore
	runner     *tools.Runner
	toolSet    *tools.Set
	memoryMgr  *memory.Store
	factory    *agent.Factory
	registry   *registry.Registry
	cleanup    *registry.Cleanup
	bridge     *bridge.Bridge
	classifier *routing.Classifier
	connMgr    *conn.Manager
	controller *resilience.Controller

	// Services
	gatewayServer *gateway.Server

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New creates a daemon instance.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry(tracing.Config{
		ServiceName:    "contactd",
		ServiceVersion: Version,
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	}

	d := &Daemon{
		config:         cfg,
		logger:         log,
		tracingEnabled: true,
	}

	if err := d.initializeCoreModules(); err != nil {
		d.teardown()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.teardown()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return d, nil
}

// initializeCoreModules builds the shared runtime in dependency order.
func (d *Daemon) initializeCoreModules() error {
	cfg := d.config
	zlog := d.logger.GetZerolog()

	templates, err := tools.NewTemplateStore(cfg.Queries.ConfigPath, cfg.Queries.Watch, zlog)
	if err != nil {
		return fmt.Errorf("failed to load report templates: %w", err)
	}
	d.templates = templates
	d.logger.Info().Str("path", cfg.Queries.ConfigPath).Msg("Report templates loaded")

	runner, err := tools.NewRunner(tools.RunnerConfig{
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		ConnLifetime: cfg.Database.ConnLifetime,
	}, templates, zlog)
	if err != nil {
		return fmt.Errorf("failed to create report runner: %w", err)
	}
	d.runner = runner

	toolSet, err := tools.NewSet(zlog,
		tools.NewQueryTool(runner),
		tools.NewExportTool(runner),
	)
	if err != nil {
		return fmt.Errorf("failed to assemble tool set: %w", err)
	}
	d.toolSet = toolSet
	d.logger.Info().Strs("tools", toolSet.Names()).Msg("Tool set initialized")

	memDir := cfg.Sessions.MemoryDir
	if memDir == "" {
		memDir = filepath.Join(cfg.DataDir, "memory")
	}
	memoryMgr, err := memory.NewStore(memDir)
	if err != nil {
		return fmt.Errorf("failed to create memory store: %w", err)
	}
	d.memoryMgr = memoryMgr
	d.logger.Info().Str("dir", memDir).Msg("Memory store initialized")

	factory, err := agent.NewFactory(agent.FactoryConfig{
		Provider: cfg.Models.Provider,
		Credentials: agent.Credentials{
			OpenAIAPIKey:    cfg.Models.OpenAIAPIKey,
			AnthropicAPIKey: cfg.Models.AnthropicAPIKey,
		},
		Tools:       toolSet,
		Memory:      memoryMgr,
		Temperature: cfg.Models.Temperature,
		MaxTokens:   cfg.Models.MaxTokens,
		Logger:      zlog,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent factory: %w", err)
	}
	d.factory = factory

	d.connMgr = conn.NewManager(conn.Config{
		QueueLimit: cfg.Server.QueueLimit,
		Logger:     zlog,
	})

	rootDir := cfg.Sessions.RootDir
	if rootDir == "" {
		rootDir = filepath.Join(cfg.DataDir, "sessions")
	}
	reg, err := registry.New(registry.Config{
		Factory:        factory,
		RootDir:        rootDir,
		PrimaryModel:   cfg.Models.Primary,
		FallbackModels: cfg.Models.Fallbacks,
		Logger:         zlog,
		OnEvict: d.onSessionEvict,
	})
	if err != nil {
		return fmt.Errorf("failed to create session registry: %w", err)
	}
	d.registry = reg
	d.logger.Info().Str("root", rootDir).Msg("Session registry initialized")

	d.cleanup = registry.NewCleanup(reg, cfg.Sessions.IdleAge, cfg.Sessions.CleanupSchedule, zlog)

	d.bridge = bridge.New(bridge.Config{
		Timeout: cfg.Server.RequestTimeout,
		Logger:  zlog,
	})
	d.classifier = routing.NewClassifier(zlog)
	d.controller = resilience.NewController(zlog)

	return nil
}

// onSessionEvict drops per-session state the registry does not own: queued
// connection frames and the thread's routing history. The classifier is
// wired after the registry, but evictions only fire once the daemon runs.
func (d *Daemon) onSessionEvict(sessionID string) {
	d.connMgr.Evict(sessionID)
	if d.classifier != nil {
		d.classifier.Forget(sessionID)
	}
}

// initializeServices builds the outward-facing servers.
func (d *Daemon) initializeServices() error {
	srv, err := gateway.NewServer(gateway.Config{
		Port:       d.config.Server.Port,
		Registry:   d.registry,
		Bridge:     d.bridge,
		Classifier: d.classifier,
		Conn:       d.connMgr,
		Controller: d.controller,
		Memory:     d.memoryMgr,
		Logger:     d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = srv
	return nil
}

// Start starts the daemon.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting contactd daemon")

	if err := d.gatewayServer.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Msg("Gateway server started")

	if err := d.cleanup.Start(); err != nil {
		return fmt.Errorf("failed to start session cleanup: %w", err)
	}
	logger.Info().Msg("Session cleanup started")

	return nil
}

// Stop stops the daemon, newest dependencies first.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.GetZerolog()
	logger.Info().Msg("Stopping contactd daemon")

	if err := d.gatewayServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}

	d.cleanup.Stop()
	d.teardown()

	logger.Info().Msg("Daemon stopped")
	return nil
}

// teardown releases the core modules. Safe to call with any subset
// initialized, so construction failures unwind cleanly.
func (d *Daemon) teardown() {
	logger := d.logger.GetZerolog()

	if d.registry != nil {
		if err := d.registry.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close session registry")
		}
		d.registry = nil
	}
	if d.toolSet != nil {
		if err := d.toolSet.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close tool set")
		}
		d.toolSet = nil
		d.runner = nil
	}
	if d.templates != nil {
		if err := d.templates.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close template store")
		}
		d.templates = nil
	}
	if d.memoryMgr != nil {
		if err := d.memoryMgr.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close memory store")
		}
		d.memoryMgr = nil
	}
	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = tracing.ShutdownOpenTelemetry(ctx)
		cancel()
		d.tracingEnabled = false
	}
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Status describes the running daemon.
type Status struct {
	Running  bool          `json:"running"`
	Uptime   time.Duration `json:"uptime"`
	Sessions int           `json:"sessions"`
}

// Status returns the daemon's current state.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := Status{Running: d.running}
	if d.running {
		s.Uptime = time.Since(d.startTime)
	}
	if d.registry != nil {
		s.Sessions = d.registry.Count()
	}
	return s
}

// GetRegistry returns the session registry.
func (d *Daemon) GetRegistry() *registry.Registry {
	return d.registry
}

// GetGatewayServer returns the gateway server.
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}
