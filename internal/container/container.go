// Package container wires the promoter services from configuration.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/relicta-tech/promoter/internal/config"
	"github.com/relicta-tech/promoter/internal/domain/promotion/adapters"
	"github.com/relicta-tech/promoter/internal/domain/promotion/app"
	"github.com/relicta-tech/promoter/internal/domain/promotion/ports"
	"github.com/relicta-tech/promoter/internal/errors"
	"github.com/relicta-tech/promoter/internal/httpserver"
	"github.com/relicta-tech/promoter/internal/httpserver/handlers"
	httpws "github.com/relicta-tech/promoter/internal/httpserver/websocket"
	"github.com/relicta-tech/promoter/internal/infrastructure/cf"
	"github.com/relicta-tech/promoter/internal/infrastructure/github"
	"github.com/relicta-tech/promoter/internal/infrastructure/sqlite"
	"github.com/relicta-tech/promoter/internal/infrastructure/webhook"
	"github.com/relicta-tech/promoter/internal/observability"
	"github.com/relicta-tech/promoter/internal/version"
)

// defaultShutdownTimeout is the default timeout for graceful shutdown of components.
const defaultShutdownTimeout = 10 * time.Second

// Notifier selections.
const (
	NotifierAuto   = "auto"
	NotifierGitHub = "github"
	NotifierLog    = "log"
)

// Closeable represents a component that can be closed/shutdown.
type Closeable interface {
	Close() error
}

// CloseFunc adapts a function to Closeable.
type CloseFunc func() error

func (f CloseFunc) Close() error { return f() }

// Option overrides a component before initialization.
type Option func(*Container)

// WithPlatform replaces the cf CLI platform.
func WithPlatform(p ports.Platform) Option {
	return func(c *Container) { c.platform = p }
}

// WithReleaseSource replaces the GitHub release source and artifact fetcher.
func WithReleaseSource(source ports.ReleaseSource, fetcher ports.ArtifactFetcher) Option {
	return func(c *Container) {
		c.source = source
		c.fetcher = fetcher
	}
}

// WithClock replaces the wall clock.
func WithClock(clock ports.Clock) Option {
	return func(c *Container) { c.clock = clock }
}

// WithNotifier adds a notifier that receives every gate event alongside
// the configured one.
func WithNotifier(n ports.Notifier) Option {
	return func(c *Container) { c.extraNotifiers = append(c.extraNotifiers, n) }
}

// WithLogger sets the logger used by the container itself.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Container) { c.logger = logger }
}

// Container holds the promoter object graph.
type Container struct {
	config *config.Config
	logger *slog.Logger
	mu     sync.RWMutex
	closed bool
	ready  bool

	// Infrastructure
	metrics        *observability.Metrics
	clock          ports.Clock
	ledger         ports.VersionLedger
	sqliteLedger   *sqlite.Ledger
	locker         ports.PairLocker
	github         *github.Client
	source         ports.ReleaseSource
	fetcher        ports.ArtifactFetcher
	platform       ports.Platform
	notifier       ports.Notifier
	extraNotifiers []ports.Notifier
	hub            *httpws.Hub

	// Application
	planner  *app.Planner
	gate     *app.ApprovalGate
	health   *app.HealthChecker
	executor *app.BlueGreenExecutor
	detector *app.ReleaseDetector
	runner   *app.Runner

	server *httpserver.Server

	// Cleanup tracking
	closeables []Closeable
}

// New creates a container for cfg. Components are built by Initialize.
func New(cfg *config.Config, opts ...Option) (*Container, error) {
	if cfg == nil {
		return nil, errors.Config("container.New", "configuration is required")
	}

	c := &Container{
		config:     cfg,
		logger:     slog.Default(),
		closeables: make([]Closeable, 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewInitialized creates and initializes a container.
func NewInitialized(ctx context.Context, cfg *config.Config, opts ...Option) (*Container, error) {
	c, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Initialize(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// registerCloseable registers a component for cleanup during shutdown.
func (c *Container) registerCloseable(closeable Closeable) {
	if closeable != nil {
		c.closeables = append(c.closeables, closeable)
	}
}

// RegisterCloseable allows external components to register for cleanup during shutdown.
// Components are closed in reverse order of registration (LIFO).
func (c *Container) RegisterCloseable(closeable Closeable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registerCloseable(closeable)
}

// Initialize builds every component. It may be called once.
func (c *Container) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.State("container.Initialize", "container is closed")
	}
	if c.ready {
		return errors.State("container.Initialize", "container is already initialized")
	}

	if err := c.initInfrastructure(ctx); err != nil {
		return err
	}
	if err := c.initApplication(); err != nil {
		return err
	}
	c.initServer()

	c.ready = true
	c.logger.Debug("container initialized",
		"mode", c.config.Mode,
		"applications", len(c.config.Applications),
		"ledger", c.config.Ledger.Backend)
	return nil
}

func (c *Container) initInfrastructure(ctx context.Context) error {
	c.metrics = observability.NewMetrics(version.Get())
	if c.clock == nil {
		c.clock = adapters.NewRealClock()
	}

	if err := c.initLedger(); err != nil {
		return err
	}
	c.locker = adapters.NewFileLockManager(c.config.LockDir())

	if err := c.initGitHub(ctx); err != nil {
		return err
	}

	if c.platform == nil {
		c.platform = cf.NewPlatform(cf.ExecRunner{Binary: "cf"}, c.config.CFHomeDir(), c.credentials())
	}

	if c.config.Server.Address != "" {
		c.hub = httpws.NewHub()
		c.registerCloseable(CloseFunc(func() error {
			c.hub.Close()
			return nil
		}))
	}
	return c.initNotifier()
}

func (c *Container) initLedger() error {
	path := c.config.LedgerPath()
	switch c.config.Ledger.Backend {
	case config.LedgerMemory:
		c.ledger = adapters.NewMemoryLedger()
	case config.LedgerFile:
		c.ledger = adapters.NewFileLedger(path)
	case config.LedgerSQLite, "":
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return errors.IOWrap(err, "container.ledger", "create ledger directory")
		}
		db, err := sqlite.Open(path)
		if err != nil {
			return errors.IOWrap(err, "container.ledger", "open ledger database")
		}
		c.registerCloseable(db)
		c.sqliteLedger = &sqlite.Ledger{DB: db}
		c.ledger = c.sqliteLedger
	default:
		return errors.Config("container.ledger", fmt.Sprintf("unknown ledger backend %q", c.config.Ledger.Backend))
	}
	return nil
}

func (c *Container) initGitHub(ctx context.Context) error {
	up := c.config.Upstream
	if c.source != nil && c.fetcher != nil && up.Token == "" {
		return nil
	}

	res := github.DefaultResilienceConfig()
	res.RateLimitRPM = up.RateLimitRPM
	res.RetryAttempts = up.RetryAttempts

	client, err := github.NewClient(ctx, github.Config{
		Repository: up.Repository,
		Token:      up.Token,
		APIURL:     up.APIURL(),
		Resilience: res,
	})
	if err != nil {
		return err
	}
	c.github = client

	if c.source == nil || c.fetcher == nil {
		src := github.NewSource(client)
		c.source = src
		c.fetcher = src
	}
	return nil
}

func (c *Container) initNotifier() error {
	var primary ports.Notifier
	switch c.config.Approval.Notifier {
	case NotifierLog:
		primary = adapters.NewLogNotifier(slog.Default())
	case NotifierGitHub:
		if c.github == nil || c.config.Upstream.Token == "" {
			return errors.Config("container.notifier", "the github notifier requires an upstream token")
		}
		primary = github.NewNotifier(c.github)
	case NotifierAuto, "":
		if c.github != nil && c.config.Upstream.Token != "" {
			primary = github.NewNotifier(c.github)
		} else {
			primary = adapters.NewLogNotifier(slog.Default())
		}
	default:
		return errors.Config("container.notifier", fmt.Sprintf("unknown notifier %q", c.config.Approval.Notifier))
	}

	fanout := adapters.MultiNotifier{primary}
	if c.hub != nil {
		fanout = append(fanout, httpws.NewGateBroadcaster(c.hub))
	}
	if hooks := c.config.Approval.Webhooks; len(hooks) > 0 {
		endpoints := make([]webhook.Endpoint, 0, len(hooks))
		for _, h := range hooks {
			endpoints = append(endpoints, webhook.Endpoint{
				Name:       h.Name,
				URL:        h.URL,
				Secret:     h.Secret,
				Events:     h.Events,
				Headers:    h.Headers,
				Timeout:    h.Timeout,
				RetryCount: h.RetryCount,
				RetryDelay: h.RetryDelay,
			})
		}
		hooksNotifier := webhook.NewNotifier(endpoints, nil)
		c.registerCloseable(hooksNotifier)
		fanout = append(fanout, hooksNotifier)
	}
	fanout = append(fanout, c.extraNotifiers...)
	if len(fanout) == 1 {
		c.notifier = primary
		return nil
	}
	c.notifier = fanout
	return nil
}

func (c *Container) credentials() map[string]cf.Credentials {
	skip := c.config.SkipSSLValidation()
	creds := make(map[string]cf.Credentials)
	for _, t := range c.config.Targets() {
		f := t.Foundation
		creds[f.Name] = cf.Credentials{
			Username:          f.Username,
			Password:          f.Password,
			SkipSSLValidation: skip[f.Name],
		}
	}
	return creds
}

func (c *Container) initApplication() error {
	h := c.config.Health
	c.planner = app.NewPlanner(c.config.FoundationMode(), c.config.ApplicationDefinitions(), c.config.Targets())
	c.gate = app.NewApprovalGate(c.config.Approval.Reviewers, c.notifier, c.clock, c.metrics)
	// Closed before the notifiers so queued gate events reach them.
	c.registerCloseable(CloseFunc(func() error {
		c.gate.Flush()
		return nil
	}))
	c.health = app.NewHealthChecker(c.platform, app.HealthConfig{
		Consecutive:  h.Consecutive,
		MaxAttempts:  h.MaxAttempts,
		InitialDelay: h.InitialDelay,
		MaxDelay:     h.MaxDelay,
		Deadline:     h.Deadline,
	}, c.metrics)
	c.executor = app.NewBlueGreenExecutor(c.platform, c.ledger, c.locker, c.health, c.clock, c.metrics)
	c.detector = app.NewReleaseDetector(c.source, c.ledger, c.planner)
	c.runner = app.NewRunner(c.detector, c.fetcher, c.executor, c.gate, c.clock, c.metrics, app.RunnerConfig{
		WorkDir:     c.config.WorkDir(),
		MaxParallel: c.config.Runner.MaxParallel,
		Retain:      c.config.Runner.Retain,
	})
	return nil
}

func (c *Container) initServer() {
	if c.hub == nil {
		return
	}
	sc := c.config.Server
	c.server = httpserver.NewServer(httpserver.ServerDeps{
		Config: httpserver.Config{
			Address:           sc.Address,
			Token:             sc.Token,
			ReviewerTokens:    sc.ReviewerTokens,
			AllowedOrigins:    sc.AllowedOrigins,
			ShutdownTimeout:   sc.ShutdownTimeout,
			RequestsPerMinute: sc.RequestsPerMinute,
		},
		API: &handlers.API{
			Runs:         c.runner,
			Approvals:    c.gate,
			Ledger:       c.ledger,
			Applications: len(c.config.Applications),
			Version:      version.Get(),
			// Identity is only enforced when reviewers hold personal tokens.
			BoundReviewers: len(sc.ReviewerTokens) > 0,
		},
		Metrics: c.metrics,
		Hub:     c.hub,
	})
}

// Accessors

// Config returns the configuration.
func (c *Container) Config() *config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// Runner returns the run orchestrator.
func (c *Container) Runner() *app.Runner {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runner
}

// Planner returns the deployment planner.
func (c *Container) Planner() *app.Planner {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.planner
}

// Detector returns the release detector.
func (c *Container) Detector() *app.ReleaseDetector {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.detector
}

// Gate returns the approval gate.
func (c *Container) Gate() *app.ApprovalGate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gate
}

// Ledger returns the version ledger.
func (c *Container) Ledger() ports.VersionLedger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ledger
}

// History returns the SQLite ledger, which keeps the history of accepted
// writes, or nil for the other backends.
func (c *Container) History() *sqlite.Ledger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sqliteLedger
}

// Notifier returns the gate notifier.
func (c *Container) Notifier() ports.Notifier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.notifier
}

// Metrics returns the Prometheus metrics.
func (c *Container) Metrics() *observability.Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metrics
}

// Server returns the HTTP server, or nil when no server address is
// configured.
func (c *Container) Server() *httpserver.Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server
}

// Close gracefully shuts down the container and all its components.
func (c *Container) Close() error {
	return c.CloseWithTimeout(defaultShutdownTimeout)
}

// CloseWithTimeout gracefully shuts down the container with a custom timeout.
func (c *Container) CloseWithTimeout(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.logger.Debug("initiating container shutdown", "timeout", timeout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// LIFO
	var errs []error
	for i := len(c.closeables) - 1; i >= 0; i-- {
		if err := c.closeWithContext(ctx, c.closeables[i]); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		c.logger.Warn("some components failed to close cleanly", "error_count", len(errs))
		return errs[0]
	}

	c.logger.Debug("container shutdown completed successfully")
	return nil
}

// closeWithContext closes a component with context cancellation support.
func (c *Container) closeWithContext(ctx context.Context, closeable Closeable) error {
	done := make(chan error, 1)
	go func() {
		done <- closeable.Close()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		c.logger.Warn("component close timed out", "error", ctx.Err())
		return ctx.Err()
	}
}
