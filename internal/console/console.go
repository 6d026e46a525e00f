// ABOUTME: Console orchestrator wiring store, transport, CSRF, session manager, clock and guards
// ABOUTME: Owns the single auth manager instance shared by the CLI and the web console

package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/widget-console/internal/authsession"
	"github.com/2389/widget-console/internal/backend"
	"github.com/2389/widget-console/internal/config"
	"github.com/2389/widget-console/internal/csrf"
	"github.com/2389/widget-console/internal/guard"
	"github.com/2389/widget-console/internal/metrics"
	"github.com/2389/widget-console/internal/notify"
	"github.com/2389/widget-console/internal/permission"
	"github.com/2389/widget-console/internal/sessionclock"
	"github.com/2389/widget-console/internal/signals"
	"github.com/2389/widget-console/internal/tokenstore"
	"github.com/2389/widget-console/internal/transport"
)

// signalWindow is how long identical signals are collapsed on the bus.
const signalWindow = 30 * time.Second

// Options overrides collaborators normally built from config.
type Options struct {
	// Store replaces the configured token store. The console does not close it.
	Store tokenstore.Store
	// Notifier receives user-facing notices. Defaults to notify.Discard.
	Notifier notify.Notifier
	// Metrics replaces the private registry built when metrics are enabled.
	Metrics *metrics.Metrics
}

// Console holds one wired instance of every auth component.
type Console struct {
	cfg    *config.Config
	logger *slog.Logger

	store     tokenstore.Store
	ownsStore bool
	bus       *signals.Bus
	client    *transport.Client
	csrf      *csrf.Bootstrapper
	api       *backend.API
	resolver  *permission.Resolver
	manager   *authsession.Manager
	clock     *sessionclock.Clock
	metrics   *metrics.Metrics
}

// New wires the components in startup order: store, bus, transport, CSRF,
// backend API, manager, clock. Nothing talks to the network until Start.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*Console, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := opts.Metrics
	if m == nil && cfg.Metrics.Enabled {
		_, m = metrics.NewRegistry()
	}

	store, owns := opts.Store, false
	if store == nil {
		var err error
		store, err = OpenStore(cfg.Store, logger)
		if err != nil {
			return nil, err
		}
		owns = true
	}

	bus := signals.NewBus(signalWindow, logger.With("component", "signals"))

	client, err := transport.New(transport.Config{
		BaseURL:   cfg.Backend.BaseURL,
		Timeout:   cfg.Backend.Timeout,
		UserAgent: cfg.Backend.UserAgent,
	}, store, bus, logger)
	if err != nil {
		bus.Close()
		if owns {
			_ = store.Close()
		}
		return nil, fmt.Errorf("creating transport: %w", err)
	}
	client.SetMetrics(m)

	endpoints := cfg.Backend.Endpoints.WithDefaults()
	boot := csrf.New(client, store, csrf.Options{
		Path:     endpoints.CSRF,
		Attempts: cfg.Backend.CSRFAttempts,
		Backoff:  cfg.Backend.CSRFBackoff,
		Metrics:  m,
	}, logger)
	client.SetCSRFSource(boot)

	api := backend.New(client, endpoints)
	resolver := permission.NewResolver(cfg.Aliases())

	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.Discard
	}

	manager := authsession.New(api, store, authsession.Options{
		CSRF:           boot,
		Resolver:       resolver,
		Bus:            bus,
		Notifier:       notifier,
		Metrics:        m,
		RequestTimeout: cfg.Session.RequestTimeout,
	}, logger)

	clock := sessionclock.New(manager, manager, sessionclock.Options{
		PollInterval:     cfg.Session.PollInterval,
		WarningThreshold: cfg.Session.WarningThreshold,
		Metrics:          m,
	}, logger)

	return &Console{
		cfg:       cfg,
		logger:    logger.With("component", "console"),
		store:     store,
		ownsStore: owns,
		bus:       bus,
		client:    client,
		csrf:      boot,
		api:       api,
		resolver:  resolver,
		manager:   manager,
		clock:     clock,
		metrics:   m,
	}, nil
}

// OpenStore builds the token store named by cfg.
func OpenStore(cfg config.StoreConfig, logger *slog.Logger) (tokenstore.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return tokenstore.NewMemory(), nil
	case config.DriverSQLite:
		s, err := tokenstore.OpenSQLite(cfg.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite token store: %w", err)
		}
		return s, nil
	case config.DriverFile, "":
		durable, session := cfg.Path, cfg.SessionPath
		if durable == "" || session == "" {
			defDurable, defSession, err := tokenstore.DefaultPaths()
			if err != nil {
				return nil, err
			}
			if durable == "" {
				durable = defDurable
			}
			if session == "" {
				session = defSession
			}
		}
		f, err := tokenstore.OpenFile(durable, session, logger)
		if err != nil {
			return nil, fmt.Errorf("opening token file: %w", err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Start restores any saved session. A transient restore failure is logged
// and returned; the console stays usable.
func (c *Console) Start(ctx context.Context) error {
	if err := c.manager.Start(ctx); err != nil {
		c.logger.Warn("restoring session", "error", err)
		return err
	}
	if c.manager.IsAuthenticated() {
		c.logger.Info("session restored", "user", c.manager.User().Email)
	}
	return nil
}

// Run drives the session clock until ctx is done.
func (c *Console) Run(ctx context.Context) {
	c.clock.Run(ctx)
}

// Close releases the bus and any store the console opened.
func (c *Console) Close() error {
	c.bus.Close()
	if c.ownsStore {
		if err := c.store.Close(); err != nil {
			return fmt.Errorf("closing token store: %w", err)
		}
	}
	return nil
}

// NewGuard returns a guard for one protected route.
func (c *Console) NewGuard() *guard.Guard {
	return guard.New(c.manager, guard.Options{
		GraceWindow:  c.cfg.Guard.GraceWindow,
		MaxAttempts:  c.cfg.Guard.MaxAttempts,
		RefreshEvery: c.cfg.Guard.RefreshEvery,
		Metrics:      c.metrics,
	}, c.logger)
}

func (c *Console) Config() *config.Config { return c.cfg }
func (c *Console) Manager() *authsession.Manager { return c.manager }
func (c *Console) Clock() *sessionclock.Clock { return c.clock }
func (c *Console) API() *backend.API { return c.api }
func (c *Console) Client() *transport.Client { return c.client }
func (c *Console) Store() tokenstore.Store { return c.store }
func (c *Console) Bus() *signals.Bus { return c.bus }
func (c *Console) Resolver() *permission.Resolver { return c.resolver }
func (c *Console) Metrics() *metrics.Metrics { return c.metrics }
func (c *Console) CSRF() *csrf.Bootstrapper { return c.csrf }
