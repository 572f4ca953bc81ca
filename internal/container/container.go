package container

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/quote-approval/internal/application/dispatcher"
	"github.com/garyjia/quote-approval/internal/application/port"
	"github.com/garyjia/quote-approval/internal/config"
	"github.com/garyjia/quote-approval/internal/infrastructure/export"
	"github.com/garyjia/quote-approval/internal/infrastructure/tracing"
	"github.com/garyjia/quote-approval/internal/infrastructure/worker"
	httpapi "github.com/garyjia/quote-approval/internal/interfaces/http"
	"github.com/garyjia/quote-approval/internal/webhook"
	"github.com/garyjia/quote-approval/pkg/utils"
)

// feedBuffer is the number of events a slow SSE watcher may fall behind
const feedBuffer = 64

// Container manages all application dependencies and lifecycle.
// Components are initialized in dependency order and torn down in reverse.
type Container struct {
	config  *config.Config
	version string
	logger  *zap.Logger

	// Infrastructure
	tracingShutdown tracing.Shutdown
	store           *StoreBundle
	lark            *LarkBundle
	alerter         port.Alerter

	// Application
	dispatcher dispatcher.Dispatcher
	feed       *dispatcher.Feed
	services   *ServiceBundle

	// Interfaces
	workers *worker.WorkerManager
	server  *httpapi.Server

	// Lifecycle
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	ready  atomic.Bool
	closed atomic.Bool
}

// HealthStatus represents the health of all components.
type HealthStatus struct {
	Overall    bool                       `json:"overall"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents health of a single component.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// NewContainer creates a new container from configuration.
// It does not initialize components - call Start() to initialize.
func NewContainer(cfg *config.Config, version string, logger *zap.Logger) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Container{
		config:  cfg,
		version: version,
		logger:  logger,
	}, nil
}

// Start initializes all components and starts the background workers.
// Components are initialized in dependency order:
// 1. Tracing
// 2. Storage
// 3. External channel (Lark)
// 4. Dispatcher and application services
// 5. Workers
// 6. HTTP server (started by the caller through Server)
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container has been closed")
	}
	if c.ready.Load() {
		return fmt.Errorf("container already started")
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.logger.Info("Starting container initialization")

	shutdown, err := tracing.Init(tracing.Config{
		Enabled:        c.config.Tracing.Enabled,
		ServiceName:    "quote-approval",
		ServiceVersion: c.version,
		Output:         tracingOutput(c.config.Tracing.Output),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	c.tracingShutdown = shutdown

	store, err := ProvideStore(c.ctx, &c.config.Database, c.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	c.store = store
	c.logger.Info("Store initialized", zap.String("driver", c.config.Database.Driver))

	c.lark = ProvideLark(&c.config.Lark, c.logger)
	if c.lark != nil {
		if err := c.lark.Gateway.SubscribeApprovalEvent(c.ctx); err != nil {
			// events still reach us once the subscription is fixed in the console
			c.logger.Warn("Failed to subscribe to Lark approval events", zap.Error(err))
		}
		c.logger.Info("Lark channel initialized", zap.String("approval_code", c.config.Lark.ApprovalCode))
	}
	c.alerter = ProvideAlerter(c.lark, c.logger)

	c.dispatcher = ProvideDispatcher(c.logger)
	c.feed = dispatcher.NewFeed(c.dispatcher, feedBuffer, utils.NewKVLogger(c.logger))

	services, err := ProvideServices(&ServiceDeps{
		Config:     c.config,
		Store:      c.store,
		Lark:       c.lark,
		Alerter:    c.alerter,
		Dispatcher: c.dispatcher,
		Logger:     c.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	c.services = services
	c.logger.Info("Application services initialized")

	c.workers = ProvideWorkers(&WorkerDeps{
		Config:   c.config,
		Store:    c.store,
		Services: c.services,
		Lark:     c.lark,
		Alerter:  c.alerter,
		Logger:   c.logger,
	})
	if err := c.workers.StartAll(c.ctx); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}
	c.logger.Info("Workers started", zap.Int("count", c.workers.GetWorkerCount()))

	c.server = httpapi.NewServer(httpapi.ServerConfig{
		Host:         c.config.Server.Host,
		Port:         c.config.Server.Port,
		ReadTimeout:  c.config.Server.ReadTimeout,
		WriteTimeout: c.config.Server.WriteTimeout,
		Version:      c.version,
	}, c.httpServices(), utils.NewKVLogger(c.logger))

	c.ready.Store(true)
	c.logger.Info("Container started successfully")
	return nil
}

func (c *Container) httpServices() httpapi.Services {
	services := httpapi.Services{
		Executor: c.services.Executor,
		Status:   c.services.Status,
		Sync:     c.services.Sync,
		Feed:     c.feed,
		Exporter: export.NewHistoryExporter(c.logger),
		Verifier: webhook.NewVerifier(webhook.Config{
			Secret:      c.config.Webhook.Secret,
			Tolerance:   c.config.Webhook.Tolerance,
			VerifyToken: c.config.Lark.VerifyToken,
			EncryptKey:  c.config.Lark.EncryptKey,
		}, nil, c.logger),
	}
	// a nil pointer in the interface would defeat the handlers' nil checks
	if c.services.Inbound != nil {
		services.Inbound = c.services.Inbound
	}
	if c.services.Events != nil {
		services.Lark = c.services.Events
	}
	return services
}

// Close gracefully shuts down all components in reverse order.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container already closed")
	}

	c.logger.Info("Closing container")
	var errs []error

	if c.cancel != nil {
		c.cancel()
	}

	if c.server != nil {
		if err := c.server.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop http server: %w", err))
		}
	}

	// Workers stop before the dispatcher so in-flight pushes can still publish
	if c.workers != nil {
		if err := c.workers.StopAll(); err != nil {
			c.logger.Error("Failed to stop workers", zap.Error(err))
			errs = append(errs, fmt.Errorf("stop workers: %w", err))
		} else {
			c.logger.Info("Workers stopped")
		}
	}

	if c.dispatcher != nil {
		if err := c.dispatcher.Close(); err != nil {
			c.logger.Error("Failed to close dispatcher", zap.Error(err))
			errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
		} else {
			c.logger.Info("Dispatcher closed")
		}
	}

	if c.store != nil {
		if err := c.store.close(); err != nil {
			c.logger.Error("Failed to close store", zap.Error(err))
			errs = append(errs, fmt.Errorf("close store: %w", err))
		} else {
			c.logger.Info("Store closed")
		}
	}

	if c.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.tracingShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush traces: %w", err))
		}
		cancel()
	}

	c.closed.Store(true)
	c.ready.Store(false)

	if len(errs) > 0 {
		c.logger.Error("Container closed with errors", zap.Int("error_count", len(errs)))
		return fmt.Errorf("container closed with %d errors: %w", len(errs), errs[0])
	}

	c.logger.Info("Container closed successfully")
	return nil
}

// Ready returns true when all components are initialized.
func (c *Container) Ready() bool {
	return c.ready.Load()
}

// Health returns health status of all components.
func (c *Container) Health(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Overall:    true,
		Components: make(map[string]ComponentHealth),
	}

	if c.store != nil {
		if err := c.store.ping(ctx); err != nil {
			status.Components["store"] = ComponentHealth{Message: fmt.Sprintf("ping failed: %v", err)}
			status.Overall = false
		} else {
			status.Components["store"] = ComponentHealth{Healthy: true}
		}
	} else {
		status.Components["store"] = ComponentHealth{Message: "not initialized"}
		status.Overall = false
	}

	if c.workers != nil {
		failed := c.workers.Failed()
		health := ComponentHealth{
			Healthy: c.workers.IsRunning() && len(failed) == 0,
			Message: fmt.Sprintf("worker count: %d", c.workers.GetWorkerCount()),
		}
		if len(failed) > 0 {
			health.Message = fmt.Sprintf("%s, failed to start: %s", health.Message, strings.Join(failed, ", "))
		}
		status.Components["workers"] = health
		if !health.Healthy {
			status.Overall = false
		}
	} else {
		status.Components["workers"] = ComponentHealth{Message: "not initialized"}
		status.Overall = false
	}

	if c.lark != nil {
		status.Components["lark"] = ComponentHealth{Healthy: true}
	}

	return status
}

// Server returns the HTTP server. It is nil until Start succeeds.
func (c *Container) Server() *httpapi.Server {
	return c.server
}

// Services returns all application services.
func (c *Container) Services() *ServiceBundle {
	return c.services
}

// Store returns the storage backend.
func (c *Container) Store() *StoreBundle {
	return c.store
}

// Workers returns the worker manager.
func (c *Container) Workers() *worker.WorkerManager {
	return c.workers
}

// Dispatcher returns the event dispatcher.
func (c *Container) Dispatcher() dispatcher.Dispatcher {
	return c.dispatcher
}

// Logger returns the container's logger.
func (c *Container) Logger() *zap.Logger {
	return c.logger
}

// tracingOutput maps the config value to a file path; "stdout" means none.
func tracingOutput(output string) string {
	if output == "stdout" {
		return ""
	}
	return output
}
