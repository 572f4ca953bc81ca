// Package container provides dependency injection and lifecycle management
// for the quote approval engine following Clean Architecture principles.
package container

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/garyjia/quote-approval/internal/application/dispatcher"
	"github.com/garyjia/quote-approval/internal/application/keylock"
	"github.com/garyjia/quote-approval/internal/application/port"
	"github.com/garyjia/quote-approval/internal/application/service"
	"github.com/garyjia/quote-approval/internal/config"
	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/event"
	"github.com/garyjia/quote-approval/internal/domain/permission"
	"github.com/garyjia/quote-approval/internal/infrastructure/alert"
	"github.com/garyjia/quote-approval/internal/infrastructure/channel"
	"github.com/garyjia/quote-approval/internal/infrastructure/directory"
	"github.com/garyjia/quote-approval/internal/infrastructure/external/lark"
	"github.com/garyjia/quote-approval/internal/infrastructure/persistence/memory"
	"github.com/garyjia/quote-approval/internal/infrastructure/persistence/postgres"
	"github.com/garyjia/quote-approval/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/quote-approval/internal/infrastructure/worker"
	"github.com/garyjia/quote-approval/internal/interfaces/websocket"
	"github.com/garyjia/quote-approval/pkg/database"
	"github.com/garyjia/quote-approval/pkg/utils"
)

// StoreBundle holds the repositories of one storage backend
type StoreBundle struct {
	Records     port.RecordRepository
	History     port.HistoryRepository
	Idempotency port.IdempotencyRepository
	TxManager   port.TransactionManager

	ping  func(ctx context.Context) error
	close func() error
}

// LarkBundle holds the external channel components. It is nil when Lark is
// disabled.
type LarkBundle struct {
	Gateway *lark.SDKGateway
	Adapter *lark.ChannelAdapter
	Alerter *lark.ChatAlerter
}

// ServiceBundle groups all application services
type ServiceBundle struct {
	Executor service.Executor
	Sync     service.SyncService
	Status   service.StatusService
	Inbound  service.InboundService
	Events   *lark.EventProcessor
}

// ProvideStore opens the configured storage backend. Schemas are applied on
// open, so a fresh database is usable immediately.
func ProvideStore(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*StoreBundle, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config is required")
	}

	switch cfg.Driver {
	case config.DriverMemory:
		store := memory.NewStore()
		logger.Warn("Using in-memory store, approval state is lost on restart")
		return &StoreBundle{
			Records:     store.Records(),
			History:     store.History(),
			Idempotency: store.Idempotency(),
			TxManager:   store,
			ping:        func(context.Context) error { return nil },
			close:       func() error { return nil },
		}, nil

	case config.DriverSQLite:
		conn, err := database.New(database.Config{
			Path:            cfg.Path,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := database.NewMigrator(conn, logger).RunMigrations(); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		version, err := conn.SchemaVersion(ctx)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		logger.Info("SQLite store ready", zap.String("path", cfg.Path), zap.Int("schema_version", version))

		db := sqlite.NewDB(conn.DB, logger)
		return &StoreBundle{
			Records:     sqlite.NewRecordRepository(db),
			History:     sqlite.NewHistoryRepository(db),
			Idempotency: sqlite.NewIdempotencyRepository(db),
			TxManager:   db,
			ping:        conn.PingContext,
			close:       conn.Close,
		}, nil

	case config.DriverPostgres:
		db, err := postgres.Open(ctx, cfg.DSN, int32(cfg.MaxOpenConns), logger)
		if err != nil {
			return nil, err
		}
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return &StoreBundle{
			Records:     db.Records(),
			History:     db.History(),
			Idempotency: db.Idempotency(),
			TxManager:   db,
			ping:        db.Ping,
			close: func() error {
				db.Close()
				return nil
			},
		}, nil
	}

	return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}

// ProvideLark creates the Lark gateway, channel adapter and alert sender
func ProvideLark(cfg *config.LarkConfig, logger *zap.Logger) *LarkBundle {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	gateway := lark.NewSDKGateway(lark.Config{
		AppID:        cfg.AppID,
		AppSecret:    cfg.AppSecret,
		ApprovalCode: cfg.ApprovalCode,
	}, logger)

	widgets := lark.FormWidgets{
		QuoteID:   cfg.FormWidgets.QuoteID,
		Submitter: cfg.FormWidgets.Submitter,
		Cycle:     cfg.FormWidgets.Cycle,
		Approver:  cfg.FormWidgets.Approver,
	}

	bundle := &LarkBundle{
		Gateway: gateway,
		Adapter: lark.NewChannelAdapter(gateway, widgets, logger),
	}
	if cfg.AlertChatID != "" {
		bundle.Alerter = lark.NewChatAlerter(lark.NewMessageAPI(gateway.Client(), logger), cfg.AlertChatID, logger)
	}
	return bundle
}

// ProvideAlerter fans alerts out to the log and, when configured, a Lark chat
func ProvideAlerter(larkBundle *LarkBundle, logger *zap.Logger) port.Alerter {
	alerters := alert.Fanout{alert.NewLogAlerter(logger)}
	if larkBundle != nil && larkBundle.Alerter != nil {
		alerters = append(alerters, larkBundle.Alerter)
	}
	return alerters
}

// ProvideDispatcher creates the event dispatcher and logs every committed
// operation.
func ProvideDispatcher(logger *zap.Logger) dispatcher.Dispatcher {
	kv := utils.NewKVLogger(logger)
	d := dispatcher.NewDispatcher(dispatcher.WithLogger(kv))

	d.SubscribeNamed(event.TypeApprovalCommitted, "audit-log", func(_ context.Context, evt *event.Event) error {
		logger.Info("Approval operation committed",
			zap.String("quote_id", evt.QuoteID),
			zap.String("event_id", evt.ID),
			zap.Any("payload", evt.Payload))
		return nil
	})

	return d
}

// ServiceDeps groups the dependencies of the application services
type ServiceDeps struct {
	Config     *config.Config
	Store      *StoreBundle
	Lark       *LarkBundle
	Alerter    port.Alerter
	Dispatcher dispatcher.Dispatcher
	Logger     *zap.Logger
}

// ProvideServices builds the executor and the services around it
func ProvideServices(deps *ServiceDeps) (*ServiceBundle, error) {
	if deps == nil || deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	cfg := deps.Config
	kv := utils.NewKVLogger(deps.Logger)

	dir, err := directory.Load(cfg.Approvers.File)
	if err != nil {
		return nil, fmt.Errorf("failed to load approver directory: %w", err)
	}
	resolver := permission.NewResolver(cfg.Permissions.Elevated(), dir)
	locks := keylock.New()

	adapters := []port.ChannelAdapter{channel.NewInternalAdapter(deps.Store.Records, deps.Logger)}
	channels := []entity.Channel{entity.ChannelInternal}
	if deps.Lark != nil {
		adapters = append(adapters, deps.Lark.Adapter)
		channels = append(channels, deps.Lark.Adapter.Channel())
	}

	syncSvc := service.NewSyncService(
		deps.Store.Records,
		adapters,
		locks,
		deps.Alerter,
		service.SyncConfig{
			Workers:     cfg.Sync.Workers,
			QueueSize:   cfg.Sync.QueueSize,
			MaxAttempts: cfg.Sync.MaxAttempts,
			BackoffBase: cfg.Sync.BackoffBase,
			BackoffMax:  cfg.Sync.BackoffMax,
		},
		kv,
		service.WithSyncDispatcher(deps.Dispatcher),
	)

	executor := service.NewExecutor(service.ExecutorDeps{
		Records:     deps.Store.Records,
		History:     deps.Store.History,
		Idempotency: deps.Store.Idempotency,
		TxManager:   deps.Store.TxManager,
		Resolver:    resolver,
		Directory:   dir,
		Locks:       locks,
		Scheduler:   syncSvc,
		Dispatcher:  deps.Dispatcher,
		Channels:    channels,
		Logger:      kv,
	})

	bundle := &ServiceBundle{
		Executor: executor,
		Sync:     syncSvc,
		Status:   service.NewStatusService(deps.Store.Records, deps.Store.History, resolver, kv),
	}

	if deps.Lark != nil {
		bundle.Inbound = service.NewInboundService(
			deps.Store.Records,
			executor,
			syncSvc,
			deps.Lark.Adapter,
			cfg.Permissions.ExternalActorRole,
			kv,
		)
		bundle.Events = lark.NewEventProcessor(cfg.Lark.ApprovalCode, bundle.Inbound, deps.Logger)
	}

	return bundle, nil
}

// WorkerDeps groups the dependencies of the background workers
type WorkerDeps struct {
	Config   *config.Config
	Store    *StoreBundle
	Services *ServiceBundle
	Lark     *LarkBundle
	Alerter  port.Alerter
	Logger   *zap.Logger
}

// ProvideWorkers registers the background workers. Nothing is started here.
func ProvideWorkers(deps *WorkerDeps) *worker.WorkerManager {
	cfg := deps.Config
	manager := worker.NewWorkerManager(deps.Logger)

	manager.Register(worker.NewSyncWorker(deps.Services.Sync, cfg.Sync.SweepInterval, deps.Logger))

	manager.Register(worker.NewDeadlineScanner(
		worker.DeadlineScannerConfig{
			Interval:   cfg.Deadline.ScanInterval,
			BatchSize:  cfg.Deadline.BatchSize,
			MaxBackoff: cfg.Deadline.MaxBackoff,
		},
		deps.Store.Records,
		deps.Services.Executor,
		deps.Alerter,
		nil,
		deps.Logger,
	))

	if deps.Lark != nil {
		manager.Register(worker.NewStatusPoller(
			worker.StatusPollerConfig{
				Interval:  cfg.Poller.Interval,
				BatchSize: cfg.Poller.BatchSize,
			},
			deps.Lark.Adapter.Channel(),
			deps.Store.Records,
			deps.Services.Sync,
			deps.Logger,
		))

		if cfg.Lark.WebSocket {
			manager.Register(websocket.NewLarkAdapter(websocket.LarkAdapterConfig{
				AppID:     cfg.Lark.AppID,
				AppSecret: cfg.Lark.AppSecret,
			}, deps.Services.Events, deps.Logger))
		}
	}

	return manager
}
