// Package websocket receives Lark approval events over the SDK's long
// connection, for deployments without a public callback URL.
package websocket

import (
	"context"
	"fmt"
	"sync"

	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"
	"go.uber.org/zap"

	"github.com/garyjia/quote-approval/internal/infrastructure/external/lark"
)

// LarkAdapterConfig holds configuration for the Lark WebSocket adapter.
type LarkAdapterConfig struct {
	AppID     string
	AppSecret string
}

// LarkAdapter wraps the Lark WebSocket SDK client and hands approval
// instance events to the event processor. It implements the worker
// interface so the manager owns its lifecycle.
type LarkAdapter struct {
	config    LarkAdapterConfig
	processor *lark.EventProcessor
	logger    *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewLarkAdapter creates a new Lark WebSocket adapter.
func NewLarkAdapter(cfg LarkAdapterConfig, processor *lark.EventProcessor, logger *zap.Logger) *LarkAdapter {
	return &LarkAdapter{config: cfg, processor: processor, logger: logger}
}

// Name returns the worker name for identification
func (a *LarkAdapter) Name() string {
	return "LarkWebSocket"
}

// Start opens the connection in the background. The SDK client reconnects
// on its own until the context is cancelled.
func (a *LarkAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("adapter already started")
	}

	client := larkws.NewClient(
		a.config.AppID,
		a.config.AppSecret,
		larkws.WithEventHandler(lark.NewEventDispatcher(a.processor)),
	)

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.started = true

	a.logger.Info("Starting Lark WebSocket adapter", zap.String("app_id", a.config.AppID))

	go func() {
		defer close(a.done)
		if err := client.Start(runCtx); err != nil && runCtx.Err() == nil {
			a.logger.Error("Lark WebSocket client error", zap.Error(err))
		}
	}()
	return nil
}

// Stop cancels the connection context. The SDK's Start may not return
// promptly on cancel, so Stop does not wait for it.
func (a *LarkAdapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil
	}
	a.cancel()
	a.started = false
	a.logger.Info("Lark WebSocket adapter stopped")
	return nil
}

// IsRunning returns whether the adapter is currently running.
func (a *LarkAdapter) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}
