package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/tablesync/internal/config"
	"github.com/harunnryd/tablesync/internal/daemon"
	"github.com/harunnryd/tablesync/internal/engine"
)

type EngineComponent struct {
	cfg    *config.Config
	state  *StateComponent
	opts   []engine.Option
	engine *engine.Engine
	mu     sync.RWMutex
}

// NewEngineComponent builds the engine on top of the state component's
// store. opts are applied after the store option.
func NewEngineComponent(cfg *config.Config, state *StateComponent, opts ...engine.Option) *EngineComponent {
	return &EngineComponent{
		cfg:   cfg,
		state: state,
		opts:  opts,
	}
}

func (e *EngineComponent) Name() string {
	return "Engine"
}

func (e *EngineComponent) Dependencies() []string {
	return []string{"State"}
}

func (e *EngineComponent) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == nil {
		return fmt.Errorf("state component not provided")
	}

	opts := append([]engine.Option{engine.WithStore(e.state.Store())}, e.opts...)
	eng, err := engine.New(e.cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	e.engine = eng

	slog.Info("Engine initialized", "component", e.Name(), "remote", e.cfg.Remote.BaseURL)
	return nil
}

func (e *EngineComponent) Start(ctx context.Context) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.engine == nil {
		return fmt.Errorf("engine not initialized")
	}
	slog.Info("Engine started", "component", e.Name())
	return nil
}

func (e *EngineComponent) Stop(ctx context.Context) error {
	e.mu.Lock()
	eng := e.engine
	e.engine = nil
	e.mu.Unlock()

	if eng == nil {
		slog.Info("Engine not initialized, skipping stop", "component", e.Name())
		return nil
	}

	if err := eng.Close(ctx); err != nil {
		return fmt.Errorf("failed to stop monitor sessions: %w", err)
	}
	slog.Info("Engine stopped", "component", e.Name())
	return nil
}

func (e *EngineComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.engine == nil {
		return &daemon.ComponentHealth{
			Name:    e.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not initialized"),
		}, nil
	}
	return &daemon.ComponentHealth{Name: e.Name(), Healthy: true}, nil
}

func (e *EngineComponent) GetEngine() *engine.Engine {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.engine
}
