// Package daemon runs the sync engine as a long-lived process built from
// dependency-ordered components.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/harunnryd/tablesync/internal/config"
	"github.com/harunnryd/tablesync/internal/store"
)

type Daemon struct {
	cfg             *config.Config
	stateDir        string
	components      []Component
	startOrder      []string
	shutdownOrder   []string
	initAttempted   []string
	health          HealthStatus
	uptimeStart     time.Time
	mu              sync.RWMutex
	healthCheckDone chan struct{}
	forceCleanup    bool
}

func NewDaemon(cfg *config.Config) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	stateDir, err := store.ResolveStateDir(cfg.Daemon)
	if err != nil {
		return nil, fmt.Errorf("resolve state dir: %w", err)
	}

	return &Daemon{
		cfg:             cfg,
		stateDir:        stateDir,
		components:      make([]Component, 0),
		shutdownOrder:   make([]string, 0),
		health:          StatusStarting,
		uptimeStart:     time.Now(),
		healthCheckDone: make(chan struct{}),
	}, nil
}

// StateDir is the directory holding the lock, snapshot and job files.
func (d *Daemon) StateDir() string {
	return d.stateDir
}

func (d *Daemon) AddComponent(comp Component) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.components = append(d.components, comp)
	d.shutdownOrder = append([]string{comp.Name()}, d.shutdownOrder...)
	slog.Info("Component registered", "component", comp.Name(), "total_components", len(d.components))
}

// Start runs the daemon until ctx is cancelled or the process is signalled.
func (d *Daemon) Start(ctx context.Context) error {
	slog.Info("tablesync daemon starting...", "state_dir", d.stateDir)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTimeout, err := config.DurationOrDefault(d.cfg.Daemon.ShutdownTimeout, config.DefaultDaemonShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parse daemon shutdown timeout: %w", err)
	}

	if err := d.validateConfig(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if err := d.preInitChecks(ctx, d.forceCleanup); err != nil {
		return fmt.Errorf("pre-init checks failed: %w", err)
	}

	if err := d.initializeComponents(ctx); err != nil {
		d.rollback(ctx)
		return fmt.Errorf("component initialization failed: %w", err)
	}

	if err := d.startComponents(ctx); err != nil {
		d.gracefulShutdown(context.WithoutCancel(ctx), shutdownTimeout)
		return fmt.Errorf("component startup failed: %w", err)
	}

	d.setHealth(StatusRunning)
	slog.Info("tablesync daemon is running", "components", len(d.components), "port", d.cfg.Server.Port)

	go d.startHealthMonitor(ctx)

	<-ctx.Done()

	slog.Info("Context cancelled, initiating graceful shutdown", "reason", ctx.Err())
	d.setHealth(StatusStopping)
	close(d.healthCheckDone)

	if err := d.gracefulShutdown(context.Background(), shutdownTimeout); err != nil {
		return err
	}

	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ctx.Err()
	}
	return nil
}

func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.health
}

func (d *Daemon) Uptime() time.Duration {
	return time.Since(d.uptimeStart)
}

// SetForceCleanup lets pre-init checks remove lock files regardless of age.
func (d *Daemon) SetForceCleanup(force bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forceCleanup = force
}

func (d *Daemon) ComponentHealth() map[string]*ComponentHealth {
	d.mu.RLock()
	components := make([]Component, len(d.components))
	copy(components, d.components)
	d.mu.RUnlock()

	result := make(map[string]*ComponentHealth)
	for _, comp := range components {
		health, err := comp.Health(context.Background())
		if health == nil {
			health = &ComponentHealth{Name: comp.Name()}
		}
		if err != nil {
			health.Healthy = false
			health.Error = err
		}
		result[comp.Name()] = health
	}
	return result
}

func (d *Daemon) setHealth(status HealthStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.health = status
}

func (d *Daemon) validateConfig() error {
	slog.Info("Validating configuration...")

	if d.cfg.Server.Port < 1 || d.cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", d.cfg.Server.Port)
	}

	if strings.TrimSpace(d.cfg.Remote.BaseURL) == "" {
		return fmt.Errorf("remote base url is required")
	}

	if err := os.MkdirAll(d.stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	slog.Info("Configuration validated", "state_dir", d.stateDir, "port", d.cfg.Server.Port, "remote", d.cfg.Remote.BaseURL)
	return nil
}

func (d *Daemon) preInitChecks(ctx context.Context, forceCleanup bool) error {
	slog.Info("Running pre-init checks...", "state_dir", d.stateDir)

	staleLockTTL, err := config.DurationOrDefault(d.cfg.Daemon.StaleLockTTL, config.DefaultDaemonStaleLockTTL)
	if err != nil {
		return fmt.Errorf("parse daemon stale lock ttl: %w", err)
	}

	if err := store.CleanupStaleLocks(d.stateDir, staleLockTTL, forceCleanup); err != nil {
		slog.Warn("Failed to cleanup stale locks", "state_dir", d.stateDir, "error", err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("pre-init checks cancelled: %w", ctx.Err())
	default:
		slog.Info("Pre-init checks completed")
		return nil
	}
}

func (d *Daemon) initializeComponents(ctx context.Context) error {
	slog.Info("Initializing components...")

	if err := d.validateDependencies(); err != nil {
		return fmt.Errorf("dependency validation failed: %w", err)
	}

	initOrder, err := d.resolveInitOrder()
	if err != nil {
		return fmt.Errorf("failed to resolve init order: %w", err)
	}

	for _, compName := range initOrder {
		comp := d.getComponentByName(compName)
		if comp == nil {
			continue
		}
		slog.Info("Initializing component...", "component", comp.Name())
		d.mu.Lock()
		d.initAttempted = append(d.initAttempted, comp.Name())
		d.mu.Unlock()
		if err := comp.Init(ctx); err != nil {
			slog.Error("Component initialization failed", "component", comp.Name(), "error", err)
			return fmt.Errorf("component %s init failed: %w", comp.Name(), err)
		}
		slog.Info("Component initialized", "component", comp.Name())
	}

	d.mu.Lock()
	d.startOrder = initOrder
	d.shutdownOrder = reversed(initOrder)
	d.mu.Unlock()

	slog.Info("All components initialized", "count", len(d.components))
	return nil
}

func (d *Daemon) startComponents(ctx context.Context) error {
	slog.Info("Starting components...")

	order := d.startOrder
	if len(order) == 0 {
		for _, comp := range d.components {
			order = append(order, comp.Name())
		}
	}

	for _, name := range order {
		comp := d.getComponentByName(name)
		if comp == nil {
			continue
		}
		slog.Info("Starting component...", "component", name)
		if err := comp.Start(ctx); err != nil {
			slog.Error("Component startup failed", "component", name, "error", err)
			return fmt.Errorf("component %s startup failed: %w", name, err)
		}
		slog.Info("Component started", "component", name)
	}

	slog.Info("All components started", "count", len(d.components))
	return nil
}

func (d *Daemon) gracefulShutdown(ctx context.Context, timeout time.Duration) error {
	slog.Info("Graceful shutdown initiated", "timeout", timeout)

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- d.shutdownComponents(shutdownCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			slog.Error("Shutdown completed with error", "error", err)
		} else {
			slog.Info("Graceful shutdown completed")
		}
		return err
	case <-shutdownCtx.Done():
		if ctx.Err() != nil {
			slog.Info("Shutdown cancelled by parent context", "reason", ctx.Err())
			return fmt.Errorf("shutdown cancelled: %w", ctx.Err())
		}
		slog.Error("Shutdown timeout exceeded", "timeout", timeout)
		return fmt.Errorf("shutdown timeout after %v", timeout)
	}
}

// shutdownComponents stops every component even when some fail, and
// reports the failures together.
func (d *Daemon) shutdownComponents(ctx context.Context) error {
	d.mu.RLock()
	order := append([]string(nil), d.shutdownOrder...)
	d.mu.RUnlock()

	var errs []error
	for _, name := range order {
		comp := d.getComponentByName(name)
		if comp == nil {
			continue
		}

		slog.Info("Stopping component...", "component", name)
		if err := comp.Stop(ctx); err != nil {
			slog.Error("Component stop failed", "component", name, "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
		} else {
			slog.Info("Component stopped", "component", name)
		}
	}

	d.setHealth(StatusStopped)
	return errors.Join(errs...)
}

// rollback stops, newest first, every component whose Init ran, including
// the one that failed. Components never reached are left alone.
func (d *Daemon) rollback(ctx context.Context) {
	d.mu.RLock()
	attempted := reversed(d.initAttempted)
	d.mu.RUnlock()

	slog.Warn("Rolling back initialized components...", "count", len(attempted))

	for _, name := range attempted {
		comp := d.getComponentByName(name)
		if comp == nil {
			continue
		}
		slog.Info("Rolling back component...", "component", name)
		if err := comp.Stop(ctx); err != nil {
			slog.Error("Rollback failed", "component", name, "error", err)
		}
	}

	d.setHealth(StatusStopped)
}

func (d *Daemon) getComponentByName(name string) Component {
	for _, comp := range d.components {
		if comp.Name() == name {
			return comp
		}
	}
	return nil
}

func (d *Daemon) Component(name string) Component {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.getComponentByName(name)
}

func (d *Daemon) startHealthMonitor(ctx context.Context) {
	healthCheckInterval, err := config.IntervalOrDefault(d.cfg.Daemon.HealthCheckInterval, config.DefaultDaemonHealthCheckInterval)
	if err != nil {
		slog.Error("Failed to parse daemon health check interval", "error", err)
		return
	}

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.healthCheckDone:
			return
		case <-ticker.C:
			d.checkComponentHealth(ctx)
		}
	}
}

func (d *Daemon) checkComponentHealth(ctx context.Context) {
	healths := d.ComponentHealth()
	unhealthyCount := 0

	for name, health := range healths {
		select {
		case <-ctx.Done():
			slog.Info("Component health check cancelled", "reason", ctx.Err())
			return
		default:
		}

		if !health.Healthy {
			unhealthyCount++
			slog.Warn("Component unhealthy", "component", name, "error", health.Error)
		}
	}

	if unhealthyCount > 0 {
		slog.Warn("Daemon has unhealthy components", "count", unhealthyCount, "total", len(healths))
	} else {
		slog.Debug("All components healthy", "count", len(healths))
	}
}

func (d *Daemon) validateDependencies() error {
	slog.Info("Validating component dependencies...")

	componentMap := make(map[string]Component)
	for _, comp := range d.components {
		componentMap[comp.Name()] = comp
	}

	for _, comp := range d.components {
		for _, depName := range comp.Dependencies() {
			if _, exists := componentMap[depName]; !exists {
				return fmt.Errorf("component %s depends on %s which is not registered", comp.Name(), depName)
			}
		}
	}

	return nil
}

// resolveInitOrder sorts components so every dependency comes first.
func (d *Daemon) resolveInitOrder() ([]string, error) {
	visited := make(map[string]bool)
	tempVisited := make(map[string]bool)
	order := []string{}

	var visit func(name string) error
	visit = func(name string) error {
		if tempVisited[name] {
			return fmt.Errorf("circular dependency detected involving %s", name)
		}
		if visited[name] {
			return nil
		}

		comp := d.getComponentByName(name)
		if comp == nil {
			return fmt.Errorf("component %s not found", name)
		}

		tempVisited[name] = true
		for _, depName := range comp.Dependencies() {
			if err := visit(depName); err != nil {
				return err
			}
		}
		tempVisited[name] = false
		visited[name] = true
		order = append(order, name)
		return nil
	}

	for _, comp := range d.components {
		if err := visit(comp.Name()); err != nil {
			return nil, err
		}
	}

	slog.Info("Initialization order resolved", "order", order)
	return order, nil
}

func reversed(names []string) []string {
	out := make([]string, len(names))
	for i, name := range names {
		out[len(names)-1-i] = name
	}
	return out
}
