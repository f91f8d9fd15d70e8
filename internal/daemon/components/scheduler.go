package components

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/tablesync/internal/config"
	"github.com/harunnryd/tablesync/internal/daemon"
	"github.com/harunnryd/tablesync/internal/scheduler"
	"github.com/harunnryd/tablesync/internal/store"
)

// SchedulerComponent runs the persisted refresh jobs against the engine.
type SchedulerComponent struct {
	cfg        *config.Config
	engineComp *EngineComponent
	jobsPath   string
	sched      *scheduler.Scheduler
}

func NewSchedulerComponent(cfg *config.Config, engineComp *EngineComponent, stateDir string) *SchedulerComponent {
	return &SchedulerComponent{
		cfg:        cfg,
		engineComp: engineComp,
		jobsPath:   store.GetJobsPath(stateDir),
	}
}

func (s *SchedulerComponent) Name() string {
	return "Scheduler"
}

func (s *SchedulerComponent) Dependencies() []string {
	return []string{"Engine"}
}

func (s *SchedulerComponent) Init(ctx context.Context) error {
	if s.engineComp == nil || s.engineComp.GetEngine() == nil {
		return fmt.Errorf("engine not initialized")
	}

	jobs, err := scheduler.NewStore(s.jobsPath)
	if err != nil {
		return fmt.Errorf("open refresh jobs %s: %w", s.jobsPath, err)
	}
	sched, err := scheduler.NewScheduler(jobs, s.engineComp.GetEngine(), s.cfg.Scheduler)
	if err != nil {
		return err
	}
	if err := sched.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}
	s.sched = sched

	list, _ := jobs.LoadJobs()
	slog.Info("Scheduler initialized", "component", s.Name(), "jobs", len(list), "path", s.jobsPath)
	return nil
}

func (s *SchedulerComponent) Start(ctx context.Context) error {
	if s.sched == nil {
		return fmt.Errorf("scheduler not initialized")
	}
	return s.sched.Start(ctx)
}

// Stop waits for running jobs. Jobs still running when ctx expires keep
// their lease and are recovered on the next start.
func (s *SchedulerComponent) Stop(ctx context.Context) error {
	if s.sched == nil {
		return nil
	}
	if err := s.sched.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	return nil
}

func (s *SchedulerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	health := &daemon.ComponentHealth{Name: s.Name()}
	if s.sched == nil {
		health.Error = fmt.Errorf("not initialized")
		return health, nil
	}
	if err := s.sched.Health(ctx); err != nil {
		health.Error = err
		return health, nil
	}
	if overdue := s.sched.Store().OverdueLeases(time.Now()); len(overdue) > 0 {
		health.Error = fmt.Errorf("refresh jobs overran their lease: %s", strings.Join(overdue, ", "))
		return health, nil
	}

	health.Healthy = true
	return health, nil
}

func (s *SchedulerComponent) GetScheduler() *scheduler.Scheduler {
	return s.sched
}
