package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/tablesync/internal/compute"
	"github.com/harunnryd/tablesync/internal/concurrency"
	"github.com/harunnryd/tablesync/internal/config"
	"github.com/harunnryd/tablesync/internal/dispatch"
	tserrors "github.com/harunnryd/tablesync/internal/errors"
)

// Runner executes the refresh work of a job.
type Runner interface {
	Dispatch(ctx context.Context, recordID string, fieldIDs []string, force bool) (*dispatch.Result, error)
	RefreshRecords(ctx context.Context, recordIDs []string) (*compute.BatchRefreshResult, error)
}

type Scheduler struct {
	store  *Store
	runner Runner

	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	running    bool
	ticker     *time.Ticker
	inFlightWg sync.WaitGroup
	inFlight   uint

	tickInterval         time.Duration
	shutdownTimeout      time.Duration
	leaseDuration        time.Duration
	inFlightPollInterval time.Duration
}

func NewScheduler(store *Store, runner Runner, cfg config.SchedulerConfig) (*Scheduler, error) {
	tickInterval, err := config.IntervalOrDefault(cfg.TickInterval, config.DefaultSchedulerTickInterval)
	if err != nil {
		return nil, fmt.Errorf("parse scheduler tick interval: %w", err)
	}

	shutdownTimeout, err := config.DurationOrDefault(cfg.ShutdownTimeout, config.DefaultSchedulerShutdownTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse scheduler shutdown timeout: %w", err)
	}

	leaseDuration, err := config.DurationOrDefault(cfg.LeaseDuration, config.DefaultSchedulerLeaseDuration)
	if err != nil {
		return nil, fmt.Errorf("parse scheduler lease duration: %w", err)
	}

	inFlightPollInterval, err := config.IntervalOrDefault(cfg.InFlightPollInterval, config.DefaultSchedulerInFlightPollInterval)
	if err != nil {
		return nil, fmt.Errorf("parse scheduler in-flight poll interval: %w", err)
	}

	return &Scheduler{
		store:                store,
		runner:               runner,
		tickInterval:         tickInterval,
		shutdownTimeout:      shutdownTimeout,
		leaseDuration:        leaseDuration,
		inFlightPollInterval: inFlightPollInterval,
	}, nil
}

func (s *Scheduler) Store() *Store {
	return s.store
}

func (s *Scheduler) Init(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := s.store.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	slog.Info("Scheduler initialized", "jobs_path", s.store.Path())
	return nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if s.ctx == nil {
		s.mu.Unlock()
		return tserrors.Internal("scheduler not initialized")
	}
	s.running = true
	s.mu.Unlock()

	s.recoverExpiredLeases()

	s.ticker = time.NewTicker(s.tickInterval)
	go s.run()

	slog.Info("Scheduler started", "tick", s.tickInterval)
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.waitForInFlightJobs()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		slog.Info("Scheduler stopped gracefully")
		return nil
	case <-time.After(s.shutdownTimeout):
		s.cancel()
		slog.Warn("Scheduler shutdown timeout, force stopping")
		return tserrors.Internal("shutdown timeout")
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

func (s *Scheduler) Health(ctx context.Context) error {
	if s.ctx == nil {
		return tserrors.Internal("scheduler not initialized")
	}

	if !s.IsRunning() {
		return tserrors.Internal("scheduler not running")
	}

	if _, err := s.store.LoadJobs(); err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}

	return nil
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// InFlight returns the number of jobs currently executing.
func (s *Scheduler) InFlight() uint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inFlight
}

func (s *Scheduler) run() {
	for {
		select {
		case <-s.ticker.C:
			s.onTick(time.Now())
		case <-s.ctx.Done():
			slog.Info("Scheduler run loop stopped")
			return
		}
	}
}

func (s *Scheduler) onTick(now time.Time) {
	jobs, err := s.store.LoadJobs()
	if err != nil {
		slog.Error("Failed to load refresh jobs", "error", err)
		return
	}

	for _, job := range jobs {
		due, err := s.store.ShouldFire(job.ID, now)
		if err != nil {
			slog.Error("Failed to check if job should fire", "job", job.ID, "error", err)
			continue
		}
		if due {
			s.launch(job)
		}
	}
}

// launch starts job on its own goroutine unless a run of it is still active.
func (s *Scheduler) launch(job Job) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.inFlight++
	s.inFlightWg.Add(1)
	s.mu.Unlock()

	runID := generateRunID()
	if err := s.store.AcquireLease(job.ID, runID, time.Now().Add(s.leaseDuration)); err != nil {
		slog.Debug("Skipping overlapping job run", "job", job.ID, "reason", err)
		s.jobDone()
		return
	}

	concurrency.SafeGo("refresh job "+job.ID, func() {
		defer s.jobDone()
		s.executeJob(s.ctx, job, runID)
	}, func(err error) {
		s.finishRun(job.ID, RunRecord{RunID: runID, FinishedAt: time.Now(), Message: err.Error()})
	})
}

func (s *Scheduler) jobDone() {
	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
	s.inFlightWg.Done()
}

func (s *Scheduler) executeJob(ctx context.Context, job Job, runID string) {
	run := RunRecord{RunID: runID, StartedAt: time.Now()}
	log := slog.With("job", job.ID, "run_id", runID)

	var failures []string
	if len(job.FieldIDs) > 0 {
		for _, recordID := range job.RecordIDs {
			res, err := s.runner.Dispatch(ctx, recordID, job.FieldIDs, job.Force)
			if err != nil {
				failures = append(failures, fmt.Sprintf("%s: %v", recordID, err))
				continue
			}
			for _, key := range res.Failed() {
				failures = append(failures, fmt.Sprintf("%s: %s", key, res.PerField[key].ErrorMessage()))
			}
		}
	} else {
		res, err := s.runner.RefreshRecords(ctx, job.RecordIDs)
		if err != nil {
			failures = append(failures, tserrors.UserMessage(err))
		} else if res != nil && res.Message != "" {
			run.Message = res.Message
		}
	}

	run.FinishedAt = time.Now()
	run.Succeeded = len(failures) == 0
	if !run.Succeeded {
		run.Message = strings.Join(failures, "; ")
		log.Warn("Refresh job finished with failures", "failures", len(failures), "duration", run.FinishedAt.Sub(run.StartedAt))
	} else {
		log.Info("Refresh job finished", "duration", run.FinishedAt.Sub(run.StartedAt))
	}

	s.finishRun(job.ID, run)
}

func (s *Scheduler) finishRun(jobID string, run RunRecord) {
	if err := s.store.MarkJobDone(jobID, run); err != nil {
		slog.Error("Failed to mark job done", "job", jobID, "error", err)
	}
}

func (s *Scheduler) recoverExpiredLeases() {
	recovered, err := s.store.RecoverExpiredLeases(time.Now())
	if err != nil {
		slog.Error("Failed to recover expired leases", "error", err)
		return
	}
	if recovered > 0 {
		slog.Info("Recovered expired leases", "count", recovered)
	}
}

func (s *Scheduler) waitForInFlightJobs() {
	ticker := time.NewTicker(s.inFlightPollInterval)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		s.inFlightWg.Wait()
		close(done)
	}()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			slog.Info("Waiting for in-flight jobs", "count", s.InFlight())
		}
	}
}
