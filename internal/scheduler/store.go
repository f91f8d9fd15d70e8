package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	tserrors "github.com/harunnryd/tablesync/internal/errors"

	"github.com/natefinch/atomic"
	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
)

type Lease struct {
	RunID     string    `json:"run_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RunRecord summarizes the last execution of a job.
type RunRecord struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Succeeded  bool      `json:"succeeded"`
	Message    string    `json:"message,omitempty"`
}

// Job refreshes derived fields of a fixed set of records on a cron schedule.
// With FieldIDs the listed fields are dispatched per record; without them the
// whole records are batch-refreshed.
type Job struct {
	ID          string     `json:"id" yaml:"id,omitempty"`
	Schedule    string     `json:"schedule" yaml:"schedule"` // Cron spec or "@every 1h"
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	RecordIDs   []string   `json:"record_ids" yaml:"record_ids"`
	FieldIDs    []string   `json:"field_ids,omitempty" yaml:"field_ids,omitempty"`
	Force       bool       `json:"force" yaml:"force"`
	CreatedAt   time.Time  `json:"created_at" yaml:"-"`
	NextRun     time.Time  `json:"next_run" yaml:"-"`
	Lease       *Lease     `json:"lease,omitempty" yaml:"-"`
	LastRun     *RunRecord `json:"last_run,omitempty" yaml:"-"`
}

type JobList struct {
	Jobs map[string]*Job `json:"jobs"`
}

type Store struct {
	path string
	data JobList
	mu   sync.RWMutex
	now  func() time.Time
}

func NewStore(path string) (*Store, error) {
	s := &Store{
		path: path,
		data: JobList{Jobs: make(map[string]*Job)},
		now:  time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Init(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create scheduler dir: %w", err)
	}
	return s.load()
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(content) == 0 {
		return nil
	}

	var data JobList
	if err := json.Unmarshal(content, &data); err != nil {
		return fmt.Errorf("decode jobs %s: %w", s.path, err)
	}
	if data.Jobs == nil {
		data.Jobs = make(map[string]*Job)
	}
	s.data = data
	return nil
}

func (s *Store) save() error {
	// Internal save, lock held by caller
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(s.path, bytes.NewReader(b))
}

// Validate checks a job definition without storing it.
func Validate(job *Job) error {
	if job == nil {
		return tserrors.InvalidInput("job is required")
	}
	if strings.TrimSpace(job.Schedule) == "" {
		return tserrors.InvalidInput("schedule is required")
	}
	if _, err := cron.ParseStandard(job.Schedule); err != nil {
		return tserrors.InvalidInput(fmt.Sprintf("invalid cron schedule %q: %v", job.Schedule, err))
	}
	if len(job.RecordIDs) == 0 {
		return tserrors.InvalidInput("at least one record id is required")
	}
	for _, id := range job.RecordIDs {
		if strings.TrimSpace(id) == "" {
			return tserrors.InvalidInput("record ids must not be empty")
		}
	}
	for _, id := range job.FieldIDs {
		if strings.TrimSpace(id) == "" {
			return tserrors.InvalidInput("field ids must not be empty")
		}
	}
	return nil
}

// Add stores job, assigning an ID and the first run time. An existing job
// with the same ID is replaced.
func (s *Store) Add(job *Job) (*Job, error) {
	if err := Validate(job); err != nil {
		return nil, err
	}
	schedule, _ := cron.ParseStandard(job.Schedule)

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *job
	if strings.TrimSpace(stored.ID) == "" {
		stored.ID = generateID()
	}
	now := s.now()
	if prev, ok := s.data.Jobs[stored.ID]; ok {
		stored.CreatedAt = prev.CreatedAt
		stored.LastRun = prev.LastRun
	} else {
		stored.CreatedAt = now
	}
	stored.Lease = nil
	stored.NextRun = schedule.Next(now)

	s.data.Jobs[stored.ID] = &stored
	if err := s.save(); err != nil {
		return nil, err
	}
	out := stored
	return &out, nil
}

func (s *Store) Remove(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Jobs[jobID]; !ok {
		return tserrors.NotFound(fmt.Sprintf("job %s", jobID))
	}
	delete(s.data.Jobs, jobID)
	return s.save()
}

func (s *Store) Get(jobID string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.data.Jobs[jobID]
	if !ok {
		return Job{}, tserrors.NotFound(fmt.Sprintf("job %s", jobID))
	}
	return *j, nil
}

// LoadJobs returns copies of every job ordered by ID.
func (s *Store) LoadJobs() ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]Job, 0, len(s.data.Jobs))
	for _, j := range s.data.Jobs {
		jobs = append(jobs, *j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })
	return jobs, nil
}

// ShouldFire reports whether jobID is due at now.
func (s *Store) ShouldFire(jobID string, now time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.data.Jobs[jobID]
	if !ok {
		return false, tserrors.NotFound(fmt.Sprintf("job %s", jobID))
	}
	if j.NextRun.After(now) {
		return false, nil
	}
	return true, nil
}

// AcquireLease marks jobID as running. It fails while an unexpired lease
// exists, which keeps runs of the same job from overlapping.
func (s *Store) AcquireLease(jobID, runID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.data.Jobs[jobID]
	if !ok {
		return tserrors.NotFound(fmt.Sprintf("job %s", jobID))
	}
	if j.Lease != nil && s.now().Before(j.Lease.ExpiresAt) {
		return fmt.Errorf("job %s already running as %s", jobID, j.Lease.RunID)
	}

	j.Lease = &Lease{RunID: runID, ExpiresAt: expiresAt}
	return s.save()
}

// MarkJobDone releases the lease of runID, records the run and schedules
// the next one.
func (s *Store) MarkJobDone(jobID string, run RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.data.Jobs[jobID]
	if !ok {
		// Removed while running.
		return nil
	}
	if j.Lease == nil || j.Lease.RunID != run.RunID {
		return fmt.Errorf("lease mismatch for job %s", jobID)
	}

	schedule, err := cron.ParseStandard(j.Schedule)
	if err != nil {
		return fmt.Errorf("invalid cron schedule: %w", err)
	}

	j.Lease = nil
	j.LastRun = &run
	j.NextRun = schedule.Next(s.now())
	return s.save()
}

// RecoverExpiredLeases drops leases left behind by a crashed run.
func (s *Store) RecoverExpiredLeases(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recovered := 0
	for _, j := range s.data.Jobs {
		if j.Lease != nil && now.After(j.Lease.ExpiresAt) {
			j.Lease = nil
			recovered++
		}
	}
	if recovered == 0 {
		return 0, nil
	}
	return recovered, s.save()
}

// OverdueLeases returns the IDs of jobs whose run is still leased after the
// lease expired, which means the run is hung or the process running it died.
func (s *Store) OverdueLeases(now time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, j := range s.data.Jobs {
		if j.Lease != nil && now.After(j.Lease.ExpiresAt) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func generateID() string {
	return ulid.Make().String()
}

func generateRunID() string {
	return ulid.Make().String()
}
