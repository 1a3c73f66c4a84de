package tasks

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store errors.
var (
	ErrTaskNotFound      = fmt.Errorf("task not found")
	ErrInvalidTransition = fmt.Errorf("invalid status transition")
)

// StoreConfig tunes the in-memory task store.
type StoreConfig struct {
	TTL           time.Duration // retention for terminal tasks (default: 1h)
	SweepInterval time.Duration // default: 1m
	Logger        *slog.Logger
}

// Store holds task state documents in memory. Terminal tasks are
// evicted after a TTL measured from the moment they became terminal.
// All methods are safe for concurrent use and hand out snapshots, so
// readers never observe a task mid-mutation.
type Store struct {
	mu      sync.RWMutex
	tasks   map[string]*taskEntry
	ttl     time.Duration
	sweep   time.Duration
	logger  *slog.Logger
	done    chan struct{}
	stopped sync.Once
}

type taskEntry struct {
	task    *Task
	changed chan struct{}
}

// NewStore starts the store and its background sweeper.
func NewStore(cfg StoreConfig) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Store{
		tasks:  make(map[string]*taskEntry),
		ttl:    cfg.TTL,
		sweep:  cfg.SweepInterval,
		logger: cfg.Logger.With("component", "taskstore"),
		done:   make(chan struct{}),
	}
	go s.sweeper()
	return s
}

// Stop halts the background sweeper.
func (s *Store) Stop() {
	s.stopped.Do(func() { close(s.done) })
}

// Create registers a new queued task and returns its snapshot. The
// config snapshot pins the settings the task was admitted under.
func (s *Store) Create(query, userID string, cfg *TaskConfig) *Task {
	now := time.Now().UTC()
	t := &Task{
		ID:        uuid.New().String(),
		UserID:    userID,
		Query:     query,
		Status:    StatusQueued,
		Steps:     []Step{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if cfg != nil {
		snapshot := *cfg
		t.Config = &snapshot
	}

	s.mu.Lock()
	s.tasks[t.ID] = &taskEntry{task: t, changed: make(chan struct{})}
	s.mu.Unlock()

	s.logger.Info("task created", "task_id", t.ID)
	return t.clone()
}

// Get returns a snapshot of the task.
func (s *Store) Get(id string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return entry.task.clone(), true
}

// Watch returns a channel that closes on the task's next change.
// Pollers wait on it and then re-read the snapshot.
func (s *Store) Watch(id string) (<-chan struct{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return entry.changed, true
}

// SetStatus transitions the task, validating the state machine. A
// transition to complete requires a result to already be attached.
// Terminal transitions stamp DoneAt for TTL accounting and close any
// step left open, recording errMsg against it.
func (s *Store) SetStatus(id string, status Status, detail string) error {
	return s.update(id, func(t *Task) error {
		if !CanTransition(t.Status, status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, status)
		}
		if status == StatusComplete && t.Result == nil {
			return fmt.Errorf("cannot complete task %s without a result", id)
		}

		t.Status = status
		if detail != "" {
			t.Detail = detail
		}
		if status.Terminal() {
			t.DoneAt = time.Now().UTC()
			closeOpenStep(t, detail)
		}
		return nil
	})
}

// SetEstimatedTime updates the human-readable overall estimate.
func (s *Store) SetEstimatedTime(id, estimate string) error {
	return s.update(id, func(t *Task) error {
		t.EstimatedTime = estimate
		return nil
	})
}

// AppendStep opens a new progress step and returns its index. Any step
// still open is closed first so at most one step is ever open.
func (s *Store) AppendStep(id, description string, estimate time.Duration) (int, error) {
	index := -1
	err := s.update(id, func(t *Task) error {
		closeOpenStep(t, "")
		now := time.Now().UTC()
		t.Steps = append(t.Steps, Step{
			Description:        description,
			StartTimestamp:     now,
			EstimatedTimestamp: now.Add(estimate),
		})
		index = len(t.Steps) - 1
		return nil
	})
	return index, err
}

// CloseStep closes the step at index, recording errMsg if non-empty.
// Concurrent stages each close their own step, so a step already closed
// by a later append keeps its end time but still gets the error.
func (s *Store) CloseStep(id string, index int, errMsg string) error {
	return s.update(id, func(t *Task) error {
		if index < 0 || index >= len(t.Steps) {
			return fmt.Errorf("step index %d out of range for task %s", index, id)
		}
		step := &t.Steps[index]
		if step.Open() {
			now := time.Now().UTC()
			step.EndTimestamp = &now
		}
		if errMsg != "" && step.Error == "" {
			step.Error = errMsg
		}
		return nil
	})
}

// SetResult attaches the final result.
func (s *Store) SetResult(id string, result *Result) error {
	return s.update(id, func(t *Task) error {
		t.Result = result
		return nil
	})
}

// Len returns the number of stored tasks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

func (s *Store) update(id string, fn func(*Task) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err := fn(entry.task); err != nil {
		return err
	}
	entry.task.UpdatedAt = time.Now().UTC()
	close(entry.changed)
	entry.changed = make(chan struct{})
	return nil
}

func closeOpenStep(t *Task, errMsg string) {
	for i := range t.Steps {
		if t.Steps[i].Open() {
			now := time.Now().UTC()
			t.Steps[i].EndTimestamp = &now
			if errMsg != "" {
				t.Steps[i].Error = errMsg
			}
		}
	}
}

func (s *Store) sweeper() {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweepExpired(time.Now().UTC())
		}
	}
}

func (s *Store) sweepExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.tasks {
		t := entry.task
		if t.Status.Terminal() && !t.DoneAt.IsZero() && now.Sub(t.DoneAt) > s.ttl {
			delete(s.tasks, id)
			s.logger.Debug("task expired", "task_id", id, "status", t.Status)
		}
	}
}
