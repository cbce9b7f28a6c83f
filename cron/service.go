package cron

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JobSpec is the caller-supplied definition for a new job
type JobSpec struct {
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	Enabled       *bool         `json:"enabled,omitempty"` // default true
	Schedule      Schedule      `json:"schedule"`
	SessionTarget SessionTarget `json:"sessionTarget,omitempty"` // default isolated
	Payload       Payload       `json:"payload"`
}

// JobPatch is a partial update; nil fields are left unchanged
type JobPatch struct {
	Name          *string        `json:"name,omitempty"`
	Description   *string        `json:"description,omitempty"`
	Enabled       *bool          `json:"enabled,omitempty"`
	Schedule      *Schedule      `json:"schedule,omitempty"`
	SessionTarget *SessionTarget `json:"sessionTarget,omitempty"`
	Payload       *Payload       `json:"payload,omitempty"`
}

// QueueStatus is the derived, read-only engine snapshot
type QueueStatus struct {
	Total       int `json:"total"`
	Enabled     int `json:"enabled"`
	Running     int `json:"running"`
	Waiting     int `json:"waiting"`
	Due         int `json:"due"`
	Succeeded   int `json:"succeeded"`
	Failed      int `json:"failed"`
	Schedulers  int `json:"schedulers"`
	Subscribers int `json:"subscribers"`
}

// Service is the Control API façade: parameter validation plus
// composition of store, calculator, dispatcher, ledger, and bus.
// No scheduling logic lives here.
type Service struct {
	store      *Store
	ledger     *Ledger
	bus        *Bus
	dispatcher *Dispatcher
	logger     *zap.SugaredLogger

	// Serializes mutations per job id so recompute-and-persist on
	// update cannot interleave with a concurrent update to the same job.
	locks keyedMutex
}

// NewService creates the control service
func NewService(store *Store, ledger *Ledger, bus *Bus, dispatcher *Dispatcher, logger *zap.SugaredLogger) *Service {
	return &Service{
		store:      store,
		ledger:     ledger,
		bus:        bus,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// List returns jobs, optionally including disabled ones
func (s *Service) List(includeDisabled bool) ([]*Job, error) {
	return s.store.List(includeDisabled)
}

// Status aggregates store counts with dispatcher and bus internals
func (s *Service) Status() (*QueueStatus, error) {
	counts, err := s.store.CountJobs(time.Now())
	if err != nil {
		return nil, err
	}
	schedulers := 0
	if s.dispatcher != nil && s.dispatcher.Running() {
		schedulers = 1
	}
	return &QueueStatus{
		Total:       counts.Total,
		Enabled:     counts.Enabled,
		Running:     counts.Running,
		Waiting:     counts.Waiting,
		Due:         counts.Due,
		Succeeded:   counts.Succeeded,
		Failed:      counts.Failed,
		Schedulers:  schedulers,
		Subscribers: s.bus.SubscriberCount(),
	}, nil
}

// Add validates the spec, computes the first run, persists, and
// publishes an added event.
func (s *Service) Add(spec JobSpec) (*Job, error) {
	now := time.Now()

	job := &Job{
		ID:            uuid.NewString(),
		Name:          spec.Name,
		Description:   spec.Description,
		Enabled:       true,
		Schedule:      spec.Schedule,
		SessionTarget: spec.SessionTarget,
		Payload:       spec.Payload,
	}
	if spec.Enabled != nil {
		job.Enabled = *spec.Enabled
	}
	if job.SessionTarget == "" {
		job.SessionTarget = SessionIsolated
	}

	if err := job.Validate(now); err != nil {
		return nil, err
	}

	// Disabled jobs carry no next run
	if job.Enabled {
		first, err := FirstRun(job.Schedule, now)
		if err != nil {
			return nil, err
		}
		job.State.NextRunAtMs = &first
	}

	if err := s.store.Create(job); err != nil {
		return nil, err
	}

	s.logger.Infow("Job added",
		"job_id", job.ID,
		"job_name", job.Name,
		"schedule_kind", job.Schedule.Kind,
	)
	s.bus.Publish(Event{
		JobID:       job.ID,
		Action:      EventAdded,
		NextRunAtMs: job.State.NextRunAtMs,
	})
	return job, nil
}

// Update merges the patch into the existing job. When schedule or
// enabled change, the next run time is recomputed in the same per-job
// critical section, so exactly one registration reflects the result.
func (s *Service) Update(id string, patch JobPatch) (*Job, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	job, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}

	rescheduled := false
	if patch.Name != nil {
		job.Name = *patch.Name
	}
	if patch.Description != nil {
		job.Description = *patch.Description
	}
	if patch.Enabled != nil && *patch.Enabled != job.Enabled {
		job.Enabled = *patch.Enabled
		rescheduled = true
	}
	if patch.Schedule != nil {
		job.Schedule = *patch.Schedule
		rescheduled = true
	}
	if patch.SessionTarget != nil {
		job.SessionTarget = *patch.SessionTarget
	}
	if patch.Payload != nil {
		job.Payload = *patch.Payload
	}

	now := time.Now()
	if err := job.Validate(now); err != nil {
		return nil, err
	}

	if rescheduled {
		job.State.NextRunAtMs = nil
		if job.Enabled {
			first, err := FirstRun(job.Schedule, now)
			if err != nil {
				return nil, err
			}
			job.State.NextRunAtMs = &first
		}
	}

	if err := s.store.Update(job); err != nil {
		return nil, err
	}

	s.logger.Infow("Job updated",
		"job_id", job.ID,
		"job_name", job.Name,
		"rescheduled", rescheduled,
	)
	s.bus.Publish(Event{
		JobID:       job.ID,
		Action:      EventUpdated,
		NextRunAtMs: job.State.NextRunAtMs,
	})
	return job, nil
}

// Remove deletes a job. An in-flight run is left to finish and write
// its ledger entry; the job just disappears from List.
func (s *Service) Remove(id string) (bool, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	removed, err := s.store.Remove(id)
	if err != nil {
		return false, err
	}
	if removed {
		s.logger.Infow("Job removed", "job_id", id)
		s.bus.Publish(Event{JobID: id, Action: EventRemoved})
	}
	return removed, nil
}

// Run triggers an immediate execution attempt via the dispatcher
func (s *Service) Run(id string, mode string) (bool, error) {
	return s.dispatcher.RunNow(id, mode)
}

// Runs returns a job's run history, most recent first
func (s *Service) Runs(id string, limit int) ([]*RunEntry, error) {
	if _, err := s.store.Get(id); err != nil {
		return nil, err
	}
	return s.ledger.List(id, limit)
}

// Get returns a single job by id
func (s *Service) Get(id string) (*Job, error) {
	return s.store.Get(id)
}

// Subscribe registers a lifecycle event callback
func (s *Service) Subscribe(fn func(Event)) func() {
	return s.bus.Subscribe(fn)
}

// keyedMutex hands out one mutex per key. Entries are small and jobs
// are few; keys are not reaped.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
