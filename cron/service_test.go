package cron

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/tempo/errors"
	"github.com/corvid-labs/tempo/internal/util"
	"github.com/corvid-labs/tempo/logger"
)

func newTestService(t *testing.T, executor Executor) (*Service, *Store, *Bus, *Dispatcher) {
	t.Helper()
	if executor == nil {
		executor = ExecutorFunc(func(ctx context.Context, req ExecRequest) (*ExecResult, error) {
			return &ExecResult{}, nil
		})
	}
	db := createTestDB(t)
	store := NewStore(db)
	ledger := NewLedger(db, 20)
	bus := NewBus(logger.Logger)
	dispatcher := NewDispatcher(store, ledger, bus, executor, Options{}, logger.Logger)
	svc := NewService(store, ledger, bus, dispatcher, logger.Logger)
	return svc, store, bus, dispatcher
}

func TestService_AddComputesFirstRun(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)

	before := time.Now().UnixMilli()
	job, err := svc.Add(JobSpec{
		Name:     "poller",
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 300_000},
		Payload:  Payload{Kind: PayloadSystemEvent, Text: "poll"},
	})
	require.NoError(t, err)
	after := time.Now().UnixMilli()

	assert.NotEmpty(t, job.ID)
	assert.True(t, job.Enabled)
	assert.Equal(t, SessionIsolated, job.SessionTarget)
	require.NotNil(t, job.State.NextRunAtMs)
	// First occurrence lands within one interval of now
	assert.GreaterOrEqual(t, *job.State.NextRunAtMs, before)
	assert.LessOrEqual(t, *job.State.NextRunAtMs, after+300_000)

	// Counted among enabled immediately
	status, err := svc.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, status.Enabled)
	assert.Equal(t, 1, status.Waiting)
}

func TestService_AddRoundTrip(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)

	spec := JobSpec{
		Name:          "briefing",
		Description:   "daily digest",
		Schedule:      Schedule{Kind: ScheduleCron, Expr: "0 9 * * *", TZ: "America/New_York"},
		SessionTarget: SessionMain,
		Payload: Payload{
			Kind:    PayloadAgentTurn,
			Message: "summarize the news",
			Model:   "sonnet",
			Channel: "telegram",
			To:      "ops",
		},
	}

	job, err := svc.Add(spec)
	require.NoError(t, err)

	got, err := svc.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, spec.Schedule, got.Schedule)
	assert.Equal(t, spec.Payload, got.Payload)
	assert.Equal(t, spec.SessionTarget, got.SessionTarget)
}

func TestService_AddValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)

	tests := []struct {
		name string
		spec JobSpec
	}{
		{"missing name", JobSpec{
			Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 1000},
			Payload:  Payload{Kind: PayloadSystemEvent},
		}},
		{"non-positive interval", JobSpec{
			Name:     "bad",
			Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 0},
			Payload:  Payload{Kind: PayloadSystemEvent},
		}},
		{"malformed cron", JobSpec{
			Name:     "bad",
			Schedule: Schedule{Kind: ScheduleCron, Expr: "whenever"},
			Payload:  Payload{Kind: PayloadSystemEvent},
		}},
		{"unknown payload kind", JobSpec{
			Name:     "bad",
			Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 1000},
			Payload:  Payload{Kind: "mystery"},
		}},
		{"unknown session target", JobSpec{
			Name:          "bad",
			Schedule:      Schedule{Kind: ScheduleEvery, EveryMs: 1000},
			SessionTarget: "shared",
			Payload:       Payload{Kind: PayloadSystemEvent},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Add(tt.spec)
			require.Error(t, err)
			assert.True(t, errors.IsInvalidRequestError(err))
		})
	}

	// Invalid specs are never persisted
	jobs, err := svc.List(true)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestService_AddDisabledHasNoNextRun(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)

	job, err := svc.Add(JobSpec{
		Name:     "dormant",
		Enabled:  util.Ptr(false),
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 60_000},
		Payload:  Payload{Kind: PayloadSystemEvent},
	})
	require.NoError(t, err)
	assert.False(t, job.Enabled)
	assert.Nil(t, job.State.NextRunAtMs)
}

func TestService_UpdateRecomputesSchedule(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)

	job, err := svc.Add(JobSpec{
		Name:     "poller",
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 300_000},
		Payload:  Payload{Kind: PayloadSystemEvent},
	})
	require.NoError(t, err)
	originalNext := *job.State.NextRunAtMs

	updated, err := svc.Update(job.ID, JobPatch{
		Schedule: &Schedule{Kind: ScheduleEvery, EveryMs: 10_000},
	})
	require.NoError(t, err)
	require.NotNil(t, updated.State.NextRunAtMs)
	assert.Less(t, *updated.State.NextRunAtMs, originalNext)
	assert.Equal(t, int64(10_000), updated.Schedule.EveryMs)
}

func TestService_UpdateDisableClearsNextRun(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)

	job, err := svc.Add(JobSpec{
		Name:     "poller",
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 60_000},
		Payload:  Payload{Kind: PayloadSystemEvent},
	})
	require.NoError(t, err)

	updated, err := svc.Update(job.ID, JobPatch{Enabled: util.Ptr(false)})
	require.NoError(t, err)
	assert.False(t, updated.Enabled)
	assert.Nil(t, updated.State.NextRunAtMs)

	// Re-enabling restores a computed next run
	updated, err = svc.Update(job.ID, JobPatch{Enabled: util.Ptr(true)})
	require.NoError(t, err)
	assert.NotNil(t, updated.State.NextRunAtMs)
}

func TestService_UpdateNameOnlyKeepsNextRun(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)

	job, err := svc.Add(JobSpec{
		Name:     "poller",
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 60_000},
		Payload:  Payload{Kind: PayloadSystemEvent},
	})
	require.NoError(t, err)
	next := *job.State.NextRunAtMs

	updated, err := svc.Update(job.ID, JobPatch{Name: util.Ptr("renamed")})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	require.NotNil(t, updated.State.NextRunAtMs)
	assert.Equal(t, next, *updated.State.NextRunAtMs)
}

func TestService_UpdateValidatesPatch(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)

	job, err := svc.Add(JobSpec{
		Name:     "poller",
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 60_000},
		Payload:  Payload{Kind: PayloadSystemEvent},
	})
	require.NoError(t, err)

	_, err = svc.Update(job.ID, JobPatch{
		Schedule: &Schedule{Kind: ScheduleEvery, EveryMs: -1},
	})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))

	// Rejected patch left the job unchanged
	got, err := svc.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(60_000), got.Schedule.EveryMs)
}

func TestService_UpdateUnknownJob(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)

	_, err := svc.Update("ghost", JobPatch{Name: util.Ptr("x")})
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestService_ConcurrentUpdatesSerialized(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)

	job, err := svc.Add(JobSpec{
		Name:     "contended",
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 60_000},
		Payload:  Payload{Kind: PayloadSystemEvent},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(everyMs int64) {
			defer wg.Done()
			_, err := svc.Update(job.ID, JobPatch{
				Schedule: &Schedule{Kind: ScheduleEvery, EveryMs: everyMs},
			})
			assert.NoError(t, err)
		}(int64(10_000 + i*1000))
	}
	wg.Wait()

	// Last write wins: next run is consistent with whichever schedule
	// committed last
	got, err := svc.Get(job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.State.NextRunAtMs)
	assert.LessOrEqual(t, *got.State.NextRunAtMs, time.Now().UnixMilli()+got.Schedule.EveryMs)
}

func TestService_RemoveIdempotent(t *testing.T) {
	svc, _, bus, _ := newTestService(t, nil)

	job, err := svc.Add(JobSpec{
		Name:     "ephemeral",
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 60_000},
		Payload:  Payload{Kind: PayloadSystemEvent},
	})
	require.NoError(t, err)

	var events []Event
	defer bus.Subscribe(func(e Event) { events = append(events, e) })()

	removed, err := svc.Remove(job.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = svc.Remove(job.ID)
	require.NoError(t, err)
	assert.False(t, removed)

	// Only the successful removal published
	require.Len(t, events, 1)
	assert.Equal(t, EventRemoved, events[0].Action)
}

func TestService_RemoveMidRun(t *testing.T) {
	release := make(chan struct{})
	executor := ExecutorFunc(func(ctx context.Context, req ExecRequest) (*ExecResult, error) {
		<-release
		return &ExecResult{Summary: "late finish"}, nil
	})
	svc, store, bus, dispatcher := newTestService(t, executor)

	job, err := svc.Add(JobSpec{
		Name:     "long runner",
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 60_000},
		Payload:  Payload{Kind: PayloadSystemEvent},
	})
	require.NoError(t, err)

	finished := make(chan Event, 1)
	defer bus.Subscribe(func(e Event) {
		if e.Action == EventFinished {
			select {
			case finished <- e:
			default:
			}
		}
	})()

	ran, err := dispatcher.RunNow(job.ID, RunModeForce)
	require.NoError(t, err)
	require.True(t, ran)

	// Remove while the run is in flight: returns true immediately
	removed, err := svc.Remove(job.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	jobs, err := svc.List(true)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	// The in-flight run completes and ledgers without error
	close(release)
	select {
	case e := <-finished:
		assert.Equal(t, StatusOK, e.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight run never finished")
	}

	_, err = store.Get(job.ID)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestService_ScheduleChangeMidRunWins(t *testing.T) {
	release := make(chan struct{})
	executor := ExecutorFunc(func(ctx context.Context, req ExecRequest) (*ExecResult, error) {
		<-release
		return &ExecResult{}, nil
	})
	svc, _, bus, dispatcher := newTestService(t, executor)

	job, err := svc.Add(JobSpec{
		Name:     "one-off turned periodic",
		Schedule: Schedule{Kind: ScheduleAt, AtMs: time.Now().UnixMilli()},
		Payload:  Payload{Kind: PayloadSystemEvent},
	})
	require.NoError(t, err)

	finished := make(chan Event, 1)
	defer bus.Subscribe(func(e Event) {
		if e.Action == EventFinished {
			select {
			case finished <- e:
			default:
			}
		}
	})()

	ran, err := dispatcher.RunNow(job.ID, RunModeForce)
	require.NoError(t, err)
	require.True(t, ran)

	// Reshape the one-shot into a repeating schedule while the run is
	// in flight
	_, err = svc.Update(job.ID, JobPatch{
		Schedule: &Schedule{Kind: ScheduleEvery, EveryMs: 60_000},
	})
	require.NoError(t, err)

	close(release)
	select {
	case e := <-finished:
		assert.Equal(t, StatusOK, e.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight run never finished")
	}

	// The finish advances against the updated schedule, not the
	// dispatch-time one-shot: the job stays enabled with a next run
	got, err := svc.Get(job.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.State.NextRunAtMs)
	assert.Nil(t, got.State.RunningAtMs)
}

func TestService_RunsUnknownJob(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)

	_, err := svc.Runs("ghost", 10)
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestService_StatusSchedulers(t *testing.T) {
	svc, _, _, dispatcher := newTestService(t, nil)

	status, err := svc.Status()
	require.NoError(t, err)
	assert.Equal(t, 0, status.Schedulers)

	require.NoError(t, dispatcher.Start(context.Background()))
	defer dispatcher.Stop()

	status, err = svc.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, status.Schedulers)
}

func TestService_LifecycleEvents(t *testing.T) {
	svc, _, bus, _ := newTestService(t, nil)

	var mu sync.Mutex
	var actions []string
	defer bus.Subscribe(func(e Event) {
		mu.Lock()
		actions = append(actions, e.Action)
		mu.Unlock()
	})()

	job, err := svc.Add(JobSpec{
		Name:     "observed",
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 60_000},
		Payload:  Payload{Kind: PayloadSystemEvent},
	})
	require.NoError(t, err)

	_, err = svc.Update(job.ID, JobPatch{Name: util.Ptr("renamed")})
	require.NoError(t, err)

	_, err = svc.Remove(job.ID)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{EventAdded, EventUpdated, EventRemoved}, actions)
}
