// Package cron implements the job scheduling engine: durable job
// definitions, schedule arithmetic, single-flight dispatch, a bounded
// run ledger, and lifecycle events.
package cron

import (
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/corvid-labs/tempo/errors"
)

// ScheduleKind discriminates the schedule tagged variant
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"    // one-shot, fires once
	ScheduleEvery ScheduleKind = "every" // fixed interval, optionally phase-anchored
	ScheduleCron  ScheduleKind = "cron"  // 5-field cron expression with timezone
)

// Schedule describes when a job fires. Exactly one kind's fields are
// meaningful; the rest stay zero.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// at
	AtMs int64 `json:"atMs,omitempty"`

	// every
	EveryMs  int64  `json:"everyMs,omitempty"`
	AnchorMs *int64 `json:"anchorMs,omitempty"`

	// cron
	Expr string `json:"expr,omitempty"`
	TZ   string `json:"tz,omitempty"`
}

// PayloadKind discriminates the payload tagged variant
type PayloadKind string

const (
	PayloadSystemEvent PayloadKind = "systemEvent"
	PayloadAgentTurn   PayloadKind = "agentTurn"
)

// Payload describes what a job executes. The engine decodes it once at
// the API boundary and passes it through to the executor unchanged.
type Payload struct {
	Kind PayloadKind `json:"kind"`

	// systemEvent
	Text string `json:"text,omitempty"`

	// agentTurn
	Message string `json:"message,omitempty"`
	Model   string `json:"model,omitempty"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`

	// Per-job executor timeout override. 0 means use the system default.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// SessionTarget selects which execution context the payload runs under.
// Consumed by the executor; the engine threads it through.
type SessionTarget string

const (
	SessionMain     SessionTarget = "main"
	SessionIsolated SessionTarget = "isolated"
)

// RunStatus values recorded on jobs and ledger entries
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// JobState holds the engine-owned mutable run state of a job.
// Only the Store mutates it.
type JobState struct {
	NextRunAtMs    *int64 `json:"nextRunAtMs"`
	LastRunAtMs    *int64 `json:"lastRunAtMs"`
	LastStatus     string `json:"lastStatus,omitempty"`
	LastError      string `json:"lastError,omitempty"`
	LastDurationMs *int64 `json:"lastDurationMs"`
	RunningAtMs    *int64 `json:"runningAtMs"` // non-nil while a run is in flight
}

// Job is a scheduled unit of work
type Job struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	Enabled       bool          `json:"enabled"`
	Schedule      Schedule      `json:"schedule"`
	SessionTarget SessionTarget `json:"sessionTarget"`
	Payload       Payload       `json:"payload"`
	State         JobState      `json:"state"`
	CreatedAtMs   int64         `json:"createdAtMs"`
	UpdatedAtMs   int64         `json:"updatedAtMs"`
}

// OneShotHorizon caps how far in the future an at schedule may point.
// Beyond this the delay arithmetic stops being meaningful and the
// request is almost certainly a unit mistake (seconds vs millis).
const OneShotHorizon = 10 * 365 * 24 * time.Hour

// cronParser accepts standard 5-field expressions (minute through day-of-week)
var cronParser = robfig.NewParser(
	robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow,
)

// Validate checks a schedule for well-formedness relative to now.
// Rejected schedules are never persisted.
func (s Schedule) Validate(now time.Time) error {
	switch s.Kind {
	case ScheduleAt:
		if s.AtMs <= 0 {
			return errors.NewInvalidRequestError("at schedule requires a positive atMs")
		}
		if s.AtMs > now.Add(OneShotHorizon).UnixMilli() {
			return errors.NewInvalidRequestError("atMs is more than 10 years out")
		}
	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return errors.NewInvalidRequestError("everyMs must be positive, got %d", s.EveryMs)
		}
	case ScheduleCron:
		if _, err := cronParser.Parse(s.Expr); err != nil {
			return errors.NewInvalidRequestError("invalid cron expression %q: %v", s.Expr, err)
		}
		if s.TZ != "" {
			if _, err := time.LoadLocation(s.TZ); err != nil {
				return errors.NewInvalidRequestError("unknown timezone %q", s.TZ)
			}
		}
	default:
		return errors.NewInvalidRequestError("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Validate checks a payload for a known kind
func (p Payload) Validate() error {
	switch p.Kind {
	case PayloadSystemEvent, PayloadAgentTurn:
	default:
		return errors.NewInvalidRequestError("unknown payload kind %q", p.Kind)
	}
	if p.TimeoutSeconds < 0 {
		return errors.NewInvalidRequestError("timeoutSeconds must not be negative")
	}
	return nil
}

// Validate checks the full job definition
func (j *Job) Validate(now time.Time) error {
	if j.Name == "" {
		return errors.NewInvalidRequestError("job name is required")
	}
	switch j.SessionTarget {
	case SessionMain, SessionIsolated:
	default:
		return errors.NewInvalidRequestError("unknown session target %q", j.SessionTarget)
	}
	if err := j.Schedule.Validate(now); err != nil {
		return err
	}
	return j.Payload.Validate()
}

// Running reports whether a run is currently in flight
func (j *Job) Running() bool {
	return j.State.RunningAtMs != nil
}
