package cron

import (
	"time"

	"github.com/corvid-labs/tempo/errors"
)

// KeyPrefix namespaces scheduler registration keys so job ids cannot
// collide with other timer owners sharing the engine.
const KeyPrefix = "cron:"

// Key maps a job id to its scheduler registration key.
// Deterministic and injective: same id always yields the same key,
// distinct ids never collide.
func Key(jobID string) string {
	return KeyPrefix + jobID
}

// FirstRun computes the first due time for a schedule, in epoch millis.
// An at schedule already in the past collapses to "due now" rather than
// erroring; a job scheduled in the past should still run once.
func FirstRun(s Schedule, now time.Time) (int64, error) {
	nowMs := now.UnixMilli()
	switch s.Kind {
	case ScheduleAt:
		if s.AtMs <= nowMs {
			return nowMs, nil
		}
		return s.AtMs, nil
	case ScheduleEvery:
		return nextInterval(s, nowMs)
	case ScheduleCron:
		return nextCron(s, now)
	default:
		return 0, errors.NewInvalidRequestError("unknown schedule kind %q", s.Kind)
	}
}

// NextAfter computes the occurrence following a completed run, or nil
// when the schedule is exhausted (a fired one-shot).
func NextAfter(s Schedule, after time.Time) (*int64, error) {
	switch s.Kind {
	case ScheduleAt:
		return nil, nil
	case ScheduleEvery:
		ms, err := nextInterval(s, after.UnixMilli())
		if err != nil {
			return nil, err
		}
		return &ms, nil
	case ScheduleCron:
		ms, err := nextCron(s, after)
		if err != nil {
			return nil, err
		}
		return &ms, nil
	default:
		return nil, errors.NewInvalidRequestError("unknown schedule kind %q", s.Kind)
	}
}

// nextInterval returns the first multiple of everyMs strictly after
// fromMs. With an anchor the phase is locked to anchorMs so recurring
// runs land on the same wall-clock offsets across restarts.
func nextInterval(s Schedule, fromMs int64) (int64, error) {
	if s.EveryMs <= 0 {
		return 0, errors.NewInvalidRequestError("everyMs must be positive, got %d", s.EveryMs)
	}
	if s.AnchorMs == nil {
		return fromMs + s.EveryMs, nil
	}
	anchor := *s.AnchorMs
	if fromMs < anchor {
		return anchor, nil
	}
	elapsed := fromMs - anchor
	periods := elapsed/s.EveryMs + 1
	return anchor + periods*s.EveryMs, nil
}

// nextCron evaluates the cron expression in its timezone and returns
// the next fire time after from. Expression and tz are passed through
// verbatim to the parser, never rewritten.
func nextCron(s Schedule, from time.Time) (int64, error) {
	sched, err := cronParser.Parse(s.Expr)
	if err != nil {
		return 0, errors.NewInvalidRequestError("invalid cron expression %q: %v", s.Expr, err)
	}
	loc := time.Local
	if s.TZ != "" {
		loc, err = time.LoadLocation(s.TZ)
		if err != nil {
			return 0, errors.NewInvalidRequestError("unknown timezone %q", s.TZ)
		}
	}
	next := sched.Next(from.In(loc))
	if next.IsZero() {
		return 0, errors.NewInvalidRequestError("cron expression %q never fires", s.Expr)
	}
	return next.UnixMilli(), nil
}
