// Package schedule fires trade workflows at their planned wall-clock
// moments, slightly early by a random jitter so repeated daily runs do not
// hit the gateway at the exact same millisecond.
package schedule

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// prePingOffsets are how long before the fire moment the token validation
// pings run. Warming the session here keeps the critical entry path off the
// token refresh lock.
var prePingOffsets = []time.Duration{60 * time.Second, 30 * time.Second}

// Scheduler waits out the gap between now and each planned trade moment.
type Scheduler struct {
	maxJitter time.Duration
	logger    *slog.Logger
}

func New(maxJitter time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		maxJitter: maxJitter,
		logger:    logger.With("component", "schedule"),
	}
}

// WaitUntil blocks until a jittered fire moment at or slightly before
// target: the advance is uniform in [0, min(maxJitter, remaining)], so the
// fire moment never lands before now or after target. A target already in
// the past returns immediately. validate, when non-nil, is invoked roughly
// 60s and 30s before the fire moment.
//
// Returns the actual fire time, or ctx.Err() on cancellation.
func (s *Scheduler) WaitUntil(ctx context.Context, target time.Time, validate func(context.Context)) (time.Time, error) {
	now := time.Now()
	remaining := target.Sub(now)
	if remaining <= 0 {
		return now, nil
	}

	bound := s.maxJitter
	if remaining < bound {
		bound = remaining
	}
	var advance time.Duration
	if bound > 0 {
		advance = time.Duration(rand.Int63n(int64(bound) + 1))
	}
	fireAt := target.Add(-advance)
	s.logger.Info("scheduled", "target", target.Format(time.TimeOnly), "fire_at", fireAt.Format(time.TimeOnly), "advance", advance)

	if validate != nil {
		for _, offset := range prePingOffsets {
			pingAt := fireAt.Add(-offset)
			if wait := time.Until(pingAt); wait > 0 {
				select {
				case <-ctx.Done():
					return time.Time{}, ctx.Err()
				case <-time.After(wait):
				}
				validate(ctx)
			}
		}
	}

	if wait := time.Until(fireAt); wait > 0 {
		select {
		case <-ctx.Done():
			return time.Time{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	return time.Now(), nil
}

// At combines a wall-clock HH:MM[:SS] string with a date in the given
// location. The boolean is false when the string does not parse.
func At(day time.Time, clock string, loc *time.Location) (time.Time, bool) {
	var layout string
	switch len(clock) {
	case len("15:04"):
		layout = "15:04"
	case len("15:04:05"):
		layout = "15:04:05"
	default:
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(layout, clock, loc)
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc), true
}
