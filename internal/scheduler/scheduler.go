// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package scheduler computes when the engine should next wake up
// (spec.md §4.E): the soonest of any source's refresh deadline, or any
// cached document's next scheduled `next.update_at` switchover.
package scheduler

import (
	"time"

	"github.com/sharedco/wgconfd/internal/cache"
	"github.com/sharedco/wgconfd/internal/config"
)

// Due returns the set of source names whose refresh deadline has
// passed as of now.
func Due(sources []config.Source, entries map[string]cache.Entry, now time.Time) []string {
	var due []string
	for _, s := range sources {
		e, ok := entries[s.Name]
		if !ok || !e.NextRefresh.After(now) {
			due = append(due, s.Name)
		}
	}
	return due
}

// NextWake computes the earliest instant the engine must reconsider
// its peer table: the soonest source refresh deadline, or the soonest
// `next.update_at` switchover among cached documents, whichever comes
// first. ok is false only when there is nothing to wait for at all
// (no sources configured).
func NextWake(sources []config.Source, entries map[string]cache.Entry, now time.Time) (time.Time, bool) {
	var (
		best   time.Time
		found  bool
		update = func(t time.Time) {
			if !found || t.Before(best) {
				best = t
				found = true
			}
		}
	)

	for _, s := range sources {
		e, ok := entries[s.Name]
		if !ok {
			// Never fetched: due immediately.
			update(now)
			continue
		}
		update(e.NextRefresh)

		if e.Document != nil {
			if wake, ok := e.Document.NextWake(now); ok {
				update(wake)
			}
		}
	}

	return best, found
}

// SleepDuration clamps NextWake's result to a non-negative duration
// relative to now, so callers can pass it directly to a timer.
func SleepDuration(sources []config.Source, entries map[string]cache.Entry, now time.Time) (time.Duration, bool) {
	wake, ok := NextWake(sources, entries, now)
	if !ok {
		return 0, false
	}
	d := wake.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}
