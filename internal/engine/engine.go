// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package engine runs wgconfd's reconciliation loop (spec.md §5):
// refresh due sources, merge active documents into a target peer
// table, diff it against the last applied state, push the diff to the
// device, persist the new state, then sleep until the scheduler says
// there is work to do again.
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/sharedco/wgconfd/internal/cache"
	"github.com/sharedco/wgconfd/internal/config"
	"github.com/sharedco/wgconfd/internal/debugserver"
	"github.com/sharedco/wgconfd/internal/device"
	"github.com/sharedco/wgconfd/internal/keys"
	"github.com/sharedco/wgconfd/internal/merge"
	"github.com/sharedco/wgconfd/internal/metrics"
	"github.com/sharedco/wgconfd/internal/scheduler"
	"github.com/sharedco/wgconfd/internal/sourcedoc"
	"github.com/sharedco/wgconfd/internal/state"
)

// Engine wires every component together around one configured
// interface.
type Engine struct {
	cfg     *config.Global
	cache   *cache.Cache
	fetcher cache.Fetcher
	sink    device.Sink
	store   *state.Store
	metrics *metrics.Collectors
	debug   *debugserver.Server
	logger  *log.Logger

	previous []merge.TargetPeer

	// Wake is an external trigger (e.g. SIGHUP) the caller can send to
	// force an immediate cycle outside the scheduler's computed wait.
	Wake chan struct{}
}

// Options bundles the Engine's external collaborators so New stays a
// single readable call. Debug and Metrics may be nil to run headless.
type Options struct {
	Config  *config.Global
	Fetcher cache.Fetcher
	Sink    device.Sink
	Metrics *metrics.Collectors
	Debug   *debugserver.Server
	Logger  *log.Logger
}

// New builds an Engine. It loads the on-disk cache and state
// immediately, so the first cycle starts from whatever the previous
// process last knew. If a required source (spec.md §4.C) has no
// cached document, New attempts one fetch for it right here and
// returns an error if that fetch fails — startup validation errors
// must exit the process non-zero (spec.md §6), not fall into Run's
// steady-state retry loop.
func New(ctx context.Context, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	c := cache.New(opts.Config.CacheDir)
	c.Load(opts.Config.Sources, time.Now())

	for _, src := range opts.Config.Sources {
		if !src.Required {
			continue
		}
		if entry, ok := c.Entry(src.Name); ok && entry.Document != nil {
			continue
		}
		if err := c.Refresh(ctx, src, opts.Fetcher, opts.Config.RefreshSec, time.Now()); err != nil {
			return nil, fmt.Errorf("required source %q: %w", src.Name, err)
		}
	}

	s := state.New(opts.Config.RuntimeDir)
	previous, err := s.Load()
	if err != nil {
		logger.Printf("discarding unreadable persisted state: %v", err)
		previous = nil
	}

	return &Engine{
		cfg:      opts.Config,
		cache:    c,
		fetcher:  opts.Fetcher,
		sink:     opts.Sink,
		store:    s,
		metrics:  opts.Metrics,
		debug:    opts.Debug,
		logger:   logger,
		previous: previous,
		Wake:     make(chan struct{}, 1),
	}, nil
}

// Run executes cycles until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if err := e.runCycle(ctx); err != nil {
			e.logger.Printf("cycle error: %v", err)
		}

		wait, ok := scheduler.SleepDuration(e.cfg.Sources, e.cache.Snapshot(), time.Now())
		if !ok {
			wait = time.Duration(e.cfg.RefreshSec) * time.Second
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case <-e.Wake:
			timer.Stop()
		}
	}
}

// runCycle performs exactly one reconciliation pass: refresh due
// sources, merge, diff, apply, persist.
func (e *Engine) runCycle(ctx context.Context) error {
	start := time.Now()

	e.refreshDueSources(ctx)

	docs := make(map[string]*sourcedoc.Document, len(e.cfg.Sources))
	snapshot := e.cache.Snapshot()
	for _, s := range e.cfg.Sources {
		if entry, ok := snapshot[s.Name]; ok && entry.Document != nil {
			docs[s.Name] = entry.Document
		} else if s.Required {
			e.logger.Printf("required source %q has no cached document; skipping this cycle", s.Name)
			return nil
		}
	}

	now := time.Now()
	current, err := merge.Merge(e.cfg.Sources, docs, e.cfg.Overrides, e.cfg.MinKeepalive, e.cfg.MaxKeepalive, now)
	if err != nil {
		return err
	}

	diff := device.Compute(e.previous, current)
	applied := current
	if !diff.Empty() {
		result, err := device.Apply(ctx, e.sink, diff)
		if err != nil {
			e.logger.Printf("device apply reported errors: %v", err)
			if e.metrics != nil {
				failed := len(diff.Add) + len(diff.Update) + len(diff.Remove) -
					len(result.Added) - len(result.Updated) - len(result.Removed)
				e.metrics.DeviceApplyError.WithLabelValues("apply").Add(float64(failed))
			}
		}
		applied = reconcileApplied(e.previous, current, diff, result)
	}

	if err := e.store.Save(applied); err != nil {
		e.logger.Printf("failed to persist state: %v", err)
	}
	e.previous = applied

	if e.metrics != nil {
		e.metrics.CyclesTotal.Inc()
		e.metrics.CycleDuration.Observe(time.Since(start).Seconds())
		e.metrics.PeerCount.Set(float64(len(current)))
	}
	if e.debug != nil {
		e.debug.SetStatus(e.buildStatus(now, len(current)))
	}

	return nil
}

// reconcileApplied builds the peer table the engine treats as "applied
// state" for the next cycle. A key whose device operation failed must
// not be folded into current as if it had succeeded: an add that
// failed never reached the device at all, an update that failed still
// holds its old value there, and a remove that failed is still
// present. Carrying current unconditionally (ignoring device.Apply's
// outcome) would make device.Compute see no diff for that key next
// cycle and permanently lose convergence (spec.md §4.F/§4.G/§7/§8).
func reconcileApplied(previous, current []merge.TargetPeer, diff device.Diff, result device.ApplyResult) []merge.TargetPeer {
	prevByKey := make(map[keys.Key]merge.TargetPeer, len(previous))
	for _, p := range previous {
		prevByKey[p.PublicKey] = p
	}

	addedOK := toKeySet(result.Added)
	updatedOK := toKeySet(result.Updated)
	removedOK := toKeySet(result.Removed)

	addAttempted := make(map[keys.Key]bool, len(diff.Add))
	for _, p := range diff.Add {
		addAttempted[p.PublicKey] = true
	}
	updateAttempted := make(map[keys.Key]bool, len(diff.Update))
	for _, p := range diff.Update {
		updateAttempted[p.PublicKey] = true
	}

	next := make([]merge.TargetPeer, 0, len(current)+len(diff.Remove))
	for _, p := range current {
		switch {
		case addAttempted[p.PublicKey] && !addedOK[p.PublicKey]:
			// Never actually reached the device; don't claim it did.
		case updateAttempted[p.PublicKey] && !updatedOK[p.PublicKey]:
			// Device still holds whatever it had before this cycle.
			if old, ok := prevByKey[p.PublicKey]; ok {
				next = append(next, old)
			}
		default:
			next = append(next, p)
		}
	}
	for _, key := range diff.Remove {
		if removedOK[key] {
			continue
		}
		if old, ok := prevByKey[key]; ok {
			next = append(next, old)
		}
	}

	return next
}

func toKeySet(list []keys.Key) map[keys.Key]bool {
	set := make(map[keys.Key]bool, len(list))
	for _, k := range list {
		set[k] = true
	}
	return set
}

func (e *Engine) refreshDueSources(ctx context.Context) {
	due := scheduler.Due(e.cfg.Sources, e.cache.Snapshot(), time.Now())
	dueSet := make(map[string]bool, len(due))
	for _, name := range due {
		dueSet[name] = true
	}

	for _, s := range e.cfg.Sources {
		if !dueSet[s.Name] {
			continue
		}
		err := e.cache.Refresh(ctx, s, e.fetcher, e.cfg.RefreshSec, time.Now())
		if e.metrics != nil {
			if err != nil {
				e.metrics.FetchFailure.WithLabelValues(s.Name).Inc()
			} else {
				e.metrics.FetchSuccess.WithLabelValues(s.Name).Inc()
			}
		}
		if err != nil && s.Required {
			e.logger.Printf("required source %q failed to refresh: %v", s.Name, err)
		}
	}
}

func (e *Engine) buildStatus(now time.Time, peerCount int) debugserver.Status {
	snapshot := e.cache.Snapshot()
	st := debugserver.Status{
		Interface:   e.cfg.Interface,
		LastCycleAt: now,
		PeerCount:   peerCount,
	}
	for _, s := range e.cfg.Sources {
		entry := snapshot[s.Name]
		row := debugserver.SourceStatus{
			Name:        s.Name,
			LastFetched: entry.FetchedAt,
			NextRefresh: entry.NextRefresh,
			Failures:    entry.Failures,
		}
		if entry.LastErr != nil {
			row.LastError = entry.LastErr.Error()
		}
		if e.metrics != nil {
			e.metrics.SourceBackoff.WithLabelValues(s.Name).Set(time.Until(entry.NextRefresh).Seconds())
		}
		st.Sources = append(st.Sources, row)
	}
	return st
}
