// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package cache

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sharedco/wgconfd/internal/config"
	"github.com/sharedco/wgconfd/internal/sourcedoc"
)

// backoffBase is the starting delay after a single failure; it matches
// the 30s floor spec.md §5 requires of fetch timeouts.
const backoffBase = 30 * time.Second

// Entry is the cached state for one source (spec.md §3, "Cached source
// entry").
type Entry struct {
	Document    *sourcedoc.Document
	FetchedAt   time.Time
	NextRefresh time.Time
	LastErr     error
	Failures    int
}

// Cache persists the last-successful document per source to
// <cache_dir>/<source-name> and tracks each source's refresh deadline.
type Cache struct {
	dir string

	mu      sync.RWMutex
	entries map[string]*Entry

	Logger *log.Logger
}

// New creates a Cache rooted at dir. The directory must already exist.
func New(dir string) *Cache {
	return &Cache{
		dir:     dir,
		entries: make(map[string]*Entry),
		Logger:  log.New(os.Stderr, "cache: ", log.LstdFlags),
	}
}

// Load best-effort-reads the cache directory at startup. An unreadable
// or malformed cache entry is discarded with a warning, and a missing
// one is skipped silently; either way the source is then treated as
// never-fetched (spec.md §4.C).
func (c *Cache) Load(sources []config.Source, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, src := range sources {
		path := filepath.Join(c.dir, src.Name)
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				c.Logger.Printf("source %s: discarding unreadable cache entry: %v", src.Name, err)
			}
			continue
		}

		doc, err := sourcedoc.Parse(data)
		if err != nil {
			c.Logger.Printf("source %s: discarding malformed cache entry: %v", src.Name, err)
			continue
		}

		// The on-disk cache stores raw document bytes only (spec.md
		// §6); fetch timestamps do not survive a restart, so the
		// first cycle always attempts a fresh fetch for this source.
		c.entries[src.Name] = &Entry{
			Document:    doc,
			NextRefresh: now,
		}
	}
}

// Entry returns the current cached entry for name, if any.
func (c *Cache) Entry(name string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot returns a copy of all entries, keyed by source name.
func (c *Cache) Snapshot() map[string]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Entry, len(c.entries))
	for k, v := range c.entries {
		out[k] = *v
	}
	return out
}

// Refresh fetches src, on success persisting the document atomically
// and resetting backoff; on failure it applies exponential backoff
// capped at refreshSec and keeps the previous document, if any.
func (c *Cache) Refresh(ctx context.Context, src config.Source, fetcher Fetcher, refreshSec int, now time.Time) error {
	data, fetchErr := fetcher.Fetch(ctx, src.URL)
	if fetchErr == nil {
		doc, parseErr := sourcedoc.Parse(data)
		if parseErr != nil {
			return c.recordFailure(src.Name, fmt.Errorf("parse: %w", parseErr), refreshSec, now)
		}

		if err := writeAtomic(c.dir, src.Name, data); err != nil {
			return c.recordFailure(src.Name, fmt.Errorf("persist: %w", err), refreshSec, now)
		}

		c.mu.Lock()
		c.entries[src.Name] = &Entry{
			Document:    doc,
			FetchedAt:   now,
			NextRefresh: now.Add(time.Duration(refreshSec) * time.Second),
		}
		c.mu.Unlock()
		return nil
	}

	return c.recordFailure(src.Name, fmt.Errorf("fetch: %w", fetchErr), refreshSec, now)
}

func (c *Cache) recordFailure(name string, err error, refreshSec int, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[name]
	if !ok {
		e = &Entry{}
		c.entries[name] = e
	}
	e.Failures++
	e.LastErr = err
	e.NextRefresh = now.Add(backoffDelay(e.Failures, refreshSec))
	return err
}

// backoffDelay doubles on each consecutive failure, capped at
// refreshSec so a failing source is never refreshed less often than a
// healthy one would be (spec.md §4.C).
func backoffDelay(failures, refreshSec int) time.Duration {
	ceiling := time.Duration(refreshSec) * time.Second
	if ceiling <= 0 {
		ceiling = backoffBase
	}
	d := backoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

func writeAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
