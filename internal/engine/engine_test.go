// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sharedco/wgconfd/internal/config"
	"github.com/sharedco/wgconfd/internal/ipset"
	"github.com/sharedco/wgconfd/internal/keys"
	"github.com/sharedco/wgconfd/internal/merge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

type fakeFetcher struct {
	bodies map[string][]byte
	errs   map[string]error
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if f.errs != nil {
		if err, ok := f.errs[url]; ok {
			return nil, err
		}
	}
	return f.bodies[url], nil
}

type fakeSink struct {
	set    []keys.Key
	remove []keys.Key
	setErr map[keys.Key]error
}

func (f *fakeSink) SetPeer(ctx context.Context, peer merge.TargetPeer) error {
	f.set = append(f.set, peer.PublicKey)
	if f.setErr != nil {
		if err, ok := f.setErr[peer.PublicKey]; ok {
			return err
		}
	}
	return nil
}

func (f *fakeSink) RemovePeer(ctx context.Context, k keys.Key) error {
	f.remove = append(f.remove, k)
	return nil
}

func genEngineKey(t *testing.T) keys.Key {
	t.Helper()
	k, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	return k.PublicKey()
}

func TestRunCycleFetchesMergesAndApplies(t *testing.T) {
	cacheDir := t.TempDir()
	runtimeDir := t.TempDir()

	k := genEngineKey(t)
	auth, err := ipset.Parse("10.0.0.0/8")
	require.NoError(t, err)

	cfg := &config.Global{
		Interface:    "wg0",
		RefreshSec:   1200,
		MinKeepalive: 10,
		CacheDir:     cacheDir,
		RuntimeDir:   runtimeDir,
		Sources: []config.Source{
			{Name: "remote1", URL: "https://example.com/a.json", Auth: ipset.New(auth), AllowRoadWarriors: true},
		},
		Overrides: map[keys.Key]config.Override{},
	}

	body := []byte(fmt.Sprintf(`{"servers":[{"public_key":%q,"endpoint":"198.51.100.1:51820","ipv4":["10.1.2.0/24"]}]}`, k.String()))
	fetcher := &fakeFetcher{bodies: map[string][]byte{"https://example.com/a.json": body}}
	sink := &fakeSink{}

	e, err := New(context.Background(), Options{Config: cfg, Fetcher: fetcher, Sink: sink})
	require.NoError(t, err)

	require.NoError(t, e.runCycle(context.Background()))

	require.Len(t, sink.set, 1)
	assert.Equal(t, k, sink.set[0])
	assert.Empty(t, sink.remove)

	loaded, err := e.store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, k, loaded[0].PublicKey)
}

// A required source with no cache and a failing initial fetch must
// fail engine startup outright (spec.md §4.C, §6, §7) rather than let
// Run's steady-state loop retry it forever.
func TestNewFailsWhenRequiredSourceHasNoCacheAndFetchFails(t *testing.T) {
	cacheDir := t.TempDir()
	runtimeDir := t.TempDir()

	cfg := &config.Global{
		Interface:  "wg0",
		RefreshSec: 1200,
		CacheDir:   cacheDir,
		RuntimeDir: runtimeDir,
		Sources: []config.Source{
			{Name: "remote1", URL: "https://example.com/a.json", Required: true},
		},
		Overrides: map[keys.Key]config.Override{},
	}

	fetcher := &fakeFetcher{errs: map[string]error{"https://example.com/a.json": errors.New("connection refused")}}
	sink := &fakeSink{}

	e, err := New(context.Background(), Options{Config: cfg, Fetcher: fetcher, Sink: sink})
	require.Error(t, err)
	assert.Nil(t, e)
}

// A required source with no cache but a successful initial fetch lets
// startup proceed normally.
func TestNewSucceedsWhenRequiredSourceFetchesOnStartup(t *testing.T) {
	cacheDir := t.TempDir()
	runtimeDir := t.TempDir()

	k := genEngineKey(t)
	cfg := &config.Global{
		Interface:  "wg0",
		RefreshSec: 1200,
		CacheDir:   cacheDir,
		RuntimeDir: runtimeDir,
		Sources: []config.Source{
			{Name: "remote1", URL: "https://example.com/a.json", Auth: ipset.New(), Required: true, AllowRoadWarriors: true},
		},
		Overrides: map[keys.Key]config.Override{},
	}

	body := []byte(fmt.Sprintf(`{"servers":[{"public_key":%q,"endpoint":"198.51.100.1:51820"}]}`, k.String()))
	fetcher := &fakeFetcher{bodies: map[string][]byte{"https://example.com/a.json": body}}
	sink := &fakeSink{}

	e, err := New(context.Background(), Options{Config: cfg, Fetcher: fetcher, Sink: sink})
	require.NoError(t, err)
	require.NotNil(t, e)
}

func TestRunCycleRemovesPeerDroppedFromSource(t *testing.T) {
	cacheDir := t.TempDir()
	runtimeDir := t.TempDir()

	k := genEngineKey(t)
	auth, err := ipset.Parse("0.0.0.0/0")
	require.NoError(t, err)

	cfg := &config.Global{
		Interface:  "wg0",
		RefreshSec: 1200,
		CacheDir:   cacheDir,
		RuntimeDir: runtimeDir,
		Sources: []config.Source{
			{Name: "remote1", URL: "https://example.com/a.json", Auth: ipset.New(auth), AllowRoadWarriors: true},
		},
		Overrides: map[keys.Key]config.Override{},
	}

	body := []byte(fmt.Sprintf(`{"servers":[{"public_key":%q,"endpoint":"198.51.100.1:51820"}]}`, k.String()))
	fetcher := &fakeFetcher{bodies: map[string][]byte{"https://example.com/a.json": body}}
	sink := &fakeSink{}

	e, err := New(context.Background(), Options{Config: cfg, Fetcher: fetcher, Sink: sink})
	require.NoError(t, err)
	require.NoError(t, e.runCycle(context.Background()))
	require.Len(t, sink.set, 1)

	fetcher.bodies["https://example.com/a.json"] = []byte(`{"servers":[]}`)
	require.NoError(t, e.cache.Refresh(context.Background(), cfg.Sources[0], fetcher, cfg.RefreshSec, time.Now()))
	require.NoError(t, e.runCycle(context.Background()))

	assert.Contains(t, sink.remove, k)
}

// If device.Apply fails to remove a peer, the engine must not commit
// current (which lacks that peer) as applied state — it has to keep
// retrying the removal on subsequent cycles (spec.md §4.F/§4.G/§7/§8).
func TestRunCycleRetriesPeerAfterFailedRemove(t *testing.T) {
	cacheDir := t.TempDir()
	runtimeDir := t.TempDir()

	k := genEngineKey(t)
	auth, err := ipset.Parse("0.0.0.0/0")
	require.NoError(t, err)

	cfg := &config.Global{
		Interface:  "wg0",
		RefreshSec: 1200,
		CacheDir:   cacheDir,
		RuntimeDir: runtimeDir,
		Sources: []config.Source{
			{Name: "remote1", URL: "https://example.com/a.json", Auth: ipset.New(auth), AllowRoadWarriors: true},
		},
		Overrides: map[keys.Key]config.Override{},
	}

	body := []byte(fmt.Sprintf(`{"servers":[{"public_key":%q,"endpoint":"198.51.100.1:51820"}]}`, k.String()))
	fetcher := &fakeFetcher{bodies: map[string][]byte{"https://example.com/a.json": body}}
	sink := &fakeSink{}

	e, err := New(context.Background(), Options{Config: cfg, Fetcher: fetcher, Sink: sink})
	require.NoError(t, err)
	require.NoError(t, e.runCycle(context.Background()))
	require.Len(t, sink.set, 1)

	// The source stops listing the peer, but the device refuses the
	// removal.
	fetcher.bodies["https://example.com/a.json"] = []byte(`{"servers":[]}`)
	require.NoError(t, e.cache.Refresh(context.Background(), cfg.Sources[0], fetcher, cfg.RefreshSec, time.Now()))
	removeErr := errors.New("device busy")
	failingSink := &failingRemoveSink{fakeSink: sink, failKey: k, err: removeErr}
	e.sink = failingSink

	require.NoError(t, e.runCycle(context.Background()))
	require.Contains(t, failingSink.fakeSink.remove, k)

	// The failed removal must not have been committed to applied state:
	// the next cycle should attempt the removal again.
	require.Len(t, e.previous, 1)
	assert.Equal(t, k, e.previous[0].PublicKey)

	loaded, err := e.store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, k, loaded[0].PublicKey)

	failingSink.err = nil
	require.NoError(t, e.runCycle(context.Background()))
	assert.Empty(t, e.previous)
}

// failingRemoveSink wraps a fakeSink so RemovePeer calls for failKey
// fail for as long as err is set, independent of fakeSink's SetPeer-only
// error injection.
type failingRemoveSink struct {
	fakeSink *fakeSink
	failKey  keys.Key
	err      error
}

func (f *failingRemoveSink) SetPeer(ctx context.Context, peer merge.TargetPeer) error {
	return f.fakeSink.SetPeer(ctx, peer)
}

func (f *failingRemoveSink) RemovePeer(ctx context.Context, k keys.Key) error {
	if k == f.failKey && f.err != nil {
		f.fakeSink.remove = append(f.fakeSink.remove, k)
		return f.err
	}
	return f.fakeSink.RemovePeer(ctx, k)
}
