// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package state

import (
	"path/filepath"
	"testing"

	"github.com/sharedco/wgconfd/internal/ipset"
	"github.com/sharedco/wgconfd/internal/keys"
	"github.com/sharedco/wgconfd/internal/merge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func genStateKey(t *testing.T) keys.Key {
	t.Helper()
	k, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	return k.PublicKey()
}

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	s := New(t.TempDir())
	peers, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, peers)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	k1, k2 := genStateKey(t), genStateKey(t)
	psk, err := wgtypes.GenerateKey()
	require.NoError(t, err)
	pskKey := keys.Key(psk)

	c1, _ := ipset.Parse("10.0.0.0/24")
	c2, _ := ipset.Parse("fd00::/64")

	peers := []merge.TargetPeer{
		{PublicKey: k1, Endpoint: "a.example:51820", Keepalive: 25, AllowedIPs: ipset.New(c1)},
		{PublicKey: k2, PSK: &pskKey, Keepalive: 0, AllowedIPs: ipset.New(c1, c2)},
	}

	require.NoError(t, s.Save(peers))

	loaded, err := s.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	assert.Equal(t, peers[0].PublicKey, loaded[0].PublicKey)
	assert.Equal(t, peers[0].Endpoint, loaded[0].Endpoint)
	assert.Equal(t, peers[0].Keepalive, loaded[0].Keepalive)
	assert.Nil(t, loaded[0].PSK)

	assert.Equal(t, peers[1].PublicKey, loaded[1].PublicKey)
	require.NotNil(t, loaded[1].PSK)
	assert.Equal(t, *peers[1].PSK, *loaded[1].PSK)
	assert.True(t, ipset.Equal(peers[1].AllowedIPs, loaded[1].AllowedIPs))
}

func TestSaveWritesAtomically(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	k := genStateKey(t)

	require.NoError(t, s.Save([]merge.TargetPeer{{PublicKey: k, AllowedIPs: ipset.New()}}))

	entries, err := filepath.Glob(filepath.Join(dir, ".state-*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries, "no leftover temp files after a successful save")
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeAtomic(filepath.Join(dir, "state"), []byte("not json")))

	s := New(dir)
	_, err := s.Load()
	assert.Error(t, err)
}
