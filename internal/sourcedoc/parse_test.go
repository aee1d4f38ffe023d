// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package sourcedoc

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func genKey(t *testing.T) string {
	t.Helper()
	k, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	return k.PublicKey().String()
}

func TestParseBasicDocument(t *testing.T) {
	k1, k2 := genKey(t), genKey(t)
	data := []byte(fmt.Sprintf(`{
		"servers": [{"public_key": %q, "endpoint": "198.51.100.1:51820", "ipv4": ["10.0.0.0/8"]}],
		"road_warriors": [{"public_key": %q, "base": %q, "ipv4": ["10.2.5.44/32"]}]
	}`, k1, k2, k1))

	doc, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, doc.Servers, 1)
	require.Len(t, doc.RoadWarriors, 1)
	assert.Equal(t, "198.51.100.1:51820", doc.Servers[0].Endpoint)
	assert.Nil(t, doc.Next)
}

func TestParseRejectsMissingEndpoint(t *testing.T) {
	k1 := genKey(t)
	data := []byte(fmt.Sprintf(`{"servers": [{"public_key": %q}]}`, k1))
	_, err := Parse(data)
	assert.Error(t, err)
}

func TestParseRejectsMissingBase(t *testing.T) {
	k1 := genKey(t)
	data := []byte(fmt.Sprintf(`{"road_warriors": [{"public_key": %q}]}`, k1))
	_, err := Parse(data)
	assert.Error(t, err)
}

func TestParseRejectsDuplicateKeyWithinDocument(t *testing.T) {
	k1 := genKey(t)
	data := []byte(fmt.Sprintf(`{"servers": [
		{"public_key": %q, "endpoint": "198.51.100.1:51820"},
		{"public_key": %q, "endpoint": "198.51.100.2:51820"}
	]}`, k1, k1))
	_, err := Parse(data)
	assert.Error(t, err)
}

func TestParseRejectsRoadWarriorBasedOnRoadWarrior(t *testing.T) {
	k1, k2 := genKey(t), genKey(t)
	data := []byte(fmt.Sprintf(`{"road_warriors": [
		{"public_key": %q, "base": %q},
		{"public_key": %q, "base": %q}
	]}`, k1, k2, k2, k1))
	_, err := Parse(data)
	assert.Error(t, err)
}

func TestParseRejectsNonzeroHostBitsInIPs(t *testing.T) {
	k1 := genKey(t)
	data := []byte(fmt.Sprintf(`{"servers": [{"public_key": %q, "endpoint": "198.51.100.1:51820", "ipv4": ["10.0.0.1/24"]}]}`, k1))
	_, err := Parse(data)
	assert.Error(t, err)
}

func TestParseNextChain(t *testing.T) {
	k1 := genKey(t)
	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	data := []byte(fmt.Sprintf(`{
		"servers": [{"public_key": %q, "endpoint": "198.51.100.1:51820"}],
		"next": {"update_at": %q, "servers": []}
	}`, k1, future))

	doc, err := Parse(data)
	require.NoError(t, err)
	require.NotNil(t, doc.Next)
	assert.Len(t, doc.Next.Servers, 0)
}

func TestParseRejectsTooDeepNextChain(t *testing.T) {
	ts := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	inner := fmt.Sprintf(`{"update_at": %q, "servers": []}`, ts)
	for i := 0; i < MaxNextDepth+1; i++ {
		inner = fmt.Sprintf(`{"update_at": %q, "servers": [], "next": %s}`, ts, inner)
	}
	data := []byte(fmt.Sprintf(`{"servers": [], "next": %s}`, inner))

	_, err := Parse(data)
	assert.Error(t, err)
}

func TestActiveWalksChainUpToNow(t *testing.T) {
	now := time.Date(2033, 5, 18, 3, 33, 20, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	grandchild := &Document{UpdateAt: future}
	child := &Document{UpdateAt: past, Next: grandchild}
	root := &Document{Next: child}

	assert.Same(t, child, root.Active(now))
	assert.Same(t, grandchild, root.Active(future))
	assert.Same(t, root, root.Active(past.Add(-time.Minute)))
}

func TestActiveExactlyAtUpdateAtActivates(t *testing.T) {
	switchAt := time.Date(2033, 5, 18, 3, 33, 20, 0, time.UTC)
	child := &Document{UpdateAt: switchAt}
	root := &Document{Next: child}

	assert.Same(t, child, root.Active(switchAt))
}

func TestNextWakeFindsSoonestFutureSwitch(t *testing.T) {
	now := time.Now().UTC()
	child := &Document{UpdateAt: now.Add(time.Minute)}
	root := &Document{Next: child}

	wake, ok := root.NextWake(now)
	require.True(t, ok)
	assert.Equal(t, child.UpdateAt, wake)
}

func TestNextWakeNoFutureSwitch(t *testing.T) {
	root := &Document{}
	_, ok := root.NextWake(time.Now())
	assert.False(t, ok)
}
