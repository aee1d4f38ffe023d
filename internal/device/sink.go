// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package device applies a merged peer table to a WireGuard interface
// (spec.md §4.F): diffing it against the previously applied state and
// issuing the minimal set of peer adds, updates, and removes.
package device

import (
	"context"
	"sort"

	"github.com/sharedco/wgconfd/internal/ipset"
	"github.com/sharedco/wgconfd/internal/keys"
	"github.com/sharedco/wgconfd/internal/merge"
)

// Sink applies a peer to, or removes a peer from, a WireGuard
// interface. Implementations must treat SetPeer as an upsert.
type Sink interface {
	SetPeer(ctx context.Context, peer merge.TargetPeer) error
	RemovePeer(ctx context.Context, publicKey keys.Key) error
}

// Diff is the outcome of comparing a previous peer table against a
// newly merged one.
type Diff struct {
	Add    []merge.TargetPeer
	Update []merge.TargetPeer
	Remove []keys.Key
}

// Empty reports whether the diff has nothing to apply.
func (d Diff) Empty() bool {
	return len(d.Add) == 0 && len(d.Update) == 0 && len(d.Remove) == 0
}

// Compute diffs previous against current, both assumed de-duplicated
// by public key. A peer present in both but with different field
// values is classified as an update; an unchanged peer is omitted
// entirely so Apply never issues a no-op write.
func Compute(previous, current []merge.TargetPeer) Diff {
	prevByKey := make(map[keys.Key]merge.TargetPeer, len(previous))
	for _, p := range previous {
		prevByKey[p.PublicKey] = p
	}

	curByKey := make(map[keys.Key]merge.TargetPeer, len(current))
	for _, p := range current {
		curByKey[p.PublicKey] = p
	}

	var diff Diff
	for _, p := range current {
		old, existed := prevByKey[p.PublicKey]
		if !existed {
			diff.Add = append(diff.Add, p)
			continue
		}
		if !peerEqual(old, p) {
			diff.Update = append(diff.Update, p)
		}
	}
	for _, p := range previous {
		if _, stillPresent := curByKey[p.PublicKey]; !stillPresent {
			diff.Remove = append(diff.Remove, p.PublicKey)
		}
	}

	sort.Slice(diff.Add, func(i, j int) bool { return lessKey(diff.Add[i].PublicKey, diff.Add[j].PublicKey) })
	sort.Slice(diff.Update, func(i, j int) bool { return lessKey(diff.Update[i].PublicKey, diff.Update[j].PublicKey) })
	sort.Slice(diff.Remove, func(i, j int) bool { return lessKey(diff.Remove[i], diff.Remove[j]) })

	return diff
}

func lessKey(a, b keys.Key) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func peerEqual(a, b merge.TargetPeer) bool {
	if a.Endpoint != b.Endpoint || a.Keepalive != b.Keepalive {
		return false
	}
	if (a.PSK == nil) != (b.PSK == nil) {
		return false
	}
	if a.PSK != nil && *a.PSK != *b.PSK {
		return false
	}
	if !ipset.Equal(a.AllowedIPs, b.AllowedIPs) {
		return false
	}
	return true
}

// ApplyResult reports exactly which keys in a Diff were actually
// applied to the device, as opposed to merely attempted. The caller
// needs this to tell successful changes apart from failed ones when it
// decides what "applied state" to carry into the next cycle.
type ApplyResult struct {
	Added   []keys.Key // subset of diff.Add that succeeded
	Updated []keys.Key // subset of diff.Update that succeeded
	Removed []keys.Key // subset of diff.Remove that succeeded
}

// Apply runs a diff against sink in the order spec.md §5 requires:
// removes first (freeing any routes that might conflict with a
// reappearing peer under a different role), then adds, then updates,
// both in deterministic public-key order. It aggregates per-peer
// failures instead of aborting at the first one, so a single bad peer
// never blocks the rest of the cycle from converging, and it reports
// exactly which keys succeeded so the caller never mistakes an
// attempted change for an applied one.
func Apply(ctx context.Context, sink Sink, diff Diff) (ApplyResult, error) {
	var result ApplyResult
	var errs []error

	for _, key := range diff.Remove {
		if err := sink.RemovePeer(ctx, key); err != nil {
			errs = append(errs, err)
			continue
		}
		result.Removed = append(result.Removed, key)
	}
	for _, peer := range diff.Add {
		if err := sink.SetPeer(ctx, peer); err != nil {
			errs = append(errs, err)
			continue
		}
		result.Added = append(result.Added, peer.PublicKey)
	}
	for _, peer := range diff.Update {
		if err := sink.SetPeer(ctx, peer); err != nil {
			errs = append(errs, err)
			continue
		}
		result.Updated = append(result.Updated, peer.PublicKey)
	}

	return result, joinErrs(errs)
}
