// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package merge implements the merge engine (spec.md §4.D): combining
// every source's currently active document into one target peer table.
package merge

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/sharedco/wgconfd/internal/config"
	"github.com/sharedco/wgconfd/internal/ipset"
	"github.com/sharedco/wgconfd/internal/keys"
	"github.com/sharedco/wgconfd/internal/sourcedoc"
)

// TargetPeer is the engine's output unit (spec.md §3).
type TargetPeer struct {
	PublicKey  keys.Key
	Endpoint   string
	PSK        *keys.Key
	Keepalive  int // seconds; 0 means disabled
	AllowedIPs ipset.Set
}

// peerRecord is the in-progress merged record for one public key before
// phase 4 applies overrides and clamps keepalive.
type peerRecord struct {
	PublicKey         keys.Key
	Endpoint          string
	PSKPath           string
	KeepaliveRaw      *int
	AllowedIPs        ipset.Set
	FirstWriterSource string
}

// Merge runs phases 1-5 over sources (in config order) against their
// currently active documents in docs (keyed by source name), applying
// overrides and clamping keepalive to [minKeepalive, maxKeepalive].
func Merge(
	sources []config.Source,
	docs map[string]*sourcedoc.Document,
	overrides map[keys.Key]config.Override,
	minKeepalive, maxKeepalive int,
	now time.Time,
) ([]TargetPeer, error) {
	active := activeDocuments(sources, docs, now)

	filteredServers, filteredWarriors := filterPerSource(sources, active, overrides)

	peers := firstWriterWinsServers(sources, filteredServers)
	serverKeys := make(map[keys.Key]bool, len(peers))
	for k := range peers {
		serverKeys[k] = true
	}
	rewriteRoadWarriors(sources, filteredWarriors, peers, serverKeys)

	out := make([]TargetPeer, 0, len(peers))
	for _, p := range peers {
		tp, err := resolvePeer(p, overrides[p.PublicKey], minKeepalive, maxKeepalive)
		if err != nil {
			return nil, err
		}
		out = append(out, tp)
	}

	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].PublicKey[:], out[j].PublicKey[:]) < 0
	})

	return out, nil
}

// activeDocuments resolves each source's currently active document
// (spec.md's recursive `next` descent), recomputed fresh every call so
// a removed source never leaves a stale binding.
func activeDocuments(sources []config.Source, docs map[string]*sourcedoc.Document, now time.Time) map[string]*sourcedoc.Document {
	out := make(map[string]*sourcedoc.Document, len(sources))
	for _, s := range sources {
		if d, ok := docs[s.Name]; ok && d != nil {
			out[s.Name] = d.Active(now)
		}
	}
	return out
}

// filterPerSource is phase 1: authorization-filter every server and
// road warrior, and drop servers an override has pinned to a different
// source.
func filterPerSource(
	sources []config.Source,
	active map[string]*sourcedoc.Document,
	overrides map[keys.Key]config.Override,
) (map[string][]sourcedoc.ServerPeer, map[string][]sourcedoc.RoadWarrior) {
	servers := make(map[string][]sourcedoc.ServerPeer, len(sources))
	warriors := make(map[string][]sourcedoc.RoadWarrior, len(sources))

	for _, s := range sources {
		doc := active[s.Name]
		if doc == nil {
			continue
		}

		var ss []sourcedoc.ServerPeer
		for _, srv := range doc.Servers {
			if ov, ok := overrides[srv.PublicKey]; ok && ov.Source != "" && ov.Source != s.Name {
				continue
			}
			srv.AllowedIPs = ipset.FilterAuthorized(srv.AllowedIPs, s.Auth)
			ss = append(ss, srv)
		}
		servers[s.Name] = ss

		if !s.AllowRoadWarriors {
			continue
		}
		var rws []sourcedoc.RoadWarrior
		for _, rw := range doc.RoadWarriors {
			rw.AllowedIPs = ipset.FilterAuthorized(rw.AllowedIPs, s.Auth)
			rws = append(rws, rw)
		}
		warriors[s.Name] = rws
	}

	return servers, warriors
}

// firstWriterWinsServers is phase 2: the first source (in config
// order, then document order) to declare a key owns its
// endpoint/PSK/keepalive; later appearances only union their allowed
// IPs in.
func firstWriterWinsServers(sources []config.Source, filteredServers map[string][]sourcedoc.ServerPeer) map[keys.Key]*peerRecord {
	peers := make(map[keys.Key]*peerRecord)
	for _, s := range sources {
		for _, srv := range filteredServers[s.Name] {
			if existing, ok := peers[srv.PublicKey]; ok {
				existing.AllowedIPs = ipset.Union(existing.AllowedIPs, srv.AllowedIPs)
				continue
			}
			peers[srv.PublicKey] = &peerRecord{
				PublicKey:         srv.PublicKey,
				Endpoint:          srv.Endpoint,
				PSKPath:           s.PSKPath,
				KeepaliveRaw:      srv.Keepalive,
				AllowedIPs:        srv.AllowedIPs,
				FirstWriterSource: s.Name,
			}
		}
	}
	return peers
}

// rewriteRoadWarriors is phase 3: a road warrior becomes its own peer
// only on the interface that is its base's first-writer source;
// everywhere else its IPs route toward the base instead. serverKeys is
// a snapshot of the keys phase 2 declared as genuine servers, taken
// before this phase runs, so a road warrior can never clobber one; a
// road warrior key that collides with an *earlier* road-warrior
// promotion (same key, different base) instead has its filtered IPs
// unioned into that promotion rather than dropped.
func rewriteRoadWarriors(sources []config.Source, filteredWarriors map[string][]sourcedoc.RoadWarrior, peers map[keys.Key]*peerRecord, serverKeys map[keys.Key]bool) {
	for _, s := range sources {
		for _, rw := range filteredWarriors[s.Name] {
			base, ok := peers[rw.Base]
			if !ok {
				// Base is not part of the merged server table at all;
				// there is nothing on this interface to attach to.
				continue
			}

			if base.FirstWriterSource == s.Name {
				if existing, exists := peers[rw.PublicKey]; exists {
					if serverKeys[rw.PublicKey] {
						continue // never clobber an existing server identity
					}
					// Same road warrior promoted under a different base
					// earlier; union this source's filtered IPs in too.
					existing.AllowedIPs = ipset.Union(existing.AllowedIPs, rw.AllowedIPs)
					continue
				}
				peers[rw.PublicKey] = &peerRecord{
					PublicKey:         rw.PublicKey,
					PSKPath:           s.PSKPath,
					AllowedIPs:        rw.AllowedIPs,
					FirstWriterSource: s.Name,
				}
				continue
			}

			base.AllowedIPs = ipset.Union(base.AllowedIPs, rw.AllowedIPs)
		}
	}
}

// resolvePeer is phase 4: apply the override's endpoint/PSK
// unconditionally where set, and clamp keepalive unless the override
// supplies its own (unclamped) value.
func resolvePeer(p *peerRecord, ov config.Override, minKeepalive, maxKeepalive int) (TargetPeer, error) {
	endpoint := p.Endpoint
	if ov.Endpoint != "" {
		endpoint = ov.Endpoint
	}

	pskPath := p.PSKPath
	if ov.PSKPath != "" {
		pskPath = ov.PSKPath
	}

	var keepalive int
	if ov.Keepalive != nil {
		keepalive = *ov.Keepalive
	} else {
		raw := 0
		if p.KeepaliveRaw != nil {
			raw = *p.KeepaliveRaw
		}
		keepalive = clampKeepalive(raw, minKeepalive, maxKeepalive)
	}

	var psk *keys.Key
	if pskPath != "" {
		k, err := keys.LoadPresharedKey(pskPath)
		if err != nil {
			return TargetPeer{}, fmt.Errorf("peer %s: %w", p.PublicKey, err)
		}
		psk = &k
	}

	return TargetPeer{
		PublicKey:  p.PublicKey,
		Endpoint:   endpoint,
		PSK:        psk,
		Keepalive:  keepalive,
		AllowedIPs: p.AllowedIPs,
	}, nil
}

// clampKeepalive implements the "0 means disabled, never clamped"
// reading and "max=0 means unbounded".
func clampKeepalive(raw, minKeepalive, maxKeepalive int) int {
	if raw == 0 {
		return 0
	}
	if raw < minKeepalive {
		raw = minKeepalive
	}
	if maxKeepalive > 0 && raw > maxKeepalive {
		raw = maxKeepalive
	}
	return raw
}
