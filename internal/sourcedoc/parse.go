// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package sourcedoc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sharedco/wgconfd/internal/ipset"
	"github.com/sharedco/wgconfd/internal/keys"
)

// rawServer/rawRoadWarrior/rawDocument mirror the wire JSON. Unknown
// fields are ignored by default with encoding/json, matching spec.md.
type rawServer struct {
	PublicKey string   `json:"public_key"`
	Endpoint  string   `json:"endpoint"`
	Keepalive *int     `json:"keepalive"`
	IPv4      []string `json:"ipv4"`
	IPv6      []string `json:"ipv6"`
}

type rawRoadWarrior struct {
	PublicKey string   `json:"public_key"`
	Base      string   `json:"base"`
	IPv4      []string `json:"ipv4"`
	IPv6      []string `json:"ipv6"`
}

type rawDocument struct {
	Servers      []rawServer      `json:"servers"`
	RoadWarriors []rawRoadWarrior `json:"road_warriors"`
	Next         *rawNext         `json:"next"`
}

type rawNext struct {
	UpdateAt     string           `json:"update_at"`
	Servers      []rawServer      `json:"servers"`
	RoadWarriors []rawRoadWarrior `json:"road_warriors"`
	Next         *rawNext         `json:"next"`
}

// Parse decodes and validates a source document. A malformed document,
// a duplicate public key within any single node, a road-warrior-of-a-
// road-warrior, or a `next` chain deeper than MaxNextDepth is a
// document error: the caller should discard it and keep the
// previously cached document, per spec.md §4.C.
func Parse(data []byte) (*Document, error) {
	var raw rawDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	servers, warriors, err := convertPeers(raw.Servers, raw.RoadWarriors)
	if err != nil {
		return nil, err
	}

	doc := &Document{Servers: servers, RoadWarriors: warriors}

	next, err := convertNext(raw.Next, 1)
	if err != nil {
		return nil, err
	}
	doc.Next = next

	return doc, nil
}

func convertNext(raw *rawNext, depth int) (*Document, error) {
	if raw == nil {
		return nil, nil
	}
	if depth > MaxNextDepth {
		return nil, fmt.Errorf("next chain exceeds max depth of %d", MaxNextDepth)
	}

	updateAt, err := time.Parse(time.RFC3339, raw.UpdateAt)
	if err != nil {
		return nil, fmt.Errorf("invalid update_at %q: %w", raw.UpdateAt, err)
	}
	updateAt = updateAt.UTC()

	servers, warriors, err := convertPeers(raw.Servers, raw.RoadWarriors)
	if err != nil {
		return nil, err
	}

	next, err := convertNext(raw.Next, depth+1)
	if err != nil {
		return nil, err
	}

	return &Document{
		UpdateAt:     updateAt,
		Servers:      servers,
		RoadWarriors: warriors,
		Next:         next,
	}, nil
}

func convertPeers(rawServers []rawServer, rawWarriors []rawRoadWarrior) ([]ServerPeer, []RoadWarrior, error) {
	seen := make(map[keys.Key]bool, len(rawServers)+len(rawWarriors))

	servers := make([]ServerPeer, 0, len(rawServers))
	for _, rs := range rawServers {
		if rs.PublicKey == "" {
			return nil, nil, fmt.Errorf("server missing public_key")
		}
		pk, err := keys.Parse(rs.PublicKey)
		if err != nil {
			return nil, nil, fmt.Errorf("server public_key: %w", err)
		}
		if seen[pk] {
			return nil, nil, fmt.Errorf("duplicate public key %s in document", pk)
		}
		seen[pk] = true

		if rs.Endpoint == "" {
			return nil, nil, fmt.Errorf("server %s missing endpoint", pk)
		}

		ips, err := buildSet(rs.IPv4, rs.IPv6)
		if err != nil {
			return nil, nil, fmt.Errorf("server %s: %w", pk, err)
		}

		servers = append(servers, ServerPeer{
			PublicKey:  pk,
			Endpoint:   rs.Endpoint,
			Keepalive:  rs.Keepalive,
			AllowedIPs: ips,
		})
	}

	warriors := make([]RoadWarrior, 0, len(rawWarriors))
	baseOfWarrior := make(map[keys.Key]bool, len(rawWarriors))
	for _, rw := range rawWarriors {
		if rw.PublicKey == "" {
			return nil, nil, fmt.Errorf("road warrior missing public_key")
		}
		pk, err := keys.Parse(rw.PublicKey)
		if err != nil {
			return nil, nil, fmt.Errorf("road warrior public_key: %w", err)
		}
		if seen[pk] {
			return nil, nil, fmt.Errorf("duplicate public key %s in document", pk)
		}
		seen[pk] = true
		baseOfWarrior[pk] = true

		if rw.Base == "" {
			return nil, nil, fmt.Errorf("road warrior %s missing base", pk)
		}
		base, err := keys.Parse(rw.Base)
		if err != nil {
			return nil, nil, fmt.Errorf("road warrior %s base: %w", pk, err)
		}

		ips, err := buildSet(rw.IPv4, rw.IPv6)
		if err != nil {
			return nil, nil, fmt.Errorf("road warrior %s: %w", pk, err)
		}

		warriors = append(warriors, RoadWarrior{
			PublicKey:  pk,
			Base:       base,
			AllowedIPs: ips,
		})
	}

	// A road warrior's base may not itself be a road warrior in the
	// same document (undefined by spec; rejected per DESIGN.md).
	for _, rw := range warriors {
		if baseOfWarrior[rw.Base] {
			return nil, nil, fmt.Errorf("road warrior %s has a road warrior as its base", rw.PublicKey)
		}
	}

	return servers, warriors, nil
}

func buildSet(v4, v6 []string) (ipset.Set, error) {
	s := ipset.New()
	for _, raw := range v4 {
		c, err := ipset.Parse(raw)
		if err != nil {
			return ipset.Set{}, err
		}
		if c.Family() != ipset.V4 {
			return ipset.Set{}, fmt.Errorf("%s is not an IPv4 CIDR", raw)
		}
		s.Add(c)
	}
	for _, raw := range v6 {
		c, err := ipset.Parse(raw)
		if err != nil {
			return ipset.Set{}, err
		}
		if c.Family() != ipset.V6 {
			return ipset.Set{}, fmt.Errorf("%s is not an IPv6 CIDR", raw)
		}
		s.Add(c)
	}
	return s, nil
}
