// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package ipset

import "sort"

// Set is an ordered, non-overlapping collection of CIDRs, split by
// family. It backs both IP authorization sets (on sources and peers)
// and allowed-IP sets (on target peers).
type Set struct {
	v4 []CIDR
	v6 []CIDR
}

// New builds a Set from zero or more CIDRs, normalizing overlaps so
// that a CIDR already covered by a broader entry is dropped.
func New(cidrs ...CIDR) Set {
	var s Set
	for _, c := range cidrs {
		s.Add(c)
	}
	return s
}

func (s *Set) slice(f Family) *[]CIDR {
	if f == V4 {
		return &s.v4
	}
	return &s.v6
}

// Add inserts a CIDR into the set, keeping the per-family slice sorted
// and free of redundant (subsumed) entries.
func (s *Set) Add(c CIDR) {
	if !c.IsValid() {
		return
	}
	slicep := s.slice(c.Family())

	for _, existing := range *slicep {
		if existing.Contains(c) {
			return // already covered
		}
	}

	kept := (*slicep)[:0:0]
	for _, existing := range *slicep {
		if c.Contains(existing) {
			continue // c supersedes it
		}
		kept = append(kept, existing)
	}
	kept = append(kept, c)
	sort.Slice(kept, func(i, j int) bool { return Less(kept[i], kept[j]) })
	*slicep = kept
}

// Contains reports whether candidate is authorized by the set: fully
// contained within at least one member CIDR of the same family.
func (s Set) Contains(candidate CIDR) bool {
	list := s.v4
	if candidate.Family() == V6 {
		list = s.v6
	}

	// The set is normalized to pairwise-disjoint networks, so sorted by
	// start address, the only candidate that could contain a given
	// address is the nearest entry whose start is <= candidate's.
	idx := sort.Search(len(list), func(i int) bool {
		return list[i].Addr().Compare(candidate.Addr()) > 0
	})
	if idx == 0 {
		return false
	}
	return list[idx-1].Contains(candidate)
}

// Empty reports whether the set has no members in either family.
func (s Set) Empty() bool { return len(s.v4) == 0 && len(s.v6) == 0 }

// List returns all members in canonical order: IPv4 then IPv6, each
// sorted by network address then prefix length.
func (s Set) List() []CIDR {
	out := make([]CIDR, 0, len(s.v4)+len(s.v6))
	out = append(out, s.v4...)
	out = append(out, s.v6...)
	return out
}

// Union returns a new set containing every member of both inputs,
// renormalized.
func Union(a, b Set) Set {
	s := New()
	for _, c := range a.List() {
		s.Add(c)
	}
	for _, c := range b.List() {
		s.Add(c)
	}
	return s
}

// FilterAuthorized returns the subset of candidates that is authorized
// by auth — i.e. fully contained within some member of auth. This is
// component D's per-server/per-road-warrior CIDR filter.
func FilterAuthorized(candidates Set, auth Set) Set {
	s := New()
	for _, c := range candidates.List() {
		if auth.Contains(c) {
			s.Add(c)
		}
	}
	return s
}

// Subtract returns the members of a that are not authorized by
// (contained in) any member of b. Provided for completeness of the
// CIDR arithmetic component; unlike FilterAuthorized it keeps what b
// does NOT cover.
func Subtract(a, b Set) Set {
	s := New()
	for _, c := range a.List() {
		if !b.Contains(c) {
			s.Add(c)
		}
	}
	return s
}

// Equal reports whether two sets have identical canonical membership.
func Equal(a, b Set) bool {
	al, bl := a.List(), b.List()
	if len(al) != len(bl) {
		return false
	}
	for i := range al {
		if !al[i].Equal(bl[i]) {
			return false
		}
	}
	return true
}
