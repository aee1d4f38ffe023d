// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package ipset implements canonical CIDR validation and the
// containment/union/subtraction arithmetic the merge engine relies on.
//
// net.ParseCIDR and netip.ParsePrefix both accept a prefix whose host
// bits are nonzero (ParseCIDR masks them off; ParsePrefix keeps them).
// wgconfd's contract is stricter: such a CIDR must be rejected outright,
// so this package compares the parsed prefix against its masked form.
package ipset

import (
	"fmt"
	"net/netip"
)

// Family is an address family tag.
type Family int

const (
	V4 Family = iota
	V6
)

func (f Family) String() string {
	if f == V6 {
		return "ipv6"
	}
	return "ipv4"
}

// CIDR is a canonical network: a family, a prefix length, and a network
// address with all host bits zero.
type CIDR struct {
	prefix netip.Prefix
}

// Parse validates and constructs a canonical CIDR from its string form
// (e.g. "10.1.2.0/24" or "fd00::/8"). Nonzero host bits are an error.
func Parse(s string) (CIDR, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return CIDR{}, fmt.Errorf("invalid CIDR %q: %w", s, err)
	}
	return FromPrefix(p)
}

// FromPrefix validates an already-parsed netip.Prefix.
func FromPrefix(p netip.Prefix) (CIDR, error) {
	masked := p.Masked()
	if masked.Addr() != p.Addr() {
		return CIDR{}, fmt.Errorf("CIDR %s has nonzero host bits", p)
	}
	return CIDR{prefix: masked}, nil
}

// Family reports whether c is an IPv4 or IPv6 network.
func (c CIDR) Family() Family {
	if c.prefix.Addr().Is4() {
		return V4
	}
	return V6
}

// Bits is the prefix length.
func (c CIDR) Bits() int { return c.prefix.Bits() }

// Addr is the canonical (all-host-bits-zero) network address.
func (c CIDR) Addr() netip.Addr { return c.prefix.Addr() }

// String renders the CIDR in standard notation.
func (c CIDR) String() string { return c.prefix.String() }

// IsValid reports whether c was produced by Parse/FromPrefix (as opposed
// to the zero value).
func (c CIDR) IsValid() bool { return c.prefix.IsValid() }

// Contains reports whether other is entirely contained within c: every
// address representable by other also matches c, and other is at least
// as specific (bits >= c.Bits()).
func (c CIDR) Contains(other CIDR) bool {
	if c.Family() != other.Family() {
		return false
	}
	if other.Bits() < c.Bits() {
		return false
	}
	return c.prefix.Contains(other.Addr())
}

// Equal reports whether two CIDRs denote the same network.
func (c CIDR) Equal(other CIDR) bool {
	return c.prefix == other.prefix
}

// Less orders CIDRs by network address, then by prefix length —
// the canonical sort order component A's iteration and component D's
// canonicalization phase both require.
func Less(a, b CIDR) bool {
	if a.Family() != b.Family() {
		return a.Family() == V4
	}
	if cmp := a.Addr().Compare(b.Addr()); cmp != 0 {
		return cmp < 0
	}
	return a.Bits() < b.Bits()
}
