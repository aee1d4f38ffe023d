// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package sourcedoc models a fetched source catalog: its server peers,
// road warriors, and the recursive `next` scheduled-successor chain.
package sourcedoc

import (
	"time"

	"github.com/sharedco/wgconfd/internal/ipset"
	"github.com/sharedco/wgconfd/internal/keys"
)

// MaxNextDepth bounds the `next` recursion. Documents nesting deeper
// than this are rejected rather than walked indefinitely.
const MaxNextDepth = 16

// ServerPeer is a peer with a reachable endpoint.
type ServerPeer struct {
	PublicKey  keys.Key
	Endpoint   string
	Keepalive  *int // seconds; nil means "not specified by the source"
	AllowedIPs ipset.Set
}

// RoadWarrior is a peer reachable only through a named base server.
// It never carries an endpoint.
type RoadWarrior struct {
	PublicKey  keys.Key
	Base       keys.Key
	AllowedIPs ipset.Set
}

// Document is one node in the `next` chain: either the outer document
// fetched from a source, or one of its scheduled successors.
type Document struct {
	// UpdateAt is the zero time for the root document (always active
	// once fetched) and the scheduled switchover instant for any
	// document reached via Next.
	UpdateAt     time.Time
	Servers      []ServerPeer
	RoadWarriors []RoadWarrior
	Next         *Document
}

// Active walks the Next chain and returns the deepest document whose
// UpdateAt is <= now, per spec.md's "active document" definition.
func (d *Document) Active(now time.Time) *Document {
	cur := d
	for cur.Next != nil && !cur.Next.UpdateAt.After(now) {
		cur = cur.Next
	}
	return cur
}

// NextWake returns the soonest future UpdateAt in the chain starting
// at d, if any, used by the scheduler to wake exactly at a switchover.
func (d *Document) NextWake(now time.Time) (time.Time, bool) {
	cur := d
	for cur.Next != nil {
		if cur.Next.UpdateAt.After(now) {
			return cur.Next.UpdateAt, true
		}
		cur = cur.Next
	}
	return time.Time{}, false
}
