// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package ipset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, s string) CIDR {
	t.Helper()
	c, err := Parse(s)
	require.NoError(t, err)
	return c
}

func TestParseRejectsNonzeroHostBits(t *testing.T) {
	_, err := Parse("10.1.2.3/24")
	assert.Error(t, err)

	_, err = Parse("10.1.2.0/24")
	assert.NoError(t, err)
}

func TestContainsBasic(t *testing.T) {
	s := New(mustParse(t, "10.0.0.0/8"))
	assert.True(t, s.Contains(mustParse(t, "10.1.2.0/24")))
	assert.False(t, s.Contains(mustParse(t, "11.0.0.0/8")))
	assert.False(t, s.Contains(mustParse(t, "0.0.0.0/0")))
}

func TestContainsExactMatch(t *testing.T) {
	s := New(mustParse(t, "10.1.2.0/24"))
	assert.True(t, s.Contains(mustParse(t, "10.1.2.0/24")))
}

func TestContainsMixedFamily(t *testing.T) {
	s := New(mustParse(t, "10.0.0.0/8"), mustParse(t, "fd00::/8"))
	assert.True(t, s.Contains(mustParse(t, "fd00:1::/32")))
	assert.False(t, s.Contains(mustParse(t, "fe80::/16")))
}

func TestAddNormalizesSubsumedEntries(t *testing.T) {
	var s Set
	s.Add(mustParse(t, "10.1.2.0/24"))
	s.Add(mustParse(t, "10.0.0.0/8")) // supersedes the /24
	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, "10.0.0.0/8", list[0].String())

	s.Add(mustParse(t, "10.1.3.0/24")) // already covered, dropped
	assert.Len(t, s.List(), 1)
}

func TestListSortedV4ThenV6(t *testing.T) {
	s := New(
		mustParse(t, "fd00::/8"),
		mustParse(t, "10.2.0.0/16"),
		mustParse(t, "10.1.0.0/16"),
	)
	list := s.List()
	require.Len(t, list, 3)
	assert.Equal(t, "10.1.0.0/16", list[0].String())
	assert.Equal(t, "10.2.0.0/16", list[1].String())
	assert.Equal(t, "fd00::/8", list[2].String())
}

func TestUnion(t *testing.T) {
	a := New(mustParse(t, "10.1.0.0/24"))
	b := New(mustParse(t, "10.2.0.0/24"))
	u := Union(a, b)
	assert.True(t, u.Contains(mustParse(t, "10.1.0.0/24")))
	assert.True(t, u.Contains(mustParse(t, "10.2.0.0/24")))
	assert.Len(t, u.List(), 2)
}

func TestFilterAuthorized(t *testing.T) {
	auth := New(mustParse(t, "10.0.0.0/8"))
	candidates := New(mustParse(t, "10.1.2.0/24"), mustParse(t, "0.0.0.0/0"))
	filtered := FilterAuthorized(candidates, auth)
	list := filtered.List()
	require.Len(t, list, 1)
	assert.Equal(t, "10.1.2.0/24", list[0].String())
}

func TestSubtract(t *testing.T) {
	a := New(mustParse(t, "10.1.0.0/24"), mustParse(t, "10.2.0.0/24"))
	b := New(mustParse(t, "10.1.0.0/24"))
	diff := Subtract(a, b)
	list := diff.List()
	require.Len(t, list, 1)
	assert.Equal(t, "10.2.0.0/24", list[0].String())
}

func TestEmptySetFiltersEverything(t *testing.T) {
	var auth Set
	candidates := New(mustParse(t, "10.1.2.0/24"))
	filtered := FilterAuthorized(candidates, auth)
	assert.True(t, filtered.Empty())
}

func TestEqual(t *testing.T) {
	a := New(mustParse(t, "10.1.0.0/24"), mustParse(t, "10.2.0.0/24"))
	b := New(mustParse(t, "10.2.0.0/24"), mustParse(t, "10.1.0.0/24"))
	assert.True(t, Equal(a, b))

	c := New(mustParse(t, "10.1.0.0/24"))
	assert.False(t, Equal(a, c))
}
