// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package keys wraps WireGuard public and preshared key handling.
//
// wgconfd never generates keys (see spec Non-goals): it only parses the
// base64 public keys that appear in config and source documents, and
// loads preshared keys from files on disk.
package keys

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Key is a 32-byte WireGuard key, canonically its 44-character base64
// encoding. wgtypes.Key already has exactly this shape plus correct
// equality semantics, so it is reused verbatim rather than reinvented.
type Key = wgtypes.Key

// Parse decodes the 44-character base64 representation of a public key.
func Parse(s string) (Key, error) {
	k, err := wgtypes.ParseKey(strings.TrimSpace(s))
	if err != nil {
		return Key{}, fmt.Errorf("parse key %q: %w", s, err)
	}
	return k, nil
}

// LoadPresharedKey reads a preshared key from a file containing its
// base64 encoding followed by a newline, as spec.md §3 requires.
func LoadPresharedKey(path string) (Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return Key{}, fmt.Errorf("open psk file %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return Key{}, fmt.Errorf("read psk file %s: %w", path, err)
		}
		return Key{}, fmt.Errorf("psk file %s is empty", path)
	}

	k, err := wgtypes.ParseKey(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return Key{}, fmt.Errorf("parse psk file %s: %w", path, err)
	}
	return k, nil
}
