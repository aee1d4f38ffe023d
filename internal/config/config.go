// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package config is the out-of-scope "configuration parsing" collaborator
// from spec.md §1: it turns a YAML file or an argv token stream into the
// Global config the engine consumes. It never talks to the device or
// the network itself.
package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/sharedco/wgconfd/internal/ipset"
	"github.com/sharedco/wgconfd/internal/keys"
)

const (
	DefaultRefreshSec   = 1200
	DefaultMinKeepalive = 10
	DefaultMaxKeepalive = 0
)

var nameRE = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Source is one remote (or local file) peer catalog and the local
// policy governing it.
type Source struct {
	Name              string
	URL               string
	PSKPath           string
	Auth              ipset.Set
	Required          bool
	AllowRoadWarriors bool
}

// Override is keyed by public key in Global.Overrides.
type Override struct {
	Source    string // "" means unrestricted
	Endpoint  string
	PSKPath   string
	Keepalive *int
}

// Global is the fully resolved configuration for one interface.
type Global struct {
	Interface    string
	RefreshSec   int
	MinKeepalive int
	MaxKeepalive int
	CacheDir     string
	RuntimeDir   string
	Sources      []Source
	Overrides    map[keys.Key]Override
}

// Validate checks invariants that parsing alone cannot (name uniqueness,
// defaults, directory presence) common to both the file and cmdline
// forms.
func (g *Global) Validate() error {
	if g.Interface == "" {
		return fmt.Errorf("interface name is required")
	}
	if g.RefreshSec <= 0 {
		g.RefreshSec = DefaultRefreshSec
	}
	if g.CacheDir == "" {
		return fmt.Errorf("cache directory is required (set cache_dir or CACHE_DIRECTORY)")
	}
	if g.RuntimeDir == "" {
		return fmt.Errorf("runtime directory is required (set runtime_dir or RUNTIME_DIRECTORY)")
	}
	if g.Overrides == nil {
		g.Overrides = make(map[keys.Key]Override)
	}

	seen := make(map[string]bool, len(g.Sources))
	for _, s := range g.Sources {
		if !nameRE.MatchString(s.Name) {
			return fmt.Errorf("source name %q is not filesystem-safe", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate source name %q", s.Name)
		}
		seen[s.Name] = true
		if s.URL == "" {
			return fmt.Errorf("source %q: url is required", s.Name)
		}
	}

	return nil
}

// applyEnvDefaults seeds CacheDir/RuntimeDir from the environment
// variables systemd-style service units export, per spec.md §6.
func applyEnvDefaults(g *Global) {
	if g.CacheDir == "" {
		g.CacheDir = os.Getenv("CACHE_DIRECTORY")
	}
	if g.RuntimeDir == "" {
		g.RuntimeDir = os.Getenv("RUNTIME_DIRECTORY")
	}
}
