// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package config

import (
	"fmt"
	"os"

	"github.com/sharedco/wgconfd/internal/ipset"
	"github.com/sharedco/wgconfd/internal/keys"
	"gopkg.in/yaml.v3"
)

type fileSource struct {
	Name              string   `yaml:"name"`
	URL               string   `yaml:"url"`
	PSK               string   `yaml:"psk"`
	IPv4              []string `yaml:"ipv4"`
	IPv6              []string `yaml:"ipv6"`
	Required          bool     `yaml:"required"`
	AllowRoadWarriors *bool    `yaml:"allow_road_warriors"`
}

type filePeerOverride struct {
	PublicKey string `yaml:"public_key"`
	Source    string `yaml:"source"`
	Endpoint  string `yaml:"endpoint"`
	PSK       string `yaml:"psk"`
	Keepalive *int   `yaml:"keepalive"`
}

type fileConfig struct {
	RefreshSec   int                `yaml:"refresh_sec"`
	MinKeepalive int                `yaml:"min_keepalive"`
	MaxKeepalive int                `yaml:"max_keepalive"`
	CacheDir     string             `yaml:"cache_dir"`
	RuntimeDir   string             `yaml:"runtime_dir"`
	Sources      []fileSource       `yaml:"sources"`
	Peers        []filePeerOverride `yaml:"peers"`
}

// LoadFile parses the YAML config document at path into a Global,
// applying defaults and environment-variable fallbacks.
func LoadFile(ifname, path string) (*Global, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	g := &Global{
		Interface:    ifname,
		RefreshSec:   orDefault(fc.RefreshSec, DefaultRefreshSec),
		MinKeepalive: orDefault(fc.MinKeepalive, DefaultMinKeepalive),
		MaxKeepalive: fc.MaxKeepalive,
		CacheDir:     fc.CacheDir,
		RuntimeDir:   fc.RuntimeDir,
		Overrides:    make(map[keys.Key]Override),
	}

	for _, fs := range fc.Sources {
		auth := ipset.New()
		for _, raw := range fs.IPv4 {
			c, err := ipset.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("source %q: %w", fs.Name, err)
			}
			auth.Add(c)
		}
		for _, raw := range fs.IPv6 {
			c, err := ipset.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("source %q: %w", fs.Name, err)
			}
			auth.Add(c)
		}

		allowRW := fs.AllowRoadWarriors == nil || *fs.AllowRoadWarriors
		g.Sources = append(g.Sources, Source{
			Name:              fs.Name,
			URL:               fs.URL,
			PSKPath:           fs.PSK,
			Auth:              auth,
			Required:          fs.Required,
			AllowRoadWarriors: allowRW,
		})
	}

	for _, fp := range fc.Peers {
		pk, err := keys.Parse(fp.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("peer override: %w", err)
		}
		g.Overrides[pk] = Override{
			Source:    fp.Source,
			Endpoint:  fp.Endpoint,
			PSKPath:   fp.PSK,
			Keepalive: fp.Keepalive,
		}
	}

	applyEnvDefaults(g)
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
