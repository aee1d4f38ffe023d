// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sharedco/wgconfd/internal/ipset"
	"github.com/sharedco/wgconfd/internal/keys"
)

// ParseCmdline parses the `--cmdline IFNAME ARGS…` token grammar from
// spec.md §6 into a Global.
func ParseCmdline(ifname string, args []string) (*Global, error) {
	g := &Global{
		Interface:    ifname,
		RefreshSec:   DefaultRefreshSec,
		MinKeepalive: DefaultMinKeepalive,
		MaxKeepalive: DefaultMaxKeepalive,
		Overrides:    make(map[keys.Key]Override),
	}

	i := 0
	next := func() (string, error) {
		if i >= len(args) {
			return "", fmt.Errorf("unexpected end of arguments")
		}
		v := args[i]
		i++
		return v, nil
	}
	peekIsKeyword := func() bool {
		if i >= len(args) {
			return true
		}
		switch args[i] {
		case "min_keepalive", "max_keepalive", "refresh_sec", "source", "peer":
			return true
		}
		return false
	}

	for i < len(args) {
		tok, err := next()
		if err != nil {
			return nil, err
		}

		switch tok {
		case "min_keepalive":
			n, err := nextInt(next)
			if err != nil {
				return nil, fmt.Errorf("min_keepalive: %w", err)
			}
			g.MinKeepalive = n

		case "max_keepalive":
			n, err := nextInt(next)
			if err != nil {
				return nil, fmt.Errorf("max_keepalive: %w", err)
			}
			g.MaxKeepalive = n

		case "refresh_sec":
			n, err := nextInt(next)
			if err != nil {
				return nil, fmt.Errorf("refresh_sec: %w", err)
			}
			g.RefreshSec = n

		case "source":
			src, err := parseSourceTokens(next, peekIsKeyword)
			if err != nil {
				return nil, fmt.Errorf("source: %w", err)
			}
			g.Sources = append(g.Sources, src)

		case "peer":
			pk, ov, err := parsePeerTokens(next, peekIsKeyword)
			if err != nil {
				return nil, fmt.Errorf("peer: %w", err)
			}
			g.Overrides[pk] = ov

		default:
			return nil, fmt.Errorf("unrecognized token %q", tok)
		}
	}

	applyEnvDefaults(g)
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func nextInt(next func() (string, error)) (int, error) {
	v, err := next()
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer: %w", v, err)
	}
	return n, nil
}

func parseSourceTokens(next func() (string, error), peekIsKeyword func() bool) (Source, error) {
	name, err := next()
	if err != nil {
		return Source{}, fmt.Errorf("missing name: %w", err)
	}
	url, err := next()
	if err != nil {
		return Source{}, fmt.Errorf("missing url: %w", err)
	}

	src := Source{Name: name, URL: url, AllowRoadWarriors: true, Auth: ipset.New()}

	for !peekIsKeyword() {
		opt, err := next()
		if err != nil {
			return Source{}, err
		}
		switch opt {
		case "psk":
			v, err := next()
			if err != nil {
				return Source{}, fmt.Errorf("psk: %w", err)
			}
			src.PSKPath = v
		case "ipv4":
			v, err := next()
			if err != nil {
				return Source{}, fmt.Errorf("ipv4: %w", err)
			}
			if err := addCIDRList(&src.Auth, v, ipset.V4); err != nil {
				return Source{}, err
			}
		case "ipv6":
			v, err := next()
			if err != nil {
				return Source{}, fmt.Errorf("ipv6: %w", err)
			}
			if err := addCIDRList(&src.Auth, v, ipset.V6); err != nil {
				return Source{}, err
			}
		case "required":
			src.Required = true
		case "allow_road_warriors":
			src.AllowRoadWarriors = true
		case "deny_road_warriors":
			src.AllowRoadWarriors = false
		default:
			return Source{}, fmt.Errorf("unrecognized source option %q", opt)
		}
	}

	return src, nil
}

func parsePeerTokens(next func() (string, error), peekIsKeyword func() bool) (keys.Key, Override, error) {
	raw, err := next()
	if err != nil {
		return keys.Key{}, Override{}, fmt.Errorf("missing public key: %w", err)
	}
	pk, err := keys.Parse(raw)
	if err != nil {
		return keys.Key{}, Override{}, err
	}

	var ov Override
	for !peekIsKeyword() {
		opt, err := next()
		if err != nil {
			return keys.Key{}, Override{}, err
		}
		switch opt {
		case "endpoint":
			v, err := next()
			if err != nil {
				return keys.Key{}, Override{}, fmt.Errorf("endpoint: %w", err)
			}
			ov.Endpoint = v
		case "psk":
			v, err := next()
			if err != nil {
				return keys.Key{}, Override{}, fmt.Errorf("psk: %w", err)
			}
			ov.PSKPath = v
		case "keepalive":
			n, err := nextInt(next)
			if err != nil {
				return keys.Key{}, Override{}, fmt.Errorf("keepalive: %w", err)
			}
			ov.Keepalive = &n
		case "source":
			v, err := next()
			if err != nil {
				return keys.Key{}, Override{}, fmt.Errorf("source: %w", err)
			}
			ov.Source = v
		default:
			return keys.Key{}, Override{}, fmt.Errorf("unrecognized peer option %q", opt)
		}
	}

	return pk, ov, nil
}

func addCIDRList(s *ipset.Set, csv string, family ipset.Family) error {
	for _, raw := range strings.Split(csv, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		c, err := ipset.Parse(raw)
		if err != nil {
			return err
		}
		if c.Family() != family {
			return fmt.Errorf("%s is not %s", raw, family)
		}
		s.Add(c)
	}
	return nil
}
