// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package device

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sharedco/wgconfd/internal/keys"
	"github.com/sharedco/wgconfd/internal/merge"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// WgctrlSink applies peers to a real WireGuard interface via the
// kernel (or userspace) control socket wgctrl talks to.
type WgctrlSink struct {
	client *wgctrl.Client
	ifname string
}

// NewWgctrlSink opens a wgctrl client bound to the named interface.
// The interface must already exist; wgconfd never creates or deletes
// interfaces itself (spec.md's explicit non-goal).
func NewWgctrlSink(ifname string) (*WgctrlSink, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("open wgctrl client: %w", err)
	}
	return &WgctrlSink{client: client, ifname: ifname}, nil
}

// Close releases the underlying control socket.
func (s *WgctrlSink) Close() error {
	return s.client.Close()
}

func (s *WgctrlSink) SetPeer(ctx context.Context, peer merge.TargetPeer) error {
	var udpEndpoint *net.UDPAddr
	if peer.Endpoint != "" {
		var err error
		udpEndpoint, err = net.ResolveUDPAddr("udp", peer.Endpoint)
		if err != nil {
			return fmt.Errorf("resolve endpoint for peer %s: %w", peer.PublicKey, err)
		}
	}

	allowedIPNets := make([]net.IPNet, 0, len(peer.AllowedIPs.List()))
	for _, c := range peer.AllowedIPs.List() {
		bitLen := 128
		if c.Addr().Is4() {
			bitLen = 32
		}
		allowedIPNets = append(allowedIPNets, net.IPNet{
			IP:   net.IP(c.Addr().AsSlice()),
			Mask: net.CIDRMask(c.Bits(), bitLen),
		})
	}

	var presharedKey *wgtypes.Key
	if peer.PSK != nil {
		k := wgtypes.Key(*peer.PSK)
		presharedKey = &k
	}

	var keepalive *time.Duration
	if peer.Keepalive > 0 {
		d := time.Duration(peer.Keepalive) * time.Second
		keepalive = &d
	}

	cfg := wgtypes.Config{
		Peers: []wgtypes.PeerConfig{{
			PublicKey:                   wgtypes.Key(peer.PublicKey),
			Endpoint:                    udpEndpoint,
			PresharedKey:                presharedKey,
			AllowedIPs:                  allowedIPNets,
			ReplaceAllowedIPs:           true,
			PersistentKeepaliveInterval: keepalive,
		}},
	}

	return s.client.ConfigureDevice(s.ifname, cfg)
}

func (s *WgctrlSink) RemovePeer(ctx context.Context, publicKey keys.Key) error {
	cfg := wgtypes.Config{
		Peers: []wgtypes.PeerConfig{{
			PublicKey: wgtypes.Key(publicKey),
			Remove:    true,
		}},
	}
	return s.client.ConfigureDevice(s.ifname, cfg)
}
