// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

// Package state persists the peer table wgconfd last successfully
// applied to the device (spec.md §3, "Persisted state"), so a restart
// can diff against it instead of treating every peer as new.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/sharedco/wgconfd/internal/ipset"
	"github.com/sharedco/wgconfd/internal/keys"
	"github.com/sharedco/wgconfd/internal/merge"
)

const lockTimeout = 10 * time.Second

// fileFormat is the on-disk JSON shape of the whole state file; each
// filePeer in it is one target peer.
type fileFormat struct {
	Peers []filePeer `json:"peers"`
}

type filePeer struct {
	PublicKey  string   `json:"public_key"`
	Endpoint   string   `json:"endpoint,omitempty"`
	PSK        string   `json:"psk,omitempty"`
	Keepalive  int      `json:"keepalive"`
	AllowedIPs []string `json:"allowed_ips"`
}

// Store persists the applied peer table at <runtime_dir>/state,
// guarded by a sibling .lock file so a concurrent invocation never
// races a write.
type Store struct {
	path string
}

// New returns a Store rooted at dir (the configured runtime_dir).
func New(dir string) *Store {
	return &Store{path: filepath.Join(dir, "state")}
}

// Load reads the previously applied peer table. A missing file is not
// an error: it means wgconfd has never successfully applied a cycle
// here, and the caller should treat every peer as new.
func (s *Store) Load() ([]merge.TargetPeer, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}

	peers := make([]merge.TargetPeer, 0, len(ff.Peers))
	for _, fp := range ff.Peers {
		tp, err := fp.toTargetPeer()
		if err != nil {
			return nil, fmt.Errorf("state file peer %s: %w", fp.PublicKey, err)
		}
		peers = append(peers, tp)
	}
	return peers, nil
}

// Save persists peers atomically (temp file + rename), holding an
// exclusive flock on a sibling lock file for the duration of the
// write so a concurrently invoked wgconfd process cannot interleave.
func (s *Store) Save(peers []merge.TargetPeer) error {
	lockPath := s.path + ".lock"
	fileLock := flock.New(lockPath)

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire state lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("state lock timeout after %v", lockTimeout)
	}
	defer fileLock.Unlock()

	ff := fileFormat{Peers: make([]filePeer, 0, len(peers))}
	for _, p := range peers {
		ff.Peers = append(ff.Peers, fromTargetPeer(p))
	}

	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	return writeAtomic(s.path, data)
}

func fromTargetPeer(p merge.TargetPeer) filePeer {
	fp := filePeer{
		PublicKey: p.PublicKey.String(),
		Endpoint:  p.Endpoint,
		Keepalive: p.Keepalive,
	}
	if p.PSK != nil {
		fp.PSK = p.PSK.String()
	}
	for _, c := range p.AllowedIPs.List() {
		fp.AllowedIPs = append(fp.AllowedIPs, c.String())
	}
	return fp
}

func (fp filePeer) toTargetPeer() (merge.TargetPeer, error) {
	pub, err := keys.Parse(fp.PublicKey)
	if err != nil {
		return merge.TargetPeer{}, fmt.Errorf("public_key: %w", err)
	}

	tp := merge.TargetPeer{
		PublicKey: pub,
		Endpoint:  fp.Endpoint,
		Keepalive: fp.Keepalive,
	}

	if fp.PSK != "" {
		psk, err := keys.Parse(fp.PSK)
		if err != nil {
			return merge.TargetPeer{}, fmt.Errorf("psk: %w", err)
		}
		tp.PSK = &psk
	}

	var set ipset.Set
	for _, raw := range fp.AllowedIPs {
		c, err := ipset.Parse(raw)
		if err != nil {
			return merge.TargetPeer{}, fmt.Errorf("allowed_ips: %w", err)
		}
		set.Add(c)
	}
	tp.AllowedIPs = set

	return tp, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
