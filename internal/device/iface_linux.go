// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

//go:build linux

package device

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// CheckInterfaceExists verifies that ifname is a link the kernel
// already knows about. wgconfd never creates or deletes interfaces
// itself (spec.md's explicit non-goal); it only refuses to start
// against one that does not exist.
func CheckInterfaceExists(ifname string) error {
	if _, err := netlink.LinkByName(ifname); err != nil {
		return fmt.Errorf("interface %q does not exist: %w", ifname, err)
	}
	return nil
}
