// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

//go:build !linux

package device

import "fmt"

// CheckInterfaceExists is unsupported outside Linux; wgconfd manages
// interfaces through the kernel WireGuard driver only.
func CheckInterfaceExists(ifname string) error {
	return fmt.Errorf("interface existence check is only supported on linux")
}
