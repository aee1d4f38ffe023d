// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package device

import "github.com/hashicorp/go-multierror"

// joinErrs aggregates zero or more per-peer failures into a single
// error, so one unreachable peer does not hide failures in the rest
// of a cycle's diff.
func joinErrs(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	var merr *multierror.Error
	for _, err := range errs {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}
