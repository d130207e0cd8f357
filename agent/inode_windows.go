//go:build windows

/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package agent

import "os"

// inodeOf has no stable inode equivalent on Windows; it returns a
// constant so rotation detection falls back to the caller's
// size-regression check alone.
func inodeOf(fi os.FileInfo) uint64 {
	_ = fi
	return 0
}
