//go:build !windows

/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package agent

import "syscall"

// reexec replaces the current process image in place rather than
// spawning a shell.
func reexec(path string, argv []string, envv []string) error {
	return syscall.Exec(path, argv, envv)
}
