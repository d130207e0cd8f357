//go:build windows

/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package agent

import (
	"os"
	"os/exec"
)

// reexec has no in-place process-image replacement on Windows; it
// spawns the new binary as a detached child and exits the current
// process, which is the closest Windows equivalent to the re-exec
// requirement.
func reexec(path string, argv []string, envv []string) error {
	cmd := exec.Command(path, argv[1:]...)
	cmd.Env = envv
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	if err := cmd.Start(); err != nil {
		return err
	}
	os.Exit(0)
	return nil
}
