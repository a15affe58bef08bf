// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package process abstracts subprocess execution and cross-process locking.

# Overview

  - ProcessManager: synchronous commands with captured output, and detached
    long-running processes placed in their own process group
  - Handle: a started process that can be waited on and stopped as a group
  - FileLock: an advisory, per-name file lock shared between host processes

Every exec.Command in the runtime goes through ProcessManager so that the
environment manager and the supervisors can be tested with MockProcessManager.

	pm := process.NewExecManager()
	res, err := pm.Run(ctx, "micromamba", "env", "list", "--json")
	if err != nil {
	    return fmt.Errorf("list environments: %w", err)
	}

# Thread Safety

ProcessManager implementations and Handle are safe for concurrent use.
FileLock is not; give each goroutine its own lock value.

# Limitations

  - Group termination uses kill(-pgid) on Unix; on Windows only the direct
    child is killed
  - FileLock is advisory
*/
package process
