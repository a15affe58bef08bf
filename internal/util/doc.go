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
Package util holds small building blocks shared by the runtime services.

# Contents

  - CommandError: subprocess failure with exit code and captured stderr
  - SafeGo / RecoverPanic: goroutines that report panics instead of crashing
  - RingBuffer: bounded, drop-oldest FIFO used as the log relay queue
  - Backoff: capped exponential backoff with jitter for reconnect loops
  - Timeout helpers: defaults and minimums for commands, downloads and probes

# Thread Safety

RingBuffer is safe for concurrent use. Backoff is not; each retry loop owns
its own instance. CommandError is immutable after creation.
*/
package util
