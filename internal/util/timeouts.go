// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import "time"

// Default durations used across the runtime services.
const (
	// DefaultDownloadTimeout bounds the package-manager binary download.
	DefaultDownloadTimeout = 5 * time.Minute

	// DefaultCommandTimeout bounds a synchronous package-manager command.
	// Environment creation resolves and downloads packages, so this is long.
	DefaultCommandTimeout = 30 * time.Minute

	// DefaultPollInterval is the readiness probe cadence.
	DefaultPollInterval = 1 * time.Second

	// DefaultReadinessTimeout is the hard bound on readiness polling.
	DefaultReadinessTimeout = 2 * time.Minute

	// DefaultStopTimeout is the grace period between SIGTERM and SIGKILL.
	DefaultStopTimeout = 10 * time.Second

	// MinPollInterval keeps a misconfigured probe from hammering the service.
	MinPollInterval = 10 * time.Millisecond
)

// EnforceMinTimeout returns minimum when requested is unset or smaller.
//
//	EnforceMinTimeout(0, time.Second)              // 1s
//	EnforceMinTimeout(time.Millisecond, time.Second) // 1s
//	EnforceMinTimeout(5*time.Second, time.Second)    // 5s
func EnforceMinTimeout(requested, minimum time.Duration) time.Duration {
	if requested <= 0 || requested < minimum {
		return minimum
	}
	return requested
}

// EnforceDefaultTimeout returns defaultVal when requested is unset.
func EnforceDefaultTimeout(requested, defaultVal time.Duration) time.Duration {
	if requested <= 0 {
		return defaultVal
	}
	return requested
}
