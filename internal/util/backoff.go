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

import (
	"math/rand"
	"time"
)

// BackoffConfig configures exponential backoff.
type BackoffConfig struct {
	// Initial is the first delay. Default: 100ms.
	Initial time.Duration

	// Max caps every delay. Default: 10s.
	Max time.Duration

	// Factor multiplies the delay after each failure. Default: 2.0.
	Factor float64

	// Jitter randomizes each delay by ±Jitter (0.2 = ±20%). Default: 0.
	Jitter float64
}

// DefaultBackoffConfig returns the reconnect policy used by the log relay.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial: 100 * time.Millisecond,
		Max:     10 * time.Second,
		Factor:  2.0,
		Jitter:  0.2,
	}
}

// Backoff produces successive delays for a retry loop.
//
// # Description
//
// Next returns the delay to wait after a failure and grows the base delay
// by Factor up to Max. Reset returns to Initial after a success.
//
// # Thread Safety
//
// Not safe for concurrent use.
//
// # Example
//
//	b := NewBackoff(DefaultBackoffConfig())
//	for {
//	    if err := send(); err == nil {
//	        b.Reset()
//	        continue
//	    }
//	    time.Sleep(b.Next())
//	}
type Backoff struct {
	config  BackoffConfig
	current time.Duration
}

// NewBackoff creates a Backoff, filling unset fields with defaults.
func NewBackoff(config BackoffConfig) *Backoff {
	if config.Initial <= 0 {
		config.Initial = 100 * time.Millisecond
	}
	if config.Max < config.Initial {
		config.Max = config.Initial
	}
	if config.Factor < 1.0 {
		config.Factor = 2.0
	}
	if config.Jitter < 0 {
		config.Jitter = 0
	}
	return &Backoff{config: config, current: config.Initial}
}

// Next returns the next delay and advances the base delay.
func (b *Backoff) Next() time.Duration {
	wait := applyJitter(b.current, b.config.Jitter)
	next := time.Duration(float64(b.current) * b.config.Factor)
	if next > b.config.Max {
		next = b.config.Max
	}
	b.current = next
	return wait
}

// Reset returns the base delay to Initial.
func (b *Backoff) Reset() {
	b.current = b.config.Initial
}

// applyJitter scales base by a random factor in [1-jitter, 1+jitter].
func applyJitter(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}
	multiplier := 1.0 + (rand.Float64()*2-1)*jitter
	return time.Duration(float64(base) * multiplier)
}
