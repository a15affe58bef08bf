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
	"runtime/debug"
)

// PanicInfo describes a recovered panic.
type PanicInfo struct {
	// Value is whatever was passed to panic().
	Value interface{}

	// Stack is the goroutine stack captured at recovery time.
	Stack string
}

// SafeGo runs fn on a new goroutine and recovers any panic.
//
// # Description
//
// Background work in the runtime (provisioning sequences, the relay
// consumer) must never take the host process down. A recovered panic is
// handed to onPanic so the caller can turn it into a status or a log line.
//
// # Inputs
//
//   - fn: Work to run.
//   - onPanic: Called with the recovered value and stack (may be nil).
//
// # Example
//
//	SafeGo(func() {
//	    s.provision(ctx)
//	}, func(p PanicInfo) {
//	    s.fail(fmt.Sprintf("provisioning panicked: %v", p.Value))
//	})
func SafeGo(fn func(), onPanic func(PanicInfo)) {
	go func() {
		defer RecoverPanic(onPanic)()
		fn()
	}()
}

// RecoverPanic returns a function suitable for defer that recovers a panic
// and reports it to onPanic.
//
//	defer RecoverPanic(func(p PanicInfo) { logger.Error("panic", "value", p.Value) })()
func RecoverPanic(onPanic func(PanicInfo)) func() {
	return func() {
		if r := recover(); r != nil {
			if onPanic != nil {
				onPanic(PanicInfo{Value: r, Stack: string(debug.Stack())})
			}
		}
	}
}
