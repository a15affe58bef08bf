// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package environment

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an environment or registry record is missing.
var ErrNotFound = errors.New("environment not found")

// ErrUnsupportedPlatform is wrapped by BootstrapError when the host
// OS/architecture has no package-manager build.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// BootstrapError reports a failure to install the package-manager binary.
type BootstrapError struct {
	// Platform is the package-manager platform string (may be empty).
	Platform string

	// URL is the download URL (may be empty).
	URL string

	// Err is the cause.
	Err error
}

func (e *BootstrapError) Error() string {
	switch {
	case e.URL != "":
		return fmt.Sprintf("bootstrap package manager for %s from %s: %v", e.Platform, e.URL, e.Err)
	case e.Platform != "":
		return fmt.Sprintf("bootstrap package manager for %s: %v", e.Platform, e.Err)
	default:
		return fmt.Sprintf("bootstrap package manager: %v", e.Err)
	}
}

func (e *BootstrapError) Unwrap() error { return e.Err }

// ProvisioningError reports a failed environment operation.
//
// Err is usually a *util.CommandError carrying the exit code and stderr.
type ProvisioningError struct {
	// Env is the environment name.
	Env string

	// Op is the operation (exists, list, create, run, launch).
	Op string

	// Err is the cause.
	Err error
}

func (e *ProvisioningError) Error() string {
	if e.Env == "" {
		return fmt.Sprintf("%s environments: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s environment %q: %v", e.Op, e.Env, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

var (
	_ error = (*BootstrapError)(nil)
	_ error = (*ProvisioningError)(nil)
)
