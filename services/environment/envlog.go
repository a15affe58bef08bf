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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// envLogTimeFormat is the bracketed timestamp prefix of each env log line.
const envLogTimeFormat = "2006-01-02 15:04:05"

// EnvLog appends timestamped lines to per-environment log files.
//
// # Description
//
// Each environment has <baseDir>/logs/<name>/environment.log. Every write
// reopens the file with O_APPEND so that lines from this process and from
// launched services (which hold their own descriptor) interleave without
// truncation.
//
// # Thread Safety
//
// Safe for concurrent use. Individual lines are written with a single
// write call.
type EnvLog struct {
	dir string
	now func() time.Time
}

// NewEnvLog creates an EnvLog rooted at <baseDir>/logs.
func NewEnvLog(baseDir string) *EnvLog {
	return &EnvLog{dir: filepath.Join(baseDir, "logs"), now: time.Now}
}

// Path returns the log path for name without creating anything.
func (l *EnvLog) Path(name string) string {
	return filepath.Join(l.dir, name, "environment.log")
}

// Open creates the log directory and opens the file for appending.
func (l *EnvLog) Open(name string) (*os.File, error) {
	path := l.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// Append writes "[YYYY-MM-DD HH:MM:SS] message" as one line.
// Multi-line messages are written as one line per input line.
func (l *EnvLog) Append(name, message string) error {
	f, err := l.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	stamp := l.now().Format(envLogTimeFormat)
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimRight(message, "\n"), "\n") {
		fmt.Fprintf(&b, "[%s] %s\n", stamp, line)
	}
	_, err = f.WriteString(b.String())
	return err
}
