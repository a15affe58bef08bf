// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrLocked is returned by TryAcquire when another holder owns the lock.
var ErrLocked = errors.New("lock is held by another process")

// LockHeldError reports who holds a lock.
type LockHeldError struct {
	// HolderPID is the PID recorded by the holder (0 if unknown).
	HolderPID int

	// LockPath is the lock file path.
	LockPath string
}

func (e *LockHeldError) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("%s is held by PID %d", e.LockPath, e.HolderPID)
	}
	return fmt.Sprintf("%s is held by another process", e.LockPath)
}

// Is makes errors.Is(err, ErrLocked) true.
func (e *LockHeldError) Is(target error) bool {
	return target == ErrLocked
}

// FileLock is an advisory lock on <Dir>/<name>.lock.
//
// # Description
//
// Serializes work that must not run twice at once across host processes,
// such as creating the same environment from the server and the CLI.
// The holder writes its PID to <Dir>/<name>.pid for diagnostics.
//
// # Thread Safety
//
// Not safe for concurrent use. Use one FileLock per goroutine; two
// FileLocks for the same path in one process exclude each other.
//
// # Example
//
//	lock := process.NewFileLock(locksDir, "env-"+name)
//	if err := lock.Acquire(ctx); err != nil {
//	    return err
//	}
//	defer lock.Release()
type FileLock struct {
	lockPath string
	pidPath  string
	file     *os.File
	poll     time.Duration
}

// NewFileLock creates an unacquired lock. Path separators in name are replaced.
func NewFileLock(dir, name string) *FileLock {
	safe := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(name)
	return &FileLock{
		lockPath: filepath.Join(dir, safe+".lock"),
		pidPath:  filepath.Join(dir, safe+".pid"),
		poll:     100 * time.Millisecond,
	}
}

// TryAcquire takes the lock without waiting.
//
// Returns a *LockHeldError (matching ErrLocked) when someone else holds it.
func (l *FileLock) TryAcquire() error {
	if l.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file %s: %w", l.lockPath, err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		if errors.Is(err, ErrLocked) {
			return &LockHeldError{HolderPID: l.HolderPID(), LockPath: l.lockPath}
		}
		return fmt.Errorf("lock %s: %w", l.lockPath, err)
	}
	l.file = f
	_ = os.WriteFile(l.pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
	return nil
}

// Acquire waits for the lock until ctx is done.
func (l *FileLock) Acquire(ctx context.Context) error {
	for {
		err := l.TryAcquire()
		if err == nil || !errors.Is(err, ErrLocked) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", l.lockPath, ctx.Err())
		case <-time.After(l.poll):
		}
	}
}

// Release drops the lock. Safe to call when not held.
func (l *FileLock) Release() error {
	if l.file == nil {
		return nil
	}
	os.Remove(l.pidPath)
	err := unlockFile(l.file)
	l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("unlock %s: %w", l.lockPath, err)
	}
	return nil
}

// IsHeld reports whether this FileLock currently holds the lock.
func (l *FileLock) IsHeld() bool {
	return l.file != nil
}

// HolderPID returns the PID recorded by the current holder, or 0.
func (l *FileLock) HolderPID() int {
	data, err := os.ReadFile(l.pidPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.lockPath
}
