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
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// LineHandler receives one complete line (without the newline).
type LineHandler func(line string)

// LogTailer follows a log file from its current end.
//
// # Description
//
// Watches the file's directory with fsnotify (the file may not exist yet)
// and hands every newly appended complete line to the handler. Truncation
// or replacement restarts reading from the beginning. A periodic poll
// covers filesystems that do not deliver events.
//
// # Thread Safety
//
// Start and Stop may be called from any goroutine. The handler is called
// from a single goroutine.
//
// # Example
//
//	t, _ := environment.NewLogTailer(mgr.LogPath("codeserver-env"), func(line string) {
//	    coord.Publish("environment.codeserver-env", line)
//	}, logger)
//	_ = t.Start(ctx)
//	defer t.Stop()
type LogTailer struct {
	path    string
	handler LineHandler
	logger  *slog.Logger
	poll    time.Duration

	watcher *fsnotify.Watcher
	offset  int64
	partial []byte

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
	running  bool
}

// NewLogTailer creates a tailer for path.
func NewLogTailer(path string, handler LineHandler, logger *slog.Logger) (*LogTailer, error) {
	if handler == nil {
		return nil, errors.New("log tailer: handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &LogTailer{
		path:    path,
		handler: handler,
		logger:  logger,
		poll:    time.Second,
		watcher: w,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

// Start begins following. Lines already in the file are skipped.
func (t *LogTailer) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = true
	t.mu.Unlock()

	fail := func(err error) error {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
		return err
	}

	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail(err)
	}
	if err := t.watcher.Add(dir); err != nil {
		return fail(err)
	}
	if info, err := os.Stat(t.path); err == nil {
		t.offset = info.Size()
	}

	go t.loop(ctx)
	return nil
}

// Stop ends following and waits for the loop to exit.
func (t *LogTailer) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
		t.watcher.Close()
		t.mu.Lock()
		running := t.running
		t.mu.Unlock()
		if running {
			<-t.stopped
		}
	})
}

func (t *LogTailer) loop(ctx context.Context) {
	defer close(t.stopped)

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-ticker.C:
			t.readNew()
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(t.path) {
				continue
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				t.offset = 0
				t.partial = nil
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				t.readNew()
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn("log tailer watch error", "path", t.path, "error", err)
		}
	}
}

// readNew reads from the saved offset to EOF and emits complete lines.
func (t *LogTailer) readNew() {
	f, err := os.Open(t.path)
	if err != nil {
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return
	}
	if info.Size() < t.offset {
		t.offset = 0
		t.partial = nil
	}
	if info.Size() == t.offset {
		return
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return
	}

	r := bufio.NewReader(f)
	for {
		chunk, err := r.ReadBytes('\n')
		t.offset += int64(len(chunk))
		if len(chunk) > 0 && chunk[len(chunk)-1] == '\n' {
			line := append(t.partial, chunk[:len(chunk)-1]...)
			t.partial = nil
			t.handler(string(bytes.TrimRight(line, "\r")))
		} else if len(chunk) > 0 {
			t.partial = append(t.partial, chunk...)
		}
		if err != nil {
			return
		}
	}
}
