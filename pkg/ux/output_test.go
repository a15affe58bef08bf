// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestPrinter(machine bool) (*Printer, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return NewPrinter(&out, &errOut).SetMachine(machine), &out, &errOut
}

// TestNewPrinter_BufferIsMachine verifies non-terminal writers select machine mode.
func TestNewPrinter_BufferIsMachine(t *testing.T) {
	p := NewPrinter(&bytes.Buffer{}, &bytes.Buffer{})
	assert.True(t, p.Machine())
}

// TestPrinter_MachineMode verifies stable, prefix-tagged output.
func TestPrinter_MachineMode(t *testing.T) {
	p, out, errOut := newTestPrinter(true)

	p.Title("ignored")
	p.Success("created %s", "e1")
	p.Info("plain")
	p.Warning("careful")
	p.Error("broken")
	p.Status("code-server", "error", "readiness timeout")

	assert.Equal(t, "OK: created e1\nplain\ncode-server\terror\treadiness timeout\n", out.String())
	assert.Equal(t, "WARN: careful\nERROR: broken\n", errOut.String())
}

// TestPrinter_KeyValues_Machine verifies sorted key=value lines.
func TestPrinter_KeyValues_Machine(t *testing.T) {
	p, out, _ := newTestPrinter(true)

	p.KeyValues("env", map[string]string{"name": "e1", "created": "today"})

	assert.Equal(t, "created=today\nname=e1\n", out.String())
}

// TestPrinter_HumanMode verifies human output carries text and icons.
func TestPrinter_HumanMode(t *testing.T) {
	p, out, errOut := newTestPrinter(false)

	p.Success("done")
	p.Status("code-server", "ready", "")
	p.List([]string{"e1", "e2"})
	p.KeyValues("Environment", map[string]string{"name": "e1"})
	p.Error("oops")

	text := out.String()
	assert.Contains(t, text, "done")
	assert.Contains(t, text, "code-server")
	assert.Contains(t, text, "e2")
	assert.Contains(t, text, "Environment")
	assert.True(t, strings.Contains(errOut.String(), "oops"))
}

// TestStateIcon verifies state to icon mapping.
func TestStateIcon(t *testing.T) {
	assert.Equal(t, IconRunning, StateIcon("ready"))
	assert.Equal(t, IconPending, StateIcon("starting"))
	assert.Equal(t, IconError, StateIcon("error"))
	assert.Equal(t, IconWarning, StateIcon("stopped"))
	assert.Equal(t, IconPending, StateIcon("idle"))
}
