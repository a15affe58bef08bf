// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders CLI output for the biit command.
//
// A Printer has two modes. On a terminal it uses lipgloss styles and
// icons. When stdout is redirected (scripts, CI, the desktop shell) it
// switches to machine mode: plain, prefix-tagged, tab-separated lines that
// are stable to parse.
package ux

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// =============================================================================
// Palette and Styles
// =============================================================================

var (
	ColorAccent  = lipgloss.Color("#2CD7C7")
	ColorPrimary = lipgloss.Color("#20B9B4")
	ColorBorder  = lipgloss.Color("#16858E")
	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorMuted   = lipgloss.Color("#2C4A54")
)

// Styles holds the shared lipgloss styles.
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Key     lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorAccent),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorMuted),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Key:     lipgloss.NewStyle().Foreground(ColorPrimary),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder).
		Padding(0, 1),
}

// Icon is a single-glyph status marker.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconRunning Icon = "●"
)

// Render returns the icon colored by meaning.
func (i Icon) Render() string {
	switch i {
	case IconSuccess, IconRunning:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return Styles.Muted.Render(string(i))
	}
}

// StateIcon maps a supervisor state name to an icon.
func StateIcon(state string) Icon {
	switch state {
	case "ready":
		return IconRunning
	case "starting":
		return IconPending
	case "error":
		return IconError
	case "stopped":
		return IconWarning
	default:
		return IconPending
	}
}

// =============================================================================
// Printer
// =============================================================================

// Printer writes user-facing output.
type Printer struct {
	out     io.Writer
	errOut  io.Writer
	machine bool
}

// NewPrinter creates a Printer on out/errOut.
// Machine mode is enabled when out is not a terminal.
func NewPrinter(out, errOut io.Writer) *Printer {
	return &Printer{out: out, errOut: errOut, machine: !isTerminal(out)}
}

// StdPrinter returns a Printer on os.Stdout and os.Stderr.
func StdPrinter() *Printer {
	return NewPrinter(os.Stdout, os.Stderr)
}

// SetMachine forces machine mode on or off.
func (p *Printer) SetMachine(machine bool) *Printer {
	p.machine = machine
	return p
}

// Machine reports whether machine mode is active.
func (p *Printer) Machine() bool {
	return p.machine
}

// Title prints a heading. Suppressed in machine mode.
func (p *Printer) Title(text string) {
	if p.machine {
		return
	}
	fmt.Fprintln(p.out, Styles.Title.Render(text))
}

// Success prints a success line.
func (p *Printer) Success(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if p.machine {
		fmt.Fprintf(p.out, "OK: %s\n", text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
}

// Warning prints a warning to the error stream.
func (p *Printer) Warning(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if p.machine {
		fmt.Fprintf(p.errOut, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(p.errOut, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
}

// Error prints an error to the error stream.
func (p *Printer) Error(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if p.machine {
		fmt.Fprintf(p.errOut, "ERROR: %s\n", text)
		return
	}
	fmt.Fprintf(p.errOut, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
}

// Info prints a plain informational line.
func (p *Printer) Info(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if p.machine {
		fmt.Fprintln(p.out, text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", Styles.Muted.Render("│"), text)
}

// Raw writes text unchanged followed by a newline.
func (p *Printer) Raw(text string) {
	fmt.Fprintln(p.out, text)
}

// Status prints "<icon> name  state (reason)" or "name\tstate\treason".
func (p *Printer) Status(name, state, reason string) {
	if p.machine {
		fmt.Fprintf(p.out, "%s\t%s\t%s\n", name, state, reason)
		return
	}
	line := fmt.Sprintf("%s %s  %s", StateIcon(state).Render(), Styles.Bold.Render(name), state)
	if reason != "" {
		line += " " + Styles.Muted.Render("("+reason+")")
	}
	fmt.Fprintln(p.out, line)
}

// KeyValues prints a titled box of sorted key/value pairs.
// In machine mode each pair is "key=value" on its own line.
func (p *Printer) KeyValues(title string, kv map[string]string) {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if p.machine {
		for _, k := range keys {
			fmt.Fprintf(p.out, "%s=%s\n", k, kv[k])
		}
		return
	}

	width := 0
	for _, k := range keys {
		if len(k) > width {
			width = len(k)
		}
	}
	var b strings.Builder
	b.WriteString(Styles.Title.Render(title))
	for _, k := range keys {
		b.WriteString("\n")
		b.WriteString(Styles.Key.Render(fmt.Sprintf("%-*s", width, k)))
		b.WriteString("  ")
		b.WriteString(kv[k])
	}
	fmt.Fprintln(p.out, Styles.Box.Render(b.String()))
}

// List prints one item per line with a bullet.
func (p *Printer) List(items []string) {
	for _, item := range items {
		if p.machine {
			fmt.Fprintln(p.out, item)
			continue
		}
		fmt.Fprintf(p.out, "%s %s\n", Styles.Muted.Render("•"), item)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
