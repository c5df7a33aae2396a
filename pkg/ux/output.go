// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the casestage CLI.
package ux

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Palette: deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title    lipgloss.Style
	Subtitle lipgloss.Style
	Bold     lipgloss.Style
	Muted    lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
	ErrorBox   lipgloss.Style
}{
	Title:    lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle: lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:     lipgloss.NewStyle().Bold(true),
	Muted:    lipgloss.NewStyle().Foreground(ColorSlate),
	Success:  lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:  lipgloss.NewStyle().Foreground(ColorWarning),
	Error:    lipgloss.NewStyle().Foreground(ColorError),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// Machine returns the plain-text tag for the icon in machine output.
func (i Icon) Machine() string {
	switch i {
	case IconSuccess:
		return "OK"
	case IconWarning:
		return "WARN"
	case IconError:
		return "ERROR"
	case IconPending:
		return "PENDING"
	default:
		return "-"
	}
}

// Printer writes styled output at one personality level.
//
// Machine output is line-oriented and free of escape codes; minimal output
// keeps icons but drops colors and boxes.
type Printer struct {
	out   io.Writer
	level PersonalityLevel
}

// NewPrinter returns a Printer writing to out.
func NewPrinter(out io.Writer, level PersonalityLevel) *Printer {
	return &Printer{out: out, level: level}
}

// Level returns the printer's personality level.
func (p *Printer) Level() PersonalityLevel { return p.level }

func (p *Printer) machine() bool { return p.level == PersonalityMachine }
func (p *Printer) full() bool    { return p.level == PersonalityFull }

// Title prints a styled title. Machine output skips it.
func (p *Printer) Title(text string) {
	switch p.level {
	case PersonalityMachine:
		return
	case PersonalityMinimal:
		fmt.Fprintln(p.out, text)
	default:
		fmt.Fprintln(p.out, Styles.Title.Render(text))
	}
}

// Success prints a success message with checkmark
func (p *Printer) Success(text string) { p.status(IconSuccess, Styles.Success, text) }

// Warning prints a warning message
func (p *Printer) Warning(text string) { p.status(IconWarning, Styles.Warning, text) }

// Error prints an error message
func (p *Printer) Error(text string) { p.status(IconError, Styles.Error, text) }

func (p *Printer) status(icon Icon, style lipgloss.Style, text string) {
	switch p.level {
	case PersonalityMachine:
		fmt.Fprintf(p.out, "%s: %s\n", icon.Machine(), text)
	case PersonalityMinimal:
		fmt.Fprintf(p.out, "%s %s\n", icon, text)
	default:
		fmt.Fprintf(p.out, "%s %s\n", icon.Render(), style.Render(text))
	}
}

// Info prints an informational message
func (p *Printer) Info(text string) {
	if p.machine() {
		fmt.Fprintln(p.out, text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", p.muted("│"), text)
}

// Field prints a key and value. Machine output is "key\tvalue".
func (p *Printer) Field(key, value string) {
	if p.machine() {
		fmt.Fprintf(p.out, "%s\t%s\n", key, value)
		return
	}
	fmt.Fprintf(p.out, "  %s %s\n", p.muted(key+":"), value)
}

// Box prints lines in a rounded box, or one "title: line" per line in
// machine output.
func (p *Printer) Box(title string, lines []string) {
	p.box(Styles.Box, Styles.Title, title, lines)
}

// WarningBox prints lines in a warning-styled box
func (p *Printer) WarningBox(title string, lines []string) {
	p.box(Styles.WarningBox, Styles.Warning.Bold(true), title, lines)
}

// ErrorBox prints lines in an error-styled box
func (p *Printer) ErrorBox(title string, lines []string) {
	p.box(Styles.ErrorBox, Styles.Error.Bold(true), title, lines)
}

func (p *Printer) box(box, head lipgloss.Style, title string, lines []string) {
	switch p.level {
	case PersonalityMachine:
		for _, l := range lines {
			fmt.Fprintf(p.out, "%s: %s\n", title, l)
		}
	case PersonalityMinimal:
		fmt.Fprintln(p.out, title)
		for _, l := range lines {
			fmt.Fprintf(p.out, "  %s\n", l)
		}
	default:
		fmt.Fprintln(p.out, box.Width(boxWidth(title, lines)).Render(
			head.Render(title)+"\n"+strings.Join(lines, "\n")))
	}
}

func boxWidth(title string, lines []string) int {
	w := lipgloss.Width(title)
	for _, l := range lines {
		w = max(w, lipgloss.Width(l))
	}
	return min(max(w+4, 40), 120)
}

// FileStatus prints a path with its status and an optional reason.
// Machine output is "status\tpath\treason".
func (p *Printer) FileStatus(path string, status Icon, reason string) {
	switch p.level {
	case PersonalityMachine:
		fmt.Fprintf(p.out, "%s\t%s\t%s\n", status.Machine(), path, reason)
	case PersonalityMinimal:
		if reason != "" {
			fmt.Fprintf(p.out, "%s %s (%s)\n", status, path, reason)
		} else {
			fmt.Fprintf(p.out, "%s %s\n", status, path)
		}
	default:
		if reason != "" {
			fmt.Fprintf(p.out, "%s %s %s\n", status.Render(), path, Styles.Muted.Render("("+reason+")"))
		} else {
			fmt.Fprintf(p.out, "%s %s\n", status.Render(), path)
		}
	}
}

// Count is one labelled number in a summary line.
type Count struct {
	Label string
	N     int
	Icon  Icon
}

// Summary prints counts on one line. Machine output is
// "SUMMARY: label=n label=n".
func (p *Printer) Summary(counts ...Count) {
	parts := make([]string, 0, len(counts))
	for _, c := range counts {
		if p.machine() {
			parts = append(parts, fmt.Sprintf("%s=%d", c.Label, c.N))
			continue
		}
		n := fmt.Sprintf("%d", c.N)
		if p.full() {
			switch c.Icon {
			case IconSuccess:
				n = Styles.Success.Render(n)
			case IconWarning:
				n = Styles.Warning.Render(n)
			case IconError:
				n = Styles.Error.Render(n)
			default:
				n = Styles.Bold.Render(n)
			}
		}
		parts = append(parts, n+" "+p.muted(c.Label))
	}
	if p.machine() {
		fmt.Fprintf(p.out, "SUMMARY: %s\n", strings.Join(parts, " "))
		return
	}
	fmt.Fprintf(p.out, "\n%s\n", strings.Join(parts, "  "))
}

func (p *Printer) muted(s string) string {
	if p.full() {
		return Styles.Muted.Render(s)
	}
	return s
}
