// Package ui provides terminal styling for fcuid CLI output.
// Uses the Ayu color theme with adaptive light/dark mode support.
package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fsl-continuum/fcuid/internal/types"
)

// Ayu theme color palette
var (
	ColorPass = lipgloss.AdaptiveColor{
		Light: "#86b300",
		Dark:  "#c2d94c",
	}
	ColorWarn = lipgloss.AdaptiveColor{
		Light: "#f2ae49",
		Dark:  "#ffb454",
	}
	ColorFail = lipgloss.AdaptiveColor{
		Light: "#f07171",
		Dark:  "#f07178",
	}
	ColorMuted = lipgloss.AdaptiveColor{
		Light: "#828c99",
		Dark:  "#6c7680",
	}
	ColorAccent = lipgloss.AdaptiveColor{
		Light: "#399ee6",
		Dark:  "#59c2ff",
	}
)

// Semantic styles shared by every command.
var (
	PassStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
)

// CategoryStyle for section headers - bold with accent color
var CategoryStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)

// IDStyle renders identifiers.
var IDStyle = lipgloss.NewStyle().Bold(true)

// Status icons
const (
	IconPass = "✓"
	IconWarn = "⚠"
	IconFail = "✗"
	IconSkip = "-"
	IconInfo = "ℹ"
)

// Tree characters for hierarchical display
const (
	TreeLast   = "└─ "
	TreeIndent = "  "
)

// SeparatorLight is the section divider.
const SeparatorLight = "──────────────────────────────────────────"

// RenderPass renders text with pass (green) styling
func RenderPass(s string) string {
	return PassStyle.Render(s)
}

// RenderWarn renders text with warning (yellow) styling
func RenderWarn(s string) string {
	return WarnStyle.Render(s)
}

// RenderFail renders text with fail (red) styling
func RenderFail(s string) string {
	return FailStyle.Render(s)
}

// RenderMuted renders text with muted (gray) styling
func RenderMuted(s string) string {
	return MutedStyle.Render(s)
}

// RenderAccent renders text with accent (blue) styling
func RenderAccent(s string) string {
	return AccentStyle.Render(s)
}

// RenderID renders an FCUID.
func RenderID(s string) string {
	return IDStyle.Render(s)
}

// RenderCategory renders a category header in uppercase with accent color
func RenderCategory(s string) string {
	return CategoryStyle.Render(strings.ToUpper(s))
}

// RenderSeparator renders the light separator line in muted color
func RenderSeparator() string {
	return MutedStyle.Render(SeparatorLight)
}

// RenderStatus colors a record status: active/completed pass, flagged fail,
// archived muted.
func RenderStatus(s types.Status) string {
	switch s {
	case types.StatusActive, types.StatusCompleted:
		return PassStyle.Render(string(s))
	case types.StatusFlagged:
		return FailStyle.Render(string(s))
	default:
		return MutedStyle.Render(string(s))
	}
}

// RenderCheck renders ok with a pass or fail icon.
func RenderCheck(ok bool, label string) string {
	if ok {
		return PassStyle.Render(IconPass) + " " + label
	}
	return FailStyle.Render(IconFail) + " " + label
}

// RenderWarnLine renders a warning line with its icon.
func RenderWarnLine(s string) string {
	return WarnStyle.Render(IconWarn+" ") + s
}

// RenderSkip renders a skipped check.
func RenderSkip(label string) string {
	return MutedStyle.Render(IconSkip) + " " + label
}
