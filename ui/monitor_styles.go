package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const (
	iconWorking   = "▶ "
	iconQueued    = "○ "
	iconPaused    = " "
	iconCompleted = "● "
	iconError     = "✗ "
)

var headerStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("#F0A868"))

var clockStyle = lipgloss.NewStyle().
	Foreground(lipgloss.AdaptiveColor{Light: "#A49FA5", Dark: "#777777"})

var sectionStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.AdaptiveColor{Light: "#1a1a1a", Dark: "#dddddd"})

var okStyle = lipgloss.NewStyle().
	Foreground(lipgloss.AdaptiveColor{Light: "#51bd73", Dark: "#51bd73"})

var errorStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#de613e"))

var queuedStyle = lipgloss.NewStyle().
	Foreground(lipgloss.AdaptiveColor{Light: "#A49FA5", Dark: "#777777"})

var pausedDimStyle = lipgloss.NewStyle().
	Foreground(lipgloss.AdaptiveColor{Light: "#888888", Dark: "#888888"})

var dimStyle = lipgloss.NewStyle().
	Foreground(lipgloss.AdaptiveColor{Light: "#aaaaaa", Dark: "#666666"})

var footerStyle = lipgloss.NewStyle().
	Foreground(lipgloss.AdaptiveColor{Light: "#A49FA5", Dark: "#777777"})

var dirtyStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("#F0A868"))

func hexRGB(hex string) (uint8, uint8, uint8) {
	hex = strings.TrimPrefix(hex, "#")
	if len(hex) != 6 {
		return 0, 0, 0
	}
	var r, g, b uint8
	fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b)
	return r, g, b
}

// gradientText renders text with a left-to-right truecolor gradient.
func gradientText(text, fromHex, toHex string) string {
	runes := []rune(text)
	if len(runes) == 0 {
		return ""
	}
	r1, g1, b1 := hexRGB(fromHex)
	r2, g2, b2 := hexRGB(toHex)

	var sb strings.Builder
	for i, r := range runes {
		t := 0.0
		if len(runes) > 1 {
			t = float64(i) / float64(len(runes)-1)
		}
		cr := uint8(float64(r1) + (float64(r2)-float64(r1))*t)
		cg := uint8(float64(g1) + (float64(g2)-float64(g1))*t)
		cb := uint8(float64(b1) + (float64(b2)-float64(b1))*t)
		sb.WriteString(fmt.Sprintf("\033[38;2;%d;%d;%dm%c", cr, cg, cb, r))
	}
	sb.WriteString("\033[0m")
	return sb.String()
}

// slotBar renders pool usage as a fixed-width block bar, filled blocks on
// a gradient and the rest dimmed.
func slotBar(used, total, width int) string {
	if width <= 0 || total <= 0 {
		return ""
	}
	filled := used * width / total
	if used > 0 && filled == 0 {
		filled = 1
	}
	if filled > width {
		filled = width
	}

	var sb strings.Builder
	if filled > 0 {
		sb.WriteString(gradientText(strings.Repeat("█", filled), "#51bd73", "#F0A868"))
	}
	if filled < width {
		sb.WriteString(dimStyle.Render(strings.Repeat("░", width-filled)))
	}
	return sb.String()
}
