// Package theme provides the Lip Gloss color palette and reusable styles
// for the lanlink dashboard. It is a leaf package with no internal imports
// to avoid import cycles.
package theme

import "github.com/charmbracelet/lipgloss"

// Role colors.
var (
	ColorStandalone = lipgloss.Color("#9ca3af")
	ColorHost       = lipgloss.Color("#a855f7")
	ColorClient     = lipgloss.Color("#3b82f6")
)

// Connection state colors.
var (
	ColorConnecting = lipgloss.Color("#7c3aed")
	ColorActive     = lipgloss.Color("#16a34a")
	ColorLost       = lipgloss.Color("#374151")
)

// Seat bar thresholds.
var (
	ColorSeatsLow  = lipgloss.Color("#22c55e") // <50%
	ColorSeatsMid  = lipgloss.Color("#d97706") // 50-99%
	ColorSeatsFull = lipgloss.Color("#dc2626")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorBg      = lipgloss.Color("#111827")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
	ColorInfo    = lipgloss.Color("#2563eb")
	ColorDefault = lipgloss.Color("#9ca3af")
)

// RoleColor returns the color for a network role name.
func RoleColor(role string) lipgloss.Color {
	switch role {
	case "host":
		return ColorHost
	case "client":
		return ColorClient
	default:
		return ColorStandalone
	}
}

// StateColor returns the color for a connection state name.
func StateColor(state string) lipgloss.Color {
	switch state {
	case "serving", "active":
		return ColorActive
	case "connecting", "connected", "authenticating":
		return ColorConnecting
	case "disconnected":
		return ColorDanger
	case "offline":
		return ColorLost
	default:
		return ColorDefault
	}
}

// StateGlyph returns a Unicode glyph for a connection state name.
func StateGlyph(state string) string {
	switch state {
	case "serving":
		return "◉"
	case "active":
		return "●"
	case "connecting", "connected", "authenticating":
		return "◎"
	case "disconnected":
		return "✗"
	case "offline":
		return "○"
	default:
		return "·"
	}
}

// SessionColor returns the color for a session status name.
func SessionColor(status string) lipgloss.Color {
	switch status {
	case "active":
		return ColorActive
	case "authenticating":
		return ColorConnecting
	case "zombie":
		return ColorWarning
	case "evicted":
		return ColorDanger
	default:
		return ColorDefault
	}
}

// SeatColor returns the color for a seat utilization ratio.
func SeatColor(active, max int) lipgloss.Color {
	if max <= 0 {
		return ColorDefault
	}
	pct := float64(active) / float64(max)
	switch {
	case pct >= 1:
		return ColorSeatsFull
	case pct >= 0.5:
		return ColorSeatsMid
	default:
		return ColorSeatsLow
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleError = lipgloss.NewStyle().
			Foreground(ColorDanger)
)
