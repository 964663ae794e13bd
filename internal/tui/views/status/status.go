package status

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"

	"github.com/stocker/lanlink/internal/netmgr"
	"github.com/stocker/lanlink/internal/tui/theme"
)

// FPS is the rate the seat gauge expects Step to be called at.
const FPS = 30

const gaugeCells = 10

// Model holds the status bar state.
type Model struct {
	Status   netmgr.Status
	Identity string
	Healthy  bool
	Width    int

	spring harmonica.Spring
	fill   float64
	vel    float64
}

// New creates a status bar model.
func New(identity string) Model {
	return Model{
		Identity: identity,
		Healthy:  true,
		spring:   harmonica.NewSpring(harmonica.FPS(FPS), 6.0, 1.0),
		Status: netmgr.Status{
			Role:            netmgr.RoleStandalone,
			ConnectionState: netmgr.ConnOffline,
		},
	}
}

// seatRatio is the share of seats in use on the current Host.
func (m Model) seatRatio() float64 {
	h := m.Status.CurrentHost
	if h == nil || h.MaxSeats <= 0 {
		return 0
	}
	return math.Min(1, float64(h.ActiveSeats)/float64(h.MaxSeats))
}

// Settled reports whether the seat gauge has reached the current ratio.
func (m Model) Settled() bool {
	return math.Abs(m.fill-m.seatRatio()) < 0.005 && math.Abs(m.vel) < 0.005
}

// Step advances the seat gauge by one frame and reports whether it is
// still moving.
func (m *Model) Step() bool {
	target := m.seatRatio()
	m.fill, m.vel = m.spring.Update(m.fill, m.vel, target)
	if m.Settled() {
		m.fill, m.vel = target, 0
		return false
	}
	return true
}

func (m Model) gauge() string {
	n := int(math.Round(math.Max(0, math.Min(1, m.fill)) * gaugeCells))
	return strings.Repeat("█", n) + strings.Repeat("░", gaugeCells-n)
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	role := string(m.Status.Role)
	state := string(m.Status.ConnectionState)

	roleStr := lipgloss.NewStyle().Bold(true).Foreground(theme.RoleColor(role)).
		Render(strings.ToUpper(role))
	stateStr := lipgloss.NewStyle().Foreground(theme.StateColor(state)).
		Render(theme.StateGlyph(state) + " " + state)

	parts := []string{roleStr, stateStr, theme.StyleDimmed.Render("db " + m.Identity)}

	if h := m.Status.CurrentHost; h != nil {
		where := h.HostName
		if where == "" {
			where = h.Addr()
		}
		parts = append(parts, "host "+where)
		seats := fmt.Sprintf("seats %d/%d %s", h.ActiveSeats, h.MaxSeats, m.gauge())
		parts = append(parts, lipgloss.NewStyle().Foreground(theme.SeatColor(h.ActiveSeats, h.MaxSeats)).Render(seats))
	}
	if !m.Status.LocalDatabase && m.Status.Role == netmgr.RoleStandalone {
		parts = append(parts, theme.StyleError.Render("database locked"))
	}
	if !m.Healthy {
		parts = append(parts, lipgloss.NewStyle().Foreground(theme.ColorWarning).Render("degraded"))
	}

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(strings.Join(parts, sep))
}
