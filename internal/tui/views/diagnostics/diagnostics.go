// Package diagnostics shows the Host's diagnostics report as rendered
// markdown in a scrollable overlay.
package diagnostics

import (
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/stocker/lanlink/internal/diag"
	"github.com/stocker/lanlink/internal/tui/theme"
)

// DefaultStyle is the glamour style used on a terminal.
const DefaultStyle = "dark"

type Model struct {
	Style string

	vp      viewport.Model
	report  diag.Report
	loaded  bool
	err     error
	loading bool
}

func New(style string) Model {
	if style == "" {
		style = DefaultStyle
	}
	return Model{Style: style, vp: viewport.New(80, 20)}
}

// Loading marks a fetch in progress.
func (m *Model) Loading() {
	m.loading = true
	m.err = nil
}

// SetReport renders r at width and resets the scroll position.
func (m *Model) SetReport(r diag.Report, width, height int) error {
	m.loading = false
	m.report = r
	m.loaded = true
	m.Resize(width, height)

	out, err := Render(r, m.Style, m.vp.Width)
	if err != nil {
		m.err = err
		m.vp.SetContent(r.Markdown())
		return err
	}
	m.err = nil
	m.vp.SetContent(out)
	m.vp.GotoTop()
	return nil
}

func (m *Model) SetError(err error) {
	m.loading = false
	m.err = err
}

func (m *Model) Resize(width, height int) {
	m.vp.Width = max(width-6, 20)
	m.vp.Height = max(height-6, 5)
}

// Update forwards scrolling keys to the viewport.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	var cmd tea.Cmd
	m.vp, cmd = m.vp.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	title := theme.StyleHeader.Render(" DIAGNOSTICS ")
	help := theme.StyleDimmed.Render("j/k:scroll  i:refresh  esc:close")

	var body string
	switch {
	case m.loading:
		body = theme.StyleDimmed.Render("  collecting...")
	case m.err != nil && !m.loaded:
		body = theme.StyleError.Render("  " + m.err.Error())
	case !m.loaded:
		body = theme.StyleDimmed.Render("  No report yet.")
	default:
		body = m.vp.View()
	}

	return lipgloss.NewStyle().
		Padding(1, 2).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(lipgloss.JoinVertical(lipgloss.Left, title, body, help))
}

// Render turns a report into styled terminal output.
func Render(r diag.Report, style string, width int) (string, error) {
	tr, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", err
	}
	return tr.Render(r.Markdown())
}
