package display

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/therealutkarshpriyadarshi/resettime/internal/status"
)

var (
	onStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	offStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("5"))
)

// View renders the status
func (m Model) View() string {
	s := m.status

	var b strings.Builder
	b.WriteString(s.Reset)
	b.WriteString("\n\n")

	b.WriteString(status.FloorClipLabel)
	b.WriteString(toggle(s.FloorClip, s.FloorClipStatus))
	b.WriteString("\n")
	b.WriteString(status.SkatingCorrectionLabel)
	b.WriteString(toggle(s.SkatingCorrection, s.SkatingCorrectionStatus))
	b.WriteString("\n\n")

	b.WriteString("OBS: ")
	b.WriteString(m.obsLine())
	b.WriteString("\n")

	return b.String()
}

func (m Model) obsLine() string {
	switch m.obs {
	case obsConnected:
		return onStyle.Render("OK")
	case obsFailed:
		return offStyle.Render(m.obsErr)
	case obsDisconnected:
		return offStyle.Render("Disconnected")
	default:
		return offStyle.Render("Disabled")
	}
}

func toggle(on bool, text string) string {
	if on {
		return onStyle.Render(text)
	}
	return offStyle.Render(text)
}
