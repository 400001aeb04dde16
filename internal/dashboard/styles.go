package dashboard

import "github.com/charmbracelet/lipgloss"

var (
	colorPrimary = lipgloss.AdaptiveColor{Light: "#2F71F2", Dark: "#4A90FF"}
	colorSuccess = lipgloss.AdaptiveColor{Light: "#04B575", Dark: "#04B575"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#FFA500", Dark: "#FFA500"}
	colorError   = lipgloss.AdaptiveColor{Light: "#FF4672", Dark: "#FF4672"}
	colorDim     = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#666666"}

	styleTitle = lipgloss.NewStyle().
			Foreground(colorPrimary).
			Bold(true).
			MarginBottom(1)

	styleLabel   = lipgloss.NewStyle().Foreground(colorDim)
	styleSuccess = lipgloss.NewStyle().Foreground(colorSuccess)
	styleWarning = lipgloss.NewStyle().Foreground(colorWarning)
	styleError   = lipgloss.NewStyle().Foreground(colorError)
	styleHelpBar = lipgloss.NewStyle().Foreground(colorDim)
)
