package cli

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/etsy/jenkins-master-project/pkg/model"
)

var (
	colorSuccess = lipgloss.Color("2")
	colorWarning = lipgloss.Color("3")
	colorError   = lipgloss.Color("1")
	colorRunning = lipgloss.Color("4")
	colorPending = lipgloss.Color("8")

	headerStyle = lipgloss.NewStyle().Bold(true)
)

// resultStyle returns the styling for a result or state.
func resultStyle(s string) lipgloss.Style {
	switch s {
	case string(model.ResultSuccess), string(model.MasterBuildStateCompleted):
		return lipgloss.NewStyle().Foreground(colorSuccess)
	case string(model.ResultUnstable):
		return lipgloss.NewStyle().Foreground(colorWarning)
	case string(model.ResultFailure), string(model.ResultAborted), string(model.MasterBuildStateCancelled):
		return lipgloss.NewStyle().Foreground(colorError)
	case string(model.MasterBuildStateRunning), "running":
		return lipgloss.NewStyle().Foreground(colorRunning)
	default:
		return lipgloss.NewStyle().Foreground(colorPending)
	}
}

func renderResult[T ~string](s T) string {
	return resultStyle(string(s)).Render(string(s))
}
