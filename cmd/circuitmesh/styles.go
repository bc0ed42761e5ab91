package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6")
	secondaryColor = lipgloss.Color("#8BE9FD")
	accentColor    = lipgloss.Color("#50FA7B")
	warningColor   = lipgloss.Color("#FFB86C")
	dangerColor    = lipgloss.Color("#FF5555")
	mutedColor     = lipgloss.Color("#6272A4")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(16)

	valueStyle = lipgloss.NewStyle().Bold(true)

	okStyle      = lipgloss.NewStyle().Foreground(accentColor).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(warningColor).Bold(true)
	dangerStyle  = lipgloss.NewStyle().Foreground(dangerColor).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(secondaryColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().
					Foreground(lipgloss.Color("#ffffff")).
					Bold(true).
					Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...)
}

// field renders one "label value" line.
func field(label string, value any) string {
	return labelStyle.Render(label) + valueStyle.Render(fmt.Sprint(value))
}

func joinOr(items []string, empty string) string {
	if len(items) == 0 {
		return mutedStyle.Render(empty)
	}
	return strings.Join(items, ", ")
}
