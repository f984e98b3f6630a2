package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/workfarm/internal/events"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Local().Format("15:04:05"))
	kind := kindStyle(e, theme).Render(fmt.Sprintf("%-26s", e.Kind))
	return fmt.Sprintf("%s %s %s", ts, kind, describeEvent(e))
}

func kindStyle(e events.Event, theme Theme) lipgloss.Style {
	switch e.Kind {
	case events.CallSettled:
		if e.Outcome == events.OutcomeRejected {
			return theme.StatusFailed
		}
		return theme.StatusOK
	case events.WorkerError, events.WorkerModuleLoadFailed, events.FarmKilled:
		return theme.StatusFailed
	case events.CallRetried, events.WorkerTTLExceeded, events.WorkerIdleExceeded:
		return theme.Highlight
	case events.CallDispatched, events.WorkerSpawned, events.WorkerModuleLoaded:
		return theme.StatusRunning
	default:
		return theme.Dim
	}
}

func describeEvent(e events.Event) string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", shortID(e.FarmID)))
	if e.WorkerID != 0 {
		parts = append(parts, fmt.Sprintf("w%d", e.WorkerID))
	}
	if e.CallID != 0 {
		parts = append(parts, fmt.Sprintf("#%d", e.CallID))
	}
	if e.Method != "" {
		parts = append(parts, e.Method)
	}
	if e.Retries > 0 {
		parts = append(parts, fmt.Sprintf("retries=%d", e.Retries))
	}
	if e.Duration > 0 {
		parts = append(parts, e.Duration.Round(time.Millisecond).String())
	}
	if e.Kind == events.WorkerExit {
		if e.Signal != "" {
			parts = append(parts, "signal="+e.Signal)
		} else {
			parts = append(parts, fmt.Sprintf("code=%d", e.ExitCode))
		}
	}
	if e.Err != "" {
		msg := e.Err
		if len(msg) > 60 {
			msg = msg[:60] + "..."
		}
		parts = append(parts, msg)
	}
	return strings.Join(parts, " ")
}
