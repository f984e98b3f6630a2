package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Summary aggregates the farm table and event counters for the header.
type Summary struct {
	Connected bool
	Farms     int
	Workers   int
	Queue     int
	Pending   int
	Resolved  int
	Rejected  int
	Retried   int
	Rate      float64
}

func summarize(farms []farmView) (s Summary) {
	for _, f := range farms {
		s.Farms++
		s.Workers += len(f.Workers)
		s.Queue += f.QueueLength
		s.Pending += f.PendingCalls
	}
	return s
}

func renderHeader(s Summary, spinner Spinner, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("CONNECTED")
	if !s.Connected {
		statusText = theme.StatusFailed.Render("CONNECTING")
	}

	lastEventStr := "never"
	if !spinner.LastEvent().IsZero() {
		lastEventStr = fmt.Sprintf("%s ago", now.Sub(spinner.LastEvent()).Round(time.Second))
	}

	titleText := " WORKFARM WATCH"
	clock := theme.Dim.Render(now.Format("15:04:05"))
	pad := max(1, innerWidth-lipgloss.Width(titleText)-lipgloss.Width(clock)-4)
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  Farms: %d  Workers: %d  Queue: %d  Pending: %d",
		statusText, s.Farms, s.Workers, s.Queue, s.Pending)

	callsLine := fmt.Sprintf(" Calls: %s resolved  %s rejected  %d retried  %.1f/s",
		theme.StatusOK.Render(fmt.Sprint(s.Resolved)),
		theme.StatusFailed.Render(fmt.Sprint(s.Rejected)),
		s.Retried, s.Rate)

	activityLine := fmt.Sprintf(" Last event: %s %s", lastEventStr, spinner.Render(theme))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, callsLine, activityLine)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
