package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

// workerRef identifies the worker behind a table row.
type workerRef struct {
	farmID   string
	workerID int
}

func newWorkerTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Farm", Width: 10},
			{Title: "Worker", Width: 7},
			{Title: "PID", Width: 8},
			{Title: "State", Width: 10},
			{Title: "Pending", Width: 8},
			{Title: "TTL", Width: 6},
			{Title: "Age", Width: 9},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// workerRows flattens farms into table rows and the refs they point at.
func workerRows(farms []farmView, now time.Time) ([]table.Row, []workerRef) {
	var (
		rows []table.Row
		refs []workerRef
	)
	for _, f := range farms {
		for _, w := range f.Workers {
			ttl := "∞"
			if w.TTL >= 0 {
				ttl = fmt.Sprint(w.TTL)
			}
			rows = append(rows, table.Row{
				shortID(f.FarmID),
				fmt.Sprint(w.ID),
				fmt.Sprint(w.Pid),
				w.State,
				fmt.Sprint(w.PendingCalls),
				ttl,
				formatDuration(now.Sub(w.SpawnedAt)),
			})
			refs = append(refs, workerRef{farmID: f.FarmID, workerID: w.ID})
		}
	}
	return rows, refs
}

func renderWorkers(t table.Model, theme Theme, width int) string {
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("WORKERS"),
		t.View(),
	)
	return theme.Border.Width(width - 4).Render(content)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
