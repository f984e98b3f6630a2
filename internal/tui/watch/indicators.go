package watch

import (
	"strings"
	"time"
)

// Spinner shows event activity with a decaying dot pattern.
// Lights up on events, fades over time.
type Spinner struct {
	dots      int
	lastEvent time.Time
}

func (s *Spinner) OnEvent(at time.Time) {
	s.dots = 5
	s.lastEvent = at
}

// Decay drops one dot for every two seconds without an event.
func (s *Spinner) Decay(now time.Time) {
	if s.dots == 0 {
		return
	}
	s.dots = max(0, 5-int(now.Sub(s.lastEvent)/(2*time.Second)))
}

func (s Spinner) Render(theme Theme) string {
	var result strings.Builder
	for i := range 5 {
		if i < s.dots {
			result.WriteString(theme.TickerActive.Render("●"))
		} else {
			result.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return result.String()
}

func (s Spinner) LastEvent() time.Time {
	return s.lastEvent
}

// Throughput counts settled calls over a sliding window.
type Throughput struct {
	window time.Duration
	stamps []time.Time
}

func NewThroughput(window time.Duration) Throughput {
	return Throughput{window: window}
}

func (t *Throughput) Add(at time.Time) {
	t.stamps = append(t.stamps, at)
}

// Rate returns settled calls per second over the window ending at now.
func (t *Throughput) Rate(now time.Time) float64 {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.stamps) && t.stamps[i].Before(cutoff) {
		i++
	}
	t.stamps = t.stamps[i:]
	return float64(len(t.stamps)) / t.window.Seconds()
}
