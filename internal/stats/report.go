package stats

import (
	"fmt"
	"time"

	"github.com/jpillora/sizestr"
)

type Report struct {
	Generated time.Time     `json:"generated"`
	Workers   []WorkerStats `json:"workers"`
	Sessions  []Session     `json:"sessions"`
}

// Totals folds every worker into one line.
func (r Report) Totals() WorkerStats {
	var t WorkerStats
	t.Worker = -1
	for _, w := range r.Workers {
		t.Active += w.Active
		t.Accepted += w.Accepted
		t.Tunnels += w.Tunnels
		t.Sent += w.Sent
		t.Recv += w.Recv
		t.Errors += w.Errors
	}
	return t
}

func formatCounters(w WorkerStats) string {
	return fmt.Sprintf("active=%d accepted=%d tunnels=%d sent=%s recv=%s errors=%d",
		w.Active, w.Accepted, w.Tunnels, sizestr.ToString(w.Sent), sizestr.ToString(w.Recv), w.Errors)
}

// Lines renders the report for the control invocation. detailed adds one line per open tunnel.
func (r Report) Lines(detailed bool) []string {
	lines := []string{"total " + formatCounters(r.Totals())}
	for _, w := range r.Workers {
		label := fmt.Sprintf("worker %d", w.Worker)
		if w.Instance != "" {
			label = fmt.Sprintf("worker %s/%d", w.Instance, w.Worker)
		}
		lines = append(lines, label+" "+formatCounters(w))
	}
	if !detailed {
		return lines
	}
	lines = append(lines, fmt.Sprintf("sessions %d", len(r.Sessions)))
	for _, s := range r.Sessions {
		age := r.Generated.Sub(s.Started).Truncate(time.Second)
		lines = append(lines, fmt.Sprintf("session %s worker=%d %s -> %s age=%s sent=%s recv=%s",
			s.ID, s.Worker, s.Source, s.Target, age, sizestr.ToString(s.Sent), sizestr.ToString(s.Recv)))
	}
	return lines
}
