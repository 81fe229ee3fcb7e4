// Package worker consumes reconciliation events and keeps running
// activity tallies for operators.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tesorero/internal/amqp"
)

// YearActivity summarizes the reconciliation traffic seen for one year.
type YearActivity struct {
	Events      int64
	NetCentavos int64
	ByOp        map[string]int64
	LastEventAt time.Time
}

// Monitor tallies consumed reconciliation events per year. It is a read
// model over the event stream; the books of record live in storage.
type Monitor struct {
	mu    sync.Mutex
	years map[int]*YearActivity
}

func NewMonitor() *Monitor {
	return &Monitor{years: make(map[int]*YearActivity)}
}

// HandleReconciled records one event. Matches the AMQP consumer handler
// signature; it never returns an error so events are always acked.
func (m *Monitor) HandleReconciled(msg *amqp.ReconciledMessage) error {
	m.mu.Lock()
	act, ok := m.years[msg.Year]
	if !ok {
		act = &YearActivity{ByOp: make(map[string]int64)}
		m.years[msg.Year] = act
	}
	act.Events++
	act.NetCentavos += msg.DeltaCentavos
	act.ByOp[msg.Op]++
	act.LastEventAt = msg.Timestamp
	m.mu.Unlock()

	slog.Info("Reconciliation event",
		"entry_id", msg.EntryID,
		"year", msg.Year,
		"op", msg.Op,
		"delta_centavos", msg.DeltaCentavos)
	return nil
}

// Activity returns a copy of the tally for a year.
func (m *Monitor) Activity(year int) (YearActivity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	act, ok := m.years[year]
	if !ok {
		return YearActivity{}, false
	}
	out := YearActivity{
		Events:      act.Events,
		NetCentavos: act.NetCentavos,
		ByOp:        make(map[string]int64, len(act.ByOp)),
		LastEventAt: act.LastEventAt,
	}
	for op, n := range act.ByOp {
		out.ByOp[op] = n
	}
	return out, true
}

// LogSummary emits one line per active year.
func (m *Monitor) LogSummary(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for year, act := range m.years {
		slog.InfoContext(ctx, "Reconciliation activity",
			"year", year,
			"events", act.Events,
			"net_centavos", act.NetCentavos,
			"last_event_at", act.LastEventAt)
	}
}
