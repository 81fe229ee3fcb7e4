package worker

import (
	"testing"
	"time"

	"tesorero/internal/amqp"
)

func TestMonitorTallies(t *testing.T) {
	m := NewMonitor()

	events := []*amqp.ReconciledMessage{
		{EntryID: 1, Year: 2026, Op: "create", DeltaCentavos: 20000, Timestamp: time.Now()},
		{EntryID: 1, Year: 2026, Op: "update", DeltaCentavos: -5000, Timestamp: time.Now()},
		{EntryID: 2, Year: 2026, Op: "create", DeltaCentavos: 10000, Timestamp: time.Now()},
		{EntryID: 3, Year: 2025, Op: "archive", DeltaCentavos: -7500, Timestamp: time.Now()},
	}
	for _, ev := range events {
		if err := m.HandleReconciled(ev); err != nil {
			t.Fatalf("HandleReconciled: %v", err)
		}
	}

	act, ok := m.Activity(2026)
	if !ok {
		t.Fatal("no activity recorded for 2026")
	}
	if act.Events != 3 {
		t.Errorf("events = %d, want 3", act.Events)
	}
	if act.NetCentavos != 25000 {
		t.Errorf("net centavos = %d, want 25000", act.NetCentavos)
	}
	if act.ByOp["create"] != 2 || act.ByOp["update"] != 1 {
		t.Errorf("by op = %v", act.ByOp)
	}

	prev, ok := m.Activity(2025)
	if !ok || prev.NetCentavos != -7500 {
		t.Errorf("2025 activity = %+v, ok = %v", prev, ok)
	}

	if _, ok := m.Activity(2024); ok {
		t.Error("unexpected activity for untouched year")
	}
}

func TestMonitorActivityIsCopy(t *testing.T) {
	m := NewMonitor()
	_ = m.HandleReconciled(&amqp.ReconciledMessage{EntryID: 1, Year: 2026, Op: "create", DeltaCentavos: 100})

	act, _ := m.Activity(2026)
	act.ByOp["create"] = 99

	fresh, _ := m.Activity(2026)
	if fresh.ByOp["create"] != 1 {
		t.Errorf("internal tally mutated through returned copy: %v", fresh.ByOp)
	}
}
