package gate

import (
	"fmt"
	"sync"
	"testing"

	"github.com/kferreira/mdpilot/internal/event"
)

func TestUnknownGateReadsUnset(t *testing.T) {
	l := NewLedger(nil)

	if got := l.StateOf("never_mentioned"); got != StateUnset {
		t.Errorf("StateOf = %s, want unset", got)
	}
	st := l.StatusOf("never_mentioned")
	if st.Name != "never_mentioned" || st.State != StateUnset {
		t.Errorf("StatusOf = %+v, want unset status", st)
	}
}

func TestOpenAndBlock(t *testing.T) {
	l := NewLedger(nil)

	l.Open("structure_ready", "downloaded 1ubq.pdb", 1)
	if got := l.StateOf("structure_ready"); got != StateOpen {
		t.Fatalf("state after Open = %s, want open", got)
	}

	l.Block("structure_validated", "3 missing residues", 2)
	if got := l.StateOf("structure_validated"); got != StateBlocked {
		t.Fatalf("state after Block = %s, want blocked", got)
	}

	st := l.StatusOf("structure_ready")
	if st.Evidence != "downloaded 1ubq.pdb" || st.InvocationID != 1 {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestReopenOverwritesEvidence(t *testing.T) {
	l := NewLedger(nil)

	l.Open("forcefield_validated", "amber14 parameters complete", 3)
	l.Open("forcefield_validated", "re-checked after cleaning", 5)

	st := l.StatusOf("forcefield_validated")
	if st.State != StateOpen {
		t.Fatalf("state = %s, want open", st.State)
	}
	if st.Evidence != "re-checked after cleaning" {
		t.Errorf("evidence = %q, want overwrite", st.Evidence)
	}
	if st.InvocationID != 5 {
		t.Errorf("invocation id = %d, want 5", st.InvocationID)
	}
}

func TestOnceOpenNeverUnset(t *testing.T) {
	l := NewLedger(nil)

	l.Open("g1", "ok", 1)
	l.Block("g1", "re-validation failed", 2)

	if got := l.StateOf("g1"); got != StateBlocked {
		t.Fatalf("state = %s, want blocked", got)
	}
	for _, tr := range l.History() {
		if tr.To == StateUnset {
			t.Errorf("history contains transition back to unset: %+v", tr)
		}
	}
}

func TestAllOpenAndUnmet(t *testing.T) {
	l := NewLedger(nil)
	l.Open("g1", "ok", 1)
	l.Block("g2", "bad", 2)

	if !l.AllOpen([]string{"g1"}) {
		t.Error("AllOpen([g1]) = false, want true")
	}
	if l.AllOpen([]string{"g1", "g2"}) {
		t.Error("AllOpen([g1 g2]) = true, want false")
	}
	if l.AllOpen([]string{"g1", "g3"}) {
		t.Error("AllOpen with unset gate = true, want false")
	}

	unmet := l.Unmet([]string{"g1", "g2", "g3"})
	if len(unmet) != 2 || unmet[0] != "g2" || unmet[1] != "g3" {
		t.Errorf("Unmet = %v, want [g2 g3]", unmet)
	}
	if l.AllOpen(nil) != true {
		t.Error("AllOpen(nil) = false, want true")
	}
}

func TestHistoryIsAppendOnlyAndOrdered(t *testing.T) {
	l := NewLedger(nil)

	l.Open("g1", "first", 1)
	l.Open("g1", "second", 2)
	l.Block("g1", "third", 3)

	hist := l.History()
	if len(hist) != 3 {
		t.Fatalf("history length = %d, want 3", len(hist))
	}
	if hist[0].From != StateUnset || hist[0].To != StateOpen {
		t.Errorf("first transition = %+v", hist[0])
	}
	if hist[1].From != StateOpen || hist[1].To != StateOpen {
		t.Errorf("second transition = %+v", hist[1])
	}
	if hist[2].From != StateOpen || hist[2].To != StateBlocked {
		t.Errorf("third transition = %+v", hist[2])
	}
}

func TestSnapshotSorted(t *testing.T) {
	l := NewLedger(nil)
	l.Open("simulation_complete", "trajectory written", 4)
	l.Open("structure_ready", "fetched", 1)
	l.Block("analysis_complete", "rmsd plot failed", 5)

	snap := l.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot length = %d, want 3", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i-1].Name > snap[i].Name {
			t.Errorf("snapshot not sorted: %s before %s", snap[i-1].Name, snap[i].Name)
		}
	}
}

func TestTransitionsPublishEvents(t *testing.T) {
	bus := event.NewBus()
	var got []event.Event
	bus.SubscribeAll(func(ev event.Event) { got = append(got, ev) })

	l := NewLedger(bus)
	l.Open("g1", "ok", 1)
	l.Block("g2", "bad", 2)

	if len(got) != 2 {
		t.Fatalf("published %d events, want 2", len(got))
	}
	if got[0].EventType() != "gate.opened" {
		t.Errorf("first event = %s, want gate.opened", got[0].EventType())
	}
	if got[1].EventType() != "gate.blocked" {
		t.Errorf("second event = %s, want gate.blocked", got[1].EventType())
	}
}

func TestConcurrentWritersDistinctGates(t *testing.T) {
	l := NewLedger(nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			name := fmt.Sprintf("g%d", n)
			l.Open(name, "ok", uint64(n))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("g%d", i)
		if got := l.StateOf(name); got != StateOpen {
			t.Errorf("gate %s = %s, want open", name, got)
		}
	}
	if len(l.History()) != 20 {
		t.Errorf("history length = %d, want 20", len(l.History()))
	}
}

func TestConcurrentWritersSameGateSerialized(t *testing.T) {
	l := NewLedger(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n uint64) {
			defer wg.Done()
			l.Open("g1", "contended", n)
		}(uint64(i))
	}
	wg.Wait()

	if got := l.StateOf("g1"); got != StateOpen {
		t.Fatalf("state = %s, want open", got)
	}
	if len(l.History()) != 50 {
		t.Errorf("history length = %d, want 50 serialized transitions", len(l.History()))
	}
}
