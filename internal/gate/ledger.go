// Package gate implements the ledger of named pipeline preconditions.
//
// Every gate starts unset and advances to open or blocked only as the
// declared side effect of a completed invocation. A gate never returns
// to unset within a run. Blocking a gate does not cascade to gates
// opened downstream of it; an executor that intends that effect must
// declare and block each downstream gate itself.
package gate

import (
	"sort"
	"sync"
	"time"

	"github.com/kferreira/mdpilot/internal/event"
)

// State is the current condition of a gate.
type State string

const (
	// StateUnset means the gate has never been touched this run.
	StateUnset State = "unset"

	// StateOpen means the precondition holds.
	StateOpen State = "open"

	// StateBlocked means the precondition was checked and found not to
	// hold.
	StateBlocked State = "blocked"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// Status is a point-in-time view of one gate.
type Status struct {
	Name         string    `json:"name"`
	State        State     `json:"state"`
	Evidence     string    `json:"evidence,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
	InvocationID uint64    `json:"invocation_id,omitempty"`
}

// Transition is one append-only history record of a gate change.
type Transition struct {
	Gate         string    `json:"gate"`
	From         State     `json:"from"`
	To           State     `json:"to"`
	Evidence     string    `json:"evidence"`
	InvocationID uint64    `json:"invocation_id"`
	At           time.Time `json:"at"`
}

// entry carries one gate's status behind its own mutex so writers to
// different gates never contend.
type entry struct {
	mu     sync.Mutex
	status Status
}

// Ledger is the single authoritative store of gate state. All methods
// are safe for concurrent use; writes to the same gate are serialized
// and the later timestamp wins.
type Ledger struct {
	mu    sync.RWMutex // guards the gates map
	gates map[string]*entry

	histMu  sync.Mutex
	history []Transition

	bus *event.Bus // may be nil
}

// NewLedger creates an empty ledger. The bus may be nil; when set,
// every transition publishes a GateChangedEvent.
func NewLedger(bus *event.Bus) *Ledger {
	return &Ledger{
		gates: make(map[string]*entry),
		bus:   bus,
	}
}

// Open transitions the gate to open with the given evidence. Opening an
// already-open gate overwrites the evidence; this is not an error.
func (l *Ledger) Open(name, evidence string, invocationID uint64) {
	l.transition(name, StateOpen, evidence, invocationID)
}

// Block transitions the gate to blocked. Blocking a never-opened gate
// is a valid transition from unset.
func (l *Ledger) Block(name, evidence string, invocationID uint64) {
	l.transition(name, StateBlocked, evidence, invocationID)
}

func (l *Ledger) transition(name string, to State, evidence string, invocationID uint64) {
	e := l.entryFor(name)

	e.mu.Lock()
	from := e.status.State
	e.status.State = to
	e.status.Evidence = evidence
	e.status.InvocationID = invocationID
	e.status.UpdatedAt = time.Now()
	at := e.status.UpdatedAt
	e.mu.Unlock()

	l.histMu.Lock()
	l.history = append(l.history, Transition{
		Gate:         name,
		From:         from,
		To:           to,
		Evidence:     evidence,
		InvocationID: invocationID,
		At:           at,
	})
	l.histMu.Unlock()

	// Publish outside the entry lock so handlers can read the ledger.
	if l.bus != nil {
		if to == StateOpen {
			l.bus.Publish(event.NewGateOpenedEvent(name, evidence, invocationID))
		} else {
			l.bus.Publish(event.NewGateBlockedEvent(name, evidence, invocationID))
		}
	}
}

func (l *Ledger) entryFor(name string) *entry {
	l.mu.RLock()
	e, ok := l.gates[name]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.gates[name]; ok {
		return e
	}
	e = &entry{status: Status{Name: name, State: StateUnset}}
	l.gates[name] = e
	return e
}

// StateOf returns the gate's state. Unknown names read as unset; reads
// never fail.
func (l *Ledger) StateOf(name string) State {
	l.mu.RLock()
	e, ok := l.gates[name]
	l.mu.RUnlock()
	if !ok {
		return StateUnset
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status.State
}

// StatusOf returns the full status of a gate. Unknown names return an
// unset status carrying only the name.
func (l *Ledger) StatusOf(name string) Status {
	l.mu.RLock()
	e, ok := l.gates[name]
	l.mu.RUnlock()
	if !ok {
		return Status{Name: name, State: StateUnset}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// AllOpen reports whether every named gate is open.
func (l *Ledger) AllOpen(names []string) bool {
	return len(l.Unmet(names)) == 0
}

// Unmet returns the subset of names whose gates are not open, in the
// order given.
func (l *Ledger) Unmet(names []string) []string {
	var unmet []string
	for _, name := range names {
		if l.StateOf(name) != StateOpen {
			unmet = append(unmet, name)
		}
	}
	return unmet
}

// Snapshot returns the status of every known gate, sorted by name.
func (l *Ledger) Snapshot() []Status {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.gates))
	for _, e := range l.gates {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	statuses := make([]Status, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		statuses = append(statuses, e.status)
		e.mu.Unlock()
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// History returns a copy of the append-only transition log in
// occurrence order.
func (l *Ledger) History() []Transition {
	l.histMu.Lock()
	defer l.histMu.Unlock()

	out := make([]Transition, len(l.history))
	copy(out, l.history)
	return out
}
