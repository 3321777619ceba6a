// Package history persists the append-only transition log of a
// pipeline run: one timestamped JSONL record per gate, invocation, job,
// or pipeline transition, keyed by invocation id. The log is the audit
// trail for reconstructing why a pipeline halted.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kferreira/mdpilot/internal/event"
)

const FileName = "history.jsonl"

// Record is one persisted transition.
type Record struct {
	At           time.Time `json:"at"`
	Kind         string    `json:"kind"` // the event type, e.g. "gate.opened"
	InvocationID uint64    `json:"invocation_id,omitempty"`
	Capability   string    `json:"capability,omitempty"`
	Gate         string    `json:"gate,omitempty"`
	JobID        string    `json:"job_id,omitempty"`
	State        string    `json:"state,omitempty"`
	Status       string    `json:"status,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	Evidence     string    `json:"evidence,omitempty"`
}

// Recorder appends transition records to {workdir}/history.jsonl.
// Safe for concurrent use.
type Recorder struct {
	mu   sync.Mutex
	file *os.File
}

// NewRecorder opens (creating if needed) the history log in workdir.
func NewRecorder(workdir string) (*Recorder, error) {
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return nil, fmt.Errorf("create work directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(workdir, FileName),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open history log: %w", err)
	}
	return &Recorder{file: f}, nil
}

// Attach subscribes the recorder to every event on the bus and returns
// the subscription id.
func (r *Recorder) Attach(bus *event.Bus) uint64 {
	return bus.SubscribeAll(func(ev event.Event) {
		if err := r.Append(recordFrom(ev)); err != nil {
			// The audit trail is best-effort; a full disk must not
			// stop the pipeline.
			fmt.Fprintf(os.Stderr, "history append failed: %v\n", err)
		}
	})
}

// Append writes one record as a JSON line.
func (r *Recorder) Append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return fmt.Errorf("recorder is closed")
	}
	if _, err := r.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// Close closes the log file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func recordFrom(ev event.Event) Record {
	rec := Record{At: ev.Timestamp(), Kind: ev.EventType()}
	switch e := ev.(type) {
	case event.GateChangedEvent:
		rec.Gate = e.Gate
		rec.State = e.State
		rec.Evidence = e.Evidence
		rec.InvocationID = e.InvocationID
	case event.InvocationEvent:
		rec.InvocationID = e.InvocationID
		rec.Capability = e.Capability
		rec.Status = e.Status
		rec.Reason = e.Reason
		rec.Detail = e.Detail
	case event.JobEvent:
		rec.JobID = e.JobID
		rec.InvocationID = e.InvocationID
		rec.State = e.State
		rec.Detail = e.Detail
	case event.PipelineEvent:
		rec.Status = e.Signal
		rec.Reason = e.Reason
	}
	return rec
}

// Read loads every record from the workdir's history log in write
// order. A missing log reads as empty.
func Read(workdir string) ([]Record, error) {
	f, err := os.Open(filepath.Join(workdir, FileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open history log: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("history line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read history log: %w", err)
	}
	return records, nil
}
