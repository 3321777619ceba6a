// Package memory is the boundary to the corrective-memory collaborator:
// a store of human corrections recalled by similarity before risky
// invocations. The orchestration core only depends on the Recaller
// interface; the bundled SQLite store is a simple default, not a
// similarity engine.
package memory

import (
	"context"
	"time"
)

// Correction is one human-supplied amendment to prior behavior.
// Write-once; read back via recall only.
type Correction struct {
	ID           string    `json:"id"`
	Content      string    `json:"content"`
	Capability   string    `json:"capability"`
	GateSnapshot string    `json:"gate_snapshot"`
	CreatedAt    time.Time `json:"created_at"`
}

// Query describes the situation corrections should be recalled for.
type Query struct {
	// Capability is the operation about to be proposed.
	Capability string

	// GateSnapshot is a textual rendering of the current gate states.
	GateSnapshot string

	// Limit caps how many corrections are returned; zero means a
	// store-chosen default.
	Limit int
}

// Recaller is the external collaborator interface.
type Recaller interface {
	// Recall returns prior corrections ordered by relevance, most
	// relevant first.
	Recall(ctx context.Context, q Query) ([]Correction, error)

	// Store persists one correction.
	Store(ctx context.Context, c Correction) error
}

// NopRecaller recalls nothing and stores nowhere. Used when no memory
// store is configured.
type NopRecaller struct{}

// Recall always returns an empty list.
func (NopRecaller) Recall(ctx context.Context, q Query) ([]Correction, error) {
	return nil, nil
}

// Store discards the correction.
func (NopRecaller) Store(ctx context.Context, c Correction) error {
	return nil
}
