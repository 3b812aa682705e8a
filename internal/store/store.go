// Package store defines the persistence sink the session manager appends
// conversation records to. Persistence itself is an external collaborator;
// the core only writes, best-effort, and never couples a state transition to
// a successful append.
package store

import (
	"encoding/json"
	"sync"
	"time"
)

// Record is one persisted conversation entry.
type Record struct {
	ProjectID string          `json:"projectId"`
	SessionID string          `json:"sessionId"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	At        time.Time       `json:"at"`
}

// Recorder is the write-only persistence interface consumed by the core.
type Recorder interface {
	Append(rec Record) error
}

// MemoryRecorder keeps records in memory, ordered per (project, session).
// It backs the default server wiring and the tests.
type MemoryRecorder struct {
	mu   sync.Mutex
	recs []Record
}

// NewMemoryRecorder creates an empty in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

// Append stores the record.
func (m *MemoryRecorder) Append(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

// Records returns a snapshot of all appended records, in append order.
func (m *MemoryRecorder) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.recs))
	copy(out, m.recs)
	return out
}

// BySession filters the snapshot to one session's records.
func (m *MemoryRecorder) BySession(sessionID string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.recs {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out
}
