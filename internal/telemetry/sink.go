package telemetry

import "sync"

// MemorySink keeps everything in memory. It backs tests and the dev mode
// when no database is configured.
type MemorySink struct {
	mu       sync.Mutex
	records  []Record
	failures []FailureEvent
	runs     map[string]int
	Err      error
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{runs: make(map[string]int)}
}

// InsertCycleRecords implements Sink.
func (m *MemorySink) InsertCycleRecords(runID string, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.records = append(m.records, records...)
	m.runs[runID] += len(records)
	return nil
}

// InsertFailureEvent implements Sink.
func (m *MemorySink) InsertFailureEvent(runID string, event FailureEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.failures = append(m.failures, event)
	return nil
}

// Records returns a copy of the stored records.
func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

// Failures returns a copy of the stored failure events.
func (m *MemorySink) Failures() []FailureEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FailureEvent(nil), m.failures...)
}

// RecordCount returns how many records were written for runID.
func (m *MemorySink) RecordCount(runID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[runID]
}
