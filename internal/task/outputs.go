package task

import (
	"encoding/json"
	"sync"
	"time"
)

// OutputRecord is one timestamped chunk of agent output or a structured
// phase event written by the process manager.
type OutputRecord struct {
	Phase     Phase     `json:"phase"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// OutputLog is an append-only, size-bounded ordered sequence of output
// records. When the bound is reached the oldest entries are evicted first,
// so long-running agent sessions cannot grow memory without limit.
// It is safe for concurrent use.
type OutputLog struct {
	mu      sync.RWMutex
	records []OutputRecord
	cap     int
	evicted int
}

// DefaultOutputCap bounds each task's retained output records.
const DefaultOutputCap = 1000

// NewOutputLog creates an output log bounded to capacity records.
// A non-positive capacity falls back to DefaultOutputCap.
func NewOutputLog(capacity int) *OutputLog {
	if capacity <= 0 {
		capacity = DefaultOutputCap
	}
	return &OutputLog{
		records: make([]OutputRecord, 0, capacity),
		cap:     capacity,
	}
}

// Append adds a record, evicting the oldest entry if the log is full.
func (l *OutputLog) Append(rec OutputRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	if len(l.records) == l.cap {
		copy(l.records, l.records[1:])
		l.records[len(l.records)-1] = rec
		l.evicted++
		return
	}
	l.records = append(l.records, rec)
}

// Records returns a copy of the retained records in append order.
func (l *OutputLog) Records() []OutputRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]OutputRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Len returns the number of retained records.
func (l *OutputLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Evicted returns how many records have been dropped to honor the bound.
func (l *OutputLog) Evicted() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.evicted
}

// Clone returns a deep copy of the log.
func (l *OutputLog) Clone() *OutputLog {
	l.mu.RLock()
	defer l.mu.RUnlock()

	cp := &OutputLog{
		records: make([]OutputRecord, len(l.records), l.cap),
		cap:     l.cap,
		evicted: l.evicted,
	}
	copy(cp.records, l.records)
	return cp
}

// MarshalJSON serializes the retained records. The bound itself is
// configuration, not state, and is restored from config on load.
func (l *OutputLog) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Records())
}

// UnmarshalJSON restores records from a persisted snapshot, re-applying the
// default bound. Snapshots never contain more records than the bound allows.
func (l *OutputLog) UnmarshalJSON(data []byte) error {
	var records []OutputRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cap == 0 {
		l.cap = DefaultOutputCap
	}
	if len(records) > l.cap {
		records = records[len(records)-l.cap:]
	}
	l.records = records
	return nil
}
