package feedback

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Log is the append-only storage behind the Tracker.
type Log interface {
	// Append stores a record. It returns false when a record with the same
	// run and test id already exists.
	Append(ctx context.Context, record Record) (bool, error)
	// ListByTest returns at most limit records for a test newer than since,
	// newest first. A limit <= 0 means no limit.
	ListByTest(ctx context.Context, testID string, since time.Time, limit int) ([]Record, error)
	// ListSince returns every record newer than since, oldest first.
	ListSince(ctx context.Context, since time.Time) ([]Record, error)
}

// MemoryLog keeps records in process. Appends take a short lock; readers copy.
type MemoryLog struct {
	mu      sync.RWMutex
	records []Record
	keys    map[string]struct{}
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{keys: make(map[string]struct{})}
}

func (l *MemoryLog) Append(ctx context.Context, record Record) (bool, error) {
	if err := record.Validate(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.keys[record.Key()]; ok {
		return false, nil
	}
	l.keys[record.Key()] = struct{}{}
	l.records = append(l.records, record)
	return true, nil
}

func (l *MemoryLog) ListByTest(ctx context.Context, testID string, since time.Time, limit int) ([]Record, error) {
	l.mu.RLock()
	var matched []Record
	for _, record := range l.records {
		if record.TestID == testID && record.Timestamp.After(since) {
			matched = append(matched, record)
		}
	}
	l.mu.RUnlock()

	sortNewestFirst(matched)
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (l *MemoryLog) ListSince(ctx context.Context, since time.Time) ([]Record, error) {
	l.mu.RLock()
	var matched []Record
	for _, record := range l.records {
		if record.Timestamp.After(since) {
			matched = append(matched, record)
		}
	}
	l.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})
	return matched, nil
}

// Len returns the number of stored records.
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

func sortNewestFirst(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].Timestamp.After(records[j].Timestamp)
		}
		return records[i].RunID > records[j].RunID
	})
}
