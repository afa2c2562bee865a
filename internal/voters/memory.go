package voters

import (
	"context"
	"sync"
)

// MemorySource serves records held in memory. It backs tests and local demos.
type MemorySource struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemorySource(records []Record) *MemorySource {
	return &MemorySource{records: records}
}

// Replace swaps the dataset; readers opened earlier keep their snapshot.
func (s *MemorySource) Replace(records []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
}

func (s *MemorySource) Open(_ context.Context) (Reader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make([]Record, len(s.records))
	copy(snap, s.records)
	return &memReader{records: snap}, nil
}

type memReader struct {
	records []Record
}

func (r *memReader) Count(ctx context.Context, q Query) (int64, error) {
	var n int64
	for _, rec := range r.records {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if q.Match(rec) {
			n++
		}
	}
	return n, nil
}

func (r *memReader) Stream(ctx context.Context, q Query, fn func(Row) error) error {
	cols := q.Columns()
	for _, rec := range r.records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !q.Match(rec) {
			continue
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[i] = rec[c.Key]
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

func (r *memReader) Close(context.Context) error { return nil }
