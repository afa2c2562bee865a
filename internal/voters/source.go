package voters

import "context"

// Record is one voter keyed by registry column key.
type Record map[string]any

// Row holds projected values in manifest order.
type Row []any

// Query is a compiled filter and projection that a Source can execute.
type Query interface {
	Columns() []Column
	SelectSQL(table string) (string, []any)
	CountSQL(table string) (string, []any)
	Match(rec Record) bool
}

// Source opens consistent read views over voter records.
type Source interface {
	Open(ctx context.Context) (Reader, error)
}

// Reader is a single consistent view: Count and Stream observe the same data.
type Reader interface {
	Count(ctx context.Context, q Query) (int64, error)
	// Stream calls fn for every matching row in source order, stopping at the first error.
	Stream(ctx context.Context, q Query, fn func(Row) error) error
	Close(ctx context.Context) error
}
