package voters

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSource reads voters from a Postgres table.
type PostgresSource struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresSource binds a source to table, which may be schema-qualified.
func NewPostgresSource(pool *pgxpool.Pool, table string) *PostgresSource {
	return &PostgresSource{
		pool:  pool,
		table: pgx.Identifier(strings.Split(table, ".")).Sanitize(),
	}
}

// Open starts a read-only repeatable-read transaction so the count and the
// stream see one snapshot.
func (s *PostgresSource) Open(ctx context.Context) (Reader, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	return &pgReader{tx: tx, table: s.table}, nil
}

type pgReader struct {
	tx    pgx.Tx
	table string
}

func (r *pgReader) Count(ctx context.Context, q Query) (int64, error) {
	sql, args := q.CountSQL(r.table)
	var n int64
	if err := r.tx.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count voters: %w", err)
	}
	return n, nil
}

func (r *pgReader) Stream(ctx context.Context, q Query, fn func(Row) error) error {
	sql, args := q.SelectSQL(r.table)
	rows, err := r.tx.Query(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("query voters: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return fmt.Errorf("decode voter row: %w", err)
		}
		if err := fn(Row(vals)); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read voters: %w", err)
	}
	return nil
}

func (r *pgReader) Close(ctx context.Context) error {
	// Read-only: rollback just releases the snapshot.
	return r.tx.Rollback(ctx)
}
