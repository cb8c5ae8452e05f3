package repository

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type stubTx struct {
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	copyFunc     func(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	batchFunc    func(ctx context.Context, b *pgx.Batch) pgx.BatchResults

	committed  bool
	rolledBack bool
}

func (s *stubTx) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, errors.New("nested tx not implemented")
}

func (s *stubTx) Commit(ctx context.Context) error {
	s.committed = true
	return nil
}

func (s *stubTx) Rollback(ctx context.Context) error {
	s.rolledBack = true
	return nil
}

func (s *stubTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	if s.copyFunc == nil {
		return 0, errors.New("copy not implemented")
	}
	return s.copyFunc(ctx, tableName, columnNames, rowSrc)
}

func (s *stubTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	if s.batchFunc == nil {
		return &stubBatchResults{err: errors.New("batch not implemented")}
	}
	return s.batchFunc(ctx, b)
}

func (s *stubTx) LargeObjects() pgx.LargeObjects {
	return pgx.LargeObjects{}
}

func (s *stubTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("prepare not implemented")
}

func (s *stubTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if s.execFunc == nil {
		return pgconn.CommandTag{}, nil
	}
	return s.execFunc(ctx, sql, arguments...)
}

func (s *stubTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if s.queryFunc == nil {
		return nil, errors.New("query not implemented")
	}
	return s.queryFunc(ctx, sql, args...)
}

func (s *stubTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if s.queryRowFunc == nil {
		return stubRow{scan: func(dest ...any) error { return errors.New("query row not implemented") }}
	}
	return s.queryRowFunc(ctx, sql, args...)
}

func (s *stubTx) Conn() *pgx.Conn { return nil }

// stubDB serves autocommit statements from its own stubTx and hands the same
// stub out from Begin.
type stubDB struct {
	*stubTx
	beginErr error
	begins   int
}

func (d *stubDB) Begin(ctx context.Context) (pgx.Tx, error) {
	d.begins++
	if d.beginErr != nil {
		return nil, d.beginErr
	}
	return d.stubTx, nil
}

type stubRows struct {
	data [][]any
	idx  int
	err  error
}

func (r *stubRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *stubRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.data) {
		return errors.New("no current row to scan")
	}
	return assign(dest, r.data[r.idx-1])
}

func (r *stubRows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.data) {
		return nil, errors.New("no current row")
	}
	return r.data[r.idx-1], nil
}

func (r *stubRows) RawValues() [][]byte { return nil }
func (r *stubRows) Err() error          { return r.err }
func (r *stubRows) Close()              {}
func (r *stubRows) CommandTag() pgconn.CommandTag {
	return pgconn.CommandTag{}
}
func (r *stubRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *stubRows) Conn() *pgx.Conn                              { return nil }

type stubRow struct {
	scan func(dest ...any) error
}

func (r stubRow) Scan(dest ...any) error {
	if r.scan == nil {
		return errors.New("scan not implemented")
	}
	return r.scan(dest...)
}

func rowOf(values ...any) stubRow {
	return stubRow{scan: func(dest ...any) error { return assign(dest, values) }}
}

type stubBatchResults struct {
	execErrs []error
	calls    int
	err      error
	closed   bool
}

func (b *stubBatchResults) Exec() (pgconn.CommandTag, error) {
	if b.err != nil {
		return pgconn.CommandTag{}, b.err
	}
	defer func() { b.calls++ }()
	if b.calls < len(b.execErrs) && b.execErrs[b.calls] != nil {
		return pgconn.CommandTag{}, b.execErrs[b.calls]
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (b *stubBatchResults) Query() (pgx.Rows, error) {
	return nil, errors.New("batch query not implemented")
}

func (b *stubBatchResults) QueryRow() pgx.Row {
	return stubRow{}
}

func (b *stubBatchResults) Close() error {
	b.closed = true
	return nil
}

// assign copies values into scan targets; a nil value zeroes the target.
func assign(dest []any, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("destination length %d does not match row length %d", len(dest), len(values))
	}
	for i, target := range dest {
		slot := reflect.ValueOf(target).Elem()
		if values[i] == nil {
			slot.Set(reflect.Zero(slot.Type()))
			continue
		}
		value := reflect.ValueOf(values[i])
		if !value.Type().AssignableTo(slot.Type()) {
			return fmt.Errorf("column %d: cannot assign %T to %s", i, values[i], slot.Type())
		}
		slot.Set(value)
	}
	return nil
}
