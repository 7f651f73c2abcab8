package store_test

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeDB records statements and answers them through handler funcs. Rows
// inserted inside a transaction become visible only on commit.
type fakeDB struct {
	mu sync.Mutex

	execs    []string
	execErr  error
	beginErr error
	begins   int

	onQueryRow func(sql string, args []any) pgx.Row
	onQuery    func(sql string, args []any) (pgx.Rows, error)
	onCommit   func()
	onRollback func()

	txs []*fakeTx
}

func (db *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.begins++
	if db.beginErr != nil {
		return nil, db.beginErr
	}
	tx := &fakeTx{db: db}
	db.txs = append(db.txs, tx)
	return tx, nil
}

func (db *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.execs = append(db.execs, sql)
	if db.execErr != nil {
		return pgconn.CommandTag{}, db.execErr
	}
	return pgconn.NewCommandTag("DELETE 3"), nil
}

func (db *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if db.onQuery == nil {
		return &fakeRows{}, nil
	}
	return db.onQuery(sql, args)
}

func (db *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if db.onQueryRow == nil {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return db.onQueryRow(sql, args)
}

func (db *fakeDB) lastTx() *fakeTx {
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.txs) == 0 {
		return nil
	}
	return db.txs[len(db.txs)-1]
}

type fakeTx struct {
	pgx.Tx
	db         *fakeDB
	commitErr  error
	committed  bool
	rolledBack bool
}

func (tx *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return tx.db.QueryRow(ctx, sql, args...)
}

func (tx *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return tx.db.Query(ctx, sql, args...)
}

func (tx *fakeTx) Commit(ctx context.Context) error {
	if tx.commitErr != nil {
		return tx.commitErr
	}
	tx.committed = true
	if tx.db.onCommit != nil {
		tx.db.onCommit()
	}
	return nil
}

func (tx *fakeTx) Rollback(ctx context.Context) error {
	if tx.committed {
		return pgx.ErrTxClosed
	}
	tx.rolledBack = true
	if tx.db.onRollback != nil {
		tx.db.onRollback()
	}
	return nil
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.values)
}

type fakeRows struct {
	pgx.Rows
	rows [][]any
	pos  int
	err  error
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	return assign(dest, r.rows[r.pos-1])
}

func (r *fakeRows) Close() {}

func (r *fakeRows) Err() error { return r.err }

func assign(dest []any, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(values))
	}
	for i, d := range dest {
		target := reflect.ValueOf(d).Elem()
		if values[i] == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		target.Set(reflect.ValueOf(values[i]))
	}
	return nil
}

func contains(sql, fragment string) bool {
	return strings.Contains(sql, fragment)
}

func randomSuffix() string {
	return uuid.NewString()[:8]
}
