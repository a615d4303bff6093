// Package postgres provides the PostgreSQL storage backend for policy
// tuples and role metadata.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/authz-engine/rbac-core/internal/storage"
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// tx wraps *sql.Tx as a storage.Tx
type tx struct {
	*sql.Tx
	db *sql.DB
}

// TxProvider begins transactions over the shared database handle
type TxProvider struct {
	db *sql.DB
}

// NewTxProvider creates a transaction provider over the database
func NewTxProvider(db *sql.DB) *TxProvider {
	return &TxProvider{db: db}
}

// BeginTx starts a database transaction
func (p *TxProvider) BeginTx(ctx context.Context) (storage.Tx, error) {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &tx{Tx: sqlTx, db: p.db}, nil
}

// resolve returns the querier a call should run against: the transaction
// when one is supplied, the bare handle otherwise.
func resolve(db *sql.DB, external storage.Tx) (querier, error) {
	if external == nil {
		return db, nil
	}
	t, ok := external.(*tx)
	if !ok || t.db != db {
		return nil, storage.ErrTxMismatch
	}
	return t.Tx, nil
}
