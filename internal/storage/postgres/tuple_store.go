package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/authz-engine/rbac-core/internal/storage"
)

// tupleColumns are the value columns of the casbin_rule table, one per
// tuple field position.
var tupleColumns = [storage.MaxTupleFields]string{"v0", "v1", "v2", "v3", "v4", "v5"}

// TupleStore implements storage.TupleStore over the casbin_rule table
type TupleStore struct {
	db *sql.DB
}

// NewTupleStore creates a tuple store over the database
func NewTupleStore(db *sql.DB) *TupleStore {
	return &TupleStore{db: db}
}

// QueryFiltered loads the tuples matching any of the given filters. The
// filter is applied server-side; only matching rows leave the database.
func (s *TupleStore) QueryFiltered(ctx context.Context, filters []storage.TupleFilter, external storage.Tx) ([][]string, error) {
	for _, f := range filters {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}
	q, err := resolve(s.db, external)
	if err != nil {
		return nil, err
	}

	query := "SELECT ptype, v0, v1, v2, v3, v4, v5 FROM casbin_rule"
	var args []interface{}
	argIndex := 1

	var clauses []string
	for _, f := range filters {
		predicate := fmt.Sprintf("ptype = $%d", argIndex)
		args = append(args, f.Ptype)
		argIndex++

		// Deterministic predicate order for stable query plans
		indices := make([]int, 0, len(f.Fields))
		for idx := range f.Fields {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			predicate += fmt.Sprintf(" AND %s = $%d", tupleColumns[idx], argIndex)
			args = append(args, f.Fields[idx])
			argIndex++
		}
		clauses = append(clauses, "("+predicate+")")
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " OR ")
	}
	query += " ORDER BY id"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tuples: %w", err)
	}
	defer rows.Close()

	var out [][]string
	for rows.Next() {
		var ptype string
		fields := make([]string, storage.MaxTupleFields)
		if err := rows.Scan(&ptype, &fields[0], &fields[1], &fields[2], &fields[3], &fields[4], &fields[5]); err != nil {
			return nil, fmt.Errorf("failed to scan tuple row: %w", err)
		}
		out = append(out, trimTuple(fields))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tuple rows: %w", err)
	}
	return out, nil
}

// AddTuple inserts a tuple. The unique index on (ptype, v0..v5) makes the
// insert a no-op for an already-present tuple.
func (s *TupleStore) AddTuple(ctx context.Context, ptype string, rule []string, external storage.Tx) error {
	q, err := resolve(s.db, external)
	if err != nil {
		return err
	}
	args := insertArgs(ptype, rule)
	_, err = q.ExecContext(ctx, `
		INSERT INTO casbin_rule (ptype, v0, v1, v2, v3, v4, v5)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (ptype, v0, v1, v2, v3, v4, v5) DO NOTHING
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to insert tuple: %w", err)
	}
	return nil
}

// AddTuples inserts a batch of tuples through a prepared statement
func (s *TupleStore) AddTuples(ctx context.Context, ptype string, rules [][]string, external storage.Tx) error {
	if len(rules) == 0 {
		return nil
	}
	q, err := resolve(s.db, external)
	if err != nil {
		return err
	}
	stmt, err := prepare(ctx, q, `
		INSERT INTO casbin_rule (ptype, v0, v1, v2, v3, v4, v5)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (ptype, v0, v1, v2, v3, v4, v5) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rule := range rules {
		if _, err := stmt.ExecContext(ctx, insertArgs(ptype, rule)...); err != nil {
			return fmt.Errorf("failed to insert tuple %v: %w", rule, err)
		}
	}
	return nil
}

// RemoveTuple deletes a tuple by full equality
func (s *TupleStore) RemoveTuple(ctx context.Context, ptype string, rule []string, external storage.Tx) error {
	q, err := resolve(s.db, external)
	if err != nil {
		return err
	}
	args := insertArgs(ptype, rule)
	_, err = q.ExecContext(ctx, `
		DELETE FROM casbin_rule
		WHERE ptype = $1 AND v0 = $2 AND v1 = $3 AND v2 = $4 AND v3 = $5 AND v4 = $6 AND v5 = $7
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to delete tuple: %w", err)
	}
	return nil
}

// RemoveTuples deletes a batch of tuples through a prepared statement
func (s *TupleStore) RemoveTuples(ctx context.Context, ptype string, rules [][]string, external storage.Tx) error {
	if len(rules) == 0 {
		return nil
	}
	q, err := resolve(s.db, external)
	if err != nil {
		return err
	}
	stmt, err := prepare(ctx, q, `
		DELETE FROM casbin_rule
		WHERE ptype = $1 AND v0 = $2 AND v1 = $3 AND v2 = $4 AND v3 = $5 AND v4 = $6 AND v5 = $7
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer stmt.Close()

	for _, rule := range rules {
		if _, err := stmt.ExecContext(ctx, insertArgs(ptype, rule)...); err != nil {
			return fmt.Errorf("failed to delete tuple %v: %w", rule, err)
		}
	}
	return nil
}

// prepare builds a prepared statement on either a transaction or the bare
// database handle.
func prepare(ctx context.Context, q querier, query string) (*sql.Stmt, error) {
	switch h := q.(type) {
	case *sql.Tx:
		return h.PrepareContext(ctx, query)
	case *sql.DB:
		return h.PrepareContext(ctx, query)
	default:
		return nil, fmt.Errorf("unsupported querier %T", q)
	}
}

// insertArgs pads a rule to the full column width
func insertArgs(ptype string, rule []string) []interface{} {
	args := make([]interface{}, 0, storage.MaxTupleFields+1)
	args = append(args, ptype)
	for i := 0; i < storage.MaxTupleFields; i++ {
		if i < len(rule) {
			args = append(args, rule[i])
		} else {
			args = append(args, "")
		}
	}
	return args
}

// trimTuple drops trailing empty columns so callers see tuples at their
// stored arity.
func trimTuple(fields []string) []string {
	end := len(fields)
	for end > 0 && fields[end-1] == "" {
		end--
	}
	return append([]string(nil), fields[:end]...)
}
