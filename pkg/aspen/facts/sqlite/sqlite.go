// Package sqlite is a SQLite-backed facts.Source, for hosts that
// stage their input records in a database before a run.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/aspenlogic/aspen/pkg/aspen/ast"
	"github.com/aspenlogic/aspen/pkg/aspen/internalerr"
)

// Store implements facts.Source over a SQLite database and adds an
// Insert side for the host to stage facts with.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite fact store with WAL mode enabled.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error { return s.db.Close() }

func initSchema(ctx context.Context, db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS facts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	predicate TEXT NOT NULL,
	args TEXT NOT NULL,
	UNIQUE(predicate, args)
);
CREATE INDEX IF NOT EXISTS idx_facts_predicate ON facts(predicate);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}

// Insert stages one ground fact. Duplicates are merged. Arguments are
// stored as a JSON array: numbers for integers, strings for symbols.
func (s *Store) Insert(ctx context.Context, a ast.Atom) error {
	if !a.Ground() {
		return fmt.Errorf("fact %s is not ground: %w", a, internalerr.ErrInvalidSpec)
	}
	args := make([]any, len(a.Args))
	for i, t := range a.Args {
		if t.Val.Kind == ast.IntValue {
			args[i] = t.Val.Int
		} else {
			args[i] = t.Val.Sym
		}
	}
	blob, err := json.Marshal(args)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO facts (predicate, args) VALUES (?, ?)",
		a.Pred, string(blob))
	return err
}

// Snapshot reads every staged fact in deterministic order.
func (s *Store) Snapshot(ctx context.Context) ([]ast.Atom, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT predicate, args FROM facts ORDER BY predicate, args")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ast.Atom
	for rows.Next() {
		var pred, blob string
		if err := rows.Scan(&pred, &blob); err != nil {
			return nil, err
		}
		var raw []any
		if err := json.Unmarshal([]byte(blob), &raw); err != nil {
			return nil, fmt.Errorf("fact %s: %w", pred, err)
		}
		vals := make([]ast.Value, len(raw))
		for i, r := range raw {
			switch x := r.(type) {
			case float64:
				if x != float64(int(x)) {
					return nil, fmt.Errorf("fact %s: argument %v is not an integer: %w", pred, x, internalerr.ErrTypeMismatch)
				}
				vals[i] = ast.Int(int(x))
			case string:
				vals[i] = ast.Sym(x)
			default:
				return nil, fmt.Errorf("fact %s: argument %v is neither integer nor symbol: %w", pred, r, internalerr.ErrTypeMismatch)
			}
		}
		out = append(out, ast.Fact(pred, vals...))
	}
	return out, rows.Err()
}
