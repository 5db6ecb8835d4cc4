// Package employees is a small employee domain persisted in SQLite and read
// through the l2cache entity and query regions.
package employees

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

var (
	ErrNotFound  = errors.New("employee not found")
	ErrExists    = errors.New("employee already exists")
	// ErrNotCached reports a committed write whose cache update failed.
	ErrNotCached = errors.New("employee stored but not cached")
)

type Employee struct {
	ID      int    `json:"id" msgpack:"id" cbor:"id"`
	Name    string `json:"name" msgpack:"name" cbor:"name"`
	Address string `json:"address" msgpack:"address" cbor:"address"`
}

// Store persists employees in SQLite.
type Store struct {
	sqlDB *sql.DB
}

const schema = `CREATE TABLE IF NOT EXISTS employees (
	id      INTEGER PRIMARY KEY,
	name    TEXT NOT NULL,
	address TEXT NOT NULL
)`

// Open opens (or creates) the database at path. ":memory:" is a private
// in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one connection keeps ":memory:" databases shared
	sqlDB.SetMaxOpenConns(1)
	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Insert adds e. A duplicate id returns ErrExists.
func (s *Store) Insert(ctx context.Context, e Employee) error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("name is required")
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO employees (id, name, address) VALUES (?, ?, ?)`,
		e.ID, e.Name, e.Address)
	if isPrimaryKeyViolation(err) {
		return fmt.Errorf("insert employee %d: %w", e.ID, ErrExists)
	}
	if err != nil {
		return fmt.Errorf("insert employee %d: %w", e.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id int) (Employee, error) {
	var e Employee
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, name, address FROM employees WHERE id = ?`, id).
		Scan(&e.ID, &e.Name, &e.Address)
	if errors.Is(err, sql.ErrNoRows) {
		return Employee{}, fmt.Errorf("get employee %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Employee{}, fmt.Errorf("get employee %d: %w", id, err)
	}
	return e, nil
}

func (s *Store) All(ctx context.Context) ([]Employee, error) {
	return s.list(ctx, `SELECT id, name, address FROM employees ORDER BY id`)
}

func (s *Store) WithIDAbove(ctx context.Context, min int) ([]Employee, error) {
	return s.list(ctx, `SELECT id, name, address FROM employees WHERE id > ? ORDER BY id`, min)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]Employee, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list employees: %w", err)
	}
	defer rows.Close()

	var out []Employee
	for rows.Next() {
		var e Employee
		if err := rows.Scan(&e.ID, &e.Name, &e.Address); err != nil {
			return nil, fmt.Errorf("scan employee: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate employees: %w", err)
	}
	return out, nil
}

func isPrimaryKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
