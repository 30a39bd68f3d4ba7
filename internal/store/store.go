// Package store wraps the PostgreSQL connection pool: lazy, guarded
// creation; pool size tuning from config; and a one-shot schema bootstrap
// that runs a plain .sql file statement by statement. internal/repository
// runs its queries on the *sql.DB that Store.DB returns; opening, sizing
// and closing the pool stay here.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Config describes how to reach the database and size its pool.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string

	PoolMinSize int // maps to SetMaxIdleConns
	PoolMaxSize int // maps to SetMaxOpenConns
}

func (c Config) dsn() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.Database,
	)
}

// Store lazily opens a single shared *sql.DB, guarded so concurrent
// callers never race to open it twice.
type Store struct {
	cfg Config

	mu sync.Mutex
	db *sql.DB
}

// New returns a Store that has not yet opened a connection. The pool is
// created on first use of DB, under a mutex, so concurrent callers never
// race to open the pool twice.
func New(cfg Config) *Store {
	return &Store{cfg: cfg}
}

// DB returns the shared connection pool, opening and pinging it on first
// call. Safe for concurrent use.
func (s *Store) DB(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db, nil
	}

	db, err := sql.Open("pgx", s.cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	maxIdle := s.cfg.PoolMinSize
	if maxIdle <= 0 {
		maxIdle = 1
	}
	maxOpen := s.cfg.PoolMaxSize
	if maxOpen <= 0 {
		maxOpen = 5
	}
	db.SetMaxIdleConns(maxIdle)
	db.SetMaxOpenConns(maxOpen)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s.db = db
	return s.db, nil
}

// Close is idempotent: closing a Store that never opened a connection is
// a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// EnsureSchema reads a .sql file and executes its statements in order,
// splitting on ";" and skipping blank lines and "--" comments. It is a
// one-shot bootstrap, not a versioned migration tool: rerunning it against
// an already-bootstrapped database must be safe, so schema.sql uses
// "IF NOT EXISTS" throughout.
func (s *Store) EnsureSchema(ctx context.Context, sqlText string) error {
	db, err := s.DB(ctx)
	if err != nil {
		return err
	}

	for _, stmt := range splitStatements(sqlText) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}

func splitStatements(sqlText string) []string {
	var statements []string
	for _, raw := range strings.Split(sqlText, ";") {
		var lines []string
		for _, line := range strings.Split(raw, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			lines = append(lines, line)
		}
		stmt := strings.TrimSpace(strings.Join(lines, "\n"))
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}
