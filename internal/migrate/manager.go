// Package migrate applies the goose schema migrations and the idempotent
// seed files that accompany them.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
)

const defaultSeedsTable = "schema_seeds"

// Manager runs schema migrations through a goose provider and seeds through
// its own bookkeeping table.
type Manager struct {
	db         *sql.DB
	provider   *goose.Provider
	seeds      fs.FS
	seedsTable string
	quiet      bool
}

// Option configures Manager.
type Option func(*Manager)

// WithSeedsTable overrides the default seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// WithSeeds sets the filesystem holding seed files. Without it Seed is a no-op.
func WithSeeds(fsys fs.FS) Option {
	return func(m *Manager) { m.seeds = fsys }
}

// WithQuiet silences goose progress output.
func WithQuiet() Option {
	return func(m *Manager) { m.quiet = true }
}

// NewManager constructs a Manager over the goose migrations in fsys.
func NewManager(db *sql.DB, fsys fs.FS, opts ...Option) (*Manager, error) {
	if db == nil {
		return nil, errors.New("migrate: db is required")
	}
	if fsys == nil {
		return nil, errors.New("migrate: migrations filesystem is required")
	}
	m := &Manager{db: db, seedsTable: defaultSeedsTable}
	for _, opt := range opts {
		opt(m)
	}
	var popts []goose.ProviderOption
	if m.quiet {
		popts = append(popts, goose.WithLogger(goose.NopLogger()))
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys, popts...)
	if err != nil {
		return nil, fmt.Errorf("create goose provider: %w", err)
	}
	m.provider = provider
	return m, nil
}

// Versions lists the migration versions known to the provider.
func (m *Manager) Versions() []int64 {
	sources := m.provider.ListSources()
	out := make([]int64, 0, len(sources))
	for _, s := range sources {
		out = append(out, s.Version)
	}
	return out
}

// Up applies all pending migrations.
func (m *Manager) Up(ctx context.Context) ([]*goose.MigrationResult, error) {
	return m.provider.Up(ctx)
}

// Down rolls back the most recent migration, or down to version when it is
// not negative.
func (m *Manager) Down(ctx context.Context, version int64) ([]*goose.MigrationResult, error) {
	if version >= 0 {
		return m.provider.DownTo(ctx, version)
	}
	res, err := m.provider.Down(ctx)
	if err != nil {
		return nil, err
	}
	return []*goose.MigrationResult{res}, nil
}

// Status returns every known migration with its applied state.
func (m *Manager) Status(ctx context.Context) ([]*goose.MigrationStatus, error) {
	return m.provider.Status(ctx)
}

// Check reports whether migrations are pending and the current version.
func (m *Manager) Check(ctx context.Context) (pending bool, version int64, err error) {
	pending, err = m.provider.HasPending(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("check pending migrations: %w", err)
	}
	version, err = m.provider.GetDBVersion(ctx)
	if err != nil {
		return pending, 0, fmt.Errorf("read db version: %w", err)
	}
	return pending, version, nil
}

// Seed applies seed files idempotently and returns the names it applied.
func (m *Manager) Seed(ctx context.Context) ([]string, error) {
	if m.seeds == nil {
		return nil, nil
	}
	if err := m.ensureSeedsTable(ctx); err != nil {
		return nil, err
	}
	executed, err := m.listExecuted(ctx)
	if err != nil {
		return nil, err
	}
	files, err := collectSQL(m.seeds)
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, name := range files {
		if executed[name] {
			continue
		}
		if err := m.execSeed(ctx, name); err != nil {
			return applied, fmt.Errorf("apply seed %s: %w", name, err)
		}
		applied = append(applied, name)
	}
	return applied, nil
}

func (m *Manager) ensureSeedsTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		);`, m.seedsTable)
	_, err := m.db.ExecContext(ctx, ddl)
	return err
}

// execSeed runs every statement of one file and records it in the same
// transaction.
func (m *Manager) execSeed(ctx context.Context, name string) error {
	raw, err := fs.ReadFile(m.seeds, name)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(raw)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, m.seedsTable),
		name, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) listExecuted(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s`, m.seedsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		result[name] = true
	}
	return result, rows.Err()
}

func collectSQL(fsys fs.FS) ([]string, error) {
	matches, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// splitStatements naively splits SQL by semicolon while preserving quoted
// strings. Line comments are kept with the statement that follows them.
func splitStatements(sql string) []string {
	var stmts []string
	var current strings.Builder
	var inString bool
	for _, r := range sql {
		switch r {
		case '\'':
			current.WriteRune(r)
			inString = !inString
		case ';':
			current.WriteRune(r)
			if !inString {
				stmts = append(stmts, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
