package postgres

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	retail "github.com/hazzzzzy/mvp-retail-ai"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const createMigrationsTableSQL = `
CREATE TABLE IF NOT EXISTS retail_migrations (
	id         SERIAL PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	checksum   TEXT NOT NULL
);`

type migration struct {
	name     string
	up       string
	down     string
	checksum string
}

type appliedMigration struct {
	id        int
	appliedAt time.Time
	checksum  string
}

// loadMigrations pairs NNNN_name.up.sql with NNNN_name.down.sql, ordered by name.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	files, err := fs.Glob(fsys, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byName := map[string]*migration{}
	for _, file := range files {
		base := path.Base(file)
		var name string
		var up bool
		switch {
		case strings.HasSuffix(base, ".up.sql"):
			name, up = strings.TrimSuffix(base, ".up.sql"), true
		case strings.HasSuffix(base, ".down.sql"):
			name = strings.TrimSuffix(base, ".down.sql")
		default:
			continue
		}

		data, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", base, err)
		}
		m, ok := byName[name]
		if !ok {
			m = &migration{name: name}
			byName[name] = m
		}
		if up {
			m.up = string(data)
			sum := sha256.Sum256(data)
			m.checksum = hex.EncodeToString(sum[:])
		} else {
			m.down = string(data)
		}
	}

	out := make([]migration, 0, len(byName))
	for _, m := range byName {
		if m.up == "" {
			return nil, fmt.Errorf("migration %s has no up file", m.name)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

func (s *PGStore) applied(ctx context.Context) (map[string]appliedMigration, error) {
	if _, err := s.db.Exec(ctx, createMigrationsTableSQL); err != nil {
		return nil, fmt.Errorf("retail: ensure migrations table: %w", err)
	}

	rows, err := s.db.Query(ctx, `SELECT id, name, applied_at, checksum FROM retail_migrations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("retail: list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := map[string]appliedMigration{}
	for rows.Next() {
		var name string
		var rec appliedMigration
		if err := rows.Scan(&rec.id, &name, &rec.appliedAt, &rec.checksum); err != nil {
			return nil, fmt.Errorf("retail: scan migration: %w", err)
		}
		applied[name] = rec
	}
	return applied, rows.Err()
}

// Migrate applies pending migrations in order, one transaction each. A
// changed checksum on an applied migration stops the run.
func (s *PGStore) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations(migrationsFS)
	if err != nil {
		return fmt.Errorf("retail: %w", err)
	}
	applied, err := s.applied(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if rec, ok := applied[m.name]; ok {
			if rec.checksum != m.checksum {
				return fmt.Errorf("retail: migration %s checksum mismatch (recorded %s, embedded %s)", m.name, rec.checksum, m.checksum)
			}
			continue
		}
		err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.up); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO retail_migrations (name, checksum) VALUES ($1, $2)`, m.name, m.checksum)
			return err
		})
		if err != nil {
			return fmt.Errorf("retail: apply migration %s: %w", m.name, err)
		}
	}
	return nil
}

// Rollback reverts the most recently applied migration.
func (s *PGStore) Rollback(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createMigrationsTableSQL); err != nil {
		return fmt.Errorf("retail: ensure migrations table: %w", err)
	}

	var id int
	var name string
	err := s.db.QueryRow(ctx, `SELECT id, name FROM retail_migrations ORDER BY id DESC LIMIT 1`).Scan(&id, &name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("retail: last migration: %w", err)
	}

	migrations, err := loadMigrations(migrationsFS)
	if err != nil {
		return fmt.Errorf("retail: %w", err)
	}
	var down string
	for _, m := range migrations {
		if m.name == name {
			down = m.down
		}
	}
	if down == "" {
		return fmt.Errorf("retail: no down migration for %s", name)
	}

	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, down); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM retail_migrations WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("retail: roll back %s: %w", name, err)
	}
	return nil
}

// MigrationStatus lists embedded migrations with their applied state.
func (s *PGStore) MigrationStatus(ctx context.Context) ([]retail.MigrationRecord, error) {
	migrations, err := loadMigrations(migrationsFS)
	if err != nil {
		return nil, fmt.Errorf("retail: %w", err)
	}
	applied, err := s.applied(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]retail.MigrationRecord, 0, len(migrations))
	for _, m := range migrations {
		rec := retail.MigrationRecord{Name: m.name}
		if a, ok := applied[m.name]; ok {
			at := a.appliedAt
			rec.Applied, rec.AppliedAt, rec.Checksum = true, &at, a.checksum
		}
		records = append(records, rec)
	}
	return records, nil
}
