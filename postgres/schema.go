package postgres

import "context"

// CreateSchema applies all pending migrations.
func (s *PGStore) CreateSchema(ctx context.Context) error {
	return s.Migrate(ctx)
}

// DropSchema drops every table, the migrations table included.
func (s *PGStore) DropSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		DROP TABLE IF EXISTS retail_migrations CASCADE;
		DROP TABLE IF EXISTS campaigns CASCADE;
		DROP TABLE IF EXISTS action_logs CASCADE;
	`)
	return err
}
