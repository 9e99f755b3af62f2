// Package state persists the deployment snapshot between runs. The
// snapshot feeds incremental planning; losing it costs a full
// reconverge, never correctness.
package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/nixmox/orchestrator/pkg/engine"
	"github.com/rs/zerolog"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.StateStore on a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

// Open opens (creating if needed) the state database at path and runs
// migrations. A corrupt database is moved aside and replaced with a
// fresh one: the next run replans everything.
func Open(ctx context.Context, path string, logger zerolog.Logger) (*SQLiteStore, error) {
	s := &SQLiteStore{
		path:   path,
		logger: logger.With().Str("component", "state").Logger(),
	}

	if err := s.init(ctx); err != nil {
		s.logger.Warn().Err(err).Str("path", path).
			Msg("state database unusable, starting from empty state")
		if moveErr := os.Rename(path, path+".corrupt"); moveErr != nil && !os.IsNotExist(moveErr) {
			return nil, fmt.Errorf("moving corrupt state database aside: %w", moveErr)
		}
		if err := s.init(ctx); err != nil {
			return nil, fmt.Errorf("recreating state database: %w", err)
		}
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", s.path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("pinging state database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return err
	}

	if s.db != nil {
		_ = s.db.Close()
	}
	s.db = db
	return nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Load returns the deployment snapshot. Rows that fail to decode are
// dropped with a warning so one bad row cannot block planning.
func (s *SQLiteStore) Load(ctx context.Context) (engine.DeploymentState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, deployed_at, version, depends_on, ip, hostname FROM deployed_services`)
	if err != nil {
		return nil, fmt.Errorf("loading deployment state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(engine.DeploymentState)
	for rows.Next() {
		var (
			name, version, dependsOn, ip, hostname string
			deployedAt                             time.Time
		)
		if err := rows.Scan(&name, &deployedAt, &version, &dependsOn, &ip, &hostname); err != nil {
			return nil, fmt.Errorf("scanning deployment row: %w", err)
		}

		var deps []string
		if err := json.Unmarshal([]byte(dependsOn), &deps); err != nil {
			s.logger.Warn().Str("service", name).Err(err).
				Msg("dropping deployment row with undecodable depends_on")
			continue
		}

		out[name] = engine.Deployment{
			DeployedAt: deployedAt,
			Version:    version,
			DependsOn:  deps,
			IP:         ip,
			Hostname:   hostname,
		}
	}
	return out, rows.Err()
}

// Record upserts the deployment row for name.
func (s *SQLiteStore) Record(ctx context.Context, name string, d engine.Deployment) error {
	deps := d.DependsOn
	if deps == nil {
		deps = []string{}
	}
	encoded, err := json.Marshal(deps)
	if err != nil {
		return fmt.Errorf("encoding depends_on for %s: %w", name, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deployed_services (name, deployed_at, version, depends_on, ip, hostname, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			deployed_at = excluded.deployed_at,
			version = excluded.version,
			depends_on = excluded.depends_on,
			ip = excluded.ip,
			hostname = excluded.hostname,
			updated_at = excluded.updated_at`,
		name, d.DeployedAt, d.Version, string(encoded), d.IP, d.Hostname, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording deployment of %s: %w", name, err)
	}
	return nil
}

// Forget removes a service from the snapshot. Used when a service
// disappears from the manifest.
func (s *SQLiteStore) Forget(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM deployed_services WHERE name = ?`, name); err != nil {
		return fmt.Errorf("forgetting %s: %w", name, err)
	}
	return nil
}
