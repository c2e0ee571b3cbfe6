package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const hubMigrationsPath = "migrations/hub"

// Supported semantic schema version range, inclusive. A database whose
// _meta_schema_version lies outside it cannot be served by this build.
var (
	schemaVersionMin = SchemaVersion{1, 0, 0}
	schemaVersionMax = SchemaVersion{1, 0, 0}
)

//go:embed migrations/hub/*.sql
var migrationsFS embed.FS

// SchemaVersion is the semantic version recorded in _meta_schema_version.
type SchemaVersion struct {
	Major, Minor, Patch int
}

func (v SchemaVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Less reports whether v precedes o.
func (v SchemaVersion) Less(o SchemaVersion) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	return v.Patch < o.Patch
}

// Migrate verifies the database's semantic schema version lies within the
// supported range, then applies any missing migrations in ascending order.
// An out-of-range version is fatal: the binary and the database disagree.
func Migrate(db *sql.DB) error {
	current, ok, err := readSchemaVersion(db)
	if err != nil {
		return err
	}
	if ok {
		if current.Less(schemaVersionMin) || schemaVersionMax.Less(current) {
			return fmt.Errorf(
				"migration needed: schema version %s outside supported range [%s, %s]",
				current, schemaVersionMin, schemaVersionMax)
		}
	}

	sourceDriver, err := iofs.New(migrationsFS, hubMigrationsPath)
	if err != nil {
		return fmt.Errorf("migrate: init source: %w", err)
	}
	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migrate: init db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate: init migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: up: %w", err)
	}

	applied, ok, err := readSchemaVersion(db)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("migrate: _meta_schema_version missing after migration")
	}
	log.WithField("schema_version", applied.String()).Debug("schema ready")
	return nil
}

// readSchemaVersion reads _meta_schema_version. ok is false when the table
// does not exist yet (fresh database).
func readSchemaVersion(db *sql.DB) (SchemaVersion, bool, error) {
	var name string
	err := db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type='table' AND name='_meta_schema_version'`,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return SchemaVersion{}, false, nil
	}
	if err != nil {
		return SchemaVersion{}, false, fmt.Errorf("lookup _meta_schema_version: %w", err)
	}

	var v SchemaVersion
	err = db.QueryRow(
		`SELECT major, minor, patch FROM _meta_schema_version WHERE id = 1`,
	).Scan(&v.Major, &v.Minor, &v.Patch)
	if errors.Is(err, sql.ErrNoRows) {
		return SchemaVersion{}, false, nil
	}
	if err != nil {
		return SchemaVersion{}, false, fmt.Errorf("read _meta_schema_version: %w", err)
	}
	return v, true, nil
}
