package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/foldrun/internal/common/config"
)

// Driver names as registered with database/sql.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Open connects to the configured database. It returns nil, nil when no
// driver is configured.
func Open(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case "sqlite":
		db, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return sqlx.NewDb(db, DriverSQLite), nil
	case "postgres":
		db, err := OpenPostgres(cfg.DSN(), cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		return sqlx.NewDb(db, DriverPostgres), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// IsPostgres reports whether db talks to PostgreSQL.
func IsPostgres(db *sqlx.DB) bool {
	return db.DriverName() == DriverPostgres
}
