package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"schema_applier/internal/config"
)

// Open returns a handle limited to a single connection. Nothing is dialed
// until the handle is first used.
func Open(cfg config.ConnectionConfig) (*sql.DB, error) {
	return OpenDSN("mysql", cfg.DSN())
}

// OpenDSN is Open for an explicit driver name and DSN.
func OpenDSN(driverName, dsn string) (*sql.DB, error) {
	if driverName == "mysql" {
		// Validate DSN early to provide actionable errors.
		if _, err := mysql.ParseDSN(dsn); err != nil {
			return nil, fmt.Errorf("invalid mysql dsn: %w", err)
		}
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// Ping checks that the server is reachable and the credentials are accepted.
func Ping(ctx context.Context, db *sql.DB) error {
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// ServerVersion reports the version string of the connected server.
func ServerVersion(ctx context.Context, db *sql.DB) (string, error) {
	var version string
	if err := db.QueryRowContext(ctx, `SELECT VERSION()`).Scan(&version); err != nil {
		return "", fmt.Errorf("server version: %w", err)
	}
	return version, nil
}
