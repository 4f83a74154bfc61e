package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"firepoints/pkg/platform/sentinel"
)

// DriverName is the database/sql driver registered by pgx.
const DriverName = "pgx"

// Open creates a connection pool for dsn and verifies it with a ping. The
// caller owns the pool and must Close it.
func Open(ctx context.Context, dsn string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w: %w", sentinel.ErrUnavailable, err)
	}
	return db, nil
}
