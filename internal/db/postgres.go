package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	// defaultPGMaxConns bounds the pool. Writes are serialized per
	// conversation by the workflow engine, so most connections serve
	// reads; a small pool is plenty for a single orchestrator process.
	defaultPGMaxConns  = 10
	defaultPGIdleConns = 2

	// pgConnMaxLifetime recycles connections so pooled sessions do not
	// outlive server-side restarts or failovers behind a proxy.
	pgConnMaxLifetime = 30 * time.Minute
)

// OpenPostgres opens a PostgreSQL connection pool via the pgx stdlib driver.
// Zero values for maxConns/idleConns select the defaults above. The
// connection is verified with a ping before it is returned.
func OpenPostgres(dsn string, maxConns, idleConns int) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = defaultPGMaxConns
	}
	if idleConns <= 0 {
		idleConns = defaultPGIdleConns
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(idleConns)
	db.SetConnMaxLifetime(pgConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return db, nil
}
