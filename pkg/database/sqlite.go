// Package database opens camera recording index databases. Axis cameras
// track finished recordings in a sqlite file the camera itself owns, so the
// index is always opened read-only.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

// OpenIndex opens the recording index at path read-only and verifies it is
// reachable. The caller owns the returned handle.
func OpenIndex(ctx context.Context, path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("camera index: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open camera index: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping camera index: %w", err)
	}
	return db, nil
}
