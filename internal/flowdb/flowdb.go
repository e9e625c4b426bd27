// Package flowdb persists motion-flow run summaries and gyro calibrations
// in sqlite. The schema is managed by embedded golang-migrate migrations.
package flowdb

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/motionflow/internal/monitoring"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the sqlite database at path and migrates
// it to the latest schema.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db := &DB{sqlDB}
	if err := db.applyPragmas(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	db.logSchemaVersion(path)
	return db, nil
}

func (db *DB) logSchemaVersion(path string) {
	version, dirty, err := db.MigrateVersion()
	switch {
	case err != nil:
		monitoring.Logf("[flowdb] opened %s, cannot read schema version: %v", path, err)
	case dirty:
		monitoring.Logf("[flowdb] opened %s at dirty schema version %d", path, version)
	default:
		monitoring.Logf("[flowdb] opened %s at schema version %d", path, version)
	}
}

func (db *DB) applyPragmas() error {
	for _, p := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("apply %q: %w", p, err)
		}
	}
	return nil
}

// retryOnBusy retries fn while sqlite reports the database as locked.
func retryOnBusy(fn func() error) error {
	const attempts = 5
	backoff := 10 * time.Millisecond
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		monitoring.Logf("[flowdb] database busy, retry %d/%d in %s", i+1, attempts, backoff)
		time.Sleep(backoff)
		backoff *= 2
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
