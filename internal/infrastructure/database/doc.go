// Package database provides SQL connectivity for HomeSync Core.
//
// SQLite (mattn/go-sqlite3) is the default store; PostgreSQL (lib/pq) is
// selected with database.driver: postgres. Queries throughout the module are
// written with ? placeholders and passed through DB.Rebind, so one SQL text
// serves both drivers.
//
// Usage:
//
//	db, err := database.Open(database.Config{Driver: "sqlite3", Path: "./data/homesync.db", WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations live in the top-level migrations package as
// YYYYMMDD_HHMMSS_name.up.sql / .down.sql pairs and must use SQL that both
// engines accept (TEXT, INTEGER, BIGINT, no AUTOINCREMENT).
package database
