// Package db tests for database migration management.
package db

import (
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/kelmah/offlinesync/internal/db/migrations"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// TestUp_noMigrations verifies an empty FS is a no-op.
func TestUp_noMigrations(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, fstest.MapFS{})

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}
}

// TestUp_appliesInOrder verifies versions apply ascending and are recorded once.
func TestUp_appliesInOrder(t *testing.T) {
	db := openMemory(t)
	files := fstest.MapFS{
		"V2__add_column.up.sql": {Data: []byte(`ALTER TABLE t ADD COLUMN name TEXT;`)},
		"V1__create.up.sql":     {Data: []byte(`CREATE TABLE t (id INTEGER PRIMARY KEY);`)},
		"V1__create.down.sql":   {Data: []byte(`DROP TABLE t;`)},
		"README.md":             {Data: []byte(`ignored`)},
	}
	m := NewMigrator(db, files)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("second Up() failed: %v", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied = %d, want 2", len(applied))
	}
	if applied[0].Description != "create" || applied[1].Description != "add_column" {
		t.Errorf("unexpected descriptions: %q, %q", applied[0].Description, applied[1].Description)
	}
	if len(applied[0].Checksum) != 64 {
		t.Errorf("checksum length = %d, want 64", len(applied[0].Checksum))
	}
}

// TestDown_noRollbackFile verifies missing down files are reported.
func TestDown_noRollbackFile(t *testing.T) {
	db := openMemory(t)
	files := fstest.MapFS{
		"V1__create.up.sql": {Data: []byte(`CREATE TABLE t (id INTEGER PRIMARY KEY);`)},
	}
	m := NewMigrator(db, files)
	m.Initialize()
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := m.Down(); err == nil {
		t.Error("Down() without a .down.sql file should fail")
	}
}

// TestDown_noMigrations verifies rollback on an empty schema fails.
func TestDown_noMigrations(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, fstest.MapFS{})
	m.Initialize()
	if err := m.Down(); err == nil {
		t.Error("Down() with no migrations should return error")
	}
}

// TestEmbeddedMigrations_roundTrip applies and rolls back the shipped schema.
func TestEmbeddedMigrations_roundTrip(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, migrations.Files)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}

	var n int
	db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='pending_actions'").Scan(&n)
	if n != 0 {
		t.Error("pending_actions should be dropped after Down()")
	}
}
