package db

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations_SortedByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"010_indexes.sql":    {Data: []byte("SELECT 10;")},
		"002_responses.sql":  {Data: []byte("SELECT 2;")},
		"001_claims.sql":     {Data: []byte("SELECT 1;")},
		"005_subscriber.sql": {Data: []byte("SELECT 5;")},
	}

	migrations, err := NewMigrator(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 4 {
		t.Fatalf("expected 4 migrations, got %d", len(migrations))
	}

	expected := []int{1, 2, 5, 10}
	for i, v := range expected {
		if migrations[i].Version != v {
			t.Errorf("migration[%d]: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
	if migrations[0].SQL != "SELECT 1;" {
		t.Errorf("expected SQL of 001 to be loaded, got %q", migrations[0].SQL)
	}
}

func TestLoadMigrations_SkipsInvalidNames(t *testing.T) {
	fsys := fstest.MapFS{
		"001_valid.sql":      {Data: []byte("SELECT 1;")},
		"readme.sql":         {Data: []byte("-- no prefix")},
		"notes.txt":          {Data: []byte("not sql")},
		"abc_invalid.sql":    {Data: []byte("-- non-numeric")},
		"002_also_valid.sql": {Data: []byte("SELECT 2;")},
		"sub/003_nested.sql": {Data: []byte("SELECT 3;")},
	}

	migrations, err := NewMigrator(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 valid migrations, got %d", len(migrations))
	}
	if migrations[0].Name != "001_valid.sql" || migrations[1].Name != "002_also_valid.sql" {
		t.Errorf("unexpected migrations: %s, %s", migrations[0].Name, migrations[1].Name)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_claims.sql":   {Data: []byte("SELECT 1;")},
		"001_dupe.sql":     {Data: []byte("SELECT 1;")},
		"002_response.sql": {Data: []byte("SELECT 2;")},
	}

	if _, err := NewMigrator(nil, fsys).LoadMigrations(); err == nil {
		t.Fatal("expected error for duplicate version")
	}
}

func TestLoadMigrations_EmptyFS(t *testing.T) {
	migrations, err := NewMigrator(nil, fstest.MapFS{}).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected 0 migrations, got %d", len(migrations))
	}
}

func TestNewDirMigrator(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "001_claims.sql"), []byte("SELECT 1;"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	migrations, err := NewDirMigrator(nil, dir).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 1 || migrations[0].Version != 1 {
		t.Fatalf("expected one migration with version 1, got %+v", migrations)
	}
}

func TestLoadMigrations_NonExistentDir(t *testing.T) {
	_, err := NewDirMigrator(nil, "/nonexistent/path/that/does/not/exist").LoadMigrations()
	if err == nil {
		t.Error("expected error for non-existent directory")
	}
}

func TestPending(t *testing.T) {
	migrations := []Migration{{Version: 1}, {Version: 2}, {Version: 3}}
	applied := map[int]time.Time{1: time.Now(), 3: time.Now()}

	got := pending(migrations, applied)
	if len(got) != 1 || got[0].Version != 2 {
		t.Fatalf("expected only version 2 pending, got %+v", got)
	}
}
