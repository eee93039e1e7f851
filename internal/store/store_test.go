package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"slices"
	"testing"
)

func TestOpen_ReopenKeepsSessions(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cdo.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	createTestSession(t, s1, "s1", 1)
	if err := s1.WriteDispatch(ctx, "s1", createTestEvent(1, 5, 0x0103, 0x100, 0x11)); err != nil {
		t.Fatalf("WriteDispatch() failed: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	sess, err := s2.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession() after reopen: %v", err)
	}
	if sess.Status != StatusRunning || sess.Declared != 8 {
		t.Errorf("session after reopen = %+v", sess)
	}
	events, err := s2.ReadDispatches(ctx, "s1")
	if err != nil {
		t.Fatalf("ReadDispatches() after reopen: %v", err)
	}
	if len(events) != 1 || !slices.Equal(events[0].Payload, []uint32{0x100, 0x11}) {
		t.Errorf("dispatches after reopen = %+v", events)
	}
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	defer s.Close()

	createTestSession(t, s, "s1", 1)
	if err := s.DB().Ping(); err != nil {
		t.Errorf("DB() not usable: %v", err)
	}
}

func TestOpen_MissingDirectory(t *testing.T) {
	if _, err := Open("/nonexistent/dir/cdo.db"); err == nil {
		t.Error("expected error for a database in a missing directory")
	}
}

func TestClose(t *testing.T) {
	if err := (&Store{}).Close(); err != nil {
		t.Errorf("Close() without a connection: %v", err)
	}

	s, err := Open(filepath.Join(t.TempDir(), "cdo.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
	_ = s.Close()
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	// read back as sqlite reports them, not as written
	want := map[string]string{
		"journal_mode": "wal",
		"synchronous":  "1",
		"busy_timeout": "5000",
		"foreign_keys": "1",
	}
	for _, p := range pragmas {
		var got string
		if err := s.db.QueryRow("PRAGMA " + p.name).Scan(&got); err != nil {
			t.Fatalf("PRAGMA %s: %v", p.name, err)
		}
		if got != want[p.name] {
			t.Errorf("%s = %q, want %q", p.name, got, want[p.name])
		}
	}
}

func TestSchema_Columns(t *testing.T) {
	s := createTestStore(t)

	tests := map[string][]string{
		"sessions": {
			"id", "source", "image_sha256", "declared", "chunk_words", "recovery",
			"seq", "status", "processed", "error_code", "error", "digest",
		},
		"dispatches": {
			"session_id", "seq", "stream", "depth", "word_offset", "cmd_id",
			"name", "len", "payload", "slices", "error",
		},
	}
	for table, want := range tests {
		t.Run(table, func(t *testing.T) {
			got := tableColumns(t, s.db, table)
			for _, col := range want {
				if !slices.Contains(got, col) {
					t.Errorf("%s missing column %q, got %v", table, col, got)
				}
			}
		})
	}
}

func TestSchema_DispatchNeedsSession(t *testing.T) {
	s := createTestStore(t)

	err := s.WriteDispatch(context.Background(), "missing", createTestEvent(1, 5, 0x0103, 1, 2))
	if err == nil {
		t.Error("expected foreign key violation for dispatch without session")
	}
}

func TestMigration_FreshDatabaseAtCurrentVersion(t *testing.T) {
	s := createTestStore(t)

	if v := userVersion(t, s.db); v != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", v, currentSchemaVersion)
	}
	if len(migrations) != currentSchemaVersion {
		t.Errorf("%d migrations for schema version %d", len(migrations), currentSchemaVersion)
	}
	if !slices.Contains(tableIndexes(t, s.db, "dispatches"), "idx_dispatches_cmd") {
		t.Error("dispatches missing idx_dispatches_cmd")
	}
}

func TestMigration_UpgradesVersionZero(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cdo.db")

	// a database written before the command index existed
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("sql.Open() failed: %v", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO sessions (id, source, image_sha256, declared, chunk_words, recovery, seq, status)
		VALUES ('old', 'old.cdo', 'abc', 4, 0, 'none', 1, 'done')`); err != nil {
		t.Fatalf("insert v0 session: %v", err)
	}
	db.Close()

	for i := 0; i < 2; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() #%d failed: %v", i, err)
		}
		if v := userVersion(t, s.db); v != currentSchemaVersion {
			t.Errorf("open #%d: user_version = %d, want %d", i, v, currentSchemaVersion)
		}
		if !slices.Contains(tableIndexes(t, s.db, "dispatches"), "idx_dispatches_cmd") {
			t.Errorf("open #%d: idx_dispatches_cmd missing", i)
		}
		if _, err := s.GetSession(ctx, "old"); err != nil {
			t.Errorf("open #%d: v0 session lost: %v", i, err)
		}
		s.Close()
	}
}

// Helper functions

func userVersion(t *testing.T, db *sql.DB) int {
	t.Helper()
	v, err := schemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func tableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	return queryNames(t, db, "SELECT name FROM pragma_table_info(?)", table)
}

func tableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	return queryNames(t, db, "SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=?", table)
}

func queryNames(t *testing.T, db *sql.DB, query string, arg any) []string {
	t.Helper()

	rows, err := db.Query(query, arg)
	if err != nil {
		t.Fatalf("%s: %v", query, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan name: %v", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate names: %v", err)
	}
	return names
}
