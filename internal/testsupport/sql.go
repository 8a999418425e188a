package testsupport

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"fetcharr/internal/store"
)

// ExecSQL runs a raw statement against a test store's database over a second
// connection. Tests use it to backdate timestamps for stall and retention
// scenarios that would otherwise need real waiting.
func ExecSQL(t testing.TB, st *store.Store, query string, args ...any) {
	t.Helper()
	db, err := sql.Open("sqlite", st.Path())
	if err != nil {
		t.Fatalf("open test db connection: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		t.Fatalf("apply busy_timeout: %v", err)
	}
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

// Timestamp formats a time the way the store persists it.
func Timestamp(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}
