package sqldb

import (
	"context"
	"testing"
)

func TestOpenSQLiteAppliesMigrationsOnce(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{Driver: "sqlite", DSN: "file:sqldb_migrate?mode=memory&cache=shared"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if db.Dialect() != DialectSQLite {
		t.Fatalf("unexpected dialect %s", db.Dialect())
	}
	for _, table := range []string{"tasks", "agents", "agent_iao_history"} {
		var name string
		if err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}

	if err := db.migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 applied migrations, got %d", count)
	}
}

func TestParseDialect(t *testing.T) {
	cases := map[string]Dialect{"mysql": DialectMySQL, "SQLite": DialectSQLite, "sqlite3": DialectSQLite}
	for input, want := range cases {
		got, err := ParseDialect(input)
		if err != nil || got != want {
			t.Fatalf("ParseDialect(%q) = %s, %v", input, got, err)
		}
	}
	if _, err := ParseDialect("postgres"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestSplitSQLStatements(t *testing.T) {
	stmts := splitSQLStatements("CREATE TABLE a (x INT);\n\n CREATE INDEX i ON a (x);  ")
	if len(stmts) != 2 || stmts[1] != "CREATE INDEX i ON a (x)" {
		t.Fatalf("unexpected statements %q", stmts)
	}
	if parseMigrationVersion("0002_agents.sql") != "0002" {
		t.Fatal("unexpected version")
	}
}
