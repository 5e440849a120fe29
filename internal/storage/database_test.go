package storage

import (
	"path/filepath"
	"testing"

	"github.com/go-sql-driver/mysql"

	"chatgate/internal/config"
)

func TestOpenAndMigrateSQLite(t *testing.T) {
	cfg := config.Default()
	cfg.Databases["sqlite3"] = config.DatabaseConfig{DSN: filepath.Join(t.TempDir(), "nested", "usage.db")}

	db, err := Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// migrations must be re-runnable on every start
	if err := Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	for _, table := range []string{"usage_log", "api_keys"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	cfg := config.Default()
	if _, err := Open("postgres", cfg); err == nil {
		t.Fatal("expected error for unconfigured driver")
	}
	cfg.Databases["postgres"] = config.DatabaseConfig{DSN: "x"}
	if _, err := Open("postgres", cfg); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestMigrateUnsupportedDriver(t *testing.T) {
	if err := Migrate(nil, "oracle"); err == nil {
		t.Fatal("expected error")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	cfg := config.Default()
	cfg.Databases["sqlite3"] = config.DatabaseConfig{DSN: ":memory:"}
	db, err := Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	insert := `INSERT INTO api_keys (key_hash, user_email, created_at, is_active) VALUES ('h1', 'a@example.com', CURRENT_TIMESTAMP, 1)`
	if _, err := db.Exec(insert); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err = db.Exec(insert)
	if !IsUniqueViolation(err) {
		t.Fatalf("duplicate key_hash not reported as unique violation: %v", err)
	}

	_, err = db.Exec(`INSERT INTO missing_table (x) VALUES (1)`)
	if err == nil || IsUniqueViolation(err) {
		t.Fatalf("missing table reported as unique violation: %v", err)
	}
	if IsUniqueViolation(&mysql.MySQLError{Number: 1146}) || !IsUniqueViolation(&mysql.MySQLError{Number: 1062}) {
		t.Fatal("mysql error numbers misclassified")
	}
}
