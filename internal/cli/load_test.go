package cli_test

import (
	"bytes"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rushairer/bulkinsert/internal/cli"
)

func setupDB(t *testing.T) (string, *sql.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "load.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, email TEXT)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	return path, db
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := cli.NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func count(t *testing.T, db *sql.DB, where string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM users " + where).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestLoad_CSVFile(t *testing.T) {
	dsn, db := setupDB(t)
	csvPath := writeFile(t, "users.csv", "id,name,email,unknown\n1,Alice,a@x.com,x\n2,Bob,\\N,y\n3,Carol,c@x.com,z\n")

	out, err := run(t, "", "load", csvPath, "--driver", "sqlite3", "--dsn", dsn, "--table", "users")
	if err != nil {
		t.Fatalf("load: %v\n%s", err, out)
	}
	if count(t, db, "") != 3 {
		t.Fatalf("rows = %d, want 3", count(t, db, ""))
	}
	if count(t, db, "WHERE email IS NULL") != 1 {
		t.Fatal(`\N should load as NULL`)
	}
	for _, want := range []string{"rows read:      3", "rows committed: 3", "fields dropped: 4"} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestLoad_StdinNDJSONIgnore(t *testing.T) {
	dsn, db := setupDB(t)
	db.Exec("INSERT INTO users (id, name) VALUES (1, 'existing')")

	input := `{"id": 1, "name": "dup"}
{"id": 2, "name": "new", "meta": {"nested": true}}
`
	out, err := run(t, input, "load", "-", "--format", "ndjson", "--ignore",
		"--driver", "sqlite", "--dsn", dsn, "--table", "users")
	if err != nil {
		t.Fatalf("load: %v\n%s", err, out)
	}
	if count(t, db, "") != 2 || count(t, db, "WHERE name = 'existing'") != 1 {
		t.Fatal("ignore mode should keep the existing row and add the new one")
	}
}

func TestLoad_Upsert(t *testing.T) {
	dsn, db := setupDB(t)
	db.Exec("INSERT INTO users (id, name, email) VALUES (1, 'old', 'old@x.com')")
	path := writeFile(t, "users.jsonl", `{"id": 1, "name": "new", "email": "new@x.com"}`+"\n")

	if out, err := run(t, "", "load", path, "--update", "email,missing",
		"--driver", "sqlite3", "--dsn", dsn, "--table", "users"); err != nil {
		t.Fatalf("load: %v\n%s", err, out)
	}

	var name, email string
	db.QueryRow("SELECT name, email FROM users WHERE id = 1").Scan(&name, &email)
	if name != "old" || email != "new@x.com" {
		t.Fatalf("row = (%s, %s), want (old, new@x.com)", name, email)
	}
}

func TestLoad_ConstraintFailure(t *testing.T) {
	dsn, db := setupDB(t)
	db.Exec("INSERT INTO users (id, name) VALUES (1, 'existing')")
	path := writeFile(t, "users.csv", "id,name\n2,b\n1,a\n")

	out, err := run(t, "", "load", path, "--retries", "2", "--backoff", "1ms",
		"--driver", "sqlite3", "--dsn", dsn, "--table", "users")
	if err == nil {
		t.Fatal("expected constraint error")
	}
	if count(t, db, "") != 1 {
		t.Fatal("failed batch must be rolled back")
	}
	if !strings.Contains(out, "failed:         1") {
		t.Fatalf("constraint errors are not retried, summary:\n%s", out)
	}
}

func TestLoad_InvalidConfig(t *testing.T) {
	_, err := run(t, "", "load", "--driver", "sqlite3", "--dsn", "x.db")
	if err == nil || !strings.Contains(err.Error(), "table is required") {
		t.Fatalf("expected validation error, got %v", err)
	}

	_, err = run(t, "", "load", "--driver", "oracle", "--dsn", "x", "--table", "t")
	if err == nil || !strings.Contains(err.Error(), "unknown driver") {
		t.Fatalf("expected driver error, got %v", err)
	}
}

func TestLoad_MissingTable(t *testing.T) {
	dsn, _ := setupDB(t)
	path := writeFile(t, "rows.csv", "id\n1\n")

	_, err := run(t, "", "load", path, "--driver", "sqlite3", "--dsn", dsn, "--table", "nope")
	if err == nil || !strings.Contains(err.Error(), "load columns of nope") {
		t.Fatalf("expected column lookup error, got %v", err)
	}
}
