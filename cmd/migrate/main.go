// Applies migrations/*.sql in filename order. Applied files are recorded in
// schema_migrations, so reruns only execute what the database has not seen.
//
//	migrate [dir]      apply pending migrations from dir (default "migrations")
//	migrate --list     show applied versions
package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

func main() {
	godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	dir := "migrations"
	listOnly := false
	for _, a := range os.Args[1:] {
		if a == "--list" {
			listOnly = true
		} else {
			dir = a
		}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("ping: %v", err)
	}

	if err := ensureMigrationsTable(db); err != nil {
		log.Fatalf("prepare schema_migrations: %v", err)
	}

	applied, err := appliedVersions(db)
	if err != nil {
		log.Fatalf("load applied versions: %v", err)
	}

	if listOnly {
		versions := make([]string, 0, len(applied))
		for v := range applied {
			versions = append(versions, v)
		}
		sort.Strings(versions)
		for _, v := range versions {
			fmt.Printf("  %s  applied %s\n", v, applied[v].Format(time.RFC3339))
		}
		fmt.Printf("Total: %d applied\n", len(versions))
		return
	}

	files, err := pendingFiles(dir, applied)
	if err != nil {
		log.Fatal(err)
	}
	if len(files) == 0 {
		log.Println("Nothing to apply")
		return
	}

	for _, f := range files {
		fmt.Printf("  %s ... ", f)
		if err := applyOne(db, dir, f); err != nil {
			fmt.Printf("ERROR: %v\n", err)
			log.Fatalf("stopping: %s failed", f)
		}
		fmt.Println("OK")
	}
	log.Printf("Done: %d applied", len(files))
}

func ensureMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	return err
}

func appliedVersions(db *sql.DB) (map[string]time.Time, error) {
	rows, err := db.Query(`SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var v string
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, err
		}
		applied[v] = at
	}
	return applied, rows.Err()
}

func pendingFiles(dir string, applied map[string]time.Time) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		if _, ok := applied[name]; ok {
			continue
		}
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}

// applyOne runs a migration file and records its version in the same
// transaction, so a failed migration leaves no record behind.
func applyOne(db *sql.DB, dir, name string) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(data)) == "" {
		return fmt.Errorf("empty migration")
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(data)); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES ($1)`, name); err != nil {
		return err
	}
	return tx.Commit()
}
