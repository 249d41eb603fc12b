// mastiff-migrate applies the Postgres schema migrations embedded in
// pkg/storage. The server's bolt backend needs no migrations; run this only
// for deployments with store.backend=postgres.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/pressly/goose/v3"

	"github.com/mastiff-sec/mastiff/pkg/storage"
)

var dsn = flag.String("dsn", os.Getenv("MASTIFF_DSN"), "Postgres DSN (defaults to $MASTIFF_DSN)")

func usage() {
	fmt.Fprintf(os.Stderr, `Mastiff Schema Migration Tool

Usage:
  mastiff-migrate [--dsn DSN] COMMAND

Commands:
  up       Apply all pending migrations
  down     Roll back the most recent migration
  status   Show migration status
  version  Show the current schema version
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	log.SetFlags(log.LstdFlags)

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	command := flag.Arg(0)

	if *dsn == "" {
		log.Fatal("A Postgres DSN is required (--dsn or MASTIFF_DSN)")
	}

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to reach database: %v", err)
	}

	goose.SetBaseFS(storage.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatalf("Failed to set dialect: %v", err)
	}

	switch command {
	case "up":
		err = goose.Up(db, "migrations")
	case "down":
		err = goose.Down(db, "migrations")
	case "status":
		err = goose.Status(db, "migrations")
	case "version":
		err = goose.Version(db, "migrations")
	default:
		log.Fatalf("Unknown command %q (want up, down, status, or version)", command)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", command, err)
	}

	if command == "up" || command == "down" {
		log.Printf("✓ Migration %s complete", command)
	}
}
