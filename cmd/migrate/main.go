// Command migrate applies or rolls back the SQL migrations in migrations/
// against the database named in config. Grounded on
// GOVSEteam-strv-vse-go-newsletter's cmd/migrate/main.go (same
// goose.SetDialect + goose.Up/Down/Status/Version dispatch on a flag-driven
// subcommand), adapted to read connection settings from this program's
// config.Config instead of a bare DATABASE_URL env var, and to open the
// database/sql handle through pgx's stdlib adapter rather than lib/pq, since
// the rest of this codebase is already built on jackc/pgx/v4.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"

	"github.com/brandur/newsletter/config"
)

func main() {
	dir := flag.String("dir", "migrations", "directory with migration files")
	configDir := flag.String("config-dir", "config", "directory with base.yaml/<environment>.yaml")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		logrus.Fatalf("usage: migrate [-dir=migrations] [-config-dir=config] up|down|status|version")
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		logrus.Fatalf("error loading config: %v", err)
	}

	db, err := sql.Open("pgx", cfg.Database.DSN())
	if err != nil {
		logrus.Fatalf("error opening database: %v", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		logrus.Fatalf("error setting goose dialect: %v", err)
	}

	switch command := args[0]; command {
	case "up":
		if err := goose.Up(db, *dir); err != nil {
			logrus.Fatalf("migration up failed: %v", err)
		}
		fmt.Println("migrations applied successfully")
	case "down":
		if err := goose.Down(db, *dir); err != nil {
			logrus.Fatalf("migration down failed: %v", err)
		}
		fmt.Println("migration rolled back successfully")
	case "status":
		if err := goose.Status(db, *dir); err != nil {
			logrus.Fatalf("migration status failed: %v", err)
		}
	case "version":
		version, err := goose.GetDBVersion(db)
		if err != nil {
			logrus.Fatalf("error getting db version: %v", err)
		}
		fmt.Printf("current version: %d\n", version)
	default:
		logrus.Fatalf("unknown command: %s", command)
		os.Exit(1)
	}
}
