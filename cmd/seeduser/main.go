// Command seeduser creates or updates one editor account in the users
// table. The core never creates a user from an HTTP request (see
// auth.HashPassword's doc comment); this is the admin tool that does,
// grounded on the same flag-driven standalone-binary shape as
// cmd/migrate/main.go.
package main

import (
	"context"
	"flag"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/sirupsen/logrus"

	"github.com/brandur/newsletter/auth"
	"github.com/brandur/newsletter/config"
	"github.com/brandur/newsletter/db"
)

func main() {
	configDir := flag.String("config-dir", "config", "directory with base.yaml/<environment>.yaml")
	username := flag.String("username", "", "editor username")
	password := flag.String("password", "", "editor password")
	flag.Parse()

	if *username == "" || *password == "" {
		logrus.Fatalf("usage: seeduser -username=<username> -password=<password>")
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		logrus.Fatalf("error loading config: %v", err)
	}

	ctx := context.Background()

	pool, err := db.Connect(ctx, &db.ConnectConfig{
		ApplicationName: "newsletter-seeduser",
		DatabaseURL:     cfg.Database.DSN(),
	})
	if err != nil {
		logrus.Fatalf("error connecting to database: %v", err)
	}

	hash, err := auth.HashPassword(*password)
	if err != nil {
		logrus.Fatalf("error hashing password: %v", err)
	}

	userID, err := uuid.NewV7()
	if err != nil {
		logrus.Fatalf("error minting user id: %v", err)
	}

	err = db.WithTransaction(ctx, pool, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO users (user_id, username, password_hash)
			VALUES ($1, $2, $3)
			ON CONFLICT (username) DO UPDATE SET password_hash = EXCLUDED.password_hash
		`, userID, *username, hash)
		return err
	})
	if err != nil {
		logrus.Fatalf("error seeding user: %v", err)
	}

	logrus.Infof("Seeded editor user %q", *username)
}
