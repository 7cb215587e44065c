/**
 * @description
 * Schema migration runner for the dispatch service. Applies, rolls back, or
 * reports the version of the SQL migrations under migrations/ against the
 * database named by DATABASE_URL.
 *
 * Usage:
 *   go run ./cmd/migrate -action up
 *   go run ./cmd/migrate -action down
 *   go run ./cmd/migrate -action version
 */
package main

import (
	"flag"
	"log"

	"github.com/joho/godotenv"

	"github.com/fieldops/dispatch-service/internal/config"
	"github.com/fieldops/dispatch-service/internal/store"
)

const migrationsPath = "migrations"

func main() {
	action := flag.String("action", "up", "migration action: up, down, or version")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=migrate msg=\"no .env file found, using environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=migrate msg=\"could not load config\" error=%v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("level=fatal component=migrate msg=\"DATABASE_URL is not set\"")
	}

	switch *action {
	case "up":
		if err := store.RunMigrations(cfg.DatabaseURL, migrationsPath); err != nil {
			log.Fatalf("level=fatal component=migrate msg=\"migration up failed\" error=%v", err)
		}
		log.Println("level=info component=migrate msg=\"migrations applied\"")
	case "down":
		if err := store.RollbackMigrations(cfg.DatabaseURL, migrationsPath); err != nil {
			log.Fatalf("level=fatal component=migrate msg=\"migration down failed\" error=%v", err)
		}
		log.Println("level=info component=migrate msg=\"last migration rolled back\"")
	case "version":
		version, dirty, err := store.MigrationVersion(cfg.DatabaseURL, migrationsPath)
		if err != nil {
			log.Fatalf("level=fatal component=migrate msg=\"could not read version\" error=%v", err)
		}
		log.Printf("level=info component=migrate msg=\"schema version\" version=%d dirty=%t", version, dirty)
	default:
		log.Fatalf("level=fatal component=migrate msg=\"unknown action\" action=%s", *action)
	}
}
