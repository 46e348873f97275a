package main

import (
	"flag"
	"log"

	"github.com/npezzotti/go-qna/internal/config"
	"github.com/npezzotti/go-qna/internal/database"
)

func main() {
	envFile := flag.String("env-file", ".env", "path to a .env file")
	dsn := flag.String("dsn", "", "database URL, overrides DATABASE_URL")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Printf("failed to load .env: %v", err)
	}

	databaseURL := *dsn
	if databaseURL == "" {
		cfg := config.Default()
		if err := config.ApplyEnv(cfg); err != nil {
			log.Fatalf("config: %v", err)
		}
		databaseURL = cfg.DatabaseDSN
	}

	direction := flag.Arg(0)
	switch direction {
	case "", "up":
		if err := database.MigrateUp(databaseURL); err != nil {
			log.Fatalf("database migration failed: %v", err)
		}
		log.Println("database migrations applied")
	case "down":
		if err := database.MigrateDown(databaseURL); err != nil {
			log.Fatalf("database rollback failed: %v", err)
		}
		log.Println("database migrations rolled back")
	default:
		log.Fatalf("unknown direction %q, expected up or down", direction)
	}
}
