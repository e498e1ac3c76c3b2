// Command migrate creates the database schema: the `init` CLI verb.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/market-sync/internal/config"
	"github.com/market-sync/internal/storage"
)

func main() {
	var (
		migrationsPath = flag.String("migrations", "./migrations", "Path to migration files")
		rollback       = flag.Bool("rollback", false, "Roll back the last migration")
	)
	flag.Parse()

	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "Usage: %s [--migrations DIR] [--rollback]\n", os.Args[0])
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(3)
	}

	if *rollback {
		if err := storage.RollbackMigrations(cfg.Database.URL, *migrationsPath); err != nil {
			fmt.Fprintf(os.Stderr, "Rollback failed: %v\n", err)
			os.Exit(4)
		}
		fmt.Println("Rollback complete")
		return
	}

	if err := storage.RunMigrations(cfg.Database.URL, *migrationsPath); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(4)
	}

	// Default data directories are part of init
	for _, dir := range []string{cfg.DataDir, cfg.Images.Dir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create %s: %v\n", dir, err)
			os.Exit(4)
		}
	}

	fmt.Println("Schema and data directories initialized")
}
