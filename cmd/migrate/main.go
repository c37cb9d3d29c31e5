// Command migrate applies or rolls back the indexing core's Postgres
// schema. Flag layout follows the teacher's cmd/migrate convention
// (-up/-down/-version flags, -dsn/-dir globals) adapted to this
// module's config.Load + db.Connect + db.Migrator stack instead of a
// bespoke migration package.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/developer-mesh/hybrid-indexer/internal/config"
	"github.com/developer-mesh/hybrid-indexer/internal/db"
	"github.com/developer-mesh/hybrid-indexer/internal/observability"
)

const defaultMigrationsPath = "migrations"

var (
	upFlag      = flag.Bool("up", false, "Apply every pending migration")
	downFlag    = flag.Bool("down", false, "Roll back every applied migration")
	versionFlag = flag.Bool("version", false, "Show current migration version")

	configPath    = flag.String("config", "config", "Directory containing config.base.yaml / config.<env>.yaml")
	environment   = flag.String("env", "", "Environment name (defaults to $ENVIRONMENT or development)")
	dsn           = flag.String("dsn", "", "Database DSN override (defaults to the loaded config)")
	migrationsDir = flag.String("dir", defaultMigrationsPath, "Migrations directory")
	timeout       = flag.Duration("timeout", time.Minute, "Migration timeout")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath, *environment)
	if err != nil {
		log.Fatalf("migrate: load config: %v", err)
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}

	logger := observability.NewLogger("migrate")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("migrate: received termination signal, canceling", nil)
		cancel()
	}()

	database, err := db.Connect(ctx, cfg.Database, logger)
	if err != nil {
		log.Fatalf("migrate: connect: %v", err)
	}
	defer database.Close()

	migrator := db.NewMigrator(database, db.MigrationConfig{Path: *migrationsDir, Timeout: *timeout})

	switch {
	case *versionFlag:
		version, dirty, err := migrator.Version()
		if err != nil {
			log.Fatalf("migrate: version: %v", err)
		}
		fmt.Printf("current migration version: %d (dirty: %t)\n", version, dirty)

	case *upFlag:
		start := time.Now()
		if err := migrator.Up(ctx); err != nil {
			log.Fatalf("migrate: up: %v", err)
		}
		fmt.Printf("migrations applied in %s\n", time.Since(start))

	case *downFlag:
		start := time.Now()
		if err := migrator.Down(ctx); err != nil {
			log.Fatalf("migrate: down: %v", err)
		}
		fmt.Printf("migrations rolled back in %s\n", time.Since(start))

	default:
		flag.Usage()
		os.Exit(1)
	}
}
