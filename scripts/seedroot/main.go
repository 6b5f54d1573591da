// Command seedroot plants a colony's first agent. A fresh colony starts
// empty and stays empty until an operator seeds generation zero; the cycle
// scheduler has nothing to do before then.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./scripts/seedroot \
//	    -name eve -persona "a cautious trader" -compute 25 -asset 500
//
// The agent and its two birth-grant ledger rows commit in one database
// transaction, exactly as POST /v1/agents would write them. Safe to run
// against a live server; the new agent joins the next cycle. Migrations are
// applied first, so the script also works on a virgin database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/mure/internal/events"
	"github.com/ashita-ai/mure/internal/service/lifecycle"
	"github.com/ashita-ai/mure/internal/settings"
	"github.com/ashita-ai/mure/internal/storage"
	"github.com/ashita-ai/mure/migrations"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	name := flag.String("name", "", "agent name (required)")
	persona := flag.String("persona", "", "agent persona text (required)")
	strategy := flag.String("strategy", "", "opening strategy")
	compute := flag.Float64("compute", 25, "compute budget")
	asset := flag.Float64("asset", 500, "asset balance")
	lifespan := flag.Duration("lifespan", 0, "lifespan (0 uses the colony grace period)")
	flag.Parse()

	if *name == "" || *persona == "" {
		flag.Usage()
		return fmt.Errorf("-name and -persona are required")
	}

	_ = godotenv.Load()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	db, err := storage.New(ctx, dbURL, "", logger)
	if err != nil {
		return err
	}
	defer db.Close(ctx)

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	mgr := settings.NewManager(db, logger)
	if err := mgr.Load(ctx); err != nil {
		return err
	}

	svc := lifecycle.New(db, mgr, events.NewBus(logger), logger)

	var strat *string
	if *strategy != "" {
		strat = strategy
	}
	agent, err := svc.SeedRoot(ctx, lifecycle.SeedParams{
		Name:          *name,
		Persona:       *persona,
		Strategy:      strat,
		ComputeBudget: *compute,
		AssetBalance:  *asset,
		Lifespan:      *lifespan,
	})
	if err != nil {
		return err
	}

	fmt.Printf("seeded %s (%s)\n  generation 0, compute %.2f, assets %.2f, dies at %s\n",
		agent.Name, agent.ID, agent.ComputeBudget, agent.AssetBalance,
		agent.DiesAt.Format(time.RFC3339))
	return nil
}
