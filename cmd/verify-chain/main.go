// verify-chain walks every project's evidence registry and recomputes the
// hash chain link by link. Run it from cron or before producing a dossier
// for court; a non-zero exit means at least one chain is broken.
//
// With extra arguments it also verifies a single audit trail:
//
//	verify-chain case 7d8f1c2a-...
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/zenith/forensics/internal/config"
	"github.com/zenith/forensics/internal/integrity"
	"github.com/zenith/forensics/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	pg, err := store.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer pg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// Targeted mode: verify one audit trail and exit.
	if len(os.Args) == 3 {
		verifyAuditTrail(ctx, pg, os.Args[1], os.Args[2])
		return
	}

	audit := integrity.NewChainLogger(pg)
	registry := integrity.NewRegistry(integrity.NewPostgresRegistryStore(pg.DB()), audit, nil)

	projects, err := pg.ListProjects(ctx)
	if err != nil {
		log.Fatalf("Failed to list projects: %v", err)
	}

	fmt.Printf("Verifying evidence registries for %d project(s)\n\n", len(projects))

	broken := 0
	for _, p := range projects {
		intact, failedIndex, err := registry.VerifyChain(ctx, p.ID)
		switch {
		case err != nil:
			fmt.Printf("❌ %-30s verification error: %v\n", p.Code, err)
			broken++
		case !intact:
			fmt.Printf("❌ %-30s chain BROKEN at entry %d\n", p.Code, failedIndex)
			broken++
		default:
			fmt.Printf("✅ %-30s chain intact\n", p.Code)
		}
	}

	fmt.Println()
	if broken > 0 {
		fmt.Printf("%d broken chain(s) — evidence integrity is compromised\n", broken)
		os.Exit(1)
	}
	fmt.Println("All chains intact")
}

func verifyAuditTrail(ctx context.Context, s store.Store, entityType, entityID string) {
	intact, failedIndex, err := integrity.VerifyAuditChain(ctx, s, entityType, entityID)
	if err != nil {
		log.Fatalf("Failed to verify audit trail: %v", err)
	}
	if !intact {
		fmt.Printf("❌ audit trail %s/%s BROKEN at entry %d\n", entityType, entityID, failedIndex)
		os.Exit(1)
	}
	fmt.Printf("✅ audit trail %s/%s intact\n", entityType, entityID)
}
