// The engine's API server. Wires the store, the event bus, every analysis
// service, and the HTTP surface, then serves until SIGTERM.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zenith/forensics/internal/analytics"
	"github.com/zenith/forensics/internal/api"
	"github.com/zenith/forensics/internal/batch"
	"github.com/zenith/forensics/internal/cases"
	"github.com/zenith/forensics/internal/circuitbreaker"
	"github.com/zenith/forensics/internal/config"
	"github.com/zenith/forensics/internal/currency"
	"github.com/zenith/forensics/internal/events"
	"github.com/zenith/forensics/internal/graph"
	"github.com/zenith/forensics/internal/infra"
	"github.com/zenith/forensics/internal/ingest"
	"github.com/zenith/forensics/internal/integrity"
	"github.com/zenith/forensics/internal/metrics"
	"github.com/zenith/forensics/internal/middleware"
	"github.com/zenith/forensics/internal/monitor"
	"github.com/zenith/forensics/internal/push"
	"github.com/zenith/forensics/internal/reconcile"
	"github.com/zenith/forensics/internal/resolver"
	"github.com/zenith/forensics/internal/security"
	"github.com/zenith/forensics/internal/semantic"
	"github.com/zenith/forensics/internal/store"
	"github.com/zenith/forensics/internal/triggers"
	"github.com/zenith/forensics/internal/webhooks"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store: Postgres in deployment, in-memory when no DSN is set.
	var (
		st store.Store
		pg *store.Postgres
	)
	if cfg.Database.URL != "" {
		pg, err = store.NewPostgres(cfg.Database)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		st = pg
		log.Println("🗄️  Postgres store connected")
	} else {
		log.Println("⚠️  DATABASE_URL not set, using in-memory store")
		st = store.NewMemory()
	}
	defer st.Close()

	bus := events.NewBus()

	// Redis carries the cross-pod event relay and the FX rate cache. The
	// engine runs fine without it.
	var rateCache currency.RateCache
	if cfg.Redis.Enabled {
		rc, err := infra.NewRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Printf("⚠️  Redis unavailable, relay and rate cache disabled: %v", err)
		} else {
			defer rc.Close()
			relay := events.NewRedisRelay(bus, rc, "")
			relay.Start(ctx)
			defer relay.Close()
			rateCache = rc
		}
	}

	// Optional durable event mirror for consumers outside the process.
	if gcpProject := os.Getenv("PUBSUB_PROJECT"); gcpProject != "" {
		topic := os.Getenv("PUBSUB_TOPIC")
		if topic == "" {
			topic = "zenith-events"
		}
		psRelay, err := events.NewPubSubRelay(bus, gcpProject, topic)
		if err != nil {
			log.Printf("⚠️  Pub/Sub relay disabled: %v", err)
		} else {
			psRelay.Start()
			defer psRelay.Close()
		}
	}

	// Semantic scoring: local embedder always exists; gRPC mode layers the
	// remote model on top and degrades back to local on failure.
	local := semantic.NewLocal(cfg.Semantic.EmbeddingDim, cfg.Semantic.CacheSize)
	var sem semantic.Service = local
	if cfg.Semantic.Mode == "grpc" && cfg.Semantic.GRPCAddr != "" {
		remote, err := semantic.DialRemote(cfg.Semantic.GRPCAddr, local)
		if err != nil {
			log.Printf("⚠️  Semantic gRPC dial failed, using local embedder: %v", err)
		} else {
			sem = remote
			log.Printf("🧠 Semantic scoring via gRPC at %s", cfg.Semantic.GRPCAddr)
		}
	}

	fx := currency.New(nil, rateCache, time.Duration(cfg.Currency.CacheTTLHours)*time.Hour)

	// Evidence integrity: hash-chained audit log, artifact registry, and an
	// optional external anchor ledger.
	audit := integrity.NewChainLogger(st)
	breakers := circuitbreaker.NewEngineBreakers()

	var anchorer integrity.Anchorer
	if cfg.Integrity.AnchorMode == "spanner" {
		parts := strings.Split(cfg.Integrity.SpannerDatabase, "/")
		if len(parts) != 3 {
			log.Fatalf("SPANNER_DATABASE must be project/instance/database, got %q", cfg.Integrity.SpannerDatabase)
		}
		sa, err := integrity.NewSpannerAnchorer(parts[0], parts[1], parts[2], breakers.Anchor)
		if err != nil {
			log.Fatalf("Failed to connect Spanner anchor: %v", err)
		}
		defer sa.Close()
		anchorer = sa
	}

	var regStore integrity.RegistryStore
	switch cfg.Integrity.Store {
	case "supabase":
		regStore, err = integrity.NewSupabaseRegistryStore(
			os.Getenv("SUPABASE_URL"), os.Getenv("SUPABASE_SERVICE_KEY"))
		if err != nil {
			log.Fatalf("Failed to connect Supabase registry: %v", err)
		}
	case "postgres":
		if pg == nil {
			log.Println("⚠️  Registry store 'postgres' needs a database, falling back to memory")
			regStore = integrity.NewMemoryRegistryStore()
			break
		}
		regStore = integrity.NewPostgresRegistryStore(pg.DB())
	default:
		regStore = integrity.NewMemoryRegistryStore()
	}
	registry := integrity.NewRegistry(regStore, audit, anchorer)

	// Analysis services.
	trig := triggers.NewEngine(st, cfg.Triggers)
	res := resolver.New(st)
	pipeline := ingest.New(st, res, trig, sem, bus)
	matcher := reconcile.NewMatcher(st, fx, sem)
	recon := reconcile.NewService(st, matcher, trig, audit, bus)
	caseSvc := cases.New(st, bus, registry, audit)

	prober := batch.NewSystemProber()
	orch := batch.NewOrchestrator(st, bus, cfg.Batch, prober,
		api.NewJobProcessor(st, pipeline, recon, res, sem))

	// Outbound webhooks.
	hooks := webhooks.NewRegistry()
	var emitter webhooks.Emitter
	if cfg.Webhooks.Mode == "cloudtasks" {
		cd, err := webhooks.NewCloudDispatcher(hooks,
			cfg.Webhooks.GCPProject, cfg.Webhooks.Location, cfg.Webhooks.Queue,
			cfg.Webhooks.SigningSecret, 4)
		if err != nil {
			log.Fatalf("Failed to start Cloud Tasks dispatcher: %v", err)
		}
		emitter = cd
	} else {
		emitter = webhooks.NewDispatcher(hooks, 4, cfg.Webhooks.SigningSecret)
	}
	bridge := webhooks.NewBridge(bus, emitter)
	defer bridge.Close()
	defer emitter.Shutdown()

	// Websocket push and the background monitor. The bridge doubles as a
	// monitor sink so alerts reach webhook subscribers too.
	hub := push.NewHub()
	hub.Attach(bus)
	go hub.Run()
	defer hub.Close()

	mon := monitor.New(st, bus, cfg.Monitor, cfg.Batch, prober, bridge)
	mon.Start(ctx)
	defer mon.Stop()

	// Terminal jobs age out daily.
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := orch.ArchiveOldJobs(ctx); err != nil {
					log.Printf("⚠️  Job archival failed: %v", err)
				}
			}
		}
	}()

	// Auth is on whenever tokens are configured; without them the API is
	// open, which is only acceptable for local development.
	var auth *middleware.TokenAuth
	if raw := os.Getenv("API_TOKENS"); raw != "" {
		auth = middleware.NewTokenAuth(cfg.Security.BcryptCost)
		n, err := registerTokens(auth, raw)
		if err != nil {
			log.Fatalf("Failed to parse API_TOKENS: %v", err)
		}
		log.Printf("🔑 %d API token(s) registered", n)
	} else {
		log.Println("⚠️  API_TOKENS not set, authentication disabled")
	}

	var notes security.NoteSealer
	if cfg.Security.NoteKeyHex != "" {
		sealer, err := security.NewSealer(cfg.Security.NoteKeyHex)
		if err != nil {
			log.Fatalf("Invalid note sealing key: %v", err)
		}
		notes = sealer
	} else {
		log.Println("⚠️  SECURITY_NOTE_KEY not set, investigator notes disabled")
	}

	server := api.NewServer(api.Deps{
		Store:     st,
		Bus:       bus,
		Pipeline:  pipeline,
		Reconcile: recon,
		Jobs:      orch,
		Cases:     caseSvc,
		Analytics: analytics.New(st, bus),
		Graph:     graph.NewService(st, bus, cfg.Graph),
		Monitor:   mon,
		Registry:  registry,
		Hub:       hub,
		Hooks:     hooks,
		Notes:     notes,
		Auth:      auth,
		Limiter:   middleware.NewRateLimiter(middleware.RateLimitConfig{}),
		Metrics:   metrics.NewMetrics(),
	})

	if err := server.Start(ctx, ":"+cfg.Server.Port); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
	log.Println("Server stopped")
}

// registerTokens parses API_TOKENS, a comma-separated list of
// operator:project:token triples. An empty project scopes the token to all
// projects.
func registerTokens(auth *middleware.TokenAuth, raw string) (int, error) {
	n := 0
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
			return 0, fmt.Errorf("entry %q is not operator:project:token", entry)
		}
		if err := auth.Issue(parts[0], parts[1], parts[2]); err != nil {
			return 0, err
		}
		n++
	}
	if n == 0 {
		return 0, fmt.Errorf("no usable entries")
	}
	return n, nil
}
