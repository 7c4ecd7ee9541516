// The stream gateway bridges the Redis event relay onto Socket.IO for
// dashboard frontends. It runs as its own deployment so websocket fan-out
// scales independently of the API pods: the engine publishes once to
// Redis, every gateway replica re-broadcasts to its connected clients.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	socketio "github.com/googollee/go-socket.io"
	"github.com/joho/godotenv"

	"github.com/zenith/forensics/internal/config"
	"github.com/zenith/forensics/internal/events"
	"github.com/zenith/forensics/internal/infra"
)

// streamedTypes is the set of relay channels the gateway listens on.
// Telemetry and system events stay server-side.
var streamedTypes = []events.EventType{
	events.DataIngested,
	events.ReconciliationCompleted,
	events.TransactionMatched,
	events.VarianceDetected,
	events.AnomalyDetected,
	events.HighRiskAlert,
	events.ProactiveAlert,
	events.PatternIdentified,
	events.CircularFlowDetected,
	events.CaseCreated,
	events.CaseClosed,
	events.EvidenceAdded,
	events.EvidenceVerified,
	events.BatchJobStarted,
	events.BatchJobCompleted,
	events.BatchJobFailed,
	events.AIInsight,
}

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

	port := os.Getenv("GATEWAY_PORT")
	if port == "" {
		port = "8090"
	}

	redisClient, err := infra.NewRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Stream gateway needs Redis: %v", err)
	}
	defer redisClient.Close()

	server := socketio.NewServer(nil)

	server.OnConnect("/", func(s socketio.Conn) error {
		s.SetContext("")
		log.Printf("🔗 Client connected: %s", s.ID())
		return nil
	})

	// Clients subscribe to per-engagement rooms; "global" gets everything.
	server.OnEvent("/", "subscribe", func(s socketio.Conn, project string) {
		if project == "" {
			project = "global"
		}
		s.Join(project)
		log.Printf("📡 Client %s joined room %s", s.ID(), project)
	})

	server.OnEvent("/", "unsubscribe", func(s socketio.Conn, project string) {
		s.Leave(project)
	})

	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		log.Printf("🔌 Client disconnected: %s (%s)", s.ID(), reason)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// One Redis subscription per event type; each inbound message fans out
	// to the project room and the global room.
	var unsubs []func()
	for _, t := range streamedTypes {
		channel := events.DefaultChannelPrefix + string(t)
		eventName := string(t)
		unsub, err := redisClient.Subscribe(ctx, channel, func(payload []byte) {
			var event events.Event
			if err := json.Unmarshal(payload, &event); err != nil {
				log.Printf("⚠️  Bad payload on %s: %v", channel, err)
				return
			}
			if event.Project != "" {
				server.BroadcastToRoom("/", event.Project, eventName, string(payload))
			}
			server.BroadcastToRoom("/", "global", eventName, string(payload))
		})
		if err != nil {
			log.Fatalf("Failed to subscribe %s: %v", channel, err)
		}
		unsubs = append(unsubs, unsub)
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()
	log.Printf("📻 Listening on %d relay channels", len(streamedTypes))

	go func() {
		if err := server.Serve(); err != nil {
			log.Printf("Socket.IO serve error: %v", err)
		}
	}()
	defer server.Close()

	mux := http.NewServeMux()
	mux.Handle("/socket.io/", server)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	httpServer := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	log.Printf("🚀 Stream gateway listening on :%s", port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Gateway failed: %v", err)
	}
}
