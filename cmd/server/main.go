package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matrixqa/matrix-runner/internal/agent"
	"github.com/matrixqa/matrix-runner/internal/api"
	"github.com/matrixqa/matrix-runner/internal/auth"
	"github.com/matrixqa/matrix-runner/internal/browserenv"
	"github.com/matrixqa/matrix-runner/internal/browserpool"
	"github.com/matrixqa/matrix-runner/internal/capture"
	"github.com/matrixqa/matrix-runner/internal/config"
	"github.com/matrixqa/matrix-runner/internal/hub"
	"github.com/matrixqa/matrix-runner/internal/jira"
	"github.com/matrixqa/matrix-runner/internal/provider"
	"github.com/matrixqa/matrix-runner/internal/ratelimit"
	"github.com/matrixqa/matrix-runner/internal/recorder"
	"github.com/matrixqa/matrix-runner/internal/registry"
	"github.com/matrixqa/matrix-runner/internal/runner"
	"github.com/matrixqa/matrix-runner/internal/store"
)

func main() {
	cfg := config.Load()

	log.Println("Starting Matrix QA Runner...")

	// Mongo is optional; without it the server runs with auth, history
	// and recording persistence degraded.
	var st *store.Store
	{
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		s, err := store.Connect(ctx, cfg.MongoURI)
		cancel()
		if err != nil {
			log.Printf("⚠️  MongoDB unavailable, running without persistence: %v", err)
		} else {
			st = s
			defer st.Close(context.Background())
			bootstrapUsers(st)
		}
	}

	reg := registry.New()
	log.Println("✓ Session registry initialized")

	rec, err := recorder.New()
	if err != nil {
		log.Fatalf("Failed to create recorder: %v", err)
	}
	defer rec.Close()
	log.Println("✓ Video recorder initialized")

	var sink hub.RecordingSink
	if st != nil {
		sink = st
	}
	eventHub := hub.New(reg, capture.NewSource(), rec, sink)
	log.Println("✓ Websocket hub initialized")

	var pool *browserpool.Pool
	if cfg.BrowserRuntime == "docker" {
		pool, err = browserpool.New()
		if err != nil {
			log.Fatalf("Failed to create browser pool: %v", err)
		}
		defer pool.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		log.Println("⏳ Ensuring Chrome image is available...")
		if err := pool.EnsureImage(ctx); err != nil {
			cancel()
			log.Fatalf("Failed to ensure chrome image: %v", err)
		}
		cancel()
		log.Println("✓ Chrome image ready")
	}

	factory, err := browserenv.NewFactory(cfg.BrowserRuntime, pool)
	if err != nil {
		log.Fatalf("Failed to start browser driver: %v", err)
	}
	log.Printf("✓ Browser driver initialized (%s runtime)", cfg.BrowserRuntime)

	resolver := provider.NewResolver(cfg)

	newBrowser := func(ctx context.Context, sessionID string, headless bool) (runner.Browser, error) {
		return factory.NewContext(ctx, sessionID, headless)
	}
	resolve := func(providerName, model, apiKey string, useDefaultKey bool) (agent.LLM, error) {
		return resolver.Resolve(providerName, model, apiKey, useDefaultKey)
	}

	var history runner.HistorySink
	if st != nil {
		history = st
	}
	exec := runner.New(reg, eventHub, resolve, newBrowser, agent.New(), history, cfg.XServerAvailable)
	log.Println("✓ Task executor initialized")

	var jiraProcessor *jira.Processor
	if cfg.JiraConfigured() {
		service := jira.New(cfg.JiraURL, cfg.JiraUsername, cfg.JiraAPIToken, cfg.JiraAutomationLabels)
		jiraProcessor = jira.NewProcessor(service, reg, exec)
		log.Println("✓ Jira automation enabled")
	}

	authn := auth.New(cfg.JWTSecret, cfg.APIKey)
	rateLimiter := ratelimit.NewLimiter(120, 20)

	handler := api.NewHandler(reg, exec, eventHub, st, authn, resolver, jiraProcessor)
	router := handler.SetupRoutes(rateLimiter)
	log.Println("✓ HTTP routes configured")

	// No WriteTimeout: the websocket channels stay open for the whole
	// session lifetime.
	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("🚀 Server starting on %s", cfg.ListenAddr)
		log.Println("📍 API endpoints available under /api")
		log.Println("🔌 Websocket channels at /ws/{session_id} and /ws/screenshot/{session_id}")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("⏳ Shutting down server gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("✅ Server stopped cleanly")
}

// bootstrapUsers makes sure the default accounts exist. Passwords come
// from the environment so deployments never ship the dev defaults.
func bootstrapUsers(st *store.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	adminPassword := os.Getenv("ADMIN_PASSWORD")
	if adminPassword == "" {
		adminPassword = "admin"
		log.Println("⚠️  ADMIN_PASSWORD not set, using development default")
	}
	if err := st.EnsureUser(ctx, "admin", adminPassword, "admin"); err != nil {
		log.Printf("Error ensuring admin user: %v", err)
	}
	if testPassword := os.Getenv("TEST_USER_PASSWORD"); testPassword != "" {
		if err := st.EnsureUser(ctx, "test", testPassword, "user"); err != nil {
			log.Printf("Error ensuring test user: %v", err)
		}
	}
}
