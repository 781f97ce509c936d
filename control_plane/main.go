package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reflyai/triggerplane/control_plane/idempotency"
	"github.com/reflyai/triggerplane/control_plane/ingress"
	"github.com/reflyai/triggerplane/control_plane/middleware"
	"github.com/reflyai/triggerplane/control_plane/queue"
	"github.com/reflyai/triggerplane/control_plane/records"
	"github.com/reflyai/triggerplane/control_plane/sandbox"
	"github.com/reflyai/triggerplane/control_plane/scheduler"
	"github.com/reflyai/triggerplane/control_plane/store"
	"github.com/reflyai/triggerplane/control_plane/streaming"
	"github.com/reflyai/triggerplane/control_plane/timeline"
	"github.com/reflyai/triggerplane/control_plane/trigger"
	"github.com/reflyai/triggerplane/control_plane/variables"
)

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// storeAPIKeyValidator resolves bearer API keys against the store by
// their sha256 hash; raw keys are never persisted.
type storeAPIKeyValidator struct {
	store store.Store
}

func (v *storeAPIKeyValidator) ValidateAPIKey(ctx context.Context, key string) (string, error) {
	sum := sha256.Sum256([]byte(key))
	uid, err := v.store.GetUIDByAPIKey(ctx, hex.EncodeToString(sum[:]))
	if err != nil {
		return "", err
	}
	if uid == "" {
		return "", fmt.Errorf("unknown api key")
	}
	return uid, nil
}

func main() {
	ctx := context.Background()

	// Redis is the coordination spine: locks, queues, counters, caches.
	redisAddr := envOr("REDIS_ADDR", "localhost:6379")
	redisStore, err := store.NewRedisStore(redisAddr, os.Getenv("REDIS_PASSWORD"), 0)
	if err != nil {
		log.Fatalf("Failed to connect to Redis at %s: %v", redisAddr, err)
	}
	defer redisStore.Close()
	log.Printf("Connected to Redis at %s", redisAddr)

	// Durable entities live in Postgres; the memory store is a dev/test
	// fallback only.
	var s store.Store
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := store.NewPostgresStore(ctx, dsn)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		s = pg
		log.Println("Using Postgres store")
	} else {
		s = store.NewMemoryStore()
		log.Println("DATABASE_URL not set. Using in-memory store (single node, non-durable)")
	}

	client := redisStore.Client()
	scheduleQueue := queue.New("scheduleExecution", client)
	executeQueue := queue.New("scaleboxExecute", client)
	pauseQueue := queue.New("scaleboxPause", client)
	killQueue := queue.New("scaleboxKill", client)

	// Record transitions fan out to the in-process bus (websocket hub)
	// and the process log.
	bus := streaming.NewBus()
	logPublisher := streaming.NewLogPublisher()
	publisher := streaming.Fanout{bus, logPublisher}
	defer publisher.Close()

	projector := records.NewProjector(s, publisher)
	normalizer := variables.NewNormalizer(s)

	schedCfg := scheduler.DefaultConfig()
	if v := os.Getenv("GLOBAL_MAX_CONCURRENT"); v != "" {
		var n int
		fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			schedCfg.GlobalMaxConcurrent = n
		}
	}
	if v := os.Getenv("USER_MAX_CONCURRENT"); v != "" {
		var n int
		fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			schedCfg.UserMaxConcurrent = n
		}
	}

	engine := NewEngineClient(envOr("WORKFLOW_ENGINE_URL", "http://localhost:8090"))

	priority := scheduler.NewPriorityService(s, schedCfg)
	schedEngine := scheduler.NewEngine(s, redisStore, scheduleQueue, priority, schedCfg)
	processor := scheduler.NewProcessor(s, redisStore, scheduleQueue, engine, projector, normalizer, schedCfg)
	schedService := scheduler.NewService(s, scheduleQueue, priority, projector, schedCfg)

	sandboxCfg := sandbox.DefaultConfig()
	sandboxCfg.APIKey = os.Getenv("SANDBOX_API_KEY")
	if v := os.Getenv("SANDBOX_WRAPPER_TYPE"); v != "" {
		sandboxCfg.WrapperType = v
	}
	if v := os.Getenv("SANDBOX_TEMPLATE"); v != "" {
		sandboxCfg.TemplateName = v
	}
	factory, err := sandbox.NewWrapperFactory(sandboxCfg.WrapperType)
	if err != nil {
		log.Fatalf("Invalid sandbox wrapper type: %v", err)
	}

	provider := NewProviderClient(envOr("SANDBOX_PROVIDER_URL", "http://localhost:8091"), sandboxCfg.APIKey)
	drive := NewDriveClient(envOr("DRIVE_SERVICE_URL", "http://localhost:8092"))
	locks := sandbox.NewLockManager(redisStore, sandboxCfg)
	pool := sandbox.NewPool(redisStore, provider, factory, pauseQueue, killQueue, locks, sandboxCfg)
	scalebox := sandbox.NewScalebox(pool, locks, executeQueue, drive, sandboxCfg, 4)

	cache := ingress.NewWebhookConfigCache(redisStore, s)
	webhooks := trigger.NewWebhookService(s, cache, normalizer, projector, engine)
	openapi := trigger.NewOpenAPIService(s, normalizer, projector, engine, webhooks)
	tracker := trigger.NewCallTracker(s)

	tl := timeline.NewStore()
	hub, err := NewRecordHub(bus, tl)
	if err != nil {
		log.Fatalf("Failed to start record hub: %v", err)
	}

	idemStore := idempotency.NewStore(redisStore)

	api := NewAPI(s, schedService, webhooks, openapi, tracker, scalebox, cache, redisStore, tl, hub, idemStore)

	// Background workers
	go hub.Run(ctx)
	schedEngine.Start(ctx)
	processor.Start(ctx)
	pool.StartProcessors(ctx)
	scalebox.Start(ctx)

	validator := &storeAPIKeyValidator{store: s}

	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Trigger surface
	http.HandleFunc("/v1/openapi/webhook/", api.handleWebhookRun)
	http.Handle("/v1/openapi/workflow/run", middleware.APIKeyMiddleware(validator, http.HandlerFunc(api.handleWorkflowRun)))
	http.Handle("/v1/scalebox/execute", middleware.APIKeyMiddleware(validator, http.HandlerFunc(api.handleScaleboxExecute)))

	// Webhook management
	http.Handle("/v1/webhook/enable", middleware.AuthMiddleware(http.HandlerFunc(api.handleWebhookEnable)))
	http.Handle("/v1/webhook/disable", middleware.AuthMiddleware(http.HandlerFunc(api.handleWebhookDisable)))
	http.Handle("/v1/webhook/reset", middleware.AuthMiddleware(http.HandlerFunc(api.handleWebhookReset)))
	http.Handle("/v1/webhook/update", middleware.AuthMiddleware(http.HandlerFunc(api.handleWebhookUpdate)))
	http.Handle("/v1/webhook/config", middleware.AuthMiddleware(http.HandlerFunc(api.handleWebhookConfig)))
	http.Handle("/v1/webhook/history", middleware.AuthMiddleware(http.HandlerFunc(api.handleWebhookHistory)))

	// Schedule management
	http.Handle("/v1/schedule", middleware.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			api.handleScheduleGet(w, r)
			return
		}
		// Wrap with idempotency for POST
		api.withIdempotency(api.handleScheduleUpsert)(w, r)
	})))
	http.Handle("/v1/schedule/list", middleware.AuthMiddleware(http.HandlerFunc(api.handleScheduleList)))
	http.Handle("/v1/schedule/delete", middleware.AuthMiddleware(http.HandlerFunc(api.handleScheduleDelete)))
	http.Handle("/v1/schedule/records", middleware.AuthMiddleware(http.HandlerFunc(api.handleScheduleRecords)))
	http.Handle("/v1/schedule/record/retry", middleware.AuthMiddleware(http.HandlerFunc(api.withIdempotency(api.handleScheduleRetry))))

	// Record stream
	http.Handle("/v1/records/recent", middleware.AuthMiddleware(http.HandlerFunc(api.handleRecentRecords)))
	http.Handle("/v1/records/stream", middleware.AuthMiddleware(http.HandlerFunc(api.handleRecordStream)))

	// Metrics Endpoint
	http.Handle("/metrics", promhttp.Handler())

	port := envOr("PORT", "8080")
	log.Printf("Trigger plane listening on :%s", port)

	// Wrap all routes with CORS middleware for frontend access
	handler := middleware.CORSMiddleware(http.DefaultServeMux)

	log.Fatal(http.ListenAndServe(":"+port, handler))
}
