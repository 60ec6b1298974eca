package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veriscan/backend/internal/analyzer"
	"github.com/veriscan/backend/internal/apperr"
	"github.com/veriscan/backend/internal/artifact"
	"github.com/veriscan/backend/internal/bus"
	"github.com/veriscan/backend/internal/circuitbreaker"
	"github.com/veriscan/backend/internal/config"
	"github.com/veriscan/backend/internal/core"
	"github.com/veriscan/backend/internal/dispatch"
	"github.com/veriscan/backend/internal/events"
	"github.com/veriscan/backend/internal/governor"
	"github.com/veriscan/backend/internal/health"
	"github.com/veriscan/backend/internal/infra"
	"github.com/veriscan/backend/internal/metrics"
	"github.com/veriscan/backend/internal/tracking"
	"github.com/veriscan/backend/internal/vcache"
)

func main() {
	// .env is optional; container deployments inject real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewBus()
	prom := metrics.NewPromMetrics()

	observatory := metrics.NewObservatory(eventBus, cfg.Performance.MemoryLimitMB, prom)
	observatory.Track(metrics.MetricRequestLatency, metrics.CapacityRequest, metrics.Thresholds{
		P95Ms: float64(cfg.Performance.FileProcP95Ms),
		P99Ms: 2 * float64(cfg.Performance.FileProcP95Ms),
	})
	observatory.Track(metrics.MetricBusRoundTrip, metrics.CapacityBus, metrics.Thresholds{
		P95Ms: float64(cfg.Performance.DBP95Ms),
	})
	observatory.Track(metrics.MetricAnalyzerRun, metrics.CapacityHeavy, metrics.Thresholds{})
	observatory.Track(metrics.MetricFileHash, metrics.CapacityHeavy, metrics.Thresholds{})
	observatory.Start(ctx, 10*time.Second)

	// Redis backs the bus, cache, and tracking store. Unreachable Redis
	// means degraded mode with in-memory stores, not a dead server.
	var streamClient bus.StreamClient
	var cacheKV vcache.KV = vcache.NewMemoryKV()
	var listStore tracking.ListStore = tracking.NewMemoryListStore()

	adapter, err := infra.NewGoRedisAdapter(infra.Options{
		Addr:           cfg.BusAddr(),
		Password:       cfg.Bus.Password,
		DB:             cfg.Bus.DB,
		ConnectTimeout: time.Duration(cfg.Bus.ConnectTimeoutMs) * time.Millisecond,
		CommandTimeout: time.Duration(cfg.Bus.CommandTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		slog.Warn("[Server] Redis unavailable, starting degraded", "error", err)
	} else {
		streamClient = adapter
		cacheKV = adapter
		listStore = adapter
		defer adapter.Close()
	}

	busClient := bus.NewClient(streamClient, bus.DefaultStreamNames())
	if err := busClient.EnsureGroups(ctx); err != nil {
		slog.Warn("[Server] Consumer group setup failed", "error", err)
	}
	busClient.Start(ctx)
	defer busClient.Close()

	registry := analyzer.NewRegistry()
	analyzer.RegisterBuiltins(registry)
	runner := analyzer.NewRunner(registry, time.Duration(cfg.Analyzers.TimeoutMs)*time.Millisecond)

	gov := governor.New(governor.Config{
		MaxConcurrent: cfg.Concurrency.MaxConcurrent,
		QueueLimit:    cfg.Concurrency.QueueLimit,
		RateWindow:    time.Duration(cfg.Concurrency.RateWindowMs) * time.Millisecond,
		RateMax:       cfg.Concurrency.RateMax,
	})

	breaker := circuitbreaker.New(&circuitbreaker.Config{
		Name:             "analysis-pipeline",
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		ResetTimeout:     time.Duration(cfg.CircuitBreaker.ResetTimeoutMs) * time.Millisecond,
		HalfOpenMax:      cfg.CircuitBreaker.HalfOpenMax,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			slog.Info("[CircuitBreaker] State change", "name", name, "from", from.String(), "to", to.String())
			prom.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
			eventBus.Emit(events.TypeStateChange, "circuitbreaker", "", map[string]interface{}{
				"name": name, "from": from.String(), "to": to.String(),
			})
		},
	})

	cache := vcache.New(cacheKV, vcache.TTLTable{
		core.ConfidenceHigh:           time.Duration(cfg.Cache.TTLHigh) * time.Second,
		core.ConfidenceMedium:         time.Duration(cfg.Cache.TTLMedium) * time.Second,
		core.ConfidenceLow:            time.Duration(cfg.Cache.TTLLow) * time.Second,
		core.ConfidenceReviewRequired: time.Duration(cfg.Cache.TTLReviewRequired) * time.Second,
	})
	tracker := tracking.New(listStore)
	defer tracker.Close()

	dispatcher := dispatch.New(dispatch.Deps{
		Config:      cfg,
		Governor:    gov,
		Breaker:     breaker,
		Cache:       cache,
		Tracker:     tracker,
		Bus:         busClient,
		Runner:      runner,
		Registry:    registry,
		Observatory: observatory,
		Events:      eventBus,
		Prom:        prom,
	})

	checker := health.New(cfg, observatory, breaker, gov, busClient, registry, cache)

	// Periodic upkeep: rate-window sweep, bus-degraded gauge, status heartbeat,
	// latency-percentile publish.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				gov.SweepRates()
				if busClient.Degraded() {
					prom.BusDegraded.Set(1)
				} else {
					prom.BusDegraded.Set(0)
				}
				busClient.PublishStatus(ctx, checker.Snapshot(ctx))
				busClient.PublishPerf(ctx, observatory.SnapshotAll())
			case <-ctx.Done():
				return
			}
		}
	}()

	router := mux.NewRouter()
	router.HandleFunc("/health", healthHandler(checker)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/api/v1/analyze", analyzeHandler(cfg, dispatcher)).Methods("POST")
	router.HandleFunc("/api/v1/tracking/{artifactId}", trackingHandler(tracker)).Methods("GET")
	router.HandleFunc("/ws/events", eventsHandler(eventBus))

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("[Server] Shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
		observatory.Stop()
		cancel()
	}()

	slog.Info("[Server] Listening", "port", cfg.Server.Port, "analyzers", registry.Count())
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
}

// analyzeHandler ingests a multipart upload and runs it through the
// dispatcher. Field "file" carries the bytes, "class" the declared class.
func analyzeHandler(cfg *config.Config, dispatcher *dispatch.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		corrID := r.Header.Get("X-Correlation-ID")
		if corrID == "" {
			corrID = uuid.New().String()
		}
		clientID := r.Header.Get("X-Client-ID")
		if clientID == "" {
			clientID = "anonymous"
		}
		priority := 0
		if p := r.URL.Query().Get("priority"); p != "" {
			if n, err := strconv.Atoi(p); err == nil {
				priority = n
			}
		}

		// One byte over the limit must be observable, so allow limit+1.
		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxFileBytes()+1)
		if err := r.ParseMultipartForm(4 << 20); err != nil {
			writeError(w, corrID, apperr.New(apperr.CategoryValidation, corrID, "malformed upload"))
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			writeError(w, corrID, apperr.New(apperr.CategoryValidation, corrID, "missing file field"))
			return
		}
		defer file.Close()

		class := core.MimeClass(r.FormValue("class"))
		art, err := artifact.New(os.TempDir(), class, file)
		if err != nil {
			writeError(w, corrID, apperr.Wrap(apperr.CategoryInternal, corrID, "failed to stage upload", err))
			return
		}

		verdict, err := dispatcher.Submit(r.Context(), dispatch.Request{
			Artifact:      art,
			ClientID:      clientID,
			Priority:      priority,
			CorrelationID: corrID,
			Deadline:      time.Duration(cfg.Concurrency.DefaultTimeoutMs) * time.Millisecond,
		})
		if err != nil {
			writeError(w, corrID, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(verdict)
	}
}

func healthHandler(checker *health.Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := checker.Snapshot(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if snapshot.Status == health.StatusCritical {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(snapshot)
	}
}

func trackingHandler(tracker *tracking.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		artifactID := mux.Vars(r)["artifactId"]
		record := tracker.Record(r.Context(), artifactID)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"artifact_id": artifactID,
			"stages":      record,
		})
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// eventsHandler streams internal events to operator dashboards.
func eventsHandler(eventBus *events.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ch := eventBus.Subscribe()
		defer eventBus.Unsubscribe(ch)

		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-r.Context().Done():
				return
			}
		}
	}
}

func writeError(w http.ResponseWriter, corrID string, err error) {
	status := http.StatusInternalServerError
	switch apperr.CategoryOf(err) {
	case apperr.CategoryValidation:
		status = http.StatusBadRequest
	case apperr.CategorySecurity:
		status = http.StatusForbidden
	case apperr.CategoryRateLimited, apperr.CategoryQueueFull, apperr.CategoryQueueTimeout:
		status = http.StatusTooManyRequests
	case apperr.CategoryCircuitOpen:
		status = http.StatusServiceUnavailable
	case apperr.CategoryTimeout:
		status = http.StatusGatewayTimeout
	}

	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":          apperr.CategoryOf(err),
		"retryable":      apperr.IsRetryable(err),
		"correlation_id": corrID,
	})
}
