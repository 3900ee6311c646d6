// Command api runs the realtime server: the websocket gateway, the
// cross-process dispatch consumer and the AI agent pipeline in one process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cossistant/realtime/internal/config"
	"github.com/cossistant/realtime/internal/dispatch"
	"github.com/cossistant/realtime/internal/knowledge"
	"github.com/cossistant/realtime/internal/llm"
	"github.com/cossistant/realtime/internal/middleware"
	"github.com/cossistant/realtime/internal/model"
	"github.com/cossistant/realtime/internal/notify"
	"github.com/cossistant/realtime/internal/pipeline"
	"github.com/cossistant/realtime/internal/realtime"
	"github.com/cossistant/realtime/internal/store"
	"github.com/cossistant/realtime/internal/store/pg"
	"github.com/cossistant/realtime/pkg/logger"
	"github.com/cossistant/realtime/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "realtime-api", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("tracing disabled", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	natsClient, err := dispatch.Connect(dispatch.ClientConfig{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Fatal("nats connection failed", zap.Error(err))
	}
	defer natsClient.Close()

	dlog := dispatch.NewLog(natsClient, cfg.ProcessID, cfg.DispatchMaxMsgs, log)
	if err := dlog.EnsureStream(ctx); err != nil {
		log.Fatal("dispatch stream setup failed", zap.Error(err))
	}

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("store setup failed", zap.Error(err))
	}
	defer closeStore()

	registry := realtime.NewRegistry(log)
	presence := realtime.NewPresence()
	fanout := dispatch.NewFanout(registry, dlog, log)

	structured := llm.NewStructuredClient(buildLLMClients(cfg, log))
	events := &routerPublisher{}
	tasks := pipeline.NewSpawner(log, cfg.TaskTimeout)
	pl := pipeline.New(st, structured, structured, structured, events, notify.NewLogNotifier(log), tasks, pipeline.Config{
		PrimaryModel:      cfg.PrimaryModel,
		FallbackModel:     cfg.FallbackModel,
		DefaultAgentID:    cfg.DefaultAgentID,
		DecisionTimeout:   cfg.DecisionTimeout,
		RecentHumanWindow: cfg.RecentHumanWindow,
	}, log)

	kidx := buildKnowledgeIndex(cfg, log)
	if kidx != nil {
		pl.SetRetriever(kidx)
	}

	router := realtime.NewRouter(fanout, presence, pl, log)
	events.router = router

	gateway := realtime.NewGateway(registry, router, st, cfg.JWTSecret, cfg.AllowedOrigins, log)
	consumer := dispatch.NewConsumer(natsClient, registry, cfg.ProcessID, cfg.DispatchBatchSize, cfg.CheckpointInterval, log)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      buildHandler(cfg, log, gateway, natsClient, kidx),
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server listening",
			zap.String("port", cfg.ServerPort),
			zap.String("process_id", cfg.ProcessID),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := consumer.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server exited with error", zap.Error(err))
	}

	tasks.Wait()
	log.Info("server stopped")
}

// routerPublisher adapts the realtime router to the pipeline's event sink.
// The field is set after the router is built; the pipeline and the router
// reference each other, so one side binds late.
type routerPublisher struct {
	router *realtime.Router
}

func (p *routerPublisher) Publish(ctx context.Context, ev model.RealtimeEvent) {
	p.router.Route(ctx, ev, realtime.RouteContext{})
}

// openStore picks the pgx-backed store when a database is configured, the
// in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn("no DATABASE_URL configured, using in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	pgStore, err := pg.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return pgStore, pgStore.Close, nil
}

// buildLLMClients constructs whichever providers have keys configured; nil
// entries are tolerated by the structured client.
func buildLLMClients(cfg *config.Config, log *logger.Logger) (llm.Client, llm.Client) {
	var anthropicClient, openaiClient llm.Client
	if cfg.AnthropicAPIKey != "" {
		c, err := llm.NewAnthropicClient(cfg.AnthropicAPIKey)
		if err != nil {
			log.Warn("anthropic client unavailable", zap.Error(err))
		} else {
			anthropicClient = c
		}
	}
	if cfg.OpenAIAPIKey != "" {
		c, err := llm.NewOpenAIClient(cfg.OpenAIAPIKey)
		if err != nil {
			log.Warn("openai client unavailable", zap.Error(err))
		} else {
			openaiClient = c
		}
	}
	if anthropicClient == nil && openaiClient == nil {
		log.Warn("no LLM provider configured, AI agent will degrade to observe")
	}
	return anthropicClient, openaiClient
}

// buildKnowledgeIndex stands up the retrieval index when an embeddings
// provider is configured; without one the agent runs context-free.
func buildKnowledgeIndex(cfg *config.Config, log *logger.Logger) *knowledge.Index {
	if cfg.OpenAIAPIKey == "" {
		log.Info("no embeddings provider configured, knowledge retrieval disabled")
		return nil
	}
	embedder, err := knowledge.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.EmbeddingModel)
	if err != nil {
		log.Warn("knowledge index unavailable", zap.Error(err))
		return nil
	}
	return knowledge.NewIndex(embedder, cfg.KnowledgeChunkSize, cfg.KnowledgeChunkOverlap)
}

func buildHandler(cfg *config.Config, log *logger.Logger, gateway *realtime.Gateway, natsClient *dispatch.Client, kidx *knowledge.Index) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins(cfg.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Visitor-Id", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !natsClient.IsConnected() {
			http.Error(w, `{"status":"degraded","nats":"disconnected"}`, http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", gateway.HandleWS)

	if kidx != nil {
		r.With(middleware.Auth(cfg.JWTSecret)).Post("/knowledge/documents", handleKnowledgeUpsert(kidx, log))
	}

	return r
}

// handleKnowledgeUpsert ingests one support document: the body is chunked,
// embedded and stored under its website.
func handleKnowledgeUpsert(kidx *knowledge.Index, log *logger.Logger) http.HandlerFunc {
	type request struct {
		ID        string `json:"id"`
		WebsiteID string `json:"websiteId"`
		Content   string `json:"content"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		if req.ID == "" || req.WebsiteID == "" || strings.TrimSpace(req.Content) == "" {
			http.Error(w, `{"error":"id, websiteId and content are required"}`, http.StatusBadRequest)
			return
		}

		chunks, err := kidx.UpsertDocument(r.Context(), req.WebsiteID, req.ID, req.Content)
		if err != nil {
			log.Error("knowledge ingest failed",
				zap.String("document_id", req.ID),
				zap.Error(err),
			)
			http.Error(w, `{"error":"embedding failed"}`, http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"documentId": req.ID,
			"chunks":     chunks,
		})
	}
}

func corsOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
