package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/climatedocs/core"
	"github.com/climatedocs/core/bucket"
	"github.com/climatedocs/core/ingest"
	"github.com/climatedocs/core/objectstore"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	shutdownTracing := setupTracing()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			slog.Warn("tracer shutdown", "error", err)
		}
	}()

	cfg, err := climatedocs.LoadConfig(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	// Remaining overrides not yet covered by viper's automatic env
	// binding (field names that don't map 1:1 to GOREASON_<KEY>).
	if v := os.Getenv("GOREASON_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("GOREASON_CHAT_BASE_URL"); v != "" {
		cfg.Chat.BaseURL = v
	}
	if v := os.Getenv("GOREASON_EMBED_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("GOREASON_CHAT_API_KEY"); v != "" {
		cfg.Chat.APIKey = v
	}
	if v := os.Getenv("GOREASON_EMBED_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("GOREASON_CHAT_MODEL"); v != "" {
		cfg.Chat.Model = v
	}
	if v := os.Getenv("GOREASON_EMBED_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("GOREASON_CHAT_PROVIDER"); v != "" {
		cfg.Chat.Provider = v
	}
	if v := os.Getenv("GOREASON_EMBED_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("ENABLE_GRAPHRAG"); v != "" {
		cfg.EnableGraphRAG = v == "1" || v == "true"
	}
	if v := os.Getenv("ENABLE_STP"); v != "" {
		cfg.EnableSTP = v == "1" || v == "true"
	}

	// Fallback: check well-known provider env vars for API keys.
	if cfg.Chat.APIKey == "" {
		switch cfg.Chat.Provider {
		case "openai":
			cfg.Chat.APIKey = os.Getenv("OPENAI_API_KEY")
		case "groq":
			cfg.Chat.APIKey = os.Getenv("GROQ_API_KEY")
		}
	}
	if cfg.Embedding.APIKey == "" {
		switch cfg.Embedding.Provider {
		case "openai":
			cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
		case "groq":
			cfg.Embedding.APIKey = os.Getenv("GROQ_API_KEY")
		}
	}

	apiKey := os.Getenv("GOREASON_API_KEY")
	jwtSecret := os.Getenv("GOREASON_JWT_SECRET")
	corsOrigins := os.Getenv("GOREASON_CORS_ORIGINS")

	engine, err := climatedocs.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	h := newHandler(engine)
	mux := http.NewServeMux()

	minioH := &minioHandler{}
	if bucket := os.Getenv("GOREASON_S3_BUCKET"); bucket != "" {
		store, err := objectstore.NewS3Store(context.Background(), objectstore.S3Config{
			Region:       envOr("GOREASON_S3_REGION", "us-east-1"),
			Endpoint:     os.Getenv("GOREASON_S3_ENDPOINT"),
			AccessKey:    os.Getenv("GOREASON_S3_ACCESS_KEY"),
			SecretKey:    os.Getenv("GOREASON_S3_SECRET_KEY"),
			UsePathStyle: os.Getenv("GOREASON_S3_PATH_STYLE") == "true",
		})
		if err != nil {
			slog.Warn("s3 object store disabled", "error", err)
		} else {
			minioH.store = store
		}
	}
	if brokers := os.Getenv("GOREASON_KAFKA_BROKERS"); brokers != "" {
		topic := envOr("GOREASON_KAFKA_INGEST_TOPIC", "climatedocs.ingest-triggers")
		producer, err := ingest.NewKafkaProducer(brokers, topic)
		if err != nil {
			slog.Warn("kafka ingress disabled", "error", err)
		} else {
			minioH.ingress = ingest.NewWebhookIngress(producer, topic)

			// The batch ingestion driver's Kafka consumer: every
			// published trigger runs through the same single-document
			// Ingestion Orchestrator path the HTTP boundary uses.
			go func() {
				groupID := envOr("GOREASON_KAFKA_GROUP_ID", "climatedocs-ingest")
				err := ingest.ConsumeTriggers(context.Background(), brokers, groupID, topic,
					func(ctx context.Context, trig ingest.IngestTrigger) error {
						b, err := bucket.Parse(trig.Bucket)
						if err != nil {
							return err
						}
						engine.ProcessDocument(ctx, trig.Key, b, ingest.Flags{
							Chunking: true, Summarization: true, GraphRAG: true, STP: true,
						})
						return nil
					})
				if err != nil {
					slog.Error("kafka ingest consumer stopped", "error", err)
				}
			}()
		}
	}

	mux.HandleFunc("GET /health", h.handleHealth)

	mux.HandleFunc("POST /process/document", h.handleProcessDocument)
	mux.HandleFunc("POST /batch/process-all", h.handleBatchProcessAll)
	mux.HandleFunc("POST /batch/process-bucket/{bucket}", h.handleBatchProcessBucket)
	mux.HandleFunc("GET /tasks/{task_id}", h.handleGetTask)
	mux.HandleFunc("GET /tasks", h.handleListTasks)
	mux.HandleFunc("DELETE /tasks/cleanup", h.handleCleanupTasks)
	mux.HandleFunc("POST /ask", h.handleAsk)

	mux.HandleFunc("GET /minio/buckets", minioH.handleListBuckets)
	mux.HandleFunc("GET /minio/bucket/{bucket}/objects", minioH.handleListObjects)
	mux.HandleFunc("POST /webhook/minio-events", minioH.handleWebhookEvents)

	// Middleware chain: recovery -> cors -> auth -> logging -> otel -> mux
	var handler http.Handler = otelhttp.NewHandler(mux, "climatedocs.http")
	handler = logMiddleware(handler)
	handler = authMiddleware(apiKey, jwtSecret, handler)
	handler = corsMiddleware(corsOrigins, handler)
	handler = recoveryMiddleware(handler)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses (ingest can be long)
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}
