// Command memora runs Memora's core as a subprocess adapter: it wires the
// context, write, retrieve, and promote pipelines to a backend store and
// reads one JSON-encoded {op, args} request per line from stdin, writing one
// JSON response per line to stdout. The transport wrapper (the external
// dispatcher framing these lines, e.g. over a socket or an MCP host) is out
// of scope; this binary only needs to speak newline-delimited JSON.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"memora/internal/config"
	"memora/internal/embedder"
	"memora/internal/events"
	"memora/internal/idempotency"
	"memora/internal/memctx"
	"memora/internal/observability"
	"memora/internal/promote"
	"memora/internal/rerank"
	"memora/internal/retrieve"
	"memora/internal/salience"
	"memora/internal/store"
	"memora/internal/telemetry"
	"memora/internal/toolsurface"
	"memora/internal/write"
)

func main() {
	initLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher, shutdown, err := build(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize memora")
	}
	defer shutdown(context.Background())

	log.Info().Msg("memora core ready, reading requests from stdin")
	if err := serve(ctx, dispatcher); err != nil {
		log.Fatal().Err(err).Msg("memora request loop exited with error")
	}
}

func initLogging() {
	observability.InitLogger(os.Getenv("MEMORA_LOG_FILE"), os.Getenv("MEMORA_LOG_LEVEL"))
}

// request is one line of stdin input.
type request struct {
	Op   string `json:"op"`
	Args any    `json:"args"`
}

// response is one line of stdout output.
type response struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func serve(ctx context.Context, d *toolsurface.Dispatcher) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var req request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			_ = enc.Encode(response{Error: fmt.Sprintf("invalid request: %v", err)})
			continue
		}
		result, err := d.Dispatch(ctx, req.Op, req.Args)
		if err != nil {
			_ = enc.Encode(response{Error: err.Error()})
			continue
		}
		_ = enc.Encode(response{Result: result})
	}
	return scanner.Err()
}

// build assembles the dispatcher and its collaborators from configuration
// (§4.2), returning a shutdown func that releases the backend pool, the
// event publisher, and telemetry providers.
func build(ctx context.Context) (*toolsurface.Dispatcher, func(context.Context) error, error) {
	retrievalPolicy, memoryPolicy, err := loadPolicies()
	if err != nil {
		return nil, nil, err
	}

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     os.Getenv("MEMORA_OTEL_ENABLED") == "true",
		ServiceName: "memora",
	})
	if err != nil {
		return nil, nil, err
	}

	dsn := os.Getenv("MEMORA_POSTGRES_DSN")
	if dsn == "" {
		dsn = "postgres://localhost:5432/memora"
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}

	dim := retrievalPolicy.Int("embedding.dimensions", 256)
	backend, err := store.NewPostgres(ctx, pool, dim, store.DefaultRetryPolicy)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	emb := buildEmbedder(dim)
	rrk := buildReranker()

	var vecIndex store.VectorIndex
	if qdrantDSN := os.Getenv("MEMORA_QDRANT_DSN"); qdrantDSN != "" {
		qv, err := store.NewQdrantVectorStore(ctx, qdrantDSN, envOr("MEMORA_QDRANT_COLLECTION", "memora_semantic"), dim, "cosine")
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		vecIndex = qv
	}

	mgr := memctx.New()

	var ledger idempotency.Ledger
	if redisAddr := os.Getenv("MEMORA_REDIS_ADDR"); redisAddr != "" {
		ledger = idempotency.NewRedisLedger(redis.NewClient(&redis.Options{Addr: redisAddr}), 30*24*time.Hour)
	}
	idemCache := idempotency.New(10_000, ledger)

	redactor, err := salience.NewRedactor(memoryPolicy.StringSlice("redaction.patterns", nil))
	if err != nil {
		return nil, nil, err
	}

	publisher := events.New(events.Config{
		Enabled: os.Getenv("MEMORA_KAFKA_ENABLED") == "true",
		Brokers: strings.Split(os.Getenv("MEMORA_KAFKA_BROKERS"), ","),
		Topic:   envOr("MEMORA_KAFKA_TOPIC", "memora.write_committed"),
	})

	writePipeline := &write.Pipeline{
		Ctx: mgr, Backend: backend, Embedder: emb, Idempotency: idemCache,
		Redactor: redactor, Policy: memoryPolicy, Retry: store.DefaultRetryPolicy,
		Log: log.Logger, Events: publisher, VectorIndex: vecIndex,
	}
	retrievePipeline := &retrieve.Pipeline{
		Ctx: mgr, Backend: backend, Embedder: emb, Rerank: rrk, Policy: retrievalPolicy, Log: log.Logger,
		DefaultTenant: os.Getenv("MEMORA_DEFAULT_TENANT"), DefaultProject: os.Getenv("MEMORA_DEFAULT_PROJECT"),
		VectorIndex: vecIndex,
	}
	promotePipeline := &promote.Pipeline{Ctx: mgr, Backend: backend}

	dispatcher := &toolsurface.Dispatcher{Ctx: mgr, Write: writePipeline, Retrieve: retrievePipeline, Promote: promotePipeline}

	shutdown := func(ctx context.Context) error {
		_ = publisher.Close()
		if qv, ok := vecIndex.(*store.QdrantVectorStore); ok {
			_ = qv.Close()
		}
		pool.Close()
		return shutdownTelemetry(ctx)
	}
	return dispatcher, shutdown, nil
}

func loadPolicies() (config.Policy, config.Policy, error) {
	loader := config.NewLoaderFromEnv()
	retrievalDoc, err := loader.Get(config.DocRetrieval)
	if err != nil {
		return config.Policy{}, config.Policy{}, err
	}
	memoryDoc, err := loader.Get(config.DocMemory)
	if err != nil {
		return config.Policy{}, config.Policy{}, err
	}
	return config.PolicyFor(retrievalDoc), config.PolicyFor(memoryDoc), nil
}

func buildEmbedder(dim int) embedder.Embedder {
	baseURL := os.Getenv("MEMORA_EMBEDDER_URL")
	if baseURL == "" {
		return embedder.NewDeterministic(dim, true, 0)
	}
	remote := embedder.NewRemote(embedder.RemoteConfig{
		BaseURL: baseURL, APIKey: os.Getenv("MEMORA_EMBEDDER_API_KEY"),
		Model: os.Getenv("MEMORA_EMBEDDER_MODEL"), Dim: dim, Timeout: 30 * time.Second,
	}, telemetry.InstrumentedClient(nil))
	return embedder.New(remote, dim, log.Logger)
}

func buildReranker() *rerank.Cascade {
	enabled := os.Getenv("MEMORA_RERANK_ENABLED") == "true"
	url := os.Getenv("MEMORA_RERANK_URL")
	if !enabled || url == "" {
		return rerank.New(enabled, nil, nil, log.Logger)
	}
	remote := &rerank.Remote{URL: url, Model: os.Getenv("MEMORA_RERANK_MODEL"), Client: telemetry.InstrumentedClient(nil), Timeout: 2 * time.Second}
	return rerank.New(enabled, nil, remote, log.Logger)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
