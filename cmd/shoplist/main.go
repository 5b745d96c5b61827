package main

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/redis/go-redis/v9"

	"github.com/zombor/shoplist/internal/embedding"
	"github.com/zombor/shoplist/internal/reconcile"
	"github.com/zombor/shoplist/internal/scanning"
	"github.com/zombor/shoplist/internal/shopping"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

// analyzer reads receipts and suggests item descriptions
type analyzer interface {
	scanning.Analyzer
	scanning.Describer
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// An optional .env file fills in whatever the environment leaves unset
	_ = godotenv.Load()

	fs := ff.NewFlagSet("shoplist")
	var (
		port      = fs.IntLong("port", 8080, "HTTP server port")
		dbPath    = fs.StringLong("db", "shoplist.db", "Database file path")
		logLevel  = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		logFormat = fs.StringLong("log-format", "text", "Log format: 'text' or 'json'")
		timeout   = fs.DurationLong("timeout", 60*time.Second, "Timeout for each model provider request")
		authUser  = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass  = fs.StringLong("auth-pass", "", "Basic auth password (optional)")

		storageType = fs.StringLong("storage", "local", "Receipt storage: 'local' or 's3'")
		storagePath = fs.StringLong("storage-path", "./receipts", "Storage directory path for local storage")
		s3Bucket    = fs.StringLong("s3-bucket", "", "S3 bucket name")
		s3Region    = fs.StringLong("s3-region", "us-east-1", "S3 region")
		s3Endpoint  = fs.StringLong("s3-endpoint", "", "S3-compatible endpoint URL, e.g. MinIO (optional)")
		s3Prefix    = fs.StringLong("s3-prefix", "receipts", "Key prefix for stored receipts")
		s3Key       = fs.StringLong("s3-access-key", "", "S3 access key (optional, default credential chain otherwise)")
		s3Secret    = fs.StringLong("s3-secret-key", "", "S3 secret key")

		analyzerType    = fs.StringLong("analyzer", "gemini", "Receipt analyzer: 'gemini', 'ollama' or 'openrouter'")
		geminiKey       = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel     = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL       = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel     = fs.StringLong("ollama-model", "llava", "Ollama vision model name")
		openrouterURL   = fs.StringLong("openrouter-url", "https://openrouter.ai/api/v1", "OpenRouter API base URL")
		openrouterKey   = fs.StringLong("openrouter-key", "", "OpenRouter API key")
		openrouterModel = fs.StringLong("openrouter-model", "google/gemini-2.5-flash", "OpenRouter model name")
		openrouterRef   = fs.StringLong("openrouter-referer", "", "HTTP-Referer sent to OpenRouter (optional)")

		embedderType   = fs.StringLong("embedder", "openai", "Embedding provider: 'openai', 'ollama' or 'gemini'")
		embeddingModel = fs.StringLong("embedding-model", "", "Embedding model name (provider default if empty)")
		embeddingDim   = fs.IntLong("embedding-dimension", 0, "Expected embedding dimension (0 uses the model's known dimension)")
		openaiURL      = fs.StringLong("openai-url", "https://api.openai.com/v1", "OpenAI-compatible embeddings base URL")
		openaiKey      = fs.StringLong("openai-key", "", "OpenAI API key")

		threshold   = fs.Float64Long("match-threshold", reconcile.DefaultThreshold, "Similarity a receipt line must exceed to auto-match")
		policyName  = fs.StringLong("match-policy", string(reconcile.PolicyFirst), "Match policy: 'first' or 'best'")
		concurrency = fs.IntLong("embed-concurrency", 4, "Receipt lines embedded in parallel")

		sessionType = fs.StringLong("sessions", "memory", "Reconciliation session store: 'memory' or 'redis'")
		redisAddr   = fs.StringLong("redis-addr", "localhost:6379", "Redis address")
		redisPass   = fs.StringLong("redis-password", "", "Redis password (optional)")
		redisDB     = fs.IntLong("redis-db", 0, "Redis database number")
		sessionTTL  = fs.DurationLong("session-ttl", reconcile.DefaultSessionTTL, "How long an idle reconciliation session is kept")

		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("SHOPLIST"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	logger, err := newLogger(os.Stderr, *logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	policy, err := reconcile.ParsePolicy(*policyName)
	if err != nil {
		slog.Error("Invalid match policy", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	slog.Info("Initializing database...", "path", *dbPath)
	db, err := shopping.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize storage
	slog.Info("Initializing storage...", "type", *storageType)
	var store shopping.Storage
	switch *storageType {
	case "local":
		store, err = shopping.NewLocalStorage(*storagePath)
	case "s3":
		store, err = shopping.NewS3Storage(ctx, shopping.S3Config{
			Bucket:    *s3Bucket,
			Region:    *s3Region,
			Endpoint:  *s3Endpoint,
			AccessKey: *s3Key,
			SecretKey: *s3Secret,
			Prefix:    *s3Prefix,
		})
	default:
		err = fmt.Errorf("invalid storage type %q, valid: local or s3", *storageType)
	}
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	// Get Gemini API key from flag or environment
	if *geminiKey == "" {
		*geminiKey = os.Getenv("GEMINI_API_KEY")
	}

	// Initialize analyzer based on type
	var scanner analyzer
	switch *analyzerType {
	case "gemini":
		slog.Info("Initializing Gemini analyzer...", "model", *geminiModel)
		scanner, err = scanning.NewGemini(*geminiKey, *geminiModel, *timeout)
	case "ollama":
		slog.Info("Initializing Ollama analyzer...", "url", *ollamaURL, "model", *ollamaModel)
		scanner, err = scanning.NewOllama(*ollamaURL, *ollamaModel, *timeout)
	case "openrouter":
		slog.Info("Initializing OpenRouter analyzer...", "url", *openrouterURL, "model", *openrouterModel)
		scanner, err = scanning.NewOpenRouter(*openrouterURL, *openrouterKey, *openrouterModel, *openrouterRef, *timeout)
	default:
		err = fmt.Errorf("invalid analyzer type %q, valid: gemini, ollama or openrouter", *analyzerType)
	}
	if err != nil {
		slog.Error("Failed to initialize analyzer", "error", err)
		os.Exit(1)
	}
	defer scanner.Close()

	// Initialize embedder based on type
	var embedder embedding.Embedder
	switch *embedderType {
	case "openai":
		slog.Info("Initializing OpenAI embedder...", "url", *openaiURL, "model", *embeddingModel)
		embedder, err = embedding.NewOpenAI(*openaiURL, *openaiKey, *embeddingModel, *embeddingDim, *timeout)
	case "ollama":
		slog.Info("Initializing Ollama embedder...", "url", *ollamaURL, "model", *embeddingModel)
		embedder, err = embedding.NewOllama(*ollamaURL, *embeddingModel, *embeddingDim, *timeout)
	case "gemini":
		slog.Info("Initializing Gemini embedder...", "model", *embeddingModel)
		var g *embedding.Gemini
		g, err = embedding.NewGemini(*geminiKey, *embeddingModel, *embeddingDim, *timeout)
		if err == nil {
			defer g.Close()
			embedder = g
		}
	default:
		err = fmt.Errorf("invalid embedder type %q, valid: openai, ollama or gemini", *embedderType)
	}
	if err != nil {
		slog.Error("Failed to initialize embedder", "error", err)
		os.Exit(1)
	}

	// Initialize session store
	slog.Info("Initializing session store...", "type", *sessionType, "ttl", *sessionTTL)
	var sessions reconcile.SessionStore
	switch *sessionType {
	case "memory":
		sessions = reconcile.NewMemoryStore(*sessionTTL)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     *redisAddr,
			Password: *redisPass,
			DB:       *redisDB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			slog.Error("Failed to connect to redis", "addr", *redisAddr, "error", err)
			os.Exit(1)
		}
		sessions = reconcile.NewRedisStore(client, *sessionTTL)
	default:
		slog.Error("Invalid session store type", "type", *sessionType, "valid", "memory or redis")
		os.Exit(1)
	}

	// Initialize service and reconciliation engine
	service := shopping.NewService(db, store, embedder, scanner)
	engine := reconcile.NewEngine(scanner, embedder, service.ReconcileStore(), sessions, reconcile.Config{
		Threshold:        *threshold,
		Policy:           policy,
		EmbedConcurrency: *concurrency,
	})

	// Initialize server
	basicAuth := shopping.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := shopping.NewServer(service, engine, basicAuth)

	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	addr := fmt.Sprintf(":%d", *port)
	if err := server.Start(ctx, addr); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	slog.Info("Shut down")
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q, valid: text or json", format)
	}
}
