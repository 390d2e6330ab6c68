package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/executors"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/notify"
	"github.com/rendis/stepflow/internal/provider"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/telemetry"
	"github.com/rendis/stepflow/internal/token"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dbPath   = flag.String("db", envOr("STEPFLOW_DB", "file:stepflow.db"), "libSQL database path (file URI)")
		tokenTTL = flag.Duration("token-ttl", 72*time.Hour, "resume token validity window")
		logLevel = flag.String("log-level", envOr("STEPFLOW_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	)
	flag.Parse()

	secret := os.Getenv("STEPFLOW_TOKEN_SECRET")
	if secret == "" {
		return fmt.Errorf("STEPFLOW_TOKEN_SECRET must be set")
	}

	logger := newLogger(*logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewLibSQLStore(*dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	evaluator, err := expressions.NewEvaluator()
	if err != nil {
		return fmt.Errorf("create evaluator: %w", err)
	}
	extractor := expressions.NewExtractor()
	interpolator := expressions.NewInterpolator()

	validator, err := validation.NewWorkflowValidator(evaluator, extractor)
	if err != nil {
		return fmt.Errorf("create validator: %w", err)
	}

	tokens, err := token.NewManager([]byte(secret), *tokenTTL)
	if err != nil {
		return fmt.Errorf("create token manager: %w", err)
	}

	registry, err := executors.NewRegistry(executors.Deps{
		Provider:     newProvider(logger),
		Validator:    validator.OutputValidator(),
		Telemetry:    telemetry.NewLogSink(logger),
		Evaluator:    evaluator,
		Interpolator: interpolator,
		Extractor:    extractor,
		HTTPClient:   &http.Client{},
	})
	if err != nil {
		return fmt.Errorf("create executors: %w", err)
	}

	eng := engine.New(st, registry, validator, tokens, notify.NewLogNotifier(logger), logger)

	// Runs stranded in running by an earlier crash are re-driven before the
	// server accepts traffic.
	if err := eng.Recover(ctx); err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}

	srv := mcp.NewStepflowServer(mcp.StepflowServerDeps{
		Engine: eng,
		Logger: logger,
	})

	logger.Info("stepflow engine listening on stdio", slog.String("db", *dbPath))
	return srv.Serve(ctx)
}

// newLogger builds the process logger: JSON to stderr (stdout belongs to
// the MCP transport) wrapped with correlation ID injection.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l})
	return slog.New(logging.NewCorrelationHandler(handler))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newProvider returns the generation backend. Without an upstream
// configured, ai_generate steps fail with a clear message instead of
// producing fabricated output.
func newProvider(logger *slog.Logger) provider.GenerationProvider {
	return &unconfiguredProvider{logger: logger}
}

type unconfiguredProvider struct {
	logger *slog.Logger
}

func (p *unconfiguredProvider) Name() string { return "unconfigured" }

func (p *unconfiguredProvider) Generate(ctx context.Context, req *provider.GenerationRequest) (map[string]any, error) {
	p.logger.WarnContext(ctx, "generation requested without a configured provider",
		slog.String("template_id", req.TemplateID))
	return nil, fmt.Errorf("no generation provider configured")
}
