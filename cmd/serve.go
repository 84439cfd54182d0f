package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/branchchat/branchd/db"
	"github.com/branchchat/branchd/internal/api"
	"github.com/branchchat/branchd/internal/apikey"
	"github.com/branchchat/branchd/internal/auth"
	"github.com/branchchat/branchd/internal/config"
	"github.com/branchchat/branchd/internal/memstore"
	"github.com/branchchat/branchd/internal/postgres"
	"github.com/branchchat/branchd/internal/tree"
	"github.com/branchchat/branchd/internal/usage"
	"github.com/branchchat/branchd/internal/worker"
)

// Server timeout configuration.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 5 * time.Minute // SSE streams stay open
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 30 * time.Second
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(_ *cobra.Command, _ []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (host:port), overrides config")
	rootCmd.AddCommand(serveCmd)
}

// stores bundles the per-backend implementations behind one wiring
// point so runServe stays backend-agnostic.
type stores struct {
	tree  tree.Store
	keys  apikey.Store
	usage usage.Store
	pool  *pgxpool.Pool // nil for memory storage
}

// runServe initializes dependencies and starts the HTTP API server.
func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err = cfg.ValidateServe(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	addr := cfg.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	if err := validateAddr(addr); err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := slog.Default()
	logger.Info("starting branchd", "version", Version, "storage", cfg.Storage, "provider", cfg.Provider)

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if st.pool != nil {
		defer st.pool.Close()
	}

	gen := newGenerator(cfg, logger)
	engine := tree.New(ctx, st.tree, gen, logger.With("component", "engine"))
	defer engine.Wait()

	apiServer, err := api.NewServer(api.ServerConfig{
		Logger:      logger.With("component", "api"),
		Engine:      engine,
		Keys:        apikey.NewService(st.keys, logger.With("component", "apikey")),
		Usage:       usage.NewRecorder(st.usage, logger.With("component", "usage")),
		Verifier:    auth.NewVerifier([]byte(cfg.AuthSecret), cfg.AuthIssuer),
		Pool:        st.pool,
		CORSOrigins: cfg.CORSOrigins,
		TrustProxy:  cfg.TrustProxy,
		RateBurst:   cfg.RateBurst,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	logger.Info("HTTP server ready",
		"addr", addr,
		"api", "/api/v1/*",
		"health", "/health, /ready",
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down HTTP server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server: %w", err)
	}
}

// openStores connects the configured storage backend, running
// migrations first for PostgreSQL.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (stores, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		mem := memstore.New()
		logger.Warn("using in-memory storage, data is lost on restart")
		return stores{tree: mem, keys: mem, usage: mem}, nil

	case config.StoragePostgres:
		if err := db.Migrate(cfg.ConnString(), logger); err != nil {
			return stores{}, fmt.Errorf("running migrations: %w", err)
		}
		pool, err := postgres.Connect(ctx, cfg.ConnString())
		if err != nil {
			return stores{}, fmt.Errorf("connecting to PostgreSQL: %w", err)
		}
		pg := postgres.New(pool, logger.With("component", "postgres"))
		return stores{tree: pg, keys: pg, usage: pg, pool: pool}, nil

	default:
		return stores{}, fmt.Errorf("%w: %s", config.ErrInvalidStorage, cfg.Storage)
	}
}

// newGenerator builds the response generator for the configured
// provider. ValidateServe has already rejected unknown providers.
func newGenerator(cfg *config.Config, logger *slog.Logger) tree.Generator {
	if cfg.Provider == config.ProviderSimulate {
		logger.Warn("simulation mode, responses are echoed without an LLM")
		return &worker.Simulator{Delay: cfg.SimulateDelay}
	}

	model := cfg.ModelName
	if model == "" {
		model = worker.DefaultModel
	}
	return worker.NewOpenAI(cfg.OpenAIAPIKey, model, logger.With("component", "worker"))
}
