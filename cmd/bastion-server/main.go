package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/bastionhq/bastion/internal/api"
	"github.com/bastionhq/bastion/internal/approval"
	"github.com/bastionhq/bastion/internal/capability"
	"github.com/bastionhq/bastion/internal/classify"
	"github.com/bastionhq/bastion/internal/config"
	"github.com/bastionhq/bastion/internal/dispatch"
	"github.com/bastionhq/bastion/internal/policy"
	"github.com/bastionhq/bastion/internal/receipt"
	"github.com/bastionhq/bastion/internal/route"
	"github.com/bastionhq/bastion/internal/soul"
	"github.com/bastionhq/bastion/internal/trust"
)

func main() {
	logger := mustBuildLogger(envOrDefault("BASTION_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	httpPort := envOrDefault("BASTION_HTTP_PORT", "8080")
	configPath := os.Getenv("BASTION_CONFIG")
	postgresDSN := os.Getenv("POSTGRES_DSN")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	safeMode := envOrDefault("BASTION_SAFE_MODE", "false") == "true"
	healthTTL := envOrDefaultInt("BASTION_HEALTH_TTL_S", 15)
	probeTimeoutMs := envOrDefaultInt("BASTION_PROBE_TIMEOUT_MS", 500)
	execTimeoutS := envOrDefaultInt("BASTION_EXEC_TIMEOUT_S", 30)
	approvalTimeoutS := envOrDefaultInt("BASTION_APPROVAL_TIMEOUT_S", 300)
	authCacheTTL := envOrDefaultInt("BASTION_AUTH_CACHE_TTL_S", 30)

	logger.Info("starting bastion server",
		zap.String("http_port", httpPort),
		zap.String("config", configPath),
		zap.Bool("safe_mode", safeMode),
	)

	// Configuration snapshot store with hot reload.
	cfgStore, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}

	// Constitutional authority. Floors from config when declared, otherwise
	// the shipped table.
	authority := soul.DefaultAuthority()
	if floors := cfgStore.Snapshot().SoulFloors; len(floors) > 0 {
		table := make(map[capability.Capability]capability.RiskTier, len(floors))
		for name, tier := range floors {
			table[capability.Parse(name)] = capability.ParseTier(tier)
		}
		authority.Swap(cfgStore.Snapshot().Version, table)
	}

	// Trust store: Postgres when configured, in-memory otherwise.
	var trustStore trust.Store
	if postgresDSN != "" {
		db, err := sql.Open("pgx", postgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(context.Background()); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		trustStore = trust.NewPostgresStore(db)
		logger.Info("postgres trust store connected")
	} else {
		trustStore = trust.NewMemoryStore()
		logger.Info("no POSTGRES_DSN set, trust state is in-memory only")
	}

	classifyCfg := func() *classify.Config { return cfgStore.ClassifyConfig() }
	ledger := trust.NewLedger(
		trustStore,
		cfgStore.TrustConfig(),
		func(c capability.Capability) capability.RiskTier { return classifyCfg().DefaultTier(c) },
		authority.FloorTier,
		logger,
	)

	classifier := classify.NewClassifier(authority, ledger, logger)
	engine := policy.NewEngine(logger)

	// Provider registry. The in-process stub executes nothing dangerous; real
	// deployments register sandbox-backed providers here.
	registry := route.NewRegistry()
	registry.Register(&route.FuncProvider{
		ProviderID:   "local-stub",
		Capabilities: capability.All,
		Prio:         100,
		InSandbox:    true,
	})

	healthCache := route.NewHealthCache(
		time.Duration(healthTTL)*time.Second,
		time.Duration(probeTimeoutMs)*time.Millisecond,
	)
	router := route.NewRouter(route.Options{
		Registry:       registry,
		Health:         healthCache,
		ExecuteTimeout: time.Duration(execTimeoutS) * time.Second,
		SafeMode:       safeMode,
		Logger:         logger,
	})

	// Receipt sink: ClickHouse or log fallback.
	var emitter receipt.Emitter
	if clickhouseDSN != "" {
		chEmitter, err := receipt.NewClickHouseEmitter(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log emitter", zap.Error(err))
			emitter = receipt.NewLogEmitter(logger)
		} else {
			emitter = chEmitter
			logger.Info("clickhouse receipt emitter connected")
		}
	} else {
		emitter = receipt.NewLogEmitter(logger)
		logger.Info("no CLICKHOUSE_DSN set, receipts go to the log")
	}
	defer emitter.Close()

	approvals := approval.NewMemoryChannel(logger)

	dispatcher := dispatch.NewDispatcher(dispatch.Options{
		Classifier:      classifier,
		Engine:          engine,
		Router:          router,
		Ledger:          ledger,
		Approvals:       approvals,
		Emitter:         emitter,
		Configs:         cfgStore,
		ApprovalTimeout: time.Duration(approvalTimeoutS) * time.Second,
		Logger:          logger,
	})

	deps := &api.Dependencies{
		Dispatcher: dispatcher,
		Approvals:  approvals,
		Keys:       loadAPIKeys(),
		CacheTTL:   time.Duration(authCacheTTL) * time.Second,
		Logger:     logger,
	}
	httpServer := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return cfgStore.Watch(gctx, logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited with error", zap.Error(err))
	}
	logger.Info("bastion server stopped")
}

// loadAPIKeys reads "prefix:bcrypt-hash" pairs from BASTION_API_KEYS,
// comma-separated. An empty list disables the HTTP surface's auth success
// path entirely (every request is rejected), which is the safe default.
func loadAPIKeys() []api.APIKey {
	raw := os.Getenv("BASTION_API_KEYS")
	if raw == "" {
		return nil
	}
	var keys []api.APIKey
	for _, pair := range strings.Split(raw, ",") {
		prefix, hash, ok := strings.Cut(strings.TrimSpace(pair), "|")
		if !ok {
			continue
		}
		keys = append(keys, api.APIKey{Prefix: prefix, Hash: hash})
	}
	return keys
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
