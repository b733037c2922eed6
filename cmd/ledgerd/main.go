package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gitdigital/ledgercore/internal/api"
	"github.com/gitdigital/ledgercore/internal/audit"
	"github.com/gitdigital/ledgercore/internal/ledger"
	"github.com/gitdigital/ledgercore/internal/publish"
	"github.com/gitdigital/ledgercore/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("ledgerd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 3000)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("server.rate_limit_backend", "memory")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("database.url", "")
	viper.SetDefault("database.table", storage.DefaultTable)
	viper.SetDefault("ledger.chain_id", ledger.DefaultChainID)
	viper.SetDefault("ledger.audit_interval", "15m")
	viper.SetDefault("ledger.audit_fail_threshold", 1)
	viper.SetDefault("compliance.amount_limits", map[string]string{"USD": "1000000"})
	viper.SetDefault("compliance.sanctioned_countries", []string{"CU", "IR", "KP", "SY"})
	viper.SetDefault("compliance.sanction_fields", []string{"country_code"})
	viper.SetDefault("compliance.policy_file", "")
	viper.SetDefault("auth.jwt_secret", "")
	viper.SetDefault("auth.issuer", "ledgerd")
	viper.SetDefault("kafka.brokers", []string{})
	viper.SetDefault("kafka.topic", publish.DefaultTopic)

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Storage ──────────────────────────────────────────────────────────────
	var store storage.Store
	if dsn := viper.GetString("database.url"); dsn != "" {
		db, err := pgxpool.New(rootCtx, dsn)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()

		if err := db.Ping(rootCtx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		pg := storage.NewPostgresStore(db, viper.GetString("database.table"), logger)
		if err := pg.EnsureSchema(rootCtx); err != nil {
			return err
		}
		logger.Info("connected to postgres", zap.String("table", viper.GetString("database.table")))
		store = pg
	} else {
		logger.Warn("database.url not set, records are kept in memory only")
		store = storage.NewMemoryStore()
	}

	// ── Compliance ───────────────────────────────────────────────────────────
	validator, err := buildValidator(rootCtx, complianceConfig{
		AmountLimits:        viper.GetStringMapString("compliance.amount_limits"),
		SanctionedCountries: viper.GetStringSlice("compliance.sanctioned_countries"),
		SanctionFields:      viper.GetStringSlice("compliance.sanction_fields"),
		PolicyFile:          viper.GetString("compliance.policy_file"),
	})
	if err != nil {
		return err
	}
	logger.Info("compliance rules loaded", zap.Strings("rules", validator.Rules()))

	// ── Record publication ───────────────────────────────────────────────────
	ledgerOpts := []ledger.Option{
		ledger.WithLogger(logger),
		ledger.WithDefaultChain(viper.GetString("ledger.chain_id")),
	}

	var publisher *publish.KafkaPublisher
	if brokers := viper.GetStringSlice("kafka.brokers"); len(brokers) > 0 {
		publisher, err = publish.NewKafkaPublisher(publish.Config{
			Brokers: brokers,
			Topic:   viper.GetString("kafka.topic"),
		}, logger)
		if err != nil {
			return err
		}
		publisher.Start(rootCtx)
		ledgerOpts = append(ledgerOpts, ledger.WithNotifier(publisher))
		logger.Info("publishing records to kafka",
			zap.Strings("brokers", brokers),
			zap.String("topic", viper.GetString("kafka.topic")),
		)
	}

	// ── Ledger ───────────────────────────────────────────────────────────────
	l, err := ledger.Open(rootCtx, store, validator, ledgerOpts...)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}

	auditor := audit.New(l, audit.Config{
		Interval:      viper.GetDuration("ledger.audit_interval"),
		FailThreshold: viper.GetInt("ledger.audit_fail_threshold"),
	}, logger)
	auditor.SetAlert(func(_ context.Context, res audit.Result) {
		if res.Broken() {
			logger.Error("ALERT: scheduled audit found a broken ledger", zap.Error(res.Err))
			return
		}
		logger.Info("scheduled audit: ledger recovered")
	})

	if res := auditor.Check(rootCtx); !res.Valid() {
		logger.Warn("ledger integrity check FAILED", zap.Error(res.Err))
	} else {
		info := l.MerkleRoot()
		logger.Info("ledger verified",
			zap.Int("records", info.TreeSize),
			zap.String("root", info.Root.String()),
		)
	}
	if viper.GetDuration("ledger.audit_interval") > 0 {
		go auditor.Start(rootCtx)
	}

	// ── Auth ─────────────────────────────────────────────────────────────────
	var appendGuards []gin.HandlerFunc
	if secret := viper.GetString("auth.jwt_secret"); secret != "" {
		tokens, err := api.NewTokenIssuer([]byte(secret), viper.GetString("auth.issuer"), time.Hour)
		if err != nil {
			return fmt.Errorf("auth setup failed: %w", err)
		}
		appendGuards = append(appendGuards, api.RequireBearer(tokens, api.ScopeAppend))
		logger.Info("bearer auth required for appends")
	} else {
		logger.Warn("auth.jwt_secret not set, POST /events is unauthenticated")
	}

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length", "RateLimit-Limit", "RateLimit-Remaining", "RateLimit-Reset"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	router.Use(api.PrometheusMiddleware())

	limiter, closeLimiter, err := rateLimit(rootCtx, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()
	if limiter != nil {
		router.Use(limiter)
	}

	router.Use(requestLogger(logger))

	router.GET("/metrics", api.MetricsHandler())
	api.NewHandler(l, logger).Register(&router.RouterGroup, appendGuards...)

	port := viper.GetInt("server.port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("ledgerd HTTP listening", zap.Int("port", port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	<-rootCtx.Done()
	logger.Info("shutting down ledgerd...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	if publisher != nil {
		if err := publisher.Stop(ctx); err != nil {
			logger.Error("kafka publisher shutdown error", zap.Error(err))
		}
	}

	logger.Info("ledgerd stopped")
	return nil
}

// rateLimit builds the configured limiter middleware. It returns nil when
// server.rate_limit_rps is zero.
func rateLimit(ctx context.Context, logger *zap.Logger) (gin.HandlerFunc, func(), error) {
	rps := viper.GetInt("server.rate_limit_rps")
	if rps <= 0 {
		return nil, func() {}, nil
	}

	switch backend := viper.GetString("server.rate_limit_backend"); backend {
	case "memory", "":
		return api.RateLimiter(ctx, rps, rps*2), func() {}, nil

	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, rate limiter will fail open", zap.Error(err))
		} else {
			logger.Info("redis rate limiter ready", zap.String("addr", viper.GetString("redis.addr")))
		}
		// A one-second window sized to the burst mirrors the in-memory limiter.
		mw := api.WindowRateLimit(api.NewRedisLimiter(rdb), rps*2, time.Second, logger)
		return mw, func() { _ = rdb.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown rate limit backend %q", backend)
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
