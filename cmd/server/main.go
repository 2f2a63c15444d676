package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fdip/backend/docs"
	"github.com/fdip/backend/internal/audit"
	"github.com/fdip/backend/internal/config"
	"github.com/fdip/backend/internal/database"
	"github.com/fdip/backend/internal/gateway"
	"github.com/fdip/backend/internal/handlers"
	mW "github.com/fdip/backend/internal/middleware"
	"github.com/fdip/backend/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title Serial Fiction Token Ledger API
// @version 1.0
// @description Token purchases, tips, cashouts and refunds for the reading platform
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

// settlementGateway is a card processor adapter that also verifies its own
// webhooks.
type settlementGateway interface {
	services.PaymentGateway
	services.WebhookVerifier
}

func main() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")
	viper.BindEnv("database.auto_migrate", "DATABASE_AUTO_MIGRATE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("stripe.secret_key", "STRIPE_SECRET_KEY")
	viper.BindEnv("stripe.webhook_secret", "STRIPE_WEBHOOK_SECRET")
	viper.BindEnv("sandbox.webhook_secret", "SANDBOX_WEBHOOK_SECRET")
	viper.BindEnv("sandbox.simulate_outage", "SANDBOX_SIMULATE_OUTAGE")
	viper.BindEnv("payout.debtor_bic", "PAYOUT_DEBTOR_BIC")
	viper.BindEnv("payout.debtor_name", "PAYOUT_DEBTOR_NAME")
	viper.BindEnv("server.port", "PORT")
	viper.BindEnv("server.public_url", "PUBLIC_URL")

	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.public_url", "http://localhost:8080")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using environment: %v", err)
	}

	if viper.GetString("jwt.secret_key") == "" {
		log.Fatal("JWT_SECRET_KEY must be set")
	}

	docs.SwaggerInfo.Host = "localhost:" + viper.GetString("server.port")
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db := database.InitDatabase(ctx)
	defer db.Close()

	redisClient := database.InitRedis(ctx)
	if redisClient != nil {
		defer redisClient.Close()
	}

	ledgerCfg := config.LoadLedgerConfig()
	metrics := services.NewMetrics(prometheus.DefaultRegisterer)

	store := newStore(ledgerCfg, db)

	gw := newGateway(ledgerCfg.GatewayProvider, db)

	processor := services.NewProcessor(store, gw,
		services.WithConversionPolicy(services.NewConversionPolicy(ledgerCfg.PayoutPer10Tokens)),
		services.WithChapterDirectory(services.NewSQLChapterDirectory(db, redisClient)),
		services.WithAuditLogger(audit.NewLogger()),
		services.WithMetrics(metrics),
		services.WithMinCashout(ledgerCfg.MinCashoutTokens),
	)

	reconciler := services.NewReconciler(processor, ledgerCfg.PendingTimeout, ledgerCfg.SweepInterval, ledgerCfg.SweepBatch)
	go reconciler.Run(ctx)

	payouts := services.NewPayoutInstructionService(viper.GetString("payout.debtor_bic"), viper.GetString("payout.debtor_name"))

	api := handlers.NewAPIRouter(handlers.RouterConfig{
		Tokens: handlers.NewTokenHandler(processor),
		Admin:  handlers.NewAdminHandler(processor, reconciler, payouts),
		Webhooks: map[string]*handlers.WebhookHandler{
			ledgerCfg.GatewayProvider: handlers.NewWebhookHandler(processor, gw, redisClient, metrics),
		},
		JWTSecret:  viper.GetString("jwt.secret_key"),
		Redis:      redisClient,
		RateLimit:  ledgerCfg.RateLimit,
		RateWindow: ledgerCfg.RateWindow,
		Metrics:    metrics,
	})

	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "healthy", "database": "up", "redis": "disabled"}
		code := http.StatusOK
		if err := db.PingContext(r.Context()); err != nil {
			status["status"], status["database"] = "degraded", "down"
			code = http.StatusServiceUnavailable
		}
		if redisClient != nil {
			status["redis"] = "up"
			if err := redisClient.Ping(r.Context()).Err(); err != nil {
				status["redis"] = "down"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(status)
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL(viper.GetString("server.public_url")+"/swagger/doc.json"),
	))

	r.Mount("/api/v1", api)

	server := &http.Server{
		Addr:         ":" + viper.GetString("server.port"),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on %s (gateway: %s)", server.Addr, ledgerCfg.GatewayProvider)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()

	log.Println("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}

func newStore(cfg *config.LedgerConfig, db *sql.DB) services.Store {
	switch cfg.Store {
	case "postgres":
		store := services.NewPostgresStore(db, cfg.TxRetries)
		store.SetPageLimits(cfg.DefaultPageSize, cfg.MaxPageSize)
		return store
	case "memory":
		log.Println("WARNING: ledger is held in memory and is lost on restart")
		return services.NewMemoryStore()
	}
	log.Fatalf("Unknown ledger store %q", cfg.Store)
	return nil
}

func newGateway(provider string, db *sql.DB) settlementGateway {
	switch provider {
	case "stripe":
		key := viper.GetString("stripe.secret_key")
		if key == "" {
			log.Fatal("STRIPE_SECRET_KEY must be set for the stripe provider")
		}
		return gateway.NewStripeGateway(key, viper.GetString("stripe.webhook_secret"),
			gateway.NewSQLDestinationResolver(db), nil)
	case "sandbox":
		secret := viper.GetString("sandbox.webhook_secret")
		if secret == "" {
			log.Fatal("SANDBOX_WEBHOOK_SECRET must be set for the sandbox provider")
		}
		sandbox := gateway.NewSandboxGateway(secret)
		if viper.GetBool("sandbox.simulate_outage") {
			log.Println("Sandbox gateway starts unavailable; pending entries will wait for the reconciler")
			sandbox.SetAvailable(false)
		}
		return sandbox
	}
	log.Fatalf("Unknown payment gateway provider %q", provider)
	return nil
}
