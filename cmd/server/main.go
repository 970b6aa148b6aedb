package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"flowpilot/internal/config"
	"flowpilot/internal/handlers"
	"flowpilot/internal/metrics"
	"flowpilot/internal/middleware"
	"flowpilot/internal/models"
	"flowpilot/internal/observability"
	"flowpilot/internal/secrets"
	"flowpilot/internal/services"
	"flowpilot/pkg/actions"
	"flowpilot/pkg/webhook"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	var (
		flagDSN   string
		dbHost    string
		dbPortStr string
		dbUser    string
		dbPass    string
		dbName    string
		dbSSLMode string
		srvHost   string
		srvPort   int
	)
	flagSet := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	flagSet.SetOutput(os.Stdout)
	flagSet.StringVar(&flagDSN, "dsn", os.Getenv("DB_DSN"), "Postgres DSN, if set overrides other DB flags")
	flagSet.StringVar(&dbHost, "db-host", getenvDefault("DB_HOST", cfg.Database.Host), "database host")
	flagSet.StringVar(&dbPortStr, "db-port", getenvDefault("DB_PORT", fmt.Sprintf("%d", cfg.Database.Port)), "database port")
	flagSet.StringVar(&dbUser, "db-user", getenvDefault("DB_USER", cfg.Database.User), "database user")
	flagSet.StringVar(&dbPass, "db-pass", getenvDefault("DB_PASSWORD", cfg.Database.Password), "database password")
	flagSet.StringVar(&dbName, "db-name", getenvDefault("DB_NAME", cfg.Database.Name), "database name")
	flagSet.StringVar(&dbSSLMode, "db-sslmode", getenvDefault("DB_SSLMODE", "disable"), "sslmode (disable, require, verify-ca, verify-full)")
	flagSet.StringVar(&srvHost, "host", getenvDefault("FLOWPILOT_HOST", cfg.Server.Host), "server host (listen)")
	flagSet.IntVar(&srvPort, "port", func() int {
		if p := os.Getenv("FLOWPILOT_PORT"); p != "" {
			if n, err := strconv.Atoi(p); err == nil {
				return n
			}
		}
		return cfg.Server.Port
	}(), "server port (listen)")
	_ = flagSet.Parse(os.Args[1:])

	dsn := flagDSN
	if dsn == "" {
		port := dbPortStr
		if port == "" && cfg.Database.Port != 0 {
			port = fmt.Sprintf("%d", cfg.Database.Port)
		}
		dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			firstNonEmpty(dbHost, cfg.Database.Host),
			firstNonEmpty(dbUser, cfg.Database.User),
			firstNonEmpty(dbPass, cfg.Database.Password),
			firstNonEmpty(dbName, cfg.Database.Name),
			port, dbSSLMode)
	}

	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	shutdownOTel, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		appLogger.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}

	if err := db.AutoMigrate(
		&models.AutomationRule{}, &models.RuleExecution{},
		&models.IdempotencyRecord{}, &models.CredentialRecord{},
		&models.SafetyFlag{}, &models.UsageCounter{},
	); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	box, err := secrets.NewBox(cfg.Credentials.EncryptionKey)
	if err != nil {
		appLogger.Fatalf("Failed to init credential encryption: %v", err)
	}

	// Engine wiring. The rule service doubles as the pauser the credential
	// manager cascades into on suspension.
	registry := services.NewRegistry()
	ruleService := services.NewRuleService(db, registry, appLogger)
	safetyState, err := services.NewGormSafetyState(db)
	if err != nil {
		appLogger.Fatalf("Failed to load safety state: %v", err)
	}
	gate := services.NewSafetyGate(cfg.Safety, safetyState, appLogger)
	ledger := services.NewIdempotencyLedger(db, appLogger, cfg.Idempotency.Retention)
	creds := services.NewCredentialManager(db, box, cfg.Credentials, ruleService, appLogger)
	usage := services.NewUsageService(db, appLogger)
	hub := services.NewExecutionHub()
	dispatcher := services.NewDispatcher(db, gate, ledger, creds, registry, usage, ruleService, hub, cfg.Retry, appLogger)
	evaluator := services.NewTriggerEvaluator(db, appLogger)
	pipeline := services.NewPipeline(evaluator, dispatcher, appLogger)

	registry.Register("webhook.post", actions.NewWebhookHandler(webhook.NewClient(webhook.DefaultConfig(), appLogger)))
	registry.Register("email.reply", actions.NewReplyHandler(actions.NewGatewaySender(cfg.Mail.GatewayURL, cfg.Mail.Timeout)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go ledger.StartPruneLoop(ctx, cfg.Idempotency.PruneInterval)
	go gate.StartSweepLoop(ctx, cfg.Safety.SweepInterval)

	if cfg.Scheduler.Enabled {
		scheduler := services.NewScheduler(db, func(ctx context.Context, event services.TriggerEvent) {
			pipeline.Submit(ctx, event)
		}, appLogger)
		if err := scheduler.Start(ctx); err != nil {
			appLogger.Fatalf("Failed to start scheduler: %v", err)
		}
	}

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddlewareWithConfig(cfg))
	if cfg.Security.RateLimiting.Enabled {
		r.Use(middleware.RateLimitMiddleware(cfg))
	}
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "kill_switch": gate.KillSwitchEngaged()})
	})

	if cfg.Monitoring.Enabled {
		r.GET(cfg.Monitoring.MetricsPath, func(c *gin.Context) {
			total, byReason := metrics.SafetyDenialSnapshot()
			c.JSON(http.StatusOK, gin.H{
				"safety_denials_total": total,
				"safety_denials":       byReason,
				"dispatch_outcomes":    metrics.DispatchOutcomeSnapshot(),
			})
		})
	}

	// Inbound provider webhooks carry provider signatures, not user JWTs.
	hooks := r.Group("/hooks")
	handlers.RegisterEventRoutes(hooks, handlers.NewEventHandler(pipeline))

	api := r.Group("/api")
	api.Use(middleware.AuthMiddleware(cfg))
	handlers.RegisterRuleRoutes(api, handlers.NewRuleHandler(ruleService))
	handlers.RegisterAdminRoutes(api, handlers.NewAdminHandler(gate))
	handlers.RegisterEventStreamRoutes(api, handlers.NewEventStreamHandler(hub, appLogger))

	listenAddr := fmt.Sprintf("%s:%d", firstNonEmpty(srvHost, cfg.Server.Host), func() int {
		if srvPort != 0 {
			return srvPort
		}
		return cfg.Server.Port
	}())

	srv := &http.Server{Addr: listenAddr, Handler: r}
	go func() {
		appLogger.Infof("Starting server on %s", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down server...")
	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Fatalf("Server forced to shutdown: %v", err)
	}
	appLogger.Info("Server exited")
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func corsMiddlewareWithConfig(cfg *config.Config) gin.HandlerFunc {
	allowedOrigins := "*"
	allowedMethods := "GET, POST, PUT, DELETE, OPTIONS"
	allowedHeaders := "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization"
	if cfg != nil && cfg.Security.CORS.Enabled {
		if len(cfg.Security.CORS.AllowedOrigins) > 0 {
			allowedOrigins = strings.Join(cfg.Security.CORS.AllowedOrigins, ", ")
		}
		if len(cfg.Security.CORS.AllowedMethods) > 0 {
			allowedMethods = strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
		}
		if len(cfg.Security.CORS.AllowedHeaders) > 0 {
			allowedHeaders = strings.Join(cfg.Security.CORS.AllowedHeaders, ", ")
		}
	}
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", allowedOrigins)
		c.Header("Access-Control-Allow-Methods", allowedMethods)
		c.Header("Access-Control-Allow-Headers", allowedHeaders)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
