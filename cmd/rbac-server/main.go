// Package main provides the entry point for the RBAC policy server
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/authz-engine/rbac-core/internal/api/rest"
	"github.com/authz-engine/rbac-core/internal/csvfile"
	"github.com/authz-engine/rbac-core/internal/metrics"
	"github.com/authz-engine/rbac-core/internal/rbac"
	"github.com/authz-engine/rbac-core/internal/storage/postgres"
	"github.com/authz-engine/rbac-core/pkg/types"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	var (
		httpPort        = flag.Int("http-port", 8080, "HTTP server port")
		databaseURL     = flag.String("database-url", "", "PostgreSQL connection URL (also POLICY_DATABASE_URL)")
		policyFile      = flag.String("policy-file", "", "CSV policy file to provision from")
		watchPolicyFile = flag.Bool("watch-policy-file", true, "Reload the policy file on change")
		adminRole       = flag.String("admin-role", types.AdminRoleName, "Protected administrative role")
		logLevel        = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		logFormat       = flag.String("log-format", "json", "Log format (json, console)")
		logFile         = flag.String("log-file", "", "Log to this file with rotation instead of stderr")
		showVersion     = flag.Bool("version", false, "Show version information")
		gracefulTimeout = flag.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("rbac-server %s\n", Version)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		fmt.Printf("  Git Commit: %s\n", GitCommit)
		os.Exit(0)
	}

	logger, err := initLogger(*logLevel, *logFormat, *logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting RBAC policy server",
		zap.String("version", Version),
		zap.Int("http_port", *httpPort),
	)

	dsn := *databaseURL
	if dsn == "" {
		dsn = os.Getenv("POLICY_DATABASE_URL")
	}
	if dsn == "" {
		logger.Fatal("A database URL is required (--database-url or POLICY_DATABASE_URL)")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatal("Failed to reach database", zap.Error(err))
	}

	runner, err := postgres.NewMigrationRunner(db, logger)
	if err != nil {
		logger.Fatal("Failed to create migration runner", zap.Error(err))
	}
	if err := runner.Up(); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	promMetrics := metrics.NewPrometheusMetrics("rbac")
	notifier := rbac.NewNotifier()
	notifier.Subscribe(rbac.EventRoleAdded, func(event rbac.Event) {
		logger.Info("Role added", zap.Strings("roles", event.RoleEntityRefs))
	})

	delegate := rbac.New(
		rbac.Config{AdminRole: *adminRole},
		postgres.NewTupleStore(db),
		postgres.NewMetadataStore(db),
		postgres.NewTxProvider(db),
		rbac.NewRoleGraph(),
		notifier,
		logger,
		promMetrics,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := delegate.RebuildRoleGraph(ctx); err != nil {
		logger.Fatal("Failed to seed role graph", zap.Error(err))
	}

	if *policyFile != "" {
		loader := csvfile.NewLoader(delegate, logger)
		if err := loader.LoadFile(ctx, *policyFile); err != nil {
			logger.Fatal("Failed to load policy file", zap.Error(err))
		}
		if *watchPolicyFile {
			watcher, err := csvfile.NewFileWatcher(*policyFile, loader, logger)
			if err != nil {
				logger.Fatal("Failed to create policy file watcher", zap.Error(err))
			}
			if err := watcher.Watch(ctx); err != nil {
				logger.Fatal("Failed to start policy file watcher", zap.Error(err))
			}
			defer watcher.Stop()
		}
	}

	restCfg := rest.DefaultConfig()
	restCfg.Port = *httpPort
	restSrv, err := rest.New(restCfg, delegate, logger, promMetrics.Handler())
	if err != nil {
		logger.Fatal("Failed to create REST server", zap.Error(err))
	}

	errChan := make(chan error, 1)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		errChan <- restSrv.Start()
	}()

	select {
	case err := <-errChan:
		if err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), *gracefulTimeout)
		defer shutdownCancel()

		if err := restSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shut down REST server", zap.Error(err))
		}
	}

	logger.Info("Server stopped successfully")
}

// initLogger initializes the zap logger
func initLogger(level, format, file string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	var encoderCfg zapcore.EncoderConfig
	var encoder zapcore.Encoder
	if format == "console" {
		encoderCfg = zap.NewDevelopmentEncoderConfig()
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoderCfg = zap.NewProductionEncoderConfig()
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	var sink zapcore.WriteSyncer
	if file != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	} else {
		sink = zapcore.AddSync(os.Stderr)
	}

	core := zapcore.NewCore(encoder, sink, zapLevel)
	return zap.New(core, zap.AddCaller()), nil
}
