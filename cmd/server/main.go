// server runs the memocrm auth HTTP API and the gRPC health service.
package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kunihei/memocrm-docker/internal/config"
	"github.com/kunihei/memocrm-docker/internal/db"
	healthhandler "github.com/kunihei/memocrm-docker/internal/health/handler"
	identityhandler "github.com/kunihei/memocrm-docker/internal/identity/handler"
	"github.com/kunihei/memocrm-docker/internal/identity/service"
	"github.com/kunihei/memocrm-docker/internal/logging"
	"github.com/kunihei/memocrm-docker/internal/policy/engine"
	"github.com/kunihei/memocrm-docker/internal/ratelimit"
	"github.com/kunihei/memocrm-docker/internal/security"
	"github.com/kunihei/memocrm-docker/internal/server"
	"github.com/kunihei/memocrm-docker/internal/store"
	"github.com/kunihei/memocrm-docker/internal/telemetry"
	telemetryotel "github.com/kunihei/memocrm-docker/internal/telemetry/otel"
	"github.com/kunihei/memocrm-docker/internal/telemetry/producer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.IsProduction(), cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	ctx := context.Background()

	providers, err := telemetryotel.NewProviders(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.OTLPInsecure)
	if err != nil {
		logger.Fatal("otel", zap.Error(err))
	}
	providers.SetGlobal()
	metrics, err := telemetry.NewMetrics(providers.Meter())
	if err != nil {
		logger.Fatal("metrics", zap.Error(err))
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db", zap.Error(err))
	}
	defer conn.Close()
	st := store.New(conn, db.TxOptions{LockTimeout: cfg.LockTimeout(), StatementTimeout: cfg.StatementTimeout()})

	tokens, err := newTokenProvider(cfg, logger)
	if err != nil {
		logger.Fatal("jwt keys", zap.Error(err))
	}

	policy, err := engine.NewOPAEvaluator(ctx, cfg.SessionPolicy == config.SessionPolicySingle, cfg.SessionPolicyFile, logger)
	if err != nil {
		logger.Fatal("session policy", zap.Error(err))
	}

	limiter, closeLimiter, err := newLimiter(cfg)
	if err != nil {
		logger.Fatal("rate limiter", zap.Error(err))
	}
	defer closeLimiter()

	kafkaProducer := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.AuthEventsTopic)
	defer func() {
		if err := kafkaProducer.Close(); err != nil {
			logger.Warn("kafka producer close", zap.Error(err))
		}
	}()
	events := telemetry.Multi{
		telemetryotel.NewEventEmitter(providers.LoggerProvider),
		metrics,
	}
	if kafkaProducer != nil {
		events = append(events, kafkaProducer)
	}

	authSvc := service.NewAuthService(
		st,
		security.NewHasher(cfg.BcryptCost),
		service.NewTokenIssuer(tokens, cfg.RefreshTTL()),
		policy,
		events,
		metrics,
		logger,
		service.Config{DefaultDeviceName: cfg.DefaultDeviceName, TxMaxAttempts: cfg.TxMaxAttempts},
	)
	checker := healthhandler.NewChecker(st, policy)

	httpSrv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: server.NewHTTPHandler(server.HTTPDeps{
			Auth:           identityhandler.NewAuthHandler(authSvc, limiter, events, logger),
			Authenticator:  authSvc,
			Health:         checker,
			ServiceName:    cfg.ServiceName,
			CORSOrigins:    cfg.CORSOrigins(),
			TrustedProxies: cfg.TrustedProxiesList(),
			Logger:         logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http serve", zap.Error(err))
		}
	}()

	grpcSrv := server.NewGRPCServer(checker, logger)
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Fatal("grpc listen", zap.Error(err))
		}
		go func() {
			logger.Info("gRPC health server listening", zap.String("addr", cfg.GRPCAddr))
			if err := grpcSrv.Serve(lis); err != nil {
				logger.Fatal("grpc serve", zap.Error(err))
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	grpcSrv.GracefulStop()

	// Let in-flight async emits finish before exporters shut down.
	time.Sleep(telemetry.ShutdownDrainDuration)
	if err := providers.Shutdown(shutdownCtx); err != nil {
		logger.Warn("otel shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

// newTokenProvider loads the configured signing key. Outside production a missing key is replaced by an
// ephemeral ECDSA key, so tokens do not survive restarts.
func newTokenProvider(cfg *config.Config, logger *zap.Logger) (*security.TokenProvider, error) {
	if cfg.JWTPrivateKey != "" {
		return security.NewTokenProviderFromPEM(cfg.JWTPrivateKey, cfg.JWTPublicKey, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())
	}
	if cfg.IsProduction() {
		return nil, errors.New("JWT_PRIVATE_KEY is required in production")
	}
	logger.Warn("JWT_PRIVATE_KEY not set, using an ephemeral signing key")
	key, err := security.GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	return security.NewTokenProvider(key, nil, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())
}

// newLimiter returns the Redis limiter when REDIS_URL is set, otherwise the in-process one.
func newLimiter(cfg *config.Config) (ratelimit.Limiter, func(), error) {
	if cfg.RedisURL == "" {
		l := ratelimit.NewMemoryLimiter(cfg.RateLimitMax, cfg.RateWindow())
		return l, l.Close, nil
	}
	client, err := ratelimit.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return ratelimit.NewRedisLimiter(client, cfg.RateLimitMax, cfg.RateWindow()), func() { _ = client.Close() }, nil
}
