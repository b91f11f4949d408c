// Command api runs the identity service: the HTTP API, a gRPC health
// endpoint for load balancers, and the expired-credential sweeper.
package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"identra.org/internal/httpapi"
	"identra.org/internal/iam"
	"identra.org/internal/obs"
	"identra.org/internal/store/mem"
	"identra.org/internal/store/pg"
)

var (
	version = "dev"
	commit  = "none"
)

type config struct {
	httpAddr string
	grpcAddr string
	dsn      string

	jwtSecret string
	jwtIssuer string
	accessTTL time.Duration

	refreshTTL        time.Duration
	otpTTL            time.Duration
	otpResendInterval time.Duration
	otpMaxAttempts    int

	googleClientID     string
	googleClientSecret string
	githubClientID     string
	githubClientSecret string

	cleanupInterval time.Duration
	devOTPEcho      bool
}

func loadConfig() config {
	return config{
		httpAddr:           envStr("IDENTRA_HTTP_ADDR", ":8080"),
		grpcAddr:           envStr("IDENTRA_GRPC_ADDR", ""),
		dsn:                envStr("IDENTRA_DB_DSN", ""),
		jwtSecret:          envStr("IDENTRA_JWT_SECRET", ""),
		jwtIssuer:          envStr("IDENTRA_JWT_ISSUER", "identra"),
		accessTTL:          envDuration("IDENTRA_ACCESS_TTL", iam.DefaultAccessTokenTTL),
		refreshTTL:         envDuration("IDENTRA_REFRESH_TTL", iam.DefaultRefreshTokenTTL),
		otpTTL:             envDuration("IDENTRA_OTP_TTL", iam.DefaultOTPTTL),
		otpResendInterval:  envDuration("IDENTRA_OTP_RESEND_INTERVAL", iam.DefaultOTPResendInterval),
		otpMaxAttempts:     envInt("IDENTRA_OTP_MAX_ATTEMPTS", iam.DefaultOTPMaxAttempts),
		googleClientID:     envStr("IDENTRA_GOOGLE_CLIENT_ID", ""),
		googleClientSecret: envStr("IDENTRA_GOOGLE_CLIENT_SECRET", ""),
		githubClientID:     envStr("IDENTRA_GITHUB_CLIENT_ID", ""),
		githubClientSecret: envStr("IDENTRA_GITHUB_CLIENT_SECRET", ""),
		cleanupInterval:    envDuration("IDENTRA_CLEANUP_INTERVAL", time.Hour),
		devOTPEcho:         envBool("IDENTRA_DEV_OTP_ECHO", false),
	}
}

func main() {
	cfg := loadConfig()
	obs.Init()
	obs.InitBuildInfo(version, commit)

	if cfg.jwtSecret == "" {
		fatal("IDENTRA_JWT_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store iam.Store
		ping  func(context.Context) error
	)
	if cfg.dsn == "" {
		m := mem.New()
		m.SeedCatalog()
		store = m
		obs.LogEvent("store_selected", map[string]any{"backend": "memory"})
	} else {
		db, err := sql.Open("pgx", cfg.dsn)
		if err != nil {
			fatal("open database: " + err.Error())
		}
		defer db.Close()
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			fatal("ping database: " + err.Error())
		}
		store = pg.New(db)
		ping = db.PingContext
		obs.LogEvent("store_selected", map[string]any{"backend": "postgres"})
	}

	tokens, err := iam.NewJWTGenerator([]byte(cfg.jwtSecret), cfg.jwtIssuer,
		iam.WithAccessTTL(cfg.accessTTL))
	if err != nil {
		fatal(err.Error())
	}

	opts := []iam.ServiceOption{
		iam.WithRefreshTTL(cfg.refreshTTL),
		iam.WithOTPPolicy(cfg.otpTTL, cfg.otpResendInterval, cfg.otpMaxAttempts),
	}
	if cfg.googleClientID != "" {
		opts = append(opts, iam.WithExchanger(iam.ProviderGoogle,
			iam.NewGoogleExchanger(cfg.googleClientID, cfg.googleClientSecret)))
	}
	if cfg.githubClientID != "" {
		opts = append(opts, iam.WithExchanger(iam.ProviderGitHub,
			iam.NewGitHubExchanger(cfg.githubClientID, cfg.githubClientSecret)))
	}
	svc, err := iam.NewService(store, tokens, opts...)
	if err != nil {
		fatal(err.Error())
	}

	apiOpts := []httpapi.Option{httpapi.WithPing(ping)}
	if cfg.devOTPEcho {
		apiOpts = append(apiOpts, httpapi.WithOTPEcho())
		obs.LogEvent("otp_echo_enabled", map[string]any{"warning": "one-time codes are exposed in HTTP responses"})
	}
	api := httpapi.New(svc, iam.NewEvaluator(store), apiOpts...)
	srv := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go runSweeper(ctx, svc, cfg.cleanupInterval)

	var grpcSrv *grpc.Server
	if cfg.grpcAddr != "" {
		lis, err := net.Listen("tcp", cfg.grpcAddr)
		if err != nil {
			fatal("listen grpc: " + err.Error())
		}
		grpcSrv = grpc.NewServer()
		hs := health.NewServer()
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		hs.SetServingStatus("identra.api", healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(grpcSrv, hs)
		go func() {
			obs.LogEvent("grpc_listening", map[string]any{"addr": cfg.grpcAddr})
			if err := grpcSrv.Serve(lis); err != nil {
				obs.LogEvent("grpc_serve_error", map[string]any{"error": err.Error()})
			}
		}()
	}

	go func() {
		obs.LogEvent("http_listening", map[string]any{"addr": cfg.httpAddr, "version": version})
		obs.SetReady(true)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.LogEvent("http_serve_error", map[string]any{"error": err.Error()})
			stop()
		}
	}()

	<-ctx.Done()
	obs.SetReady(false)
	obs.LogEvent("shutting_down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.LogEvent("shutdown_error", map[string]any{"error": err.Error()})
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	obs.LogEvent("stopped", nil)
}

// runSweeper periodically deletes expired refresh tokens and codes.
func runSweeper(ctx context.Context, svc *iam.Service, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
			stats, err := svc.CleanupExpired(sweepCtx)
			cancel()
			if err != nil {
				obs.LogEvent("cleanup_error", map[string]any{"error": err.Error()})
				continue
			}
			if stats.RefreshTokens > 0 || stats.OTPs > 0 {
				obs.LogEvent("cleanup_done", map[string]any{
					"refresh_tokens": stats.RefreshTokens,
					"otps":           stats.OTPs,
				})
			}
		}
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func fatal(msg string) {
	obs.LogEvent("fatal", map[string]any{"error": msg})
	os.Exit(1)
}
