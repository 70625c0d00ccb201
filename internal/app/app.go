// Package app assembles the kiosk API from configuration: stores, services,
// HTTP router and background housekeeping.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/civickiosk/server/internal/auth"
	"github.com/civickiosk/server/internal/config"
	"github.com/civickiosk/server/internal/db"
	"github.com/civickiosk/server/internal/gateway"
	httphandler "github.com/civickiosk/server/internal/http"
	"github.com/civickiosk/server/internal/http/handlers"
	"github.com/civickiosk/server/internal/link"
	"github.com/civickiosk/server/internal/middleware"
	"github.com/civickiosk/server/internal/otp"
	"github.com/civickiosk/server/internal/receipt"
	"github.com/civickiosk/server/internal/repo"
	"github.com/civickiosk/server/internal/settlement"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	purgeEvery     = 10 * time.Minute
	purgeRetention = 24 * time.Hour
	shutdownGrace  = 10 * time.Second

	// devPhone receives OTPs for every well-formed account when no directory is configured in dev mode
	devPhone = "+910000000000"
)

// App is an assembled API server
type App struct {
	Handler http.Handler

	cfg      *config.Config
	log      *slog.Logger
	otp      *otp.Store
	limiters httphandler.Limiters
	closers  []func() error
}

// Build wires every component described by cfg
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}
	checks := map[string]handlers.Check{}

	var challenges repo.ChallengeRepo
	var orders repo.OrderRepo
	switch cfg.Store {
	case config.StoreMemory:
		log.Warn("using in-memory stores; state is lost on restart")
		challenges = repo.NewMemoryChallengeRepo()
		orders = repo.NewMemoryOrderRepo()
	default:
		database, err := db.Open(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, database.Close)
		if err := db.Migrate(database); err != nil {
			_ = a.Close()
			return nil, err
		}
		challenges = repo.NewChallengeRepo(database)
		orders = repo.NewOrderRepo(database)
		checks["postgres"] = pingDB(database)
	}

	var links repo.LinkRepo
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		links = repo.NewRedisLinkRepo(client)
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	} else {
		links = repo.NewMemoryLinkRepo()
	}

	var sender otp.Sender
	if cfg.SMSAPIKey != "" {
		sender = otp.NewSMSSender(cfg.SMSAPIKey, cfg.SMSBaseURL, cfg.SMSSender, 10*time.Second)
	} else {
		log.Warn("SMS_API_KEY not set; OTP codes are not delivered")
		sender = otp.NewLogSender(log)
	}
	a.otp = otp.NewStore(challenges, sender, otp.Config{
		TTL:         cfg.OTPTTL,
		MaxAttempts: cfg.OTPMaxAttempts,
		Salt:        cfg.OTPSalt,
		DevMode:     cfg.OTPDevMode,
	}, log)

	var dir link.Directory
	switch {
	case cfg.DirectoryURL != "":
		dir = link.NewHTTPDirectory(cfg.DirectoryURL, 5*time.Second)
	case cfg.DevMode:
		dir = link.NewStaticDirectory(nil, devPhone)
	default:
		log.Warn("DIRECTORY_URL not set; no department accounts can be resolved")
		dir = link.NewStaticDirectory(nil, "")
	}

	jwtService := auth.NewJWTService(cfg.JWTSecret, cfg.SessionTTL)
	authenticator := link.NewAuthenticator(dir, a.otp, links,
		link.WithSessionTTL(cfg.SessionTTL),
		link.WithDevCodes(cfg.OTPDevMode),
		link.WithLogger(log),
	)

	gw := gateway.New(gateway.Config{
		BaseURL:      cfg.GatewayBaseURL,
		KeyID:        cfg.GatewayKeyID,
		KeySecret:    cfg.GatewayKeySecret,
		Timeout:      cfg.GatewayTimeout,
		DemoFallback: cfg.PaymentDemoFallback,
	}, log)
	pipeline := settlement.NewPipeline(gw, orders,
		settlement.WithCurrency(cfg.PaymentCurrency),
		settlement.WithLogger(log),
	)
	receipts := receipt.NewEmitter(orders)

	a.limiters = httphandler.Limiters{
		Session: middleware.NewRateLimiter(10*time.Minute, 30),
		OTP:     middleware.NewRateLimiter(10*time.Minute, 10),
	}
	a.Handler = httphandler.NewRouter(httphandler.Handlers{
		Session: handlers.NewSessionHandler(jwtService, log),
		Link:    handlers.NewLinkHandler(authenticator, log),
		Payment: handlers.NewPaymentHandler(pipeline, receipts, authenticator, log),
		Health:  handlers.NewHealthHandler(checks),
	}, a.limiters, jwtService, log)

	return a, nil
}

func pingDB(database *sql.DB) handlers.Check {
	return database.PingContext
}

// Run serves on addr and runs housekeeping until ctx is cancelled, then shuts
// the server down gracefully
func (a *App) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("server starting", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return a.otp.RunPurge(ctx, purgeEvery, purgeRetention) })
	g.Go(func() error { return a.limiters.Session.Cleanup(ctx, time.Hour) })
	g.Go(func() error { return a.limiters.OTP.Cleanup(ctx, time.Hour) })

	return g.Wait()
}

// Close releases database and cache connections
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
