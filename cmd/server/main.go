package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"classhive/auth-sessions/internal/config"
	"classhive/auth-sessions/internal/db"
	internalhttp "classhive/auth-sessions/internal/http"
	"classhive/auth-sessions/internal/otp"
	"classhive/auth-sessions/internal/ratelimit"
	"classhive/auth-sessions/internal/repository"
	"classhive/auth-sessions/internal/session"
	"classhive/auth-sessions/internal/token"
)

func main() {
	cfg := config.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		log.WithError(err).Fatal("migrations failed")
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("db connection failed")
	}
	defer pool.Close()

	// Redis is optional; without it rate limiting is disabled.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("redis unavailable, rate limiting disabled")
			redisClient = nil
		}
	}

	store := repository.NewStore(pool)
	codec := token.NewCodec(
		cfg.AccessTokenSecret, cfg.RefreshTokenSecret, cfg.JWTIssuer,
		cfg.AccessTokenTTL, cfg.RefreshTokenTTL, cfg.ResetTokenTTL,
	)
	issuer := otp.NewIssuer(store, otp.LogSender{Log: log}, cfg.OTPTTL, cfg.OTPDigits, cfg.OTPSendTimeout)
	logins := ratelimit.New(redisClient, cfg.LoginAttemptLimit, cfg.LoginAttemptWindow)
	resends := ratelimit.New(redisClient, cfg.ResendOTPLimit, cfg.ResendOTPWindow)
	sessions := session.NewService(store, codec, issuer, logins, resends)
	server := internalhttp.NewServer(sessions, codec, log)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("auth-sessions listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown error")
	}
}
