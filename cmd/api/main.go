package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"medsurvey/internal/config"
	"medsurvey/internal/db"
	apihttp "medsurvey/internal/http"
	"medsurvey/internal/repository"
	"medsurvey/internal/service"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer pool.Close()

	userRepo := repository.NewPgUserRepository(pool)
	sessionRepo := repository.NewPgSessionRegistry(pool)

	defaultTTL := time.Duration(cfg.JWTTTLMinutes) * time.Minute
	codec := service.NewTokenCodec(cfg.JWTSecret)
	verifier := service.NewCredentialVerifier(userRepo)
	authSvc := service.NewAuthService(logger, verifier, userRepo, sessionRepo, codec, defaultTTL)
	accountSvc := service.NewAccountService(logger, userRepo, sessionRepo)

	loginLimiter := service.NewLoginRateLimiter(
		time.Duration(cfg.LoginRateWindowMinutes)*time.Minute,
		cfg.LoginRateMax,
	)
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(ctxPing).Err(); err != nil {
			logger.Warn("redis ping failed", zap.Error(err))
		} else {
			loginLimiter = service.NewRedisLoginRateLimiter(
				redisClient,
				time.Duration(cfg.LoginRateWindowMinutes)*time.Minute,
				cfg.LoginRateMax,
			)
		}
		cancel()
	}

	if cfg.SweepIntervalMinutes > 0 {
		sweeper := service.NewSessionSweeper(
			logger,
			sessionRepo,
			time.Duration(cfg.SweepIntervalMinutes)*time.Minute,
			time.Duration(cfg.SweepRetentionDays)*24*time.Hour,
		)
		go sweeper.Run(ctx)
	}

	authHandler := apihttp.NewAuthHandler(logger, authSvc, loginLimiter)
	accountHandler := apihttp.NewAccountHandler(logger, accountSvc)
	router := apihttp.NewRouter(logger, authSvc, authHandler, accountHandler)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("starting server", zap.String("port", cfg.HTTPPort))

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
}
