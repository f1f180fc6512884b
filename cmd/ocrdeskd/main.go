package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"ocrdesk/internal/app"
	"ocrdesk/internal/config"
	"ocrdesk/internal/jobsim"
	"ocrdesk/internal/server"
	"ocrdesk/internal/usertoken"
	"ocrdesk/internal/util"
	"ocrdesk/pkg/ai"
	"ocrdesk/pkg/storage"
	"ocrdesk/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse JWT leeway: %v", err)
	}
	ocrTimeout, err := config.ParseOCRTimeout(cfg.OCRTimeout)
	if err != nil {
		log.Fatalf("failed to parse OCR timeout: %v", err)
	}
	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	db, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	verifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:  cfg.JWKSURL,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	gemini, err := ai.NewGeminiClient(cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		log.Fatalf("failed to init gemini client: %v", err)
	}

	var files storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		minioStore, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("failed to init object store: %v", err)
		}
		files = minioStore
	}

	appCore, err := app.New(app.Config{
		Store:      db,
		OCR:        gemini,
		Files:      files,
		OCRTimeout: ocrTimeout,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                      appCore,
		TokenVerifier:            verifier,
		Simulator:                jobsim.New(time.Second),
		RedisAddr:                cfg.RedisAddr,
		RedisPassword:            cfg.RedisPassword,
		VerifyRateLimitPerMinute: cfg.VerifyRateLimitPerMinute,
		UploadRateLimitPerMinute: cfg.UploadRateLimitPerMinute,
		MaxUploadBytes:           cfg.MaxUploadBytes,
		AllowedExtensions:        cfg.AllowedExtensions,
		TrustedProxies:           trustedProxies,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
