package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"storyhouse/internal/servicetoken"
	"storyhouse/internal/util"
	"storyhouse/pkg/chain"
	"storyhouse/pkg/pricing"
	"storyhouse/pkg/queue"
	"storyhouse/pkg/storage"
	"storyhouse/pkg/store"
	"storyhouse/services/access/internal/app"
	"storyhouse/services/access/internal/catalogclient"
	"storyhouse/services/access/internal/config"
	"storyhouse/services/access/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	internalVerifyKeys, err := servicetoken.ParseVerifyPublicKeys(cfg.InternalJWTVerifyPublicKeys)
	if err != nil {
		log.Fatalf("failed to parse internal jwt verify public keys: %v", err)
	}
	signer, err := servicetoken.NewSignerWithOptions(servicetoken.SignerOptions{
		PrivateKeyPath: cfg.InternalJWTPrivateKeyPath,
		KeyID:          cfg.InternalJWTKeyID,
		Issuer:         "access-service",
		TTL:            2 * time.Minute,
	})
	if err != nil {
		log.Fatalf("failed to init service token signer: %v", err)
	}

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init postgres store: %v", err)
	}
	objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}

	chainTimeout := time.Duration(cfg.ChainTimeoutSeconds) * time.Second
	chainBackend, err := chain.Dial(chain.Config{
		RPCURL:            cfg.ChainRPCURL,
		ControllerAddress: cfg.ControllerAddress,
		ChainID:           cfg.ChainID,
		Confirmations:     cfg.Confirmations,
		Timeout:           chainTimeout,
	})
	if err != nil {
		log.Fatalf("failed to init chain backend: %v", err)
	}

	reconcileQueue, err := queue.New(queue.Config{Addr: cfg.RedisAddr})
	if err != nil {
		log.Fatalf("failed to init reconcile queue: %v", err)
	}

	policy := pricing.DefaultPolicy()
	if cfg.UnlockPriceTIP != "" || cfg.FreeChapters > 0 {
		priceTIP := cfg.UnlockPriceTIP
		if priceTIP == "" {
			priceTIP = pricing.DefaultUnlockPriceTIP
		}
		price, err := pricing.ParseTIP(priceTIP)
		if err != nil {
			log.Fatalf("failed to parse unlock price: %v", err)
		}
		freeChapters := cfg.FreeChapters
		if freeChapters == 0 {
			freeChapters = pricing.DefaultFreeChapters
		}
		policy, err = pricing.NewPolicy(freeChapters, price)
		if err != nil {
			log.Fatalf("failed to build pricing policy: %v", err)
		}
	}

	appCore, err := app.New(app.Config{
		Catalog:       catalogclient.New(cfg.CatalogURL, signer),
		Store:         dataStore,
		Chain:         chainBackend,
		Objects:       objects,
		Queue:         reconcileQueue,
		Pricing:       policy,
		ContentURLTTL: time.Duration(cfg.ContentURLTTLSeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	concurrency := cfg.ReconcileConcurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	go appCore.StartReconciler(ctx, concurrency)

	httpServer, err := server.New(server.Config{
		App:                         appCore,
		RedisAddr:                   cfg.RedisAddr,
		UnlockRateLimitPerMinute:    cfg.UnlockRateLimitPerMinute,
		InternalJWTKeyID:            cfg.InternalJWTKeyID,
		InternalJWTPublicKeyPath:    cfg.InternalJWTPublicKeyPath,
		InternalJWTVerifyPublicKeys: internalVerifyKeys,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("access server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
