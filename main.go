package main

import (
	"context"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"chatrelay/internal/api"
	"chatrelay/internal/cache"
	"chatrelay/internal/config"
	"chatrelay/internal/service/gateway"
	"chatrelay/internal/service/relay"
	"chatrelay/internal/service/repository"
	"chatrelay/internal/storage"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()
	sugar := logger.Sugar()

	cfgPath := os.Getenv("CHATRELAY_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		sugar.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("CHATRELAY_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		sugar.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		sugar.Fatalf("migrate database: %v", err)
	}

	cacheClient, err := cache.New(cfg)
	if err != nil {
		sugar.Warnf("redis unavailable, conversation cache disabled: %v", err)
		cacheClient = nil
	}
	defer cacheClient.Close()

	repo := repository.NewService(db, cacheClient, cfg.CacheTTL())

	gw, err := gateway.New(context.Background(), cfg, sugar)
	if err != nil {
		sugar.Fatalf("init model gateway: %v", err)
	}
	pipeline := relay.NewPipeline(repo, gw, cfg.StreamTimeout(), sugar)

	uploadDir := cfg.BasicConfig.UploadDir
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		sugar.Fatalf("create upload directory: %v", err)
	}
	handler := api.NewHandler(repo, pipeline, uploadDir, sugar)

	// gin's stock Recovery swallows http.ErrAbortHandler, which the chat
	// stream relies on to sever aborted connections.
	router := gin.New()
	router.Use(gin.Logger(), handler.Recovery())
	handler.RegisterRoutes(router)

	if err := router.Run(cfg.BasicConfig.ServerAddress); err != nil {
		sugar.Fatalf("server stopped: %v", err)
	}
}
