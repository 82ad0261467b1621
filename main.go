package main

import (
	"context"
	"log"
	"os"
	"time"

	"askbotgo/internal/api"
	"askbotgo/internal/broker"
	"askbotgo/internal/chat"
	"askbotgo/internal/companion"
	"askbotgo/internal/config"
	"askbotgo/internal/files"
	"askbotgo/internal/gigachat"
	"askbotgo/internal/meta"
	"askbotgo/internal/redis"
	"askbotgo/internal/storage"
	"askbotgo/internal/updates"
	"askbotgo/internal/worker"
	"askbotgo/internal/ws"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("ASKBOT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("ASKBOT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	// Redis only narrows the companion-creation race; running without it is
	// degraded, not fatal.
	var claims companion.Claimer
	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		log.Printf("redis unavailable, creation claims disabled: %v", err)
	} else {
		defer rdb.Close()
		claims = rdb
	}

	chatClient := chat.NewClient(cfg.ChatAPI)
	metaStore := meta.NewStore(chatClient)
	tokens := gigachat.NewTokenCache(cfg.GigaChat.AuthURL, cfg.GigaChat.ClientID,
		cfg.GigaChat.ClientSecret, cfg.GigaChat.Scope, nil)
	generator := gigachat.NewClient(cfg.GigaChat, tokens)

	fileBase := cfg.BasicConfig.FileBaseDir
	if fileBase == "" {
		fileBase = "./data/uploads"
	}
	fileService := files.NewService(db, gigachat.NewFileClient(cfg.GigaChat.APIURL, tokens), fileBase)
	if err := fileService.SyncPending(context.Background()); err != nil {
		log.Printf("sync pending files: %v", err)
	}

	resolver := companion.NewResolver(chatClient, metaStore, claims, cfg.Manager, cfg.CompanionBot)
	assembler := companion.NewAssembler(chatClient)
	hub := ws.NewHub()

	router := updates.NewRouter(resolver, assembler, fileService, generator,
		chatClient, metaStore, hub, cfg.Manager, cfg.CompanionBot)

	pool := worker.NewPool(cfg.BasicConfig.MinWorkers, cfg.BasicConfig.MaxWorkers,
		time.Duration(cfg.BasicConfig.WorkerIdleTimeout)*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	consumer := broker.NewConsumer(cfg.Broker, cfg.Manager, cfg.CompanionBot, pool, router.OnUpdate)
	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("broker consumer stopped: %v", err)
		}
	}()

	handlers := api.NewHandler(chatClient, fileService, hub, cfg.Manager)
	engine := gin.Default()
	handlers.RegisterRoutes(engine)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	if err := engine.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
