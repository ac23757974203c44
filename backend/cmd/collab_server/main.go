package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"tmcollab/backend/config"
	"tmcollab/backend/internal/auth"
	"tmcollab/backend/internal/cache"
	"tmcollab/backend/internal/collab"
	"tmcollab/backend/internal/httpapi/handlers"
	"tmcollab/backend/internal/httpapi/middleware"
	"tmcollab/backend/internal/permission"
	"tmcollab/backend/internal/presence"
	"tmcollab/backend/internal/relay"
	"tmcollab/backend/internal/store"
	"tmcollab/backend/internal/ws"
)

func initConfig() (*config.Config, error) {
	cfg := &config.Config{}
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	auth.SetSecret(cfg.Jwt.Secret)

	instanceID := cfg.Running.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	channel := cfg.Redis.Channel
	if channel == "" {
		channel = "collaboration:events"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	db, err := sql.Open("mysql", cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	gormDB, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database (gorm): %v", err)
	}

	// === 初始化 Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()

	// History Sink：本地队列 + worker 重试落地（Kafka + MySQL）
	sink := collab.NewHistoryDispatcher(
		producer,
		cfg.Kafka.Topic,
		store.NewHistoryStore(db),
		collab.HistoryDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		},
	)

	registry := presence.NewRegistry()
	presenceCache := cache.NewRedisPresence(rdb)
	gate := permission.NewGate(store.NewMembershipStore(gormDB), sink)

	hub := ws.NewHub()
	remote := ws.NewRemoteEvents(hub)
	rl := relay.NewRelay(rdb, channel, instanceID, remote)
	fanout := ws.NewFanout(hub, rl)

	svc := collab.NewInMemoryService(fanout, sink)
	remote.BindService(svc)
	rl.Start(context.Background())
	sem := collab.NewSemaphoreControl()
	manager := ws.NewManager(hub, registry, gate, svc, fanout, sink, presenceCache, sem)

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	collabGroup := r.Group("/collab")
	// 认证在 WebSocket 内完成（authenticate 事件或 ?token=）
	collabGroup.GET("/ws", manager.WebSocketConnect)
	collabGroup.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})

	admin := handlers.NewAdmin(registry, hub, presenceCache, fanout)
	adminGroup := r.Group("/collab/admin")
	adminGroup.Use(middleware.AuthMiddleware())
	adminGroup.GET("/stats", admin.Stats)
	adminGroup.GET("/rooms/:modelId/users", admin.RoomUsers)
	adminGroup.POST("/broadcast", admin.Broadcast)
	adminGroup.POST("/kick", admin.Kick)

	log.Printf("collab server starting (instance=%s, port=%d)", instanceID, cfg.Running.Port)
	_ = r.Run(fmt.Sprintf(":%d", cfg.Running.Port))
}
