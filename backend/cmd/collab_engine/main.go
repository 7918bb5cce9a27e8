package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"collabEngine/backend/internal/cache"
	"collabEngine/backend/internal/gateway"
	"collabEngine/backend/internal/httpapi/middleware"
	"collabEngine/backend/internal/session"
	"collabEngine/backend/internal/store"
	"collabEngine/backend/internal/ws"
)

type EngineConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
		Group   string   `mapstructure:"group"`
	} `mapstructure:"Kafka"`
	Auth struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"Auth"`
	Session struct {
		Capacity           int `mapstructure:"capacity"`
		QueueSize          int `mapstructure:"queueSize"`
		HeartbeatSeconds   int `mapstructure:"heartbeatSeconds"`
		InactivitySeconds  int `mapstructure:"inactivitySeconds"`
		MaxConcurrentSends int `mapstructure:"maxConcurrentSends"`
	} `mapstructure:"Session"`
}

func initConfig() (*EngineConfig, error) {
	cfg := &EngineConfig{}
	v := viper.New()
	v.SetConfigName("collabEngineConfig")
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
	log.Printf("config: %+v", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// === Redis（在线状态镜像）===
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	// === MySQL（快照 + 文档表走 database/sql，活动日志走 gorm）===
	db, err := sql.Open("mysql", cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	gormDB, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to init gorm: %v", err)
	}
	activityStore, err := store.NewActivityStore(gormDB)
	if err != nil {
		log.Fatalf("Failed to migrate activity table: %v", err)
	}

	// === Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Kafka.Brokers, cfg.Kafka.Group, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to create consumer group: %v", err)
	}
	defer consumerGroup.Close()

	presenceCache := cache.NewRedisPresence(rdb)
	snapshotStore := store.NewSnapshotStore(db)
	documentStore := store.NewDocumentStore(db)

	kafkaSem := gateway.NewSemaphoreControl(cfg.Session.MaxConcurrentSends)
	wsSem := gateway.NewSemaphoreControl(cfg.Session.MaxConcurrentSends)

	// Kafka 本地队列 + worker 重试发送
	dispatcher := gateway.NewDispatcher(
		producer,
		cfg.Kafka.Topic,
		kafkaSem,
		gateway.DispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		},
	)
	defer dispatcher.Close()

	// origin 标识本进程，消费侧用它抑制自己发布的事件
	hostname, _ := os.Hostname()
	origin := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	// Gateway 和 Registry 相互引用：入站事件经 ReceiverFunc 间接回灌
	var reg *session.Registry
	gw := gateway.NewGateway(origin, dispatcher, gateway.ReceiverFunc(func(evt session.RemoteEvent) {
		reg.HandleRemoteEvent(evt)
	}))
	reg = session.NewRegistry(gw, gw, snapshotStore, activityStore, session.RegistryOptions{
		Capacity:  cfg.Session.Capacity,
		QueueSize: cfg.Session.QueueSize,
	})
	defer reg.Close()

	hub := ws.NewHub(presenceCache)
	reg.AddListener(hub)

	heartbeatPeriod := time.Duration(cfg.Session.HeartbeatSeconds) * time.Second
	inactivity := time.Duration(cfg.Session.InactivitySeconds) * time.Second
	supervisor := session.NewHeartbeatSupervisor(reg, hub, presenceCache, heartbeatPeriod, inactivity)
	supervisor.Start(ctx)
	defer supervisor.Stop()

	go func() {
		if err := gw.RunConsumer(ctx, consumerGroup, cfg.Kafka.Topic); err != nil && ctx.Err() == nil {
			log.Printf("consumer stopped: %v", err)
		}
	}()

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		// 允许任意来源（包含 file:// 场景的 Origin: null）
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "docid", "docId", "doc_id"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	manager := ws.NewManager(hub, reg, documentStore, wsSem)

	collab := r.Group("/collab")
	// 鉴权中间件：从 Authorization 或 ?token= 提取 token，写入 userId/username
	collab.Use(middleware.AuthMiddleware([]byte(cfg.Auth.Secret)))
	collab.GET("/ws", manager.WebSocketConnect)
	collab.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
