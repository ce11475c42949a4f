package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"voucher_rush/internal/cache"
	"voucher_rush/internal/config"
	"voucher_rush/internal/model"
	"voucher_rush/internal/queue"
	"voucher_rush/internal/router"
	"voucher_rush/internal/seckill"
	"voucher_rush/internal/shop"
	"voucher_rush/pkg/idgen"
)

func main() {
	log := logrus.New()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	// 1. 连接 SQLite，自动建表
	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{})
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	if err := db.AutoMigrate(&model.Shop{}, &model.SeckillVoucher{}, &model.VoucherOrder{}); err != nil {
		log.Fatalf("db migrate: %v", err)
	}

	// 2. 连接 Redis（锁、缓存、原子序列的共享存储）
	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("redis ping: %v", err)
	}
	cancel()

	cacheClient := cache.NewClient(rdb, log)
	idWorker := idgen.NewWorker(rdb)
	shopSvc := shop.NewService(db, rdb, cacheClient, cfg.ShopCacheTTL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. 组装订单落库链路：内存有界队列，或 Redis Stream + Kafka 持久化链路
	var sink seckill.TaskSink
	var producer *queue.Producer
	if cfg.QueueMode == config.QueueModeKafka {
		producer = queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		sink = queue.NewOutbox(rdb, cfg.OrderEventStream)
	}

	seckillSvc := seckill.NewService(db, rdb, cacheClient, idWorker, cfg.OrderQueueSize, sink, log)

	if cfg.QueueMode == config.QueueModeKafka {
		relay := queue.NewRelay(rdb, producer, cfg.OrderEventStream, cfg.OrderEventGroup, cfg.OrderEventConsumer, log)
		go relay.Run(ctx)

		consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, seckillSvc, log)
		defer consumer.Close()
		go consumer.Run(ctx)
	} else {
		go seckillSvc.RunWorker(ctx)
	}

	// 4. HTTP 服务
	r := gin.Default()
	router.Setup(r, db, rdb, shopSvc, seckillSvc, idWorker, cfg)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http serve: %v", err)
		}
	}()
	log.Infof("listening on %s (queue mode: %s)", cfg.HTTPAddr, cfg.QueueMode)

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("http shutdown: %v", err)
	}
}
