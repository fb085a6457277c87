package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tokenmarket/internal/config"
	"tokenmarket/internal/handler"
	"tokenmarket/internal/infrastructure/cache"
	"tokenmarket/internal/infrastructure/database"
	"tokenmarket/internal/infrastructure/lock"
	"tokenmarket/internal/infrastructure/mq"
	"tokenmarket/internal/job"
	"tokenmarket/internal/model"
	"tokenmarket/internal/repository"
	"tokenmarket/internal/service"
	"tokenmarket/internal/store"
	"tokenmarket/pkg/idgen"
)

func main() {
	// 加载配置
	cfg, err := config.LoadConfig("config/config.yaml")
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	idgen.Init(cfg.Server.WorkerID)

	db := database.InitMySQL(&cfg.MySQL)
	redisClient := cache.InitRedis(&cfg.Redis)

	producer, err := mq.InitKafka(&cfg.Kafka)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer producer.Close()

	// 账本状态：已提交事件写入 outbox
	outboxRepo := repository.NewOutboxRepository(db)
	ledgerStore := store.New(store.WithEventSink(service.NewOutboxSink(outboxRepo, cfg.Kafka.Topic.LedgerEvents)))

	// 启动时从快照恢复
	tokenCache := cache.NewTokenCache(redisClient, time.Duration(cfg.TokenCache.TTLSeconds)*time.Second)
	snapshotService := service.NewSnapshotService(ledgerStore, repository.NewSnapshotRepository(db), tokenCache)
	if err := snapshotService.Restore(context.Background()); err != nil {
		log.Fatalf("恢复账本失败: %v", err)
	}

	policy, err := service.PolicyByName(cfg.Market.CreatePolicy)
	if err != nil {
		log.Fatalf("%v", err)
	}
	profileService := service.NewProfileService(ledgerStore, service.AdminAllowList(cfg.Market.AdminAccounts), policy)
	tokenService := service.NewTokenService(ledgerStore, profileService, tokenCache)
	engineAccount := model.Account(cfg.Market.EngineAccount)
	ledgerService := service.NewLedgerService(ledgerStore, profileService, engineAccount)
	marketService := service.NewMarketService(ledgerStore, ledgerService, profileService, engineAccount)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 后台任务
	outboxSender := job.NewOutboxSender(outboxRepo, producer, &cfg.Outbox)
	go outboxSender.Start(ctx)

	snapshotLock := lock.NewSnapshotLock(redisClient, cfg.Server.WorkerID, time.Duration(cfg.Snapshot.LockTTLSeconds)*time.Second)
	snapshotJob := job.NewSnapshotJob(snapshotService, snapshotLock, time.Duration(cfg.Snapshot.IntervalSeconds)*time.Second)
	go snapshotJob.Start(ctx)

	tradeMonitor := job.NewTradeMonitorJob(marketService, time.Duration(cfg.Market.StuckTradeSeconds)*time.Second)
	go tradeMonitor.Start(ctx)

	h := handler.NewHandler(profileService, tokenService, ledgerService, marketService)
	router := handler.SetupRouter(h)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("服务启动，监听端口: %d, 撮合账户: %s", cfg.Server.Port, cfg.Market.EngineAccount)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	// 请求已经排空，写最后一次快照
	if !snapshotJob.RunOnce(shutdownCtx) {
		log.Println("关闭前保存快照失败")
	}

	log.Println("服务已关闭")
}
