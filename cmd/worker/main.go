package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nanogen/internal/config"
	"nanogen/internal/infrastructure/cache"
	"nanogen/internal/infrastructure/database"
	"nanogen/internal/infrastructure/queue"
	"nanogen/internal/job"
	"nanogen/internal/service"
	"nanogen/internal/worker"
	"nanogen/pkg/idgen"
)

func main() {
	// 加载配置
	cfg := config.LoadConfig("config/config.yaml")

	// 初始化 ID 生成器（worker 进程使用不同的 workerID）
	idgen.Init(2)

	// 初始化 MySQL
	db := database.InitMySQL(&cfg.MySQL)

	// 初始化 Redis
	redisClient := cache.InitRedis(&cfg.Redis)

	// 组装基础设施与服务
	genQueue := queue.NewGenerationQueue(redisClient, "")
	ledgerService := service.NewLedgerService(db, redisClient)
	notifyService := service.NewNotifyService(db, cfg.Kafka.Topic.Notify)
	referralService := service.NewReferralService(db, ledgerService, notifyService,
		cfg.Business.WelcomeCredits, cfg.Business.ReferralBonusCredits, cfg.Business.ReferralRewardCapPerDay)

	generator := worker.NewHTTPGenerator(
		cfg.Backend.BaseURL,
		cfg.Backend.APIKey,
		time.Duration(cfg.Backend.TimeoutSeconds)*time.Second,
		cfg.Backend.MaxRetries,
		time.Duration(cfg.Backend.RetryDelaySeconds)*time.Second,
	)

	// 启动消费者池
	pool := worker.NewPool(
		db,
		ledgerService,
		notifyService,
		referralService,
		genQueue,
		generator,
		cfg.Business.WorkerCount,
		time.Duration(cfg.Business.GenerationTimeoutSeconds)*time.Second,
		time.Duration(cfg.Backend.QuotaCooldownMinutes)*time.Minute,
	)
	pool.Start()

	// 启动卡死任务回收
	watchdog := job.NewWatchdogJob(
		db,
		ledgerService,
		notifyService,
		time.Duration(cfg.Business.WatchdogIntervalSeconds)*time.Second,
		time.Duration(cfg.Business.GenerationTimeoutSeconds)*time.Second,
	)
	watchdog.Start()

	log.Println("worker 进程已启动")

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭 worker...")
	watchdog.Stop()
	pool.Stop()
	log.Println("worker 已关闭")
}
