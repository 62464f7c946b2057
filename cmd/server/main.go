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

	"nanogen/internal/config"
	"nanogen/internal/handler"
	"nanogen/internal/infrastructure/cache"
	"nanogen/internal/infrastructure/database"
	"nanogen/internal/infrastructure/mq"
	"nanogen/internal/infrastructure/provider"
	"nanogen/internal/infrastructure/queue"
	"nanogen/internal/job"
	"nanogen/internal/service"
	"nanogen/pkg/idgen"
)

func main() {
	// 加载配置
	cfg := config.LoadConfig("config/config.yaml")

	// 初始化 ID 生成器
	idgen.Init(1)

	// 初始化 MySQL
	db := database.InitMySQL(&cfg.MySQL)

	// 初始化 Redis
	redisClient := cache.InitRedis(&cfg.Redis)

	// 初始化 Kafka
	mq.InitKafka(&cfg.Kafka)
	defer mq.CloseKafka()

	// 组装基础设施
	genQueue := queue.NewGenerationQueue(redisClient, "")
	jobLimiter := cache.NewRateLimiter(redisClient, "ratelimit:gen", cfg.Business.RateLimitPerHour, time.Hour)
	topupLimiter := cache.NewRateLimiter(redisClient, "ratelimit:topup", cfg.Business.TopupLimitPerHour, time.Hour)
	providerClient := provider.NewClient(cfg.Payment.BaseURL, cfg.Payment.ShopID, cfg.Payment.SecretKey)

	// 组装服务
	ledgerService := service.NewLedgerService(db, redisClient)
	notifyService := service.NewNotifyService(db, cfg.Kafka.Topic.Notify)
	jobService := service.NewJobService(db, ledgerService, genQueue, jobLimiter,
		cfg.Business.GenerationCost, cfg.Business.MaxQueueSize, cfg.Business.MaxConcurrentPerUser)
	paymentService := service.NewPaymentService(db, redisClient, ledgerService, notifyService,
		providerClient, topupLimiter, cfg.Payment.VerifyWithAPI)
	referralService := service.NewReferralService(db, ledgerService, notifyService,
		cfg.Business.WelcomeCredits, cfg.Business.ReferralBonusCredits, cfg.Business.ReferralRewardCapPerDay)

	// 启动通知外发任务
	outboxSender := job.NewOutboxSender(db, 5*time.Second, 50, cfg.Business.MaxRetryCount)
	outboxSender.Start()
	defer outboxSender.Stop()

	// 设置路由
	h := handler.NewHandler(ledgerService, jobService, paymentService, referralService)
	router := handler.SetupRouter(h, cfg.Business.AdminToken, cfg.Payment.AllowedIPs)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	log.Println("服务已关闭")
}
