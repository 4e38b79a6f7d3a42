package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	icommon "github.com/betbot/tradebot/internal/common"
	"github.com/betbot/tradebot/internal/deposit"
	"github.com/betbot/tradebot/internal/dispatch"
	"github.com/betbot/tradebot/internal/feed"
	"github.com/betbot/tradebot/internal/mirror"
	"github.com/betbot/tradebot/internal/reconcile"
	"github.com/betbot/tradebot/internal/stoploss"
	"github.com/betbot/tradebot/internal/store"
	"github.com/betbot/tradebot/internal/venueapi"
	"github.com/betbot/tradebot/pkg/config"
	"github.com/betbot/tradebot/pkg/logger"
	"github.com/betbot/tradebot/pkg/persistence"
	"github.com/betbot/tradebot/pkg/secretstore"
	"github.com/betbot/tradebot/pkg/shutdown"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（YAML）")
	envFile := flag.String("env", ".env", ".env 文件路径")
	flag.Parse()

	// .env 不存在不是错误，环境变量可能由部署环境直接注入
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "加载 .env 失败: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{Level: cfg.LogLevel, OutputFile: cfg.LogFile}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	log := logrus.WithField("module", "main")
	log.Info("🚀 tradebot 启动中...")

	// 密钥优先从 secretstore 取，缺项回退环境变量
	var secrets *secretstore.Store
	if cfg.SecretsPath != "" {
		secrets, err = secretstore.Open(secretstore.OpenOptions{Path: cfg.SecretsPath})
		if err != nil {
			log.Errorf("❌ 打开 secretstore 失败: %v", err)
			os.Exit(1)
		}
		defer secrets.Close()
	}
	if s := secretstore.Resolve(secrets, secretstore.KeyWebhookSecret, "TRADEBOT_WEBHOOK_SECRET"); s != "" {
		cfg.Webhook.SigningSecret = s
	}
	if s := secretstore.Resolve(secrets, secretstore.KeyFeedAuthToken, "TRADEBOT_FEED_AUTH_TOKEN"); s != "" {
		cfg.Feed.AuthToken = s
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Errorf("❌ 打开数据库失败: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	persist := persistence.NewJSONFileService(cfg.DataDir)

	venue := venueapi.NewClient(venueapi.Config{BaseURL: cfg.VenueAPI})
	inflight := icommon.NewInFlightRegistry()

	wallets := make([]common.Address, 0, len(cfg.Wallets))
	for _, w := range cfg.Wallets {
		wallets = append(wallets, common.HexToAddress(w))
	}

	// --- 组件装配 ---
	engine := stoploss.NewEngine(db, venue, nil, inflight, stoploss.Options{
		MaxRetries:   int32(cfg.StopLoss.MaxRetries),
		RetryBackoff: cfg.StopLoss.RetryBackoff,
	})

	detector := deposit.NewDetector(db, venue, nil, cfg.Deposit.ConfirmationDepth)
	webhookSrv := deposit.NewWebhookServer(deposit.WebhookConfig{
		Listen:        cfg.Webhook.Listen,
		SigningSecret: cfg.Webhook.SigningSecret,
	}, detector, wallets)
	poller := deposit.NewPoller(detector, venue, wallets, cfg.Deposit.PollInterval,
		persist.NewStore("deposit", "poller", "cursor"))

	book := reconcile.NewSnapshotBook()
	fills := reconcile.NewFillConsumer(book)
	reconciler := reconcile.NewReconciler(book, venue, inflight, cfg.Users, reconcile.Options{
		Interval:       cfg.Reconcile.Interval,
		DriftTolerance: cfg.Reconcile.DriftTolerance,
		ReviewCycles:   cfg.Reconcile.ReviewCycles,
	})

	rules := mirror.NewRuleBook()
	copier := mirror.NewMirror(rules, venue, venue, nil, inflight, cfg.Mirror.MinOrderSize)

	dispatcher := dispatch.NewDispatcher(1024)
	dispatcher.RegisterPrefix(feed.TopicPricePrefix, engine.HandleTick)
	dispatcher.Register(feed.TopicTrades, copier.HandleTrade)
	dispatcher.Register(feed.TopicFills, fills.HandleFill)

	feedClient := feed.NewClient(&feed.Config{
		Endpoint:         cfg.Feed.Endpoint,
		AuthToken:        cfg.Feed.AuthToken,
		PingInterval:     cfg.Feed.PingInterval,
		HeartbeatTimeout: cfg.Feed.HeartbeatTimeout,
		BackoffBase:      cfg.Feed.BackoffBase,
		BackoffMax:       cfg.Feed.BackoffMax,
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		MessageBuffer:    1024,
	}, dispatcher.Route)

	// --- 启动前恢复：非终态 watch 与未入账的存款 ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Recover(ctx); err != nil {
		log.Errorf("❌ 恢复止损 watch 失败: %v", err)
		os.Exit(1)
	}
	if err := detector.Recover(ctx); err != nil {
		log.Errorf("❌ 恢复存款事件失败: %v", err)
		os.Exit(1)
	}

	// --- 启动 ---
	dispatcher.Start()
	if err := feedClient.Start(); err != nil {
		log.Errorf("❌ 启动事件源失败: %v", err)
		os.Exit(1)
	}
	topics := []string{feed.TopicTrades, feed.TopicFills}
	for _, m := range cfg.Markets {
		topics = append(topics, feed.PriceTopic(m))
	}
	if err := feedClient.Subscribe(topics...); err != nil {
		log.Warnf("⚠️ 初始订阅失败（将在重连后重放）: %v", err)
	}

	if err := webhookSrv.Start(); err != nil {
		log.Errorf("❌ 启动 webhook 服务失败: %v", err)
		os.Exit(1)
	}
	poller.Start(ctx)
	reconciler.Start(ctx)

	log.Infof("✅ tradebot 已就绪: markets=%d wallets=%d users=%d", len(cfg.Markets), len(wallets), len(cfg.Users))

	// --- 关停：先停事件入口，再排空在途动作，最后收尾基础设施 ---
	mgr := shutdown.NewManager()
	mgr.OnShutdown(func(ctx context.Context, wg *sync.WaitGroup) {
		defer wg.Done()
		feedClient.Stop()
	})
	mgr.OnShutdown(func(ctx context.Context, wg *sync.WaitGroup) {
		defer wg.Done()
		if err := webhookSrv.Stop(ctx); err != nil {
			log.Warnf("⚠️ 关闭 webhook 服务: %v", err)
		}
	})
	mgr.OnShutdown(func(ctx context.Context, wg *sync.WaitGroup) {
		defer wg.Done()
		poller.Stop()
		reconciler.Stop()
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("🛑 收到信号 %v，开始优雅关停...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	mgr.Shutdown(shutdownCtx)

	// 事件入口已关闭，排空在途的止损执行与分发队列
	dispatcher.Stop()
	engine.Stop()
	cancel()

	log.Info("👋 tradebot 已退出")
}
