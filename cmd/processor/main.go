package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/opsbot/goledger/internal/assets"
	"github.com/opsbot/goledger/internal/audit"
	"github.com/opsbot/goledger/internal/bus"
	"github.com/opsbot/goledger/internal/controlplane"
	"github.com/opsbot/goledger/internal/dedup"
	"github.com/opsbot/goledger/internal/domain"
	"github.com/opsbot/goledger/internal/events"
	"github.com/opsbot/goledger/internal/gateway"
	"github.com/opsbot/goledger/internal/handlers"
	"github.com/opsbot/goledger/internal/ingest"
	"github.com/opsbot/goledger/internal/metrics"
	"github.com/opsbot/goledger/internal/ports"
	"github.com/opsbot/goledger/internal/sagas"
	"github.com/opsbot/goledger/internal/store"
	"github.com/opsbot/goledger/pkg/config"
	"github.com/opsbot/goledger/pkg/logger"
	"github.com/opsbot/goledger/pkg/shutdown"
)

const metricsListen = "127.0.0.1:6061"

func main() {
	// .env 可选：本地开发用
	_ = godotenv.Load()

	configPath := flag.String("config", "yml/processor.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("加载配置失败: %v", err)
	}
	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAge,
		Compress:   cfg.LogCompress,
	}); err != nil {
		logrus.Fatalf("初始化日志失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := shutdown.NewManager()

	// 存储：badger 落盘，dry-run 时全内存
	var (
		ledgerStore  store.LedgerStore
		contextStore store.ContextStore
	)
	if cfg.StoreInMemory {
		mem := store.NewMemoryStore()
		ledgerStore, contextStore = mem, mem
		logger.Warn("⚠️ 存储运行在内存模式，重启后数据丢失")
	} else {
		badgerStore, err := store.Open(store.OpenOptions{Path: cfg.StorePath})
		if err != nil {
			logger.Errorf("打开存储失败: %v", err)
			return
		}
		ledgerStore, contextStore = badgerStore, badgerStore
		go badgerStore.RunGC(ctx, 10*time.Minute)
		mgr.OnShutdown(func(ctx context.Context) {
			_ = badgerStore.Close()
		})
	}

	auditLog, err := audit.Open(cfg.AuditPath)
	if err != nil {
		logger.Errorf("打开审计日志失败: %v", err)
		return
	}
	mgr.OnShutdown(func(ctx context.Context) {
		_ = auditLog.Close()
	})

	// 总线 + 入口去重
	router := bus.NewRouter(bus.Options{
		Workers:     cfg.BusWorkers,
		QueueSize:   cfg.BusQueueSize,
		MaxAttempts: cfg.BusMaxAttempts,
		RetryDelay:  cfg.BusRetryDelay,
	})
	router.SetDeduper(dedup.New(cfg.DedupWindow, cfg.DedupShards))

	// 出站网关
	gateway.ConfigureChannelRPS(cfg.GatewayRPS)
	ledgerClient := gateway.NewLedgerClient(cfg.LedgerBaseURL, cfg.LedgerAPIKey, cfg.LedgerTimeout)
	assetCache := assets.NewService(gateway.NewDictionaryClient(cfg.DictionaryBaseURL, cfg.DictionaryTimeout))

	var channels []ports.BlockchainChannel
	for channel, baseURL := range map[domain.SubmissionChannel]string{
		domain.ChannelBitcoin:       cfg.BitcoinGatewayURL,
		domain.ChannelEthereum:      cfg.EthereumGatewayURL,
		domain.ChannelEthereumERC20: cfg.EthereumGatewayURL,
		domain.ChannelColored:       cfg.ColoredGatewayURL,
		domain.ChannelChrono:        cfg.ChronoGatewayURL,
	} {
		if baseURL == "" {
			continue
		}
		channels = append(channels, gateway.NewChannel(channel, baseURL, cfg.HotWalletAddress, cfg.LedgerTimeout))
	}

	// 处理核心 + 编排
	svc := handlers.New(handlers.Deps{
		Ledger:   ledgerStore,
		Contexts: contextStore,
		Assets:   assetCache,
		Accounts: ledgerClient,
		Bus:      router,
		Audit:    auditLog,
		Channels: channels,
	})
	svc.Register(router)

	sagaDeps := sagas.Deps{Bus: router, Assets: assetCache, Contexts: contextStore}
	if cfg.NotificationsURL != "" {
		sagaDeps.Notifier = gateway.NewNotificationClient(cfg.NotificationsURL, cfg.LedgerTimeout)
		sagaDeps.History = gateway.NewHistoryClient(cfg.NotificationsURL, cfg.LedgerTimeout)
	}
	sagas.New(sagaDeps).Register(router)

	// 死信：落审计；出金提交的死信触发补偿
	router.OnDeadLetter(func(dl bus.DeadLetter) {
		metrics.DeadLetters.Add(1)
		_ = auditLog.Record(context.Background(), "", dl.Message.ID(), "dead-letter",
			dl.Message.MessageType()+": "+dl.Reason)
		if sub, ok := dl.Message.(handlers.SubmitTransactionCommand); ok && sub.Workflow == domain.WorkflowCashOut {
			_ = router.Publish(context.Background(), events.CashOutFailedEvent{
				TransactionID: sub.TransactionID,
				ClientID:      sub.ClientID,
				AssetID:       sub.AssetID,
				Amount:        sub.Amount,
				Error:         dl.Reason,
				Timestamp:     time.Now(),
			})
		}
	})

	router.Start(ctx)
	mgr.OnShutdown(func(ctx context.Context) {
		router.Stop()
	})

	// 撮合引擎事件流
	if cfg.IngestWSURL != "" {
		listener := ingest.NewListener(cfg.IngestWSURL, router, cfg.IngestReconnect)
		listener.Start(ctx)
		mgr.OnShutdown(func(ctx context.Context) {
			listener.Stop()
		})
	} else {
		logger.Warn("⚠️ 未配置事件流地址，只接受控制面流量")
	}

	// 控制面 + metrics
	cp := controlplane.New(ledgerStore, auditLog, router)
	if err := cp.Run(cfg.ControlPlaneListen); err != nil {
		logger.Errorf("启动控制面失败: %v", err)
		return
	}
	mgr.OnShutdown(func(ctx context.Context) {
		_ = cp.Shutdown(ctx)
	})
	if _, err := metrics.StartAsync(ctx, metricsListen); err != nil {
		logger.Warnf("metrics 服务启动失败: %v", err)
	}

	logger.Info("🚀 处理器已就绪")
	<-ctx.Done()

	logger.Info("收到退出信号，开始优雅关闭")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mgr.Shutdown(shutdownCtx)
	logger.Info("🛑 处理器已退出")
}
