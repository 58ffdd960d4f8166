package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"ContractRelay/internal/account"
	"ContractRelay/internal/api"
	"ContractRelay/internal/config"
	"ContractRelay/internal/events"
	"ContractRelay/internal/journal"
	"ContractRelay/internal/observability/alerting"
	"ContractRelay/internal/observability/metrics"
	"ContractRelay/internal/ratelimit"
	"ContractRelay/internal/storage/mysql"
	"ContractRelay/internal/txn"
	"ContractRelay/internal/web3/provider"
	"ContractRelay/pkg/logger"
)

// main 是 relay 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("relayd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("RELAY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "relay.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:   cfg.Logging.Audit.Enabled,
			Path:      cfg.Logging.Audit.Path,
			MaxSizeMB: cfg.Logging.Audit.MaxSizeMB,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("relayd")

	chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3, provider.WithObserver(metrics.ObserveNodeCall))
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	store, err := openJournal(ctx, cfg.Journal)
	if err != nil {
		return err
	}
	defer store.Close()

	producer, err := openProducer(ctx, cfg.Events)
	if err != nil {
		return err
	}
	defer func() {
		if err := producer.Close(); err != nil {
			log.Warn("关闭事件队列失败", slog.Any("error", err))
		}
	}()

	var notifiers []alerting.Notifier
	if cfg.Alerting.LogEnabled() {
		notifiers = append(notifiers, &alerting.LogNotifier{})
	}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, 10*time.Second))
	}

	policy, err := txn.ParseNoncePolicy(cfg.Web3.NoncePolicy)
	if err != nil {
		return err
	}
	trackerOpts := []txn.TrackerOption{
		txn.WithPollInterval(cfg.Web3.ReceiptPollInterval()),
		txn.WithReceiptTimeout(cfg.Web3.ReceiptTimeout()),
		txn.WithConfirmations(cfg.Web3.Confirmations),
		txn.WithObserver(journal.NewObserver(store)),
		txn.WithObserver(metrics.StageObserver{}),
	}
	if len(notifiers) > 0 {
		trackerOpts = append(trackerOpts, txn.WithObserver(alerting.NewObserver(alerting.NewFanout(notifiers...))))
	}

	directory := account.NewDirectory(chainRegistry,
		account.WithNoncePolicy(policy),
		account.WithTrackerOptions(trackerOpts...),
	)

	preloaded := make([]account.PreloadedContract, 0, len(cfg.PreloadedContracts))
	for _, c := range cfg.PreloadedContracts {
		descriptor, err := c.Descriptor()
		if err != nil {
			return err
		}
		preloaded = append(preloaded, account.PreloadedContract{Name: c.Name, Address: c.Address, Descriptor: descriptor})
	}
	def := account.Registration{
		Address:    cfg.DefaultAccount.Address,
		PrivateKey: cfg.DefaultAccount.ResolvePrivateKey(),
	}
	if cfg.DefaultAccount.ChainID > 0 {
		def.ChainID = big.NewInt(cfg.DefaultAccount.ChainID)
	}
	if err := directory.Seed(ctx, def, preloaded); err != nil {
		return err
	}

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, directory, chainRegistry,
		api.WithJournal(store),
		api.WithRateLimiter(ratelimit.New(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, 10*time.Minute)),
		api.WithMinedHandler(events.MinedHandler(producer)),
		api.WithRequestTimeout(cfg.Server.RequestTimeout()),
	)

	log.Info("relay 已就绪",
		slog.Any("chains", chainRegistry.Chains()),
		slog.String("default_chain", chainRegistry.DefaultChain()),
		slog.String("journal", cfg.Journal.Driver),
		slog.String("events", cfg.Events.Driver))

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openJournal(ctx context.Context, cfg config.JournalConfig) (journal.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return journal.NewMemoryStore(cfg.Retention), nil
	case "mysql":
		return mysql.NewSubmissionStore(ctx, mysql.Config{DSN: cfg.DSN})
	default:
		return nil, fmt.Errorf("未知的交易流水存储: %s", cfg.Driver)
	}
}

func openProducer(ctx context.Context, cfg config.EventsConfig) (events.Producer, error) {
	switch cfg.Driver {
	case "", "none":
		return events.Discard{}, nil
	case "memory":
		queue := events.NewMemoryQueue(1024)
		go drainEvents(queue)
		return queue, nil
	case "redis":
		return events.NewRedisQueue(ctx, events.RedisQueueConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Queue:    cfg.Redis.Queue,
		})
	case "rabbitmq":
		return events.NewRabbitMQQueue(events.RabbitMQConfig{
			URL:     cfg.RabbitMQ.URL,
			Queue:   cfg.RabbitMQ.Queue,
			Durable: cfg.RabbitMQ.IsDurable(),
		})
	default:
		return nil, fmt.Errorf("未知的事件队列: %s", cfg.Driver)
	}
}

// drainEvents 在没有外部消费者时把内存队列中的事件写入日志。
func drainEvents(queue *events.MemoryQueue) {
	log := logger.Named("events")
	for event := range queue.Events() {
		log.Info("交易事件",
			slog.String("type", string(event.Type)),
			slog.String("submission", event.SubmissionID),
			slog.String("hash", event.Hash))
	}
}
