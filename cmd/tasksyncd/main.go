package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"TaskSync/internal/api"
	"TaskSync/internal/broadcast"
	"TaskSync/internal/config"
	"TaskSync/internal/observability/alerting"
	"TaskSync/internal/realtime"
	sqlstore "TaskSync/internal/storage/mysql"
	redisstore "TaskSync/internal/storage/redis"
	"TaskSync/internal/task"
	"TaskSync/pkg/logger"
)

// main 是 TaskSync 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		log.Fatalf("tasksyncd 运行失败: %v", err)
	}
}

func run(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("tasksyncd", pflag.ContinueOnError)
	configPath := flags.String("config", os.Getenv("TASKSYNC_CONFIG"), "配置文件路径 (json/yaml)")
	envFile := flags.String("env-file", ".env", "启动前加载的 dotenv 文件")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if *envFile != "" {
		if _, err := os.Stat(*envFile); err == nil {
			if err := godotenv.Load(*envFile); err != nil {
				return fmt.Errorf("加载 %s 失败: %w", *envFile, err)
			}
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	taskStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := taskStore.Close(); err != nil {
			logger.L().Warn("关闭任务存储失败", slog.Any("error", err))
		}
	}()

	relay, err := openRelay(ctx, cfg)
	if err != nil {
		return err
	}
	broadcaster := broadcast.NewBroadcaster(broadcast.NewHub(cfg.Realtime.SendBuffer), relay)
	defer func() {
		if err := broadcaster.Close(); err != nil {
			logger.L().Warn("关闭广播中继失败", slog.Any("error", err))
		}
	}()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go superviseRelay(ctx, cancel, broadcaster.Run)

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}

	taskService := task.NewService(taskStore, broadcaster,
		task.WithOpTimeout(cfg.Store.OpTimeout()),
		task.WithAlerts(alerting.NewFanout(notifiers...)),
	)

	gateway := realtime.NewGateway(broadcaster.Hub(), taskService, realtime.Options{
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
		PingInterval:    cfg.Realtime.PingInterval(),
		PongWait:        cfg.Realtime.PongWait(),
		MaxMessageBytes: cfg.Realtime.MaxMessageBytes,
	})

	server := api.NewServer(api.Options{
		Address:           cfg.Server.Address,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout(),
		ShutdownTimeout:   cfg.Server.ShutdownTimeout(),
		AllowedOrigins:    cfg.CORS.AllowedOrigins,
		RealtimePath:      cfg.Realtime.Path,
	}, taskService, gateway)

	logger.L().Info("tasksyncd 启动",
		slog.String("store", cfg.Store.Driver),
		slog.String("broadcast", cfg.Broadcast.Driver),
		slog.String("address", cfg.Server.Address),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if cause := context.Cause(ctx); !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

// superviseRelay 运行中继消费循环。循环异常退出后本地扇出已经失效，
// 此时取消根上下文让进程退出，由外部编排负责重启。
func superviseRelay(ctx context.Context, cancel context.CancelCauseFunc, run func(context.Context) error) {
	err := run(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}
	logger.L().Error("广播中继异常退出", slog.Any("error", err))
	cancel(fmt.Errorf("广播中继异常退出: %w", err))
}

func openStore(ctx context.Context, cfg *config.Config) (task.Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mongo":
		return task.NewMongoStore(ctx, task.MongoConfig{
			URI:        cfg.Store.Mongo.URI,
			Username:   cfg.Store.Mongo.Username,
			Password:   cfg.Store.Mongo.Password,
			Database:   cfg.Store.Mongo.Database,
			Collection: cfg.Store.Mongo.Collection,
		})
	case "mysql":
		return task.NewMySQLStore(ctx, sqlstore.Config{
			DSN:             cfg.Store.MySQL.DSN,
			MaxOpenConns:    cfg.Store.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Store.MySQL.ConnMaxLifetimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Store.Driver)
	}
}

// openRelay 返回 nil 表示仅在本实例内广播。
func openRelay(ctx context.Context, cfg *config.Config) (broadcast.Relay, error) {
	switch cfg.Broadcast.Driver {
	case "", "memory":
		return nil, nil
	case "redis":
		client, err := redisstore.NewClient(ctx, redisstore.Config{
			Address:  cfg.Broadcast.Redis.Address,
			Password: cfg.Broadcast.Redis.Password,
			DB:       cfg.Broadcast.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		relay, err := broadcast.NewRedisRelay(client, cfg.Broadcast.Redis.Channel)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return relay, nil
	case "rabbitmq":
		return broadcast.NewRabbitMQRelay(broadcast.RabbitMQConfig{
			URL:      cfg.Broadcast.RabbitMQ.URL,
			Exchange: cfg.Broadcast.RabbitMQ.Exchange,
		})
	default:
		return nil, fmt.Errorf("未知的广播驱动: %s", cfg.Broadcast.Driver)
	}
}
