package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了 TaskSync 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	CORS      CORSConfig      `json:"cors" yaml:"cors"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Broadcast BroadcastConfig `json:"broadcast" yaml:"broadcast"`
	Realtime  RealtimeConfig  `json:"realtime" yaml:"realtime"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Alerting  AlertingConfig  `json:"alerting" yaml:"alerting"`
}

// ServerConfig 控制 HTTP 服务的监听地址等参数。
type ServerConfig struct {
	Address                  string `json:"address" yaml:"address"`
	ReadHeaderTimeoutSeconds int    `json:"read_header_timeout_seconds" yaml:"read_header_timeout_seconds"`
	ShutdownTimeoutSeconds   int    `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
}

// ReadHeaderTimeout 返回请求头读取超时时间。
func (c ServerConfig) ReadHeaderTimeout() time.Duration {
	return time.Duration(c.ReadHeaderTimeoutSeconds) * time.Second
}

// ShutdownTimeout 返回优雅关闭的等待时间。
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// CORSConfig 同时约束 REST 跨域与 websocket 的 Origin 校验。
type CORSConfig struct {
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

// StoreConfig 描述任务文档存储。
type StoreConfig struct {
	Driver           string      `json:"driver" yaml:"driver"`
	OpTimeoutSeconds int         `json:"op_timeout_seconds" yaml:"op_timeout_seconds"`
	Mongo            MongoConfig `json:"mongo" yaml:"mongo"`
	MySQL            MySQLConfig `json:"mysql" yaml:"mysql"`
}

// OpTimeout 返回单次存储操作的超时时间，0 表示不限制。
func (c StoreConfig) OpTimeout() time.Duration {
	return time.Duration(c.OpTimeoutSeconds) * time.Second
}

// MongoConfig 描述 MongoDB 连接信息。
type MongoConfig struct {
	URI        string `json:"uri" yaml:"uri"`
	Username   string `json:"username" yaml:"username"`
	Password   string `json:"password" yaml:"password"`
	Database   string `json:"database" yaml:"database"`
	Collection string `json:"collection" yaml:"collection"`
}

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
}

// BroadcastConfig 描述跨实例广播的中继方式。
type BroadcastConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis pub/sub 中继。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Channel  string `json:"channel" yaml:"channel"`
}

// RabbitMQConfig 描述 RabbitMQ fanout 中继。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Exchange string `json:"exchange" yaml:"exchange"`
}

// RealtimeConfig 控制 websocket 网关。
type RealtimeConfig struct {
	Path                string `json:"path" yaml:"path"`
	SendBuffer          int    `json:"send_buffer" yaml:"send_buffer"`
	PingIntervalSeconds int    `json:"ping_interval_seconds" yaml:"ping_interval_seconds"`
	PongWaitSeconds     int    `json:"pong_wait_seconds" yaml:"pong_wait_seconds"`
	MaxMessageBytes     int64  `json:"max_message_bytes" yaml:"max_message_bytes"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string      `json:"level" yaml:"level"`
	Format  string      `json:"format" yaml:"format"`
	Outputs []string    `json:"outputs" yaml:"outputs"`
	Audit   AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig 控制审计日志的滚动策略。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

// AlertingConfig 描述告警通道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// DefaultAllowedOrigins 是前端默认部署的来源。
var DefaultAllowedOrigins = []string{
	"http://localhost:5173",
	"https://taskmanagement-ed7d8.web.app",
	"https://taskmanagement-ed7d8.firebaseapp.com",
}

// Load 解析指定路径的配置文件，再叠加环境变量并补齐默认值。
// path 为空时仅使用环境变量与默认值。
func Load(path string) (*Config, error) {
	var cfg Config
	baseDir := "."
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := decode(path, content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(path string, content []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(content, cfg)
	default:
		return json.Unmarshal(content, cfg)
	}
}

type lookupFunc func(key string) (string, bool)

// applyEnv 使用环境变量覆盖文件中的配置。
func (c *Config) applyEnv(lookup lookupFunc) error {
	setString := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	if port, ok := lookup("PORT"); ok && strings.TrimSpace(port) != "" {
		if _, err := strconv.Atoi(strings.TrimSpace(port)); err != nil {
			return fmt.Errorf("PORT 不是合法端口: %q", port)
		}
		c.Server.Address = ":" + strings.TrimSpace(port)
	}
	setString("TASKSYNC_STORE_DRIVER", &c.Store.Driver)
	setString("MONGODB_URI", &c.Store.Mongo.URI)
	setString("DB_USER", &c.Store.Mongo.Username)
	setString("DB_PASS", &c.Store.Mongo.Password)
	setString("MYSQL_DSN", &c.Store.MySQL.DSN)
	setString("TASKSYNC_BROADCAST_DRIVER", &c.Broadcast.Driver)
	setString("REDIS_ADDR", &c.Broadcast.Redis.Address)
	setString("REDIS_PASSWORD", &c.Broadcast.Redis.Password)
	setString("RABBITMQ_URL", &c.Broadcast.RabbitMQ.URL)
	setString("LOG_LEVEL", &c.Logging.Level)
	setString("ALERT_WEBHOOK_URL", &c.Alerting.WebhookURL)

	if raw, ok := lookup("ALLOWED_ORIGINS"); ok && strings.TrimSpace(raw) != "" {
		c.CORS.AllowedOrigins = splitList(raw)
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":5000"
	}
	if c.Server.ReadHeaderTimeoutSeconds <= 0 {
		c.Server.ReadHeaderTimeoutSeconds = 5
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 5
	}

	if len(c.CORS.AllowedOrigins) == 0 {
		c.CORS.AllowedOrigins = append([]string(nil), DefaultAllowedOrigins...)
	}

	c.Store.Driver = strings.ToLower(c.Store.Driver)
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.Mongo.Database == "" {
		c.Store.Mongo.Database = "taskManagement"
	}
	if c.Store.Mongo.Collection == "" {
		c.Store.Mongo.Collection = "tasks"
	}

	c.Broadcast.Driver = strings.ToLower(c.Broadcast.Driver)
	if c.Broadcast.Driver == "" {
		c.Broadcast.Driver = "memory"
	}
	if c.Broadcast.Redis.Channel == "" {
		c.Broadcast.Redis.Channel = "tasksync:events"
	}
	if c.Broadcast.RabbitMQ.Exchange == "" {
		c.Broadcast.RabbitMQ.Exchange = "tasksync.events"
	}

	if c.Realtime.Path == "" {
		c.Realtime.Path = "/ws"
	}
	if c.Realtime.SendBuffer <= 0 {
		c.Realtime.SendBuffer = 64
	}
	if c.Realtime.PingIntervalSeconds <= 0 {
		c.Realtime.PingIntervalSeconds = 25
	}
	if c.Realtime.PongWaitSeconds <= c.Realtime.PingIntervalSeconds {
		c.Realtime.PongWaitSeconds = c.Realtime.PingIntervalSeconds * 2
		if c.Realtime.PongWaitSeconds < 60 {
			c.Realtime.PongWaitSeconds = 60
		}
	}
	if c.Realtime.MaxMessageBytes <= 0 {
		c.Realtime.MaxMessageBytes = 1 << 20
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled {
		if c.Logging.Audit.Path == "" {
			c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
		} else if !filepath.IsAbs(c.Logging.Audit.Path) {
			c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
		}
	}
}

// Validate 检查驱动与其必需参数是否匹配。
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "mongo":
		if c.Store.Mongo.URI == "" {
			return errors.New("mongo 存储需要配置 store.mongo.uri 或 MONGODB_URI")
		}
	case "mysql":
		if c.Store.MySQL.DSN == "" {
			return errors.New("mysql 存储需要配置 store.mysql.dsn 或 MYSQL_DSN")
		}
	default:
		return fmt.Errorf("未知的存储驱动: %s", c.Store.Driver)
	}

	switch c.Broadcast.Driver {
	case "memory":
	case "redis":
		if c.Broadcast.Redis.Address == "" {
			return errors.New("redis 广播需要配置 broadcast.redis.address 或 REDIS_ADDR")
		}
	case "rabbitmq":
		if c.Broadcast.RabbitMQ.URL == "" {
			return errors.New("rabbitmq 广播需要配置 broadcast.rabbitmq.url 或 RABBITMQ_URL")
		}
	default:
		return fmt.Errorf("未知的广播驱动: %s", c.Broadcast.Driver)
	}
	return nil
}

// PingInterval 返回 websocket 心跳间隔。
func (c RealtimeConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

// PongWait 返回等待客户端 pong 的最长时间。
func (c RealtimeConfig) PongWait() time.Duration {
	return time.Duration(c.PongWaitSeconds) * time.Second
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
