package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// FeedConfig 行情/用户事件 WebSocket 配置
type FeedConfig struct {
	Endpoint         string        // WS 端点
	AuthToken        string        // 订阅请求携带的鉴权 token
	PingInterval     time.Duration // 心跳发送间隔
	HeartbeatTimeout time.Duration // 超过该窗口没有任何消息/PONG 视为断线
	BackoffBase      time.Duration // 重连退避基础间隔
	BackoffMax       time.Duration // 重连退避上限（重试次数不设上限）
}

// WebhookConfig 存款 webhook 回调配置
type WebhookConfig struct {
	Listen        string // HTTP 监听地址，例如 ":8081"
	SigningSecret string // HMAC-SHA256 验签密钥
}

// DepositConfig 存款检测配置
type DepositConfig struct {
	PollInterval      time.Duration // 轮询兜底间隔
	ConfirmationDepth uint64        // 入账所需确认数
}

// ReconcileConfig 仓位对账配置
type ReconcileConfig struct {
	Interval       time.Duration   // 对账周期
	DriftTolerance decimal.Decimal // 本地与远端 size 的容忍差
	ReviewCycles   int             // 连续多少个周期仍漂移则转人工
}

// StopLossConfig 止损执行配置
type StopLossConfig struct {
	MaxRetries   int           // 下单失败重试上限
	RetryBackoff time.Duration // 重试退避基础间隔
}

// MirrorConfig 跟单镜像配置
type MirrorConfig struct {
	MinOrderSize decimal.Decimal // 低于该规模的镜像单直接跳过
}

// Config 应用配置
type Config struct {
	Feed        FeedConfig
	Webhook     WebhookConfig
	Deposit     DepositConfig
	Reconcile   ReconcileConfig
	StopLoss    StopLossConfig
	Mirror      MirrorConfig
	Wallets []string // 监控入金的钱包地址
	Users   []string // 参与对账的用户
	Markets []string // 启动时订阅价格的市场

	VenueAPI    string // venue 查询协作方的 HTTP base URL
	DBPath      string // SQLite 数据库路径
	DataDir     string // JSON 持久化目录（轮询游标、订阅集合）
	SecretsPath string // Badger secretstore 路径（可选）
	LogLevel    string
	LogFile     string
}

// configFile YAML 配置文件结构
type configFile struct {
	Feed struct {
		Endpoint           string `yaml:"endpoint"`
		AuthToken          string `yaml:"auth_token"`
		PingIntervalSec    int    `yaml:"ping_interval_sec"`
		HeartbeatTimeoutSec int   `yaml:"heartbeat_timeout_sec"`
		BackoffBaseMs      int    `yaml:"backoff_base_ms"`
		BackoffMaxMs       int    `yaml:"backoff_max_ms"`
	} `yaml:"feed"`
	Webhook struct {
		Listen        string `yaml:"listen"`
		SigningSecret string `yaml:"signing_secret"`
	} `yaml:"webhook"`
	Deposit struct {
		PollIntervalSec   int    `yaml:"poll_interval_sec"`
		ConfirmationDepth uint64 `yaml:"confirmation_depth"`
	} `yaml:"deposit"`
	Reconcile struct {
		IntervalSec    int    `yaml:"interval_sec"`
		DriftTolerance string `yaml:"drift_tolerance"`
		ReviewCycles   int    `yaml:"review_cycles"`
	} `yaml:"reconcile"`
	StopLoss struct {
		MaxRetries     int `yaml:"max_retries"`
		RetryBackoffMs int `yaml:"retry_backoff_ms"`
	} `yaml:"stoploss"`
	Mirror struct {
		MinOrderSize string `yaml:"min_order_size"`
	} `yaml:"mirror"`
	Wallets []string `yaml:"wallets"`
	Users   []string `yaml:"users"`
	Markets []string `yaml:"markets"`

	VenueAPI    string `yaml:"venue_api"`
	DBPath      string `yaml:"db_path"`
	DataDir     string `yaml:"data_dir"`
	SecretsPath string `yaml:"secrets_path"`
	Log         struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
}

// Default 返回带默认值的配置。
// 漂移容忍度与确认深度是部署相关的策略值，只给保守默认，均可被文件/环境变量覆盖。
func Default() *Config {
	return &Config{
		Feed: FeedConfig{
			PingInterval:     10 * time.Second,
			HeartbeatTimeout: 30 * time.Second,
			BackoffBase:      1 * time.Second,
			BackoffMax:       60 * time.Second,
		},
		Webhook: WebhookConfig{
			Listen: ":8081",
		},
		Deposit: DepositConfig{
			PollInterval:      30 * time.Second,
			ConfirmationDepth: 12,
		},
		Reconcile: ReconcileConfig{
			Interval:       60 * time.Second,
			DriftTolerance: decimal.RequireFromString("0.0001"),
			ReviewCycles:   3,
		},
		StopLoss: StopLossConfig{
			MaxRetries:   3,
			RetryBackoff: 500 * time.Millisecond,
		},
		Mirror: MirrorConfig{
			MinOrderSize: decimal.RequireFromString("1"),
		},
		DBPath:   "data/tradebot.db",
		DataDir:  "data",
		LogLevel: "info",
	}
}

// Load 从文件（可选）+ 环境变量加载配置。
// 优先级：环境变量 > 配置文件 > 默认值（和 gobet 一致）。
func Load(filePath string) (*Config, error) {
	c := Default()

	if strings.TrimSpace(filePath) != "" {
		var cf configFile
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal(data, &cf); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
		applyFile(c, &cf)
	}

	applyEnv(c)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func applyFile(c *Config, cf *configFile) {
	if cf.Feed.Endpoint != "" {
		c.Feed.Endpoint = cf.Feed.Endpoint
	}
	if cf.Feed.AuthToken != "" {
		c.Feed.AuthToken = cf.Feed.AuthToken
	}
	if cf.Feed.PingIntervalSec > 0 {
		c.Feed.PingInterval = time.Duration(cf.Feed.PingIntervalSec) * time.Second
	}
	if cf.Feed.HeartbeatTimeoutSec > 0 {
		c.Feed.HeartbeatTimeout = time.Duration(cf.Feed.HeartbeatTimeoutSec) * time.Second
	}
	if cf.Feed.BackoffBaseMs > 0 {
		c.Feed.BackoffBase = time.Duration(cf.Feed.BackoffBaseMs) * time.Millisecond
	}
	if cf.Feed.BackoffMaxMs > 0 {
		c.Feed.BackoffMax = time.Duration(cf.Feed.BackoffMaxMs) * time.Millisecond
	}
	if cf.Webhook.Listen != "" {
		c.Webhook.Listen = cf.Webhook.Listen
	}
	if cf.Webhook.SigningSecret != "" {
		c.Webhook.SigningSecret = cf.Webhook.SigningSecret
	}
	if cf.Deposit.PollIntervalSec > 0 {
		c.Deposit.PollInterval = time.Duration(cf.Deposit.PollIntervalSec) * time.Second
	}
	if cf.Deposit.ConfirmationDepth > 0 {
		c.Deposit.ConfirmationDepth = cf.Deposit.ConfirmationDepth
	}
	if cf.Reconcile.IntervalSec > 0 {
		c.Reconcile.Interval = time.Duration(cf.Reconcile.IntervalSec) * time.Second
	}
	if cf.Reconcile.DriftTolerance != "" {
		if d, err := decimal.NewFromString(cf.Reconcile.DriftTolerance); err == nil {
			c.Reconcile.DriftTolerance = d
		}
	}
	if cf.Reconcile.ReviewCycles > 0 {
		c.Reconcile.ReviewCycles = cf.Reconcile.ReviewCycles
	}
	if cf.StopLoss.MaxRetries > 0 {
		c.StopLoss.MaxRetries = cf.StopLoss.MaxRetries
	}
	if cf.StopLoss.RetryBackoffMs > 0 {
		c.StopLoss.RetryBackoff = time.Duration(cf.StopLoss.RetryBackoffMs) * time.Millisecond
	}
	if cf.Mirror.MinOrderSize != "" {
		if d, err := decimal.NewFromString(cf.Mirror.MinOrderSize); err == nil {
			c.Mirror.MinOrderSize = d
		}
	}
	if len(cf.Wallets) > 0 {
		c.Wallets = cf.Wallets
	}
	if len(cf.Users) > 0 {
		c.Users = cf.Users
	}
	if len(cf.Markets) > 0 {
		c.Markets = cf.Markets
	}
	if cf.VenueAPI != "" {
		c.VenueAPI = cf.VenueAPI
	}
	if cf.DBPath != "" {
		c.DBPath = cf.DBPath
	}
	if cf.DataDir != "" {
		c.DataDir = cf.DataDir
	}
	if cf.SecretsPath != "" {
		c.SecretsPath = cf.SecretsPath
	}
	if cf.Log.Level != "" {
		c.LogLevel = cf.Log.Level
	}
	if cf.Log.File != "" {
		c.LogFile = cf.Log.File
	}
}

func applyEnv(c *Config) {
	c.Feed.Endpoint = getEnv("TRADEBOT_FEED_ENDPOINT", c.Feed.Endpoint)
	c.Feed.AuthToken = getEnv("TRADEBOT_FEED_AUTH_TOKEN", c.Feed.AuthToken)
	c.Webhook.Listen = getEnv("TRADEBOT_WEBHOOK_LISTEN", c.Webhook.Listen)
	c.Webhook.SigningSecret = getEnv("TRADEBOT_WEBHOOK_SECRET", c.Webhook.SigningSecret)
	c.VenueAPI = getEnv("TRADEBOT_VENUE_API", c.VenueAPI)
	if v := os.Getenv("TRADEBOT_WALLETS"); v != "" {
		c.Wallets = splitList(v)
	}
	if v := os.Getenv("TRADEBOT_USERS"); v != "" {
		c.Users = splitList(v)
	}
	if v := os.Getenv("TRADEBOT_MARKETS"); v != "" {
		c.Markets = splitList(v)
	}
	c.DBPath = getEnv("TRADEBOT_DB_PATH", c.DBPath)
	c.DataDir = getEnv("TRADEBOT_DATA_DIR", c.DataDir)
	c.SecretsPath = getEnv("TRADEBOT_SECRETS_PATH", c.SecretsPath)
	c.LogLevel = getEnv("TRADEBOT_LOG_LEVEL", c.LogLevel)
	c.LogFile = getEnv("TRADEBOT_LOG_FILE", c.LogFile)

	if v := parseIntEnv("TRADEBOT_POLL_INTERVAL_SEC", 0); v > 0 {
		c.Deposit.PollInterval = time.Duration(v) * time.Second
	}
	if v := parseIntEnv("TRADEBOT_CONFIRMATION_DEPTH", 0); v > 0 {
		c.Deposit.ConfirmationDepth = uint64(v)
	}
	if v := parseIntEnv("TRADEBOT_RECONCILE_INTERVAL_SEC", 0); v > 0 {
		c.Reconcile.Interval = time.Duration(v) * time.Second
	}
	if v := parseIntEnv("TRADEBOT_BACKOFF_BASE_MS", 0); v > 0 {
		c.Feed.BackoffBase = time.Duration(v) * time.Millisecond
	}
	if v := parseIntEnv("TRADEBOT_BACKOFF_MAX_MS", 0); v > 0 {
		c.Feed.BackoffMax = time.Duration(v) * time.Millisecond
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Feed.Endpoint) == "" {
		return fmt.Errorf("feed.endpoint 不能为空")
	}
	if c.Feed.BackoffBase <= 0 || c.Feed.BackoffMax < c.Feed.BackoffBase {
		return fmt.Errorf("退避区间非法: base=%v max=%v", c.Feed.BackoffBase, c.Feed.BackoffMax)
	}
	if c.Deposit.PollInterval <= 0 {
		return fmt.Errorf("deposit.poll_interval 必须大于 0")
	}
	if c.Deposit.ConfirmationDepth == 0 {
		return fmt.Errorf("deposit.confirmation_depth 必须大于 0")
	}
	if c.Reconcile.Interval <= 0 {
		return fmt.Errorf("reconcile.interval 必须大于 0")
	}
	if c.Reconcile.DriftTolerance.IsNegative() {
		return fmt.Errorf("reconcile.drift_tolerance 不能为负")
	}
	if c.StopLoss.MaxRetries < 1 {
		return fmt.Errorf("stoploss.max_retries 至少为 1")
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}
