package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"vertex-book-go/infrastructure/logger"
	"vertex-book-go/infrastructure/monitor"
)

// EnvPrefix 环境变量覆盖前缀，例如 VERTEX_BOOK_FEED_PRODUCT_ID=4。
const EnvPrefix = "VERTEX_BOOK_"

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env     string        `yaml:"env" env:"ENV"`
	Feed    FeedConfig    `yaml:"feed" envPrefix:"FEED_"`
	Display DisplayConfig `yaml:"display" envPrefix:"DISPLAY_"`
	Log     LogConfig     `yaml:"log" envPrefix:"LOG_"`
	Metrics MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
	Alert   AlertConfig   `yaml:"alert" envPrefix:"ALERT_"`
}

// FeedConfig 订阅端点、产品以及重连退避参数。
type FeedConfig struct {
	URL            string        `yaml:"url" env:"URL"`
	ProductID      int64         `yaml:"productId" env:"PRODUCT_ID"`
	ProductName    string        `yaml:"productName" env:"PRODUCT_NAME"`
	SubscriptionID int64         `yaml:"subscriptionId" env:"SUBSCRIPTION_ID"`
	MaxRetries     int           `yaml:"maxRetries" env:"MAX_RETRIES"`
	InitialBackoff time.Duration `yaml:"initialBackoff" env:"INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `yaml:"maxBackoff" env:"MAX_BACKOFF"`
	BackoffFactor  float64       `yaml:"backoffFactor" env:"BACKOFF_FACTOR"`

	HandshakeTimeout time.Duration `yaml:"handshakeTimeout" env:"HANDSHAKE_TIMEOUT"`
	ReadTimeout      time.Duration `yaml:"readTimeout" env:"READ_TIMEOUT"` // 超过该时长没有任何消息/pong 视为断线
	PingInterval     time.Duration `yaml:"pingInterval" env:"PING_INTERVAL"`
}

// DisplayConfig 终端展示参数，支持热更新。
type DisplayConfig struct {
	RefreshInterval time.Duration `yaml:"refreshInterval" env:"REFRESH_INTERVAL"`
	Rows            int           `yaml:"rows" env:"ROWS"`
	Label           string        `yaml:"label" env:"LABEL"` // 为空时使用 feed.productName
}

type LogConfig struct {
	logger.Config `yaml:",inline"`
	StateInterval time.Duration `yaml:"stateInterval" env:"STATE_INTERVAL"` // 周期性盘口状态日志，0 关闭
}

type MetricsConfig struct {
	Enabled        bool   `yaml:"enabled" env:"ENABLED"`
	Addr           string `yaml:"addr" env:"ADDR"`
	Path           string `yaml:"path" env:"PATH"`
	monitor.Config `yaml:",inline"`
}

// AlertConfig 连接告警，写入日志并按级别+消息限流。
type AlertConfig struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	Throttle time.Duration `yaml:"throttle" env:"THROTTLE"`
}

// Default 返回可直接运行的默认配置（BTC-USDC 主网深度）。
func Default() AppConfig {
	return AppConfig{
		Env: "prod",
		Feed: FeedConfig{
			URL:              "wss://gateway.prod.vertexprotocol.com/v1/subscribe",
			ProductID:        2,
			ProductName:      "BTC-USDC",
			SubscriptionID:   10,
			MaxRetries:       5,
			InitialBackoff:   time.Second,
			MaxBackoff:       60 * time.Second,
			BackoffFactor:    2,
			HandshakeTimeout: 10 * time.Second,
			ReadTimeout:      30 * time.Second,
			PingInterval:     15 * time.Second,
		},
		Display: DisplayConfig{
			RefreshInterval: 500 * time.Millisecond,
			Rows:            10,
		},
		Log: LogConfig{
			Config:        logger.DefaultConfig(),
			StateInterval: 60 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9102",
			Path:    "/metrics",
			Config:  monitor.DefaultConfig(),
		},
		Alert: AlertConfig{
			Enabled:  true,
			Throttle: 5 * time.Minute,
		},
	}
}

// DisplayLabel 展示标题。
func (c AppConfig) DisplayLabel() string {
	if c.Display.Label != "" {
		return c.Display.Label
	}
	return c.Feed.ProductName
}

// Load reads YAML config from path on top of Default and applies validation.
// An empty path yields the defaults.
func Load(path string) (AppConfig, error) {
	cfg, err := read(path)
	if err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config, then .env files (missing files are skipped, existing
// environment variables win), then VERTEX_BOOK_* environment overrides.
func LoadWithEnvOverrides(path string, envFiles ...string) (AppConfig, error) {
	cfg, err := read(path)
	if err != nil {
		return cfg, err
	}
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", f, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, Validate(cfg)
}

func read(path string) (AppConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}
