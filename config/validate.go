package config

import (
	"fmt"
	"net/url"
)

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

// Validate ensures required fields are present and ranges make sense.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return ErrInvalid("env is required")
	}
	if err := validateFeed(cfg.Feed); err != nil {
		return err
	}
	if cfg.Display.RefreshInterval <= 0 {
		return ErrInvalid("display.refreshInterval must be > 0")
	}
	if cfg.Display.Rows <= 0 || cfg.Display.Rows > 100 {
		return ErrInvalid(fmt.Sprintf("display.rows must be in [1, 100], got %d", cfg.Display.Rows))
	}
	if cfg.Log.StateInterval < 0 {
		return ErrInvalid("log.stateInterval must be >= 0")
	}
	if len(cfg.Log.Outputs) == 0 {
		return ErrInvalid("log.outputs is required")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return ErrInvalid("metrics.addr is required when metrics are enabled")
	}
	if cfg.Alert.Throttle < 0 {
		return ErrInvalid("alert.throttle must be >= 0")
	}
	return nil
}

func validateFeed(f FeedConfig) error {
	u, err := url.Parse(f.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return ErrInvalid(fmt.Sprintf("feed.url must be a ws:// or wss:// url, got %q", f.URL))
	}
	if f.ProductID <= 0 {
		return ErrInvalid("feed.productId must be > 0")
	}
	if f.ProductName == "" {
		return ErrInvalid("feed.productName is required")
	}
	if f.SubscriptionID < 0 {
		return ErrInvalid("feed.subscriptionId must be >= 0")
	}
	if f.MaxRetries < 0 {
		return ErrInvalid("feed.maxRetries must be >= 0")
	}
	if f.InitialBackoff <= 0 {
		return ErrInvalid("feed.initialBackoff must be > 0")
	}
	if f.MaxBackoff < f.InitialBackoff {
		return ErrInvalid("feed.maxBackoff must be >= feed.initialBackoff")
	}
	if f.BackoffFactor < 1 {
		return ErrInvalid("feed.backoffFactor must be >= 1")
	}
	if f.ReadTimeout < 0 || f.PingInterval < 0 || f.HandshakeTimeout < 0 {
		return ErrInvalid("feed timeouts must be >= 0")
	}
	return nil
}
