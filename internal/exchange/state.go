package exchange

import "time"

// State 连接状态
type State int32

const (
	// StateDisconnected 未连接（初始状态或被取消后）
	StateDisconnected State = iota
	// StateConnecting 正在建立传输连接
	StateConnecting
	// StateSubscribing 连接已建立，发送订阅
	StateSubscribing
	// StateStreaming 订阅已发送，处于接收循环
	StateStreaming
	// StateBackoff 等待重连
	StateBackoff
	// StateFailed 超过最大重试次数，终止
	StateFailed
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StateStreaming:
		return "STREAMING"
	case StateBackoff:
		return "BACKOFF"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// StateChange 一次状态迁移。Attempt/Delay 只在 Backoff、Failed 时有意义。
type StateChange struct {
	From    State
	To      State
	Attempt int
	Delay   time.Duration
	Err     error
}

// BackoffConfig 重连退避参数
type BackoffConfig struct {
	MaxRetries     int           `yaml:"maxRetries"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
	Factor         float64       `yaml:"factor"`
}

// DefaultBackoffConfig 5 次重试，1s 起步，每次翻倍，上限 60s。
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxRetries:     5,
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
		Factor:         2,
	}
}

// Next 返回下一次等待时长。
func (c BackoffConfig) Next(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * c.Factor)
	if next > c.MaxBackoff {
		next = c.MaxBackoff
	}
	return next
}
