package exchange

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vertex-book-go/gateway"
)

// MessageHandler 处理接收循环中的每一条原始消息，返回处理结果标签。
type MessageHandler interface {
	HandleMessage(raw []byte) string
}

// StreamMetrics 连接相关指标，infrastructure/monitor.Monitor 实现该接口。
type StreamMetrics interface {
	RecordWSConnection()
	RecordWSDisconnect()
	RecordReconnectAttempt()
	UpdateStreamState(state int)
}

// Config 订阅流配置
type Config struct {
	URL            string
	ProductID      int64
	ProductName    string
	SubscriptionID int64
	Backoff        BackoffConfig
}

// VertexStream 管理 book_depth 订阅连接：连接 -> 订阅 -> 接收，断开后指数退避重连，
// 连续失败超过上限后返回终止错误。
type VertexStream struct {
	cfg     Config
	dialer  gateway.Dialer
	handler MessageHandler
	logger  *zap.Logger
	metrics StreamMetrics

	mu      sync.Mutex
	onState func(StateChange)
	sleep   func(ctx context.Context, d time.Duration) error

	state atomic.Int32
}

func NewVertexStream(cfg Config, dialer gateway.Dialer, handler MessageHandler, logger *zap.Logger) *VertexStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URL == "" {
		cfg.URL = gateway.VertexSubscribeEndpoint
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = DefaultBackoffConfig()
	}
	return &VertexStream{
		cfg:     cfg,
		dialer:  dialer,
		handler: handler,
		logger:  logger,
		sleep:   sleepContext,
	}
}

// SetMetrics 设置指标上报（可选）
func (s *VertexStream) SetMetrics(m StreamMetrics) {
	s.metrics = m
}

// SetStateListener 设置状态迁移回调，在 Run 所在 goroutine 中同步调用。
func (s *VertexStream) SetStateListener(fn func(StateChange)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

// State 当前状态，可并发读取。
func (s *VertexStream) State() State {
	return State(s.state.Load())
}

// Run 阻塞运行直到 ctx 取消（返回 ctx.Err()）或重试耗尽（返回 *RetryExhaustedError）。
// 重试计数与退避时长只属于本 goroutine。
func (s *VertexStream) Run(ctx context.Context) error {
	backoff := s.cfg.Backoff
	retries := 0
	delay := backoff.InitialBackoff

	for {
		err := s.session(ctx, func() {
			retries = 0
			delay = backoff.InitialBackoff
		})
		if ctx.Err() != nil {
			s.transition(StateChange{To: StateDisconnected})
			s.logger.Info("stream stopped", zap.Error(ctx.Err()))
			return ctx.Err()
		}

		retries++
		if retries > backoff.MaxRetries {
			s.logger.Error("maximum retry attempts reached, stopping reconnection",
				zap.Int("max_retries", backoff.MaxRetries),
				zap.Error(err),
			)
			s.transition(StateChange{To: StateFailed, Attempt: retries, Err: err})
			return &RetryExhaustedError{Retries: backoff.MaxRetries, Last: err}
		}

		s.logger.Warn("websocket error, reconnecting",
			zap.Error(err),
			zap.Int("attempt", retries),
			zap.Int("max_retries", backoff.MaxRetries),
			zap.Duration("backoff", delay),
		)
		s.transition(StateChange{To: StateBackoff, Attempt: retries, Delay: delay, Err: err})
		if s.metrics != nil {
			s.metrics.RecordReconnectAttempt()
		}
		if err := s.sleep(ctx, delay); err != nil {
			s.transition(StateChange{To: StateDisconnected})
			s.logger.Info("stream stopped during backoff", zap.Error(err))
			return err
		}
		delay = backoff.Next(delay)
	}
}

// session 一次完整的连接生命周期，返回导致断开的传输错误。
// onStreaming 在订阅发送成功、进入接收循环时调用。
func (s *VertexStream) session(ctx context.Context, onStreaming func()) error {
	s.transition(StateChange{To: StateConnecting})
	conn, err := s.dialer.DialContext(ctx, s.cfg.URL)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}

	log := s.logger.With(zap.String("session", uuid.NewString()))
	log.Info("connected to vertex websocket", zap.String("url", s.cfg.URL))

	// ctx 取消时关闭连接，使阻塞中的读取立即返回
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
	}()

	s.transition(StateChange{To: StateSubscribing})
	log.Info("subscribing to orderbook",
		zap.String("product", s.cfg.ProductName),
		zap.Int64("product_id", s.cfg.ProductID),
	)
	if err := conn.WriteJSON(gateway.NewDepthSubscription(s.cfg.ProductID, s.cfg.SubscriptionID)); err != nil {
		return &TransportError{Op: "subscribe", Err: err}
	}

	onStreaming()
	s.transition(StateChange{To: StateStreaming})
	if s.metrics != nil {
		s.metrics.RecordWSConnection()
	}

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			if s.metrics != nil {
				s.metrics.RecordWSDisconnect()
			}
			if ctx.Err() == nil {
				log.Warn("websocket disconnected", zap.Error(err))
			}
			return &TransportError{Op: "read", Err: err}
		}
		s.handler.HandleMessage(raw)
	}
}

func (s *VertexStream) transition(change StateChange) {
	change.From = State(s.state.Swap(int32(change.To)))
	if s.metrics != nil {
		s.metrics.UpdateStreamState(int(change.To))
	}
	s.mu.Lock()
	fn := s.onState
	s.mu.Unlock()
	if fn != nil {
		fn(change)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
