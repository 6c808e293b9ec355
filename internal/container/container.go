package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vertex-book-go/config"
	"vertex-book-go/display"
	"vertex-book-go/gateway"
	"vertex-book-go/infrastructure/alert"
	"vertex-book-go/infrastructure/logger"
	"vertex-book-go/infrastructure/monitor"
	"vertex-book-go/internal/exchange"
	"vertex-book-go/market"
)

const gaugeRefreshInterval = time.Second

const (
	alertReconnecting = "vertex stream reconnecting"
	alertRecovered    = "vertex stream recovered"
	alertFailed       = "vertex stream failed"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	mu         sync.RWMutex
	cfg        config.AppConfig
	configPath string
	envFiles   []string
	overrides  []func(*config.AppConfig)

	// 基础设施
	logger  *logger.Logger
	log     *zap.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager

	// 只在订阅流 goroutine 中读写
	reconnecting bool

	// 行情
	book     *market.OrderBook
	handler  *gateway.DepthHandler
	dialer   gateway.Dialer
	stream   *exchange.VertexStream
	renderer *display.Renderer
	watcher  *config.Watcher
	out      io.Writer

	// HTTP服务器
	metricsServer *httpServerComponent

	// 生命周期管理
	lifecycle *LifecycleManager

	notify func(state string) (bool, error)
}

// Option 覆盖默认依赖，主要用于测试。
type Option func(*Container)

// WithOutput 展示输出，默认 os.Stdout。
func WithOutput(w io.Writer) Option {
	return func(c *Container) { c.out = w }
}

// WithDialer 替换 WebSocket 拨号器。
func WithDialer(d gateway.Dialer) Option {
	return func(c *Container) { c.dialer = d }
}

// WithLogger 使用外部日志器，不再按配置创建。
func WithLogger(l *logger.Logger) Option {
	return func(c *Container) { c.logger = l }
}

// WithNotifier 替换 sd_notify。
func WithNotifier(fn func(state string) (bool, error)) Option {
	return func(c *Container) { c.notify = fn }
}

// WithEnvFiles 指定 .env 文件，热更新时同样使用。
func WithEnvFiles(files ...string) Option {
	return func(c *Container) { c.envFiles = files }
}

// WithOverrides 命令行等外部覆盖，创建时和每次热更新后都会重新应用。
func WithOverrides(fns ...func(*config.AppConfig)) Option {
	return func(c *Container) { c.overrides = append(c.overrides, fns...) }
}

// New 从配置文件（及 .env / 环境变量覆盖）创建 Container；configPath 为空时使用默认配置且不监听热更新。
func New(configPath string, opts ...Option) (*Container, error) {
	c := newContainer(config.AppConfig{}, configPath, opts...)
	cfg, err := config.LoadWithEnvOverrides(configPath, c.envFiles...)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	c.applyOverrides(&cfg)
	c.cfg = cfg
	return c, nil
}

// NewFromConfig 使用已加载的配置创建 Container。
func NewFromConfig(cfg config.AppConfig, configPath string, opts ...Option) *Container {
	c := newContainer(cfg, configPath, opts...)
	c.applyOverrides(&c.cfg)
	return c
}

func newContainer(cfg config.AppConfig, configPath string, opts ...Option) *Container {
	c := &Container{
		cfg:        cfg,
		configPath: configPath,
		out:        os.Stdout,
		lifecycle:  NewLifecycleManager(),
		notify: func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	c.buildFeed()
	c.buildDisplay()
	if err := c.buildWatcher(); err != nil {
		return fmt.Errorf("build config watcher failed: %w", err)
	}
	c.registerLifecycleComponents()

	c.log.Info("container built",
		zap.String("env", c.cfg.Env),
		zap.String("product", c.cfg.Feed.ProductName),
		zap.Int64("product_id", c.cfg.Feed.ProductID),
	)
	return nil
}

func (c *Container) buildInfrastructure() error {
	if c.logger == nil {
		l, err := logger.New(c.cfg.Log.Config)
		if err != nil {
			return fmt.Errorf("create logger failed: %w", err)
		}
		c.logger = l
	}
	c.log = c.logger.Component("container")
	c.monitor = monitor.New(c.cfg.Metrics.Config)
	if c.cfg.Alert.Enabled {
		c.alerts = alert.NewManager(
			[]alert.Channel{alert.NewLogChannel("log", c.logger.Component("alert"))},
			c.cfg.Alert.Throttle,
		)
	}
	return nil
}

func (c *Container) buildFeed() {
	feed := c.cfg.Feed
	c.book = market.NewOrderBook()
	c.handler = &gateway.DepthHandler{
		Book:      c.book,
		ProductID: feed.ProductID,
		Logger:    c.logger.Component("book"),
		Metrics:   c.monitor,
	}
	if c.dialer == nil {
		c.dialer = &gateway.WSDialer{
			HandshakeTimeout: feed.HandshakeTimeout,
			ReadTimeout:      feed.ReadTimeout,
			PingInterval:     feed.PingInterval,
		}
	}
	c.stream = exchange.NewVertexStream(exchange.Config{
		URL:            feed.URL,
		ProductID:      feed.ProductID,
		ProductName:    feed.ProductName,
		SubscriptionID: feed.SubscriptionID,
		Backoff: exchange.BackoffConfig{
			MaxRetries:     feed.MaxRetries,
			InitialBackoff: feed.InitialBackoff,
			MaxBackoff:     feed.MaxBackoff,
			Factor:         feed.BackoffFactor,
		},
	}, c.dialer, c.handler, c.logger.Component("stream"))
	c.stream.SetMetrics(c.monitor)
	c.stream.SetStateListener(c.onStreamState)
}

func (c *Container) buildDisplay() {
	c.renderer = display.New(c.book, displayConfig(c.cfg), c.out, c.logger.Component("display"))
}

func (c *Container) buildWatcher() error {
	if c.configPath == "" {
		return nil
	}
	w, err := config.NewWatcher(c.configPath, 0, c.logger.Component("config"), c.envFiles...)
	if err != nil {
		return err
	}
	c.watcher = w
	return nil
}

func (c *Container) registerLifecycleComponents() {
	if !c.cfg.Metrics.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(c.cfg.Metrics.Path, c.monitor.Handler())
	mux.HandleFunc("/healthz", c.serveHealth)
	c.metricsServer = &httpServerComponent{
		name:    "metrics_server",
		handler: mux,
		addr:    c.cfg.Metrics.Addr,
		logger:  c.log,
	}
	c.lifecycle.Register(c.metricsServer)
}

// Run 启动 HTTP 组件后并发运行订阅流、展示、配置监听与盘口状态上报，直到 ctx 取消或订阅流终止。
// 正常取消返回 nil；重试耗尽时返回 *exchange.RetryExhaustedError。
func (c *Container) Run(ctx context.Context) error {
	c.log.Info("starting container...")
	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.stream.Run(gctx) })
	g.Go(func() error { return c.renderer.Run(gctx) })
	if c.watcher != nil {
		g.Go(func() error { return c.watcher.Run(gctx, c.applyConfig) })
	}
	g.Go(func() error { return c.observeBook(gctx) })

	c.sdNotify(daemon.SdNotifyReady)
	c.log.Info("container started")

	err := g.Wait()

	c.sdNotify(daemon.SdNotifyStopping)
	c.log.Info("stopping container...")
	if stopErr := c.lifecycle.StopAll(); stopErr != nil {
		c.logger.LogError(stopErr, map[string]interface{}{"action": "stop"})
	}

	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	if err != nil {
		c.log.Error("container stopped with error", zap.Error(err))
		return err
	}
	c.log.Info("container stopped")
	return nil
}

// Close 刷新日志缓冲。
func (c *Container) Close() error {
	if c.logger == nil {
		return nil
	}
	return c.logger.Close()
}

func (c *Container) HealthCheck() error {
	if err := c.lifecycle.CheckHealth(); err != nil {
		return err
	}
	if c.stream != nil && c.stream.State() == exchange.StateFailed {
		return errors.New("stream failed")
	}
	return nil
}

// Book 盘口，只读使用。
func (c *Container) Book() *market.OrderBook {
	return c.book
}

// MetricsAddr 指标服务实际监听地址，未启用时为空。
func (c *Container) MetricsAddr() string {
	if c.metricsServer == nil {
		return ""
	}
	return c.metricsServer.Addr()
}

// Config 当前生效配置（含热更新后的展示参数）。
func (c *Container) Config() config.AppConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func (c *Container) serveHealth(w http.ResponseWriter, _ *http.Request) {
	if err := c.HealthCheck(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	_, _ = io.WriteString(w, c.stream.State().String()+"\n")
}

func (c *Container) applyOverrides(cfg *config.AppConfig) {
	for _, fn := range c.overrides {
		fn(cfg)
	}
}

// applyConfig 热更新回调：展示参数立即生效，订阅参数需要重启。
func (c *Container) applyConfig(next config.AppConfig) {
	c.applyOverrides(&next)
	if err := config.Validate(next); err != nil {
		c.log.Warn("reloaded config invalid after overrides, keeping previous config", zap.Error(err))
		return
	}

	c.mu.Lock()
	prev := c.cfg
	c.cfg.Display = next.Display
	c.mu.Unlock()

	c.renderer.SetConfig(displayConfig(next))
	c.log.Info("display config updated",
		zap.Duration("refresh", next.Display.RefreshInterval),
		zap.Int("rows", next.Display.Rows),
		zap.String("label", next.DisplayLabel()),
	)
	if next.Feed != prev.Feed {
		c.log.Warn("feed settings changed on disk, restart required to apply")
	}
}

// observeBook 定期刷新盘口指标并输出盘口状态日志。
func (c *Container) observeBook(ctx context.Context) error {
	var gauges, states <-chan time.Time
	if c.cfg.Metrics.Enabled {
		t := time.NewTicker(gaugeRefreshInterval)
		defer t.Stop()
		gauges = t.C
	}
	if interval := c.cfg.Log.StateInterval; interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		states = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-gauges:
			c.updateBookGauges(c.book.Snapshot(0))
		case <-states:
			snap := c.book.Snapshot(0)
			c.updateBookGauges(snap)
			c.logBookState(snap)
		}
	}
}

func (c *Container) updateBookGauges(snap market.Snapshot) {
	c.monitor.UpdateBookLevels(snap.BidLevels, snap.AskLevels)
	c.monitor.UpdateBidAsk(snap.BestBid.InexactFloat64(), snap.BestAsk.InexactFloat64())
	c.monitor.UpdateCrossed(snap.Crossed())
}

func (c *Container) logBookState(snap market.Snapshot) {
	fields := []zap.Field{
		zap.String("stream_state", c.stream.State().String()),
		zap.Int("bid_levels", snap.BidLevels),
		zap.Int("ask_levels", snap.AskLevels),
	}
	if snap.HasBid {
		fields = append(fields, zap.String("best_bid", snap.BestBid.String()))
	}
	if snap.HasAsk {
		fields = append(fields, zap.String("best_ask", snap.BestAsk.String()))
	}
	if snap.Crossed() {
		fields = append(fields, zap.Bool("crossed", true))
	}
	if !snap.UpdatedAt.IsZero() {
		fields = append(fields, zap.Duration("since_update", time.Since(snap.UpdatedAt)))
	}
	c.log.Info("book state", fields...)
}

// onStreamState 把连接状态变化转换为告警：重连中、已恢复、终止。
func (c *Container) onStreamState(change exchange.StateChange) {
	if c.alerts == nil {
		return
	}
	product := c.cfg.Feed.ProductName
	var err error
	switch change.To {
	case exchange.StateBackoff:
		c.reconnecting = true
		err = c.alerts.SendWarning(alertReconnecting, map[string]interface{}{
			"product": product,
			"attempt": change.Attempt,
			"backoff": change.Delay.String(),
			"error":   errString(change.Err),
		})
	case exchange.StateStreaming:
		if !c.reconnecting {
			return
		}
		c.reconnecting = false
		c.alerts.ResetThrottle(alert.LevelWarning, alertReconnecting)
		err = c.alerts.SendInfo(alertRecovered, map[string]interface{}{"product": product})
	case exchange.StateFailed:
		err = c.alerts.SendCritical(alertFailed, map[string]interface{}{
			"product": product,
			"attempt": change.Attempt,
			"error":   errString(change.Err),
		})
	}
	if err != nil {
		c.log.Warn("send alert failed", zap.Error(err))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (c *Container) sdNotify(state string) {
	if c.notify == nil {
		return
	}
	if _, err := c.notify(state); err != nil {
		c.log.Warn("sd_notify failed", zap.String("state", state), zap.Error(err))
	}
}

func displayConfig(cfg config.AppConfig) display.Config {
	return display.Config{
		RefreshInterval: cfg.Display.RefreshInterval,
		Rows:            cfg.Display.Rows,
		Label:           cfg.DisplayLabel(),
	}
}
