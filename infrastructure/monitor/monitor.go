package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器
type Monitor struct {
	registry *prometheus.Registry

	// 连接指标
	wsConnections     prometheus.Counter
	wsDisconnects     prometheus.Counter
	reconnectAttempts prometheus.Counter
	streamState       prometheus.Gauge

	// 行情消息指标
	messages      *prometheus.CounterVec
	decodeErrors  prometheus.Counter
	applyFailures prometheus.Counter
	levelsUpdated *prometheus.CounterVec
	applyLatency  prometheus.Histogram

	// 盘口指标
	bookLevels *prometheus.GaugeVec
	bestBid    prometheus.Gauge
	bestAsk    prometheus.Gauge
	crossed    prometheus.Gauge
}

// Config 监控配置
type Config struct {
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "vertex",
		Subsystem: "book",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Monitor{
		registry: reg,

		wsConnections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ws_connections_total",
			Help:      "成功建立并订阅的WebSocket连接次数",
		}),
		wsDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ws_disconnects_total",
			Help:      "WebSocket断开次数",
		}),
		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ws_reconnect_attempts_total",
			Help:      "进入退避等待的次数",
		}),
		streamState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "stream_state",
			Help:      "连接状态(0=断开,1=连接中,2=订阅中,3=推送中,4=退避,5=失败)",
		}),

		messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "messages_total",
				Help:      "收到的消息数，按处理结果分类",
			},
			[]string{"result"},
		),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "decode_errors_total",
			Help:      "解析失败被丢弃的消息数",
		}),
		applyFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "apply_failures_total",
			Help:      "应用增量时被恢复的异常次数",
		}),
		levelsUpdated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "levels_updated_total",
				Help:      "增量中包含的价位数",
			},
			[]string{"side"},
		),
		applyLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "apply_latency_seconds",
			Help:      "单批增量应用耗时（秒）",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}),

		bookLevels: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "levels",
				Help:      "当前价位数量",
			},
			[]string{"side"},
		),
		bestBid: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "best_bid",
			Help:      "当前买一价（展示刻度）",
		}),
		bestAsk: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "best_ask",
			Help:      "当前卖一价（展示刻度）",
		}),
		crossed: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "crossed",
			Help:      "盘口交叉(1=交叉)",
		}),
	}

	return m
}

// 连接相关方法
func (m *Monitor) RecordWSConnection() {
	m.wsConnections.Inc()
}

func (m *Monitor) RecordWSDisconnect() {
	m.wsDisconnects.Inc()
}

func (m *Monitor) RecordReconnectAttempt() {
	m.reconnectAttempts.Inc()
}

func (m *Monitor) UpdateStreamState(state int) {
	m.streamState.Set(float64(state))
}

// 消息相关方法
func (m *Monitor) RecordMessage(result string) {
	m.messages.WithLabelValues(result).Inc()
}

func (m *Monitor) RecordDecodeError() {
	m.decodeErrors.Inc()
}

func (m *Monitor) RecordApplyFailure() {
	m.applyFailures.Inc()
}

func (m *Monitor) RecordLevelsUpdated(bids, asks int) {
	m.levelsUpdated.WithLabelValues("bid").Add(float64(bids))
	m.levelsUpdated.WithLabelValues("ask").Add(float64(asks))
}

func (m *Monitor) RecordApplyLatency(seconds float64) {
	m.applyLatency.Observe(seconds)
}

// 盘口相关方法
func (m *Monitor) UpdateBookLevels(bids, asks int) {
	m.bookLevels.WithLabelValues("bid").Set(float64(bids))
	m.bookLevels.WithLabelValues("ask").Set(float64(asks))
}

func (m *Monitor) UpdateBidAsk(bid, ask float64) {
	m.bestBid.Set(bid)
	m.bestAsk.Set(ask)
}

func (m *Monitor) UpdateCrossed(crossed bool) {
	if crossed {
		m.crossed.Set(1)
		return
	}
	m.crossed.Set(0)
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
