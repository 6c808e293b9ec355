package container

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"vertex-book-go/config"
	"vertex-book-go/infrastructure/logger"
	"vertex-book-go/internal/exchange"
)

const depthMsg = `{"type":"book_depth","min_timestamp":"1","max_timestamp":"2","last_max_timestamp":"0","product_id":2,` +
	`"bids":[["21594490000000000000000","1500000000000000000"]],"asks":[["21594500000000000000000","2000000000000000000"]]}`

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

type notifications struct {
	mu     sync.Mutex
	states []string
}

func (n *notifications) notify(state string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, state)
	return false, nil
}

func (n *notifications) get() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.states...)
}

// depthServer 接受订阅后推送一条深度消息，然后保持连接直到客户端断开。
func depthServer(t *testing.T) (string, <-chan []byte) {
	t.Helper()
	subs := make(chan []byte, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, sub, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subs <- sub
		if err := conn.WriteMessage(websocket.TextMessage, []byte(depthMsg)); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), subs
}

func testConfig(url string) config.AppConfig {
	cfg := config.Default()
	cfg.Feed.URL = url
	cfg.Feed.InitialBackoff = 10 * time.Millisecond
	cfg.Feed.MaxBackoff = 20 * time.Millisecond
	cfg.Display.RefreshInterval = 10 * time.Millisecond
	cfg.Display.Rows = 3
	cfg.Log.StateInterval = 20 * time.Millisecond
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = "127.0.0.1:0"
	return cfg
}

func TestContainerStreamsAndShutsDown(t *testing.T) {
	url, subs := depthServer(t)
	out := &syncBuffer{}
	core, logs := observer.New(zapcore.InfoLevel)
	sd := &notifications{}

	c := NewFromConfig(testConfig(url), "",
		WithOutput(out),
		WithLogger(logger.Wrap(zap.New(core))),
		WithNotifier(sd.notify),
	)
	require.NoError(t, c.Build())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case sub := <-subs:
		assert.JSONEq(t, `{"method":"subscribe","stream":{"type":"book_depth","product_id":2},"id":10}`, string(sub))
	case <-time.After(3 * time.Second):
		t.Fatal("no subscription received")
	}

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "21594.49") && strings.Contains(out.String(), "Spread: $0.01")
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return logs.FilterMessage("book state").FilterField(zap.String("best_bid", "21594.49")).Len() > 0
	}, 3*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + c.MetricsAddr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), `vertex_book_messages_total{result="applied"} 1`)

	resp, err = http.Get("http://" + c.MetricsAddr() + "/healthz")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "STREAMING\n", string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("container did not stop")
	}
	assert.Equal(t, []string{daemon.SdNotifyReady, daemon.SdNotifyStopping}, sd.get())
	assert.Equal(t, exchange.StateDisconnected, c.stream.State())
	assert.Error(t, c.metricsServer.Health(), "metrics server stopped")
}

func TestContainerTerminalFailure(t *testing.T) {
	// 监听后立即关闭，得到一个拒绝连接的地址
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	cfg := testConfig(url)
	cfg.Feed.MaxRetries = 1
	cfg.Metrics.Enabled = false
	out := &syncBuffer{}
	sd := &notifications{}
	core, logs := observer.New(zapcore.InfoLevel)
	c := NewFromConfig(cfg, "", WithOutput(out), WithLogger(logger.Wrap(zap.New(core))), WithNotifier(sd.notify))
	require.NoError(t, c.Build())

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.ErrorIs(t, err, exchange.ErrRetriesExhausted)
	case <-time.After(5 * time.Second):
		t.Fatal("container did not stop after retries were exhausted")
	}
	assert.Equal(t, exchange.StateFailed, c.stream.State())
	assert.Error(t, c.HealthCheck())
	assert.Equal(t, []string{daemon.SdNotifyReady, daemon.SdNotifyStopping}, sd.get())
	assert.True(t, strings.HasSuffix(out.String(), "\033[H\033[2J"), "screen cleared on shutdown")

	assert.Equal(t, 1, logs.FilterMessage("[ALERT] vertex stream reconnecting").Len())
	failed := logs.FilterMessage("[ALERT] vertex stream failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, zapcore.ErrorLevel, failed[0].Level)
	assert.Equal(t, "BTC-USDC", failed[0].ContextMap()["product"])
}

func TestContainerHotReloadsDisplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "viewer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("display:\n  rows: 4\n"), 0o644))
	noEnv := filepath.Join(t.TempDir(), "none.env")

	c, err := New(path, WithEnvFiles(noEnv), WithLogger(logger.Wrap(zap.NewNop())), WithOutput(io.Discard))
	require.NoError(t, err)
	assert.Equal(t, 4, c.Config().Display.Rows)

	c.cfg.Feed.URL = "ws://127.0.0.1:1/v1/subscribe"
	c.cfg.Feed.InitialBackoff = time.Hour
	c.cfg.Feed.MaxBackoff = time.Hour
	require.NoError(t, c.Build())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.NoError(t, os.WriteFile(path, []byte("display:\n  rows: 12\n  label: ETH\n"), 0o644))
	require.Eventually(t, func() bool {
		return c.renderer.Config().Rows == 12
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ETH", c.renderer.Config().Label)
	assert.Equal(t, 12, c.Config().Display.Rows)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("container did not stop")
	}
}

func TestContainerReloadKeepsOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "viewer.yaml")
	base := "feed:\n  url: ws://127.0.0.1:1/v1/subscribe\n  initialBackoff: 1h\n  maxBackoff: 1h\ndisplay:\n  rows: 4\n"
	require.NoError(t, os.WriteFile(path, []byte(base), 0o644))
	noEnv := filepath.Join(t.TempDir(), "none.env")

	core, logs := observer.New(zapcore.InfoLevel)
	flags := func(cfg *config.AppConfig) {
		cfg.Feed.ProductName = "ETH-USDC"
		cfg.Display.Rows = 20
	}
	c, err := New(path, WithEnvFiles(noEnv), WithOverrides(flags),
		WithLogger(logger.Wrap(zap.New(core))), WithOutput(io.Discard))
	require.NoError(t, err)
	require.NoError(t, c.Build())
	assert.Equal(t, 20, c.renderer.Config().Rows)
	assert.Equal(t, "ETH-USDC", c.renderer.Config().Label)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// 原子替换，避免读到截断中的文件
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(base+"  refreshInterval: 1s\n"), 0o644))
	require.NoError(t, os.Rename(tmp, path))
	require.Eventually(t, func() bool {
		return c.renderer.Config().RefreshInterval == time.Second
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, 20, c.renderer.Config().Rows)
	assert.Equal(t, "ETH-USDC", c.renderer.Config().Label)
	assert.Equal(t, 20, c.Config().Display.Rows)
	assert.Zero(t, logs.FilterMessage("feed settings changed on disk, restart required to apply").Len())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("container did not stop")
	}
}

func TestLifecycleRollsBackOnStartFailure(t *testing.T) {
	blocker := &httpServerComponent{name: "blocker", handler: http.NotFoundHandler(), addr: "127.0.0.1:0", logger: zap.NewNop()}
	require.NoError(t, blocker.Start(context.Background()))
	defer blocker.Stop()

	ok := &httpServerComponent{name: "ok", handler: http.NotFoundHandler(), addr: "127.0.0.1:0", logger: zap.NewNop()}
	clash := &httpServerComponent{name: "clash", handler: http.NotFoundHandler(), addr: blocker.Addr(), logger: zap.NewNop()}

	m := NewLifecycleManager()
	m.Register(ok)
	m.Register(clash)
	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start component 1 failed")
	assert.Error(t, ok.Health(), "earlier components are stopped on failure")
	assert.Empty(t, ok.Addr())
	assert.NoError(t, m.StopAll())
}

func TestStreamStateAlerts(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	c := NewFromConfig(config.Default(), "", WithOutput(io.Discard), WithLogger(logger.Wrap(zap.New(core))))
	require.NoError(t, c.Build())

	c.onStreamState(exchange.StateChange{To: exchange.StateStreaming})
	c.onStreamState(exchange.StateChange{To: exchange.StateBackoff, Attempt: 1, Delay: time.Second})
	c.onStreamState(exchange.StateChange{To: exchange.StateBackoff, Attempt: 2, Delay: 2 * time.Second})
	c.onStreamState(exchange.StateChange{To: exchange.StateStreaming})
	c.onStreamState(exchange.StateChange{To: exchange.StateBackoff, Attempt: 1, Delay: time.Second})

	// 重连告警在限流窗口内只发一次，恢复后重新允许
	assert.Equal(t, 2, logs.FilterMessage("[ALERT] vertex stream reconnecting").Len())
	assert.Equal(t, 1, logs.FilterMessage("[ALERT] vertex stream recovered").Len())
}
