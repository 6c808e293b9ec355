package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// VertexSubscribeEndpoint 默认订阅网关。
const VertexSubscribeEndpoint = "wss://gateway.prod.vertexprotocol.com/v1/subscribe"

// Conn 单条 WS 连接的最小读写面，便于在测试中替换。
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close() error
}

// Dialer 建立连接；ctx 取消时握手应立即返回。
type Dialer interface {
	DialContext(ctx context.Context, url string) (Conn, error)
}

// WSDialer 基于 gorilla/websocket 的 Dialer，连接自带 ping 保活与读超时。
type WSDialer struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	Header           http.Header
}

func NewWSDialer() *WSDialer {
	return &WSDialer{
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      30 * time.Second,
		PingInterval:     15 * time.Second,
	}
}

func (d *WSDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (http %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &wsConn{
		conn:         conn,
		readTimeout:  d.ReadTimeout,
		pingInterval: d.PingInterval,
		done:         make(chan struct{}),
		pingStopped:  make(chan struct{}),
	}
	c.start()
	return c, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	readTimeout  time.Duration
	pingInterval time.Duration
	done         chan struct{}
	pingStopped  chan struct{} // ping 协程退出后关闭
	closeOnce    sync.Once
}

func (c *wsConn) start() {
	if c.readTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		})
	}
	if c.pingInterval > 0 {
		go c.pingLoop()
	} else {
		close(c.pingStopped)
	}
}

func (c *wsConn) pingLoop() {
	defer close(c.pingStopped)
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			// 写失败说明连接已坏，读循环会随之报错
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if c.readTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	return msg, nil
}

func (c *wsConn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.conn.Close()
		<-c.pingStopped
	})
	return err
}
