// Package display renders the top of the order book to a terminal.
package display

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vertex-book-go/market"
)

const (
	frameWidth  = 65
	clearScreen = "\033[H\033[2J"
	red         = "\033[91m"
	green       = "\033[92m"
	reset       = "\033[0m"
)

var (
	separator  = strings.Repeat("=", frameWidth)
	dashLine   = strings.Repeat("-", frameWidth)
	emptyRow   = strings.Repeat(" ", 40)
	colHeaders = fmt.Sprintf("%12s %12s %15s", "Price", "Quantity", "Total ($)")
	hundred    = decimal.NewFromInt(100)
)

// Config 展示配置，可在运行中替换。
type Config struct {
	RefreshInterval time.Duration
	Rows            int
	Label           string
}

func DefaultConfig() Config {
	return Config{
		RefreshInterval: 500 * time.Millisecond,
		Rows:            10,
		Label:           "BTC-USDC",
	}
}

// SnapshotSource market.OrderBook 满足该接口。
type SnapshotSource interface {
	Snapshot(depth int) market.Snapshot
}

// Renderer 按固定间隔拉取快照并整屏重绘。
type Renderer struct {
	source SnapshotSource
	out    io.Writer
	logger *zap.Logger
	cfg    atomic.Pointer[Config]
}

func New(source SnapshotSource, cfg Config, out io.Writer, logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Renderer{source: source, out: out, logger: logger}
	r.SetConfig(cfg)
	return r
}

// SetConfig 替换展示配置，下一帧生效。
func (r *Renderer) SetConfig(cfg Config) {
	def := DefaultConfig()
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if cfg.Rows <= 0 {
		cfg.Rows = def.Rows
	}
	r.cfg.Store(&cfg)
}

func (r *Renderer) Config() Config {
	return *r.cfg.Load()
}

// Run 立即绘制一帧，之后每个刷新周期绘制一次；取消时清屏并返回 ctx.Err()。
func (r *Renderer) Run(ctx context.Context) error {
	r.logger.Info("display loop started", zap.Duration("refresh", r.Config().RefreshInterval))
	for {
		if err := r.Render(); err != nil {
			return fmt.Errorf("render frame: %w", err)
		}
		timer := time.NewTimer(r.Config().RefreshInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			_, _ = io.WriteString(r.out, clearScreen)
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Render 绘制一帧。
func (r *Renderer) Render() error {
	cfg := r.Config()
	frame := Frame(r.source.Snapshot(cfg.Rows), cfg)
	_, err := io.WriteString(r.out, clearScreen+frame)
	return err
}

// Frame 把快照格式化为完整的一帧文本。
// 卖盘自远及近向下排列，买盘自近及远；两侧都有报价时中间显示 mid/spread 或交叉告警。
func Frame(snap market.Snapshot, cfg Config) string {
	var b strings.Builder

	fmt.Fprintf(&b, "\n%s\n%s %s\n%s\n", separator, cfg.Label, center("Orderbook", frameWidth), separator)
	b.WriteString(colHeaders + "\n")
	b.WriteString(dashLine + "\n")

	for i := 0; i < cfg.Rows; i++ {
		idx := cfg.Rows - i - 1
		if idx < len(snap.Asks) {
			b.WriteString(orderLine(snap.Asks[idx], red) + "\n")
		} else {
			b.WriteString(red + emptyRow + reset + "\n")
		}
	}

	if snap.TwoSided() {
		if snap.Crossed() {
			warning := "*** CROSSED MARKETS ***"
			pad := (frameWidth - len(warning)) / 2
			fmt.Fprintf(&b, "\n%s%s\n\n", strings.Repeat(" ", pad), warning)
		} else {
			b.WriteString(spreadLine(snap) + "\n")
		}
	}

	for i := 0; i < cfg.Rows; i++ {
		if i < len(snap.Bids) {
			b.WriteString(orderLine(snap.Bids[i], green) + "\n")
		} else {
			b.WriteString(green + emptyRow + reset + "\n")
		}
	}

	b.WriteString("\n\n")
	return b.String()
}

func orderLine(lv market.Level, color string) string {
	total := lv.Price.Mul(lv.Quantity)
	return fmt.Sprintf("%s%12s %12s %15s%s",
		color, lv.Price.StringFixed(2), lv.Quantity.StringFixed(6), total.StringFixed(2), reset)
}

func spreadLine(snap market.Snapshot) string {
	spread := snap.Spread()
	pct := decimal.Zero
	if !snap.BestAsk.IsZero() {
		pct = spread.Div(snap.BestAsk).Mul(hundred)
	}
	mid := "Mid: $" + snap.Mid().StringFixed(2)
	sp := fmt.Sprintf("Spread: $%s (%s%%)", spread.StringFixed(2), pct.StringFixed(2))
	pad := frameWidth - len(mid) - len(sp)
	if pad < 1 {
		pad = 1
	}
	return "\n" + mid + strings.Repeat(" ", pad) + sp + "\n"
}

func center(s string, width int) string {
	if len(s) >= width {
		return s
	}
	left := (width - len(s)) / 2
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", width-len(s)-left)
}
