package gateway

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vertex-book-go/market"
)

// BookMetrics 处理消息时上报的指标，infrastructure/monitor.Monitor 实现该接口。
type BookMetrics interface {
	RecordMessage(result string)
	RecordDecodeError()
	RecordApplyFailure()
	RecordLevelsUpdated(bids, asks int)
	RecordApplyLatency(seconds float64)
}

// 消息处理结果，用作指标标签。
const (
	ResultApplied      = "applied"
	ResultIgnored      = "ignored"
	ResultOtherProduct = "other_product"
	ResultMalformed    = "malformed"
	ResultApplyFailed  = "apply_failed"
)

const maxLoggedPayload = 512

// DepthHandler 解析 book_depth 消息并写入 orderbook。
type DepthHandler struct {
	Book      *market.OrderBook
	ProductID int64 // 0 表示不过滤
	Logger    *zap.Logger
	Metrics   BookMetrics
}

// HandleMessage 处理一条原始消息并返回处理结果。解析失败只记录日志，不影响连接。
func (h *DepthHandler) HandleMessage(raw []byte) string {
	msg, delta, err := ParseDepth(raw)
	switch {
	case errors.Is(err, ErrNotDepth):
		return h.record(ResultIgnored)
	case err != nil:
		h.log().Warn("drop malformed message", zap.Error(err), zap.ByteString("payload", truncate(raw)))
		if h.Metrics != nil {
			h.Metrics.RecordDecodeError()
		}
		return h.record(ResultMalformed)
	}

	if h.ProductID != 0 && msg.ProductID != h.ProductID {
		h.log().Debug("depth for other product", zap.Int64("product_id", msg.ProductID))
		return h.record(ResultOtherProduct)
	}

	if err := h.apply(delta); err != nil {
		_, maxTS, _ := msg.Timestamps()
		h.log().Error("apply depth failed", zap.Error(err), zap.Uint64("max_timestamp", maxTS))
		if h.Metrics != nil {
			h.Metrics.RecordApplyFailure()
		}
		return h.record(ResultApplyFailed)
	}
	if h.Metrics != nil {
		h.Metrics.RecordLevelsUpdated(len(delta.Bids), len(delta.Asks))
	}
	return h.record(ResultApplied)
}

func (h *DepthHandler) apply(delta market.Delta) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	start := time.Now()
	h.Book.Apply(delta)
	if h.Metrics != nil {
		h.Metrics.RecordApplyLatency(time.Since(start).Seconds())
	}
	return nil
}

func (h *DepthHandler) record(result string) string {
	if h.Metrics != nil {
		h.Metrics.RecordMessage(result)
	}
	return result
}

func (h *DepthHandler) log() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

func truncate(raw []byte) []byte {
	if len(raw) > maxLoggedPayload {
		return raw[:maxLoggedPayload]
	}
	return raw
}
