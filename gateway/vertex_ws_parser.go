package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"vertex-book-go/market"
)

// StreamTypeBookDepth 唯一需要处理的推送类型。
const StreamTypeBookDepth = "book_depth"

var (
	// ErrNotDepth 消息合法但不是 book_depth，调用方静默丢弃。
	ErrNotDepth = errors.New("not a book_depth message")
	// ErrMalformed 消息无法解析。
	ErrMalformed = errors.New("malformed message")
)

// DecodeError 描述某一档价位解析失败的位置。
type DecodeError struct {
	Side  market.DepthSide
	Index int
	Value string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s level %d %q: %v", e.Side, e.Index, e.Value, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is 所有 DecodeError 都视为 ErrMalformed。
func (e *DecodeError) Is(target error) bool { return target == ErrMalformed }

// StreamDescriptor 订阅请求里的 stream 字段。
type StreamDescriptor struct {
	Type      string `json:"type"`
	ProductID int64  `json:"product_id"`
}

// SubscribeRequest 订阅请求，连接建立后发送一次，不等待 ack。
type SubscribeRequest struct {
	Method string           `json:"method"`
	Stream StreamDescriptor `json:"stream"`
	ID     int64            `json:"id"`
}

// NewDepthSubscription 构造 book_depth 订阅请求。
func NewDepthSubscription(productID, id int64) SubscribeRequest {
	return SubscribeRequest{
		Method: "subscribe",
		Stream: StreamDescriptor{Type: StreamTypeBookDepth, ProductID: productID},
		ID:     id,
	}
}

// DepthMessage 对应 book_depth 推送。价格/数量为放大 10^18 的整数字符串。
type DepthMessage struct {
	Type             string      `json:"type"`
	MinTimestamp     string      `json:"min_timestamp"`
	MaxTimestamp     string      `json:"max_timestamp"`
	LastMaxTimestamp string      `json:"last_max_timestamp"`
	ProductID        int64       `json:"product_id"`
	Bids             [][2]string `json:"bids"`
	Asks             [][2]string `json:"asks"`
}

// Timestamps 解析时间戳，仅用于日志；缺失的字段返回 0。
func (m DepthMessage) Timestamps() (minTS, maxTS, lastMaxTS uint64) {
	parse := func(s string) uint64 {
		v, _ := strconv.ParseUint(s, 10, 64)
		return v
	}
	return parse(m.MinTimestamp), parse(m.MaxTimestamp), parse(m.LastMaxTimestamp)
}

type envelope struct {
	Type string `json:"type"`
}

// ParseDepth 解析一条原始消息；非 book_depth 返回 ErrNotDepth。
func ParseDepth(raw []byte) (msg DepthMessage, delta market.Delta, err error) {
	var env envelope
	if err = json.Unmarshal(raw, &env); err != nil {
		return msg, delta, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type != StreamTypeBookDepth {
		return msg, delta, ErrNotDepth
	}
	if err = json.Unmarshal(raw, &msg); err != nil {
		return msg, delta, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if delta.Bids, err = toLevels(market.DepthSideBid, msg.Bids); err != nil {
		return msg, market.Delta{}, err
	}
	if delta.Asks, err = toLevels(market.DepthSideAsk, msg.Asks); err != nil {
		return msg, market.Delta{}, err
	}
	return msg, delta, nil
}

func toLevels(side market.DepthSide, pairs [][2]string) ([]market.Level, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make([]market.Level, 0, len(pairs))
	for i, p := range pairs {
		price, err := parseFixedPoint(p[0])
		if err != nil {
			return nil, &DecodeError{Side: side, Index: i, Value: p[0], Err: err}
		}
		qty, err := parseFixedPoint(p[1])
		if err != nil {
			return nil, &DecodeError{Side: side, Index: i, Value: p[1], Err: err}
		}
		out = append(out, market.Level{Price: price, Quantity: qty})
	}
	return out, nil
}

// parseFixedPoint 只接受非负十进制整数。
func parseFixedPoint(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, errors.New("empty value")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return decimal.Zero, errors.New("not a non-negative integer")
		}
	}
	return decimal.NewFromString(s)
}
