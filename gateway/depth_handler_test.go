package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"vertex-book-go/market"
)

type countingMetrics struct {
	results      map[string]int
	decodeErrors int
	applyFailed  int
	bids, asks   int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{results: map[string]int{}}
}

func (m *countingMetrics) RecordMessage(result string) { m.results[result]++ }
func (m *countingMetrics) RecordDecodeError() { m.decodeErrors++ }
func (m *countingMetrics) RecordApplyFailure() { m.applyFailed++ }
func (m *countingMetrics) RecordApplyLatency(float64) {}
func (m *countingMetrics) RecordLevelsUpdated(bids, asks int) { m.bids += bids; m.asks += asks }

func TestDepthHandlerAppliesDepth(t *testing.T) {
	book := market.NewOrderBook()
	metrics := newCountingMetrics()
	h := &DepthHandler{Book: book, ProductID: 2, Metrics: metrics}

	assert.Equal(t, ResultApplied, h.HandleMessage([]byte(sampleDepth)))
	bids, asks := book.Len()
	assert.Equal(t, 1, bids)
	assert.Equal(t, 0, asks)
	assert.Equal(t, 1, metrics.results[ResultApplied])
	assert.Equal(t, 1, metrics.bids)
	assert.Equal(t, 2, metrics.asks)
}

func TestDepthHandlerIgnoresOtherMessages(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	book := market.NewOrderBook()
	metrics := newCountingMetrics()
	h := &DepthHandler{Book: book, ProductID: 2, Logger: zap.New(core), Metrics: metrics}

	assert.Equal(t, ResultIgnored, h.HandleMessage([]byte(`{"result":null,"id":10}`)))
	assert.Equal(t, ResultOtherProduct, h.HandleMessage([]byte(`{"type":"book_depth","product_id":3,"bids":[["1","1"]]}`)))

	bids, _ := book.Len()
	assert.Zero(t, bids)
	// 非 book_depth 消息不产生 warn/error 日志
	assert.Zero(t, logs.FilterLevelExact(zapcore.WarnLevel).Len())
	assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestDepthHandlerDropsMalformed(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	book := market.NewOrderBook()
	book.Apply(market.Delta{Bids: []market.Level{lvl(t, "100", "1")}})
	metrics := newCountingMetrics()
	h := &DepthHandler{Book: book, Logger: zap.New(core), Metrics: metrics}

	assert.Equal(t, ResultMalformed, h.HandleMessage([]byte(`{"type":"book_depth","bids":[["101","x"]]}`)))
	assert.Equal(t, ResultMalformed, h.HandleMessage([]byte(`not json`)))

	assert.Equal(t, 2, metrics.decodeErrors)
	assert.Equal(t, 2, logs.FilterMessage("drop malformed message").Len())
	best, ok := book.BestBid()
	require.True(t, ok)
	assert.Equal(t, "100", best.String(), "book must be untouched by a dropped message")
}

func TestDepthHandlerRecoversApplyPanic(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	metrics := newCountingMetrics()
	h := &DepthHandler{Logger: zap.New(core), Metrics: metrics} // nil Book

	assert.NotPanics(t, func() {
		assert.Equal(t, ResultApplyFailed, h.HandleMessage([]byte(sampleDepth)))
	})
	assert.Equal(t, 1, metrics.applyFailed)
	assert.Equal(t, 1, logs.FilterMessage("apply depth failed").Len())
}

func lvl(t *testing.T, price, qty string) market.Level {
	t.Helper()
	_, delta, err := ParseDepth([]byte(`{"type":"book_depth","bids":[["` + price + `","` + qty + `"]]}`))
	require.NoError(t, err)
	return delta.Bids[0]
}
