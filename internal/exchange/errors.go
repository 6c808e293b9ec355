package exchange

import (
	"errors"
	"fmt"
)

// ErrRetriesExhausted 重连次数超过上限，连接任务终止。
var ErrRetriesExhausted = errors.New("maximum retry attempts reached")

// TransportError 传输层错误（拨号、订阅写入、读取），会触发退避重连。
type TransportError struct {
	Op  string // dial, subscribe, read
	Err error
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RetryExhaustedError 携带最后一次传输错误。
type RetryExhaustedError struct {
	Retries int
	Last    error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("websocket reconnection failed after %d retries: %v", e.Retries, e.Last)
}

func (e *RetryExhaustedError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Last}
}
