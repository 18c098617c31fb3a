// Package result defines the uniform operation envelope returned by the
// service facade: a success flag, the payload or the error, and execution
// metadata (row count, elapsed time, cache hit).
package result

import "time"

// Meta carries execution metadata alongside every operation result.
type Meta struct {
	RowCount  int   `json:"row_count"`
	ElapsedMs int64 `json:"elapsed_ms"`
	CacheHit  bool  `json:"cache_hit"`
}

// Result is the discriminated success/failure envelope.
type Result[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Error   error  `json:"-"`
	Message string `json:"message,omitempty"`
	Meta    Meta   `json:"meta"`
}

// Ok wraps a successful payload.
func Ok[T any](data T, meta Meta) Result[T] {
	return Result[T]{Success: true, Data: data, Meta: meta}
}

// Fail wraps an error. The human-readable message is taken from the error.
func Fail[T any](err error, meta Meta) Result[T] {
	return Result[T]{Success: false, Error: err, Message: err.Error(), Meta: meta}
}

// Since converts a start instant into elapsed milliseconds for Meta.
func Since(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
