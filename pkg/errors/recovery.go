// Package errors provides comprehensive error handling utilities for dustscope.
//
// This file turns a panic inside a pipeline stage or an HTTP handler into a
// structured error, so the runner can log it with its stack and stop.

package errors

import (
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"
)

// PanicError は回復したpanicから作られたエラーです。
type PanicError struct {
	// PanicValue はpanic()に渡された値
	PanicValue interface{}

	// StackTrace はpanic発生時のスタックトレース
	StackTrace string

	// Operation はpanicを回復した処理（ステージ名など）
	Operation string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Operation, e.PanicValue)
}

// String はスタックトレースを含む詳細を返します。
func (e *PanicError) String() string {
	return fmt.Sprintf("panic in %s: %v\nStack trace:\n%s",
		e.Operation, e.PanicValue, e.StackTrace)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *PanicError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("operation", e.Operation).
		Interface("panic_value", e.PanicValue).
		Str("type", "PanicError")
}

// NewPanicError は現在のスタックトレースを記録したPanicErrorを作成します。
func NewPanicError(operation string, panicValue interface{}) *PanicError {
	return &PanicError{
		PanicValue: panicValue,
		StackTrace: string(debug.Stack()),
		Operation:  operation,
	}
}

// Recover はdeferで使い、panicをerrに変換します。
//
//	func (s *Training) Run(ctx context.Context) (err error) {
//	    defer errors.Recover(&err, "Training Stage")
//	    ...
//	}
//
// err が既に設定されていれば、panicの情報でそれをラップします。
func Recover(err *error, operation string) {
	r := recover()
	if r == nil {
		return
	}
	if *err != nil {
		*err = Wrapf(*err, "panic in %s: %v", operation, r)
		return
	}
	*err = NewPanicError(operation, r)
}

// SafeExecute はfnを実行し、panicをPanicErrorとして返します。
func SafeExecute(operation string, fn func() error) (err error) {
	defer Recover(&err, operation)
	return fn()
}
