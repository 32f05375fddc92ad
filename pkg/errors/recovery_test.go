package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestRecover_WithPanic tests the Recover function when a panic occurs
func TestRecover_WithPanic(t *testing.T) {
	testFunc := func() (err error) {
		defer Recover(&err, "TrainingStage.Run")
		panic("batch shape mismatch")
	}

	err := testFunc()
	if err == nil {
		t.Fatal("Expected error from recovered panic, got nil")
	}

	var panicErr *PanicError
	if !errors.As(err, &panicErr) {
		t.Fatalf("Expected PanicError, got %T", err)
	}
	if panicErr.Operation != "TrainingStage.Run" {
		t.Errorf("Expected operation 'TrainingStage.Run', got '%s'", panicErr.Operation)
	}
	if panicErr.StackTrace == "" {
		t.Error("Expected non-empty stack trace")
	}
	if panicErr.Error() != "panic in TrainingStage.Run: batch shape mismatch" {
		t.Errorf("unexpected message '%s'", panicErr.Error())
	}
}

// TestRecover_WithoutPanic tests the Recover function when no panic occurs
func TestRecover_WithoutPanic(t *testing.T) {
	testFunc := func() (err error) {
		defer Recover(&err, "TestOperation")
		return nil
	}

	if err := testFunc(); err != nil {
		t.Fatalf("Expected no error when no panic occurs, got: %v", err)
	}
}

// TestRecover_WithExistingError tests Recover when function has existing error and panic occurs
func TestRecover_WithExistingError(t *testing.T) {
	originalErr := fmt.Errorf("original error")

	testFunc := func() (err error) {
		defer Recover(&err, "TestOperation")
		err = originalErr
		panic("panic after error")
	}

	err := testFunc()
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !strings.Contains(err.Error(), "panic in TestOperation") {
		t.Errorf("Error message should contain panic info: %s", err)
	}
	if !errors.Is(err, originalErr) {
		t.Error("Should be able to identify original error with errors.Is")
	}
}

func TestSafeExecute(t *testing.T) {
	fnErr := fmt.Errorf("function error")

	tests := []struct {
		name      string
		fn        func() error
		wantPanic bool
		wantErr   error
	}{
		{name: "success", fn: func() error { return nil }},
		{name: "function error", fn: func() error { return fnErr }, wantErr: fnErr},
		{name: "panic", fn: func() error { panic(42) }, wantPanic: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := SafeExecute("stage", tt.fn)

			var panicErr *PanicError
			if got := errors.As(err, &panicErr); got != tt.wantPanic {
				t.Fatalf("PanicError = %v, want %v (err=%v)", got, tt.wantPanic, err)
			}
			if tt.wantErr != nil && err != tt.wantErr {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if !tt.wantPanic && tt.wantErr == nil && err != nil {
				t.Errorf("expected nil, got %v", err)
			}
		})
	}
}

func TestPanicError_String(t *testing.T) {
	panicErr := NewPanicError("TestOp", "test value")

	str := panicErr.String()
	if !strings.Contains(str, "Stack trace:") {
		t.Error("String() should include stack trace information")
	}
	if !strings.Contains(str, "panic in TestOp: test value") {
		t.Error("String() should include basic error information")
	}
}

// BenchmarkSafeExecute_NoPanic benchmarks SafeExecute with no panic
func BenchmarkSafeExecute_NoPanic(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = SafeExecute("BenchmarkOp", func() error {
			return nil
		})
	}
}
