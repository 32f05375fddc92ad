package errors

import (
	"fmt"
	"math"
	"strings"
	"testing"
)

func TestNewConfigError(t *testing.T) {
	tests := []struct {
		name     string
		document string
		field    string
		reason   string
		err      error
		wantMsg  string
	}{
		{
			name:     "missing field",
			document: "config.yaml",
			field:    "base_model.root_dir",
			reason:   "required field is missing",
			wantMsg:  "dustscope: config config.yaml: field 'base_model.root_dir': required field is missing",
		},
		{
			name:     "unparseable document",
			document: "params.yaml",
			reason:   "cannot parse document",
			err:      fmt.Errorf("yaml: line 3: did not find expected key"),
			wantMsg:  "dustscope: config params.yaml: cannot parse document: yaml: line 3: did not find expected key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewConfigError(tt.document, tt.field, tt.reason, tt.err)

			if err.Error() != tt.wantMsg {
				t.Errorf("Error() = %v, want %v", err.Error(), tt.wantMsg)
			}

			// スタックトレースの存在確認
			formatted := fmt.Sprintf("%+v", err)
			if !strings.Contains(formatted, "errors_test.go") {
				t.Error("Expected stack trace to contain test file name")
			}

			var cfgErr *ConfigError
			if !As(err, &cfgErr) {
				t.Error("Error should be castable to *ConfigError")
			}
		})
	}
}

func TestNewIngestionErrorUnwraps(t *testing.T) {
	transport := fmt.Errorf("connection refused")
	err := NewIngestionError("download", "https://example.com/data.zip", transport)

	want := "dustscope: ingestion download https://example.com/data.zip: connection refused"
	if err.Error() != want {
		t.Errorf("Error() = %v, want %v", err.Error(), want)
	}
	if !Is(err, transport) {
		t.Error("IngestionError should wrap the transport error")
	}
}

func TestNewStateMismatchError(t *testing.T) {
	err := NewStateMismatchError("fc.weight", []int{2, 64}, []int{3, 64})

	want := "dustscope: state mismatch at layer 'fc.weight'. Expected shape [2 64], got [3 64]"
	if err.Error() != want {
		t.Errorf("Error() = %v, want %v", err.Error(), want)
	}

	var smErr *StateMismatchError
	if !As(err, &smErr) {
		t.Fatal("Error should be castable to *StateMismatchError")
	}
	if smErr.Layer != "fc.weight" {
		t.Errorf("Layer = %v, want fc.weight", smErr.Layer)
	}

	missing := NewMissingLayerError("features.bias", "missing from snapshot")
	if !strings.Contains(missing.Error(), "missing from snapshot") {
		t.Errorf("unexpected message: %v", missing)
	}
}

func TestNewCredentialError(t *testing.T) {
	err := NewCredentialError("https://dagshub.com/user/repo.mlflow", "MLFLOW_TRACKING_USERNAME", "MLFLOW_TRACKING_PASSWORD")

	want := "dustscope: tracking endpoint https://dagshub.com/user/repo.mlflow requires credentials. Set MLFLOW_TRACKING_USERNAME and MLFLOW_TRACKING_PASSWORD"
	if err.Error() != want {
		t.Errorf("Error() = %v, want %v", err.Error(), want)
	}
}

func TestIOErrorWrapsMissingArtifact(t *testing.T) {
	err := NewIOError("stat input artifact", "/tmp/artifacts/base_model/updated.snap", ErrMissingArtifact)

	if !Is(err, ErrMissingArtifact) {
		t.Error("Expected Is(err, ErrMissingArtifact) to be true")
	}
	var ioErr *IOError
	if !As(err, &ioErr) {
		t.Error("Error should be castable to *IOError")
	}
}

func TestSplitMismatchWarning(t *testing.T) {
	warn := NewSplitMismatchWarning(42, 0.2, 42, 0.3)

	if !strings.Contains(warn.Error(), "fraction=0.30") || !strings.Contains(warn.Error(), "fraction=0.20") {
		t.Errorf("unexpected message: %v", warn.Error())
	}
}

func TestWarnRoutesToHandler(t *testing.T) {
	var got []error
	SetWarningHandler(func(w error) { got = append(got, w) })
	defer SetWarningHandler(func(w error) {})

	Warn(NewConvergenceWarning("SGD", 3, "loss is NaN"))

	if len(got) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(got))
	}

	// zerologが設定されている場合はそちらが優先される
	var viaZerolog int
	SetZerologWarnFunc(func(error) { viaZerolog++ })
	defer SetZerologWarnFunc(nil)

	Warn(NewConvergenceWarning("SGD", 4, "loss is Inf"))
	if viaZerolog != 1 || len(got) != 1 {
		t.Errorf("expected zerolog sink to receive the warning, got zerolog=%d handler=%d", viaZerolog, len(got))
	}
}

func TestWrapf(t *testing.T) {
	wrapped := Wrapf(ErrEmptyData, "in %s: expected %d, got %d", "Split", 10, 0)

	if !Is(wrapped, ErrEmptyData) {
		t.Error("Expected Is(wrapped, ErrEmptyData) to be true")
	}
	expectedMsg := "in Split: expected 10, got 0"
	if !strings.Contains(wrapped.Error(), expectedMsg) {
		t.Errorf("Expected wrapped error to contain %q", expectedMsg)
	}
}

func TestCheckScalar(t *testing.T) {
	if err := CheckScalar("loss", 0.5, 1); err != nil {
		t.Errorf("finite value should pass, got %v", err)
	}
	err := CheckScalar("loss", math.NaN(), 7)
	var numErr *NumericalInstabilityError
	if !As(err, &numErr) {
		t.Fatalf("expected NumericalInstabilityError, got %T", err)
	}
	if numErr.Iteration != 7 {
		t.Errorf("Iteration = %d, want 7", numErr.Iteration)
	}
}
