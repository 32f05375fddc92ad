// Package errors はパイプライン全体のエラーハンドリングと警告システムを提供します。
// 各ステージが返すエラーは構造化された型で表現され、スタックトレースを保持します。
package errors

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// ===========================================================================
//
//	グローバル警告ハンドリング
//
// ===========================================================================
var (
	warningMutex   sync.Mutex
	warningHandler = func(w error) {
		// デフォルトのハンドラは標準エラー出力にログを出す
		log.Printf("dustscope-warning: %v\n", w)
	}
	// zerologロガー（循環importを避けるため遅延初期化）
	zerologWarnFunc func(warning error)
)

// SetWarningHandler は警告ハンドラを設定します。
//
// 例:
//
//	errors.SetWarningHandler(func(w error) {
//	    // 警告を無視する
//	})
func SetWarningHandler(handler func(w error)) {
	warningMutex.Lock()
	defer warningMutex.Unlock()
	warningHandler = handler
}

// SetZerologWarnFunc はzerolog警告関数を設定します。nilを渡すと解除されます。
func SetZerologWarnFunc(warnFunc func(warning error)) {
	warningMutex.Lock()
	defer warningMutex.Unlock()
	zerologWarnFunc = warnFunc
}

// Warn は警告を発生させます。
// zerologが設定されている場合は構造化ログとして出力し、そうでなければ従来のハンドラを使用します。
func Warn(w error) {
	warningMutex.Lock()
	defer warningMutex.Unlock()

	if zerologWarnFunc != nil {
		zerologWarnFunc(w)
		return
	}

	if warningHandler != nil {
		warningHandler(w)
	}
}

// ===========================================================================
//
//	警告型
//
// ===========================================================================

// ConvergenceWarning は学習中の損失が有限値でなくなった場合に発生する警告です。
type ConvergenceWarning struct {
	Algorithm  string
	Iterations int
	Message    string
}

func (w *ConvergenceWarning) Error() string {
	if w.Message != "" {
		return fmt.Sprintf("%s failed to converge after %d iterations: %s", w.Algorithm, w.Iterations, w.Message)
	}
	return fmt.Sprintf("%s failed to converge after %d iterations. Consider lowering the learning rate.", w.Algorithm, w.Iterations)
}

// MarshalZerologObject はzerologのイベントに構造化された警告情報を追加します。
func (w *ConvergenceWarning) MarshalZerologObject(e *zerolog.Event) {
	e.Str("algorithm", w.Algorithm).
		Int("iterations", w.Iterations).
		Str("message", w.Message).
		Str("type", "ConvergenceWarning")
}

// NewConvergenceWarning は新しいConvergenceWarningを作成します。
func NewConvergenceWarning(algorithm string, iterations int, message string) *ConvergenceWarning {
	return &ConvergenceWarning{Algorithm: algorithm, Iterations: iterations, Message: message}
}

// SplitMismatchWarning は評価ステージが学習ステージと異なる分割設定で
// 検証データを再構成する場合の警告です。
// この場合、評価用の検証データは学習時の検証データと一致する保証がありません。
type SplitMismatchWarning struct {
	TrainingSeed       int64
	TrainingFraction   float64
	EvaluationSeed     int64
	EvaluationFraction float64
}

func (w *SplitMismatchWarning) Error() string {
	return fmt.Sprintf(
		"evaluation split (seed=%d, fraction=%.2f) differs from training split (seed=%d, fraction=%.2f); "+
			"evaluation samples may overlap the training subset",
		w.EvaluationSeed, w.EvaluationFraction, w.TrainingSeed, w.TrainingFraction)
}

// MarshalZerologObject はzerologのイベントに構造化された警告情報を追加します。
func (w *SplitMismatchWarning) MarshalZerologObject(e *zerolog.Event) {
	e.Int64("training_seed", w.TrainingSeed).
		Float64("training_fraction", w.TrainingFraction).
		Int64("evaluation_seed", w.EvaluationSeed).
		Float64("evaluation_fraction", w.EvaluationFraction).
		Str("type", "SplitMismatchWarning")
}

// NewSplitMismatchWarning は新しいSplitMismatchWarningを作成します。
func NewSplitMismatchWarning(trainSeed int64, trainFrac float64, evalSeed int64, evalFrac float64) *SplitMismatchWarning {
	return &SplitMismatchWarning{
		TrainingSeed:       trainSeed,
		TrainingFraction:   trainFrac,
		EvaluationSeed:     evalSeed,
		EvaluationFraction: evalFrac,
	}
}

// ===========================================================================
//
//	構造化されたエラー型
//
// ===========================================================================

// ConfigError は設定ドキュメントが存在しない・解析できない、
// または必須フィールドが欠けている場合のエラーです。
type ConfigError struct {
	Document string
	Field    string
	Reason   string
	Err      error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("dustscope: config")
	if e.Document != "" {
		fmt.Fprintf(&b, " %s", e.Document)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ": field '%s'", e.Field)
	}
	fmt.Fprintf(&b, ": %s", e.Reason)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *ConfigError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("document", e.Document).
		Str("field", e.Field).
		Str("reason", e.Reason).
		Str("type", "ConfigError")
}

// NewConfigError は新しいConfigErrorを作成し、スタックトレースを付与します。
func NewConfigError(document, field, reason string, err error) error {
	return errors.WithStack(&ConfigError{Document: document, Field: field, Reason: reason, Err: err})
}

// IngestionError はデータセットの取得・展開に失敗した場合のエラーです。
type IngestionError struct {
	Op     string // "download", "extract"
	Source string
	Err    error
}

func (e *IngestionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dustscope: ingestion %s %s: %v", e.Op, e.Source, e.Err)
	}
	return fmt.Sprintf("dustscope: ingestion %s %s", e.Op, e.Source)
}

func (e *IngestionError) Unwrap() error {
	return e.Err
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *IngestionError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("operation", e.Op).
		Str("source", e.Source).
		Str("type", "IngestionError")
}

// NewIngestionError は新しいIngestionErrorを作成し、スタックトレースを付与します。
func NewIngestionError(op, source string, err error) error {
	return errors.WithStack(&IngestionError{Op: op, Source: source, Err: err})
}

// StateMismatchError はスナップショットのパラメータ形状が
// 現在のアーキテクチャと一致しない場合のエラーです。
// 重みを切り詰めたりパディングしたりすることはありません。
type StateMismatchError struct {
	Layer    string
	Expected []int
	Got      []int
	Reason   string
}

func (e *StateMismatchError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("dustscope: state mismatch at layer '%s': %s", e.Layer, e.Reason)
	}
	return fmt.Sprintf("dustscope: state mismatch at layer '%s'. Expected shape %v, got %v", e.Layer, e.Expected, e.Got)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *StateMismatchError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("layer", e.Layer).
		Ints("expected", e.Expected).
		Ints("got", e.Got).
		Str("reason", e.Reason).
		Str("type", "StateMismatchError")
}

// NewStateMismatchError は形状不一致のStateMismatchErrorを作成します。
func NewStateMismatchError(layer string, expected, got []int) error {
	return errors.WithStack(&StateMismatchError{Layer: layer, Expected: expected, Got: got})
}

// NewMissingLayerError はレイヤーの欠落・余剰によるStateMismatchErrorを作成します。
func NewMissingLayerError(layer, reason string) error {
	return errors.WithStack(&StateMismatchError{Layer: layer, Reason: reason})
}

// IOError はパスへの書き込み・読み込みに失敗した場合のエラーです。
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("dustscope: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *IOError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("operation", e.Op).
		Str("path", e.Path).
		Str("type", "IOError")
}

// NewIOError は新しいIOErrorを作成し、スタックトレースを付与します。
func NewIOError(op, path string, err error) error {
	return errors.WithStack(&IOError{Op: op, Path: path, Err: err})
}

// CredentialError はリモートの実験トラッカーが認証情報を要求するにもかかわらず、
// 認証情報が与えられていない場合のエラーです。
type CredentialError struct {
	Endpoint string
	Missing  []string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("dustscope: tracking endpoint %s requires credentials. Set %s",
		e.Endpoint, strings.Join(e.Missing, " and "))
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *CredentialError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("endpoint", e.Endpoint).
		Strs("missing", e.Missing).
		Str("type", "CredentialError")
}

// NewCredentialError は新しいCredentialErrorを作成し、スタックトレースを付与します。
func NewCredentialError(endpoint string, missing ...string) error {
	return errors.WithStack(&CredentialError{Endpoint: endpoint, Missing: missing})
}

// ValueError は引数の値が不適切な場合のエラーです。
type ValueError struct {
	Op      string
	Message string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("dustscope: %s: %s", e.Op, e.Message)
}

// NewValueError は新しいValueErrorを作成し、スタックトレースを付与します。
func NewValueError(op, message string) error {
	return errors.WithStack(&ValueError{Op: op, Message: message})
}

// DimensionError は入力データの次元が期待値と異なる場合のエラーです。
type DimensionError struct {
	Op       string
	Expected int
	Got      int
	Axis     int // 0 for rows, 1 for columns/features
}

func (e *DimensionError) Error() string {
	axisName := "features"
	if e.Axis == 0 {
		axisName = "rows"
	}
	return fmt.Sprintf("dustscope: %s: dimension mismatch on axis %d (%s). Expected %d, got %d", e.Op, e.Axis, axisName, e.Expected, e.Got)
}

// NewDimensionError は新しいDimensionErrorを作成し、スタックトレースを付与します。
func NewDimensionError(op string, expected, got, axis int) error {
	return errors.WithStack(&DimensionError{Op: op, Expected: expected, Got: got, Axis: axis})
}

// NumericalInstabilityError は数値計算が不安定になった場合のエラーです。
type NumericalInstabilityError struct {
	Operation string
	Values    []float64
	Iteration int
}

func (e *NumericalInstabilityError) Error() string {
	valStr := ""
	for i, v := range e.Values {
		if i > 0 {
			valStr += ", "
		}
		if i >= 5 {
			valStr += "..."
			break
		}
		valStr += fmt.Sprintf("%.6g", v)
	}
	return fmt.Sprintf("dustscope: numerical instability detected in %s at iteration %d. Values: [%s]",
		e.Operation, e.Iteration, valStr)
}

// NewNumericalInstabilityError は新しいNumericalInstabilityErrorを作成します。
func NewNumericalInstabilityError(operation string, values []float64, iteration int) error {
	return errors.WithStack(&NumericalInstabilityError{Operation: operation, Values: values, Iteration: iteration})
}

// ===========================================================================
//
//	cockroachdb/errors ラッパー関数
//
// ===========================================================================

// Is はエラーが特定のターゲットエラーかどうかを判定します。
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As はエラーが特定の型にキャスト可能かどうかを判定します。
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap は既存のエラーをメッセージ付きでラップします。
func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

// Wrapf は既存のエラーをフォーマット文字列でラップします。
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// New は新しいエラーを作成します。
func New(message string) error {
	return errors.New(message)
}

// Newf は新しいフォーマット済みエラーを作成します。
func Newf(format string, args ...interface{}) error {
	return errors.Newf(format, args...)
}

// Mark はerrにreferenceのマークを付けます。Is(err, reference) がtrueになり、
// errのメッセージと原因はそのまま保たれます。
func Mark(err, reference error) error {
	return errors.Mark(err, reference)
}

// WithStack はエラーにスタックトレースを付与します。
func WithStack(err error) error {
	return errors.WithStack(err)
}

// ===========================================================================
//
//	共通エラー変数
//
// ===========================================================================

var (
	// ErrMissingArtifact はステージの入力アーティファクトがディスク上に存在しない場合のエラーです。
	ErrMissingArtifact = New("missing input artifact")

	// ErrEmptyData は空のデータが渡された場合のエラーです。
	ErrEmptyData = New("empty data")

	// ErrUnknownStage は登録されていないステージ名が指定された場合のエラーです。
	ErrUnknownStage = New("unknown stage")

	// ErrInvalidImage は画像としてデコードできない入力のエラーです。
	ErrInvalidImage = New("invalid image")
)
