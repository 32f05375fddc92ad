// Package serve exposes a trained model over HTTP.
//
//	GET  /         service banner
//	POST /predict  {"image": "<base64>"} -> [{"image": "Dusty"|"Clean"}]
//	POST /train    runs the whole training pipeline
//	GET  /metrics  Prometheus metrics
package serve

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/YuminosukeSato/dustscope/pkg/errors"
	"github.com/YuminosukeSato/dustscope/pkg/log"
)

// TrainingDoneMessage is the /train success message.
const TrainingDoneMessage = "Training done successfully!"

// DefaultMaxBytes bounds a decoded /predict image.
const DefaultMaxBytes = 10 << 20

// Runner runs the training pipeline.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

// Run calls f(ctx).
func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Service holds everything the handlers need.
type Service struct {
	Classifier Classifier
	// ScratchPath is where the decoded /predict image is written before it
	// is classified.
	ScratchPath string
	// MaxBytes bounds the decoded image; <= 0 means DefaultMaxBytes.
	MaxBytes int64
	// Runner backs /train; nil disables the route.
	Runner Runner
	Logger log.Logger

	// 一時ファイルは共有なので、書き込みから推論までを直列化する
	predictMu sync.Mutex
	trainMu   sync.Mutex
}

type serverOptions struct {
	origins []string
	access  zerolog.Logger
	metrics *Metrics
	version string
}

// ServerOption configures NewServer.
type ServerOption func(*serverOptions)

// WithCORSOrigins sets the allowed origins. Defaults to "*".
func WithCORSOrigins(origins ...string) ServerOption {
	return func(o *serverOptions) { o.origins = origins }
}

// WithAccessLog sets the zerolog logger the access log is written to.
func WithAccessLog(logger zerolog.Logger) ServerOption {
	return func(o *serverOptions) { o.access = logger }
}

// WithMetrics sets the metrics collectors. Defaults to a fresh NewMetrics.
func WithMetrics(m *Metrics) ServerOption {
	return func(o *serverOptions) { o.metrics = m }
}

// WithVersion sets the version reported by the banner.
func WithVersion(version string) ServerOption {
	return func(o *serverOptions) { o.version = version }
}

// NewServer returns the HTTP server of svc. The caller starts it.
func NewServer(svc *Service, opts ...ServerOption) *echo.Echo {
	o := serverOptions{
		origins: []string{"*"},
		access:  zerolog.New(os.Stdout).With().Timestamp().Logger(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics()
	}
	if svc.Logger == nil {
		svc.Logger = log.GetLogger()
	}
	svc.Logger = svc.Logger.With(log.ComponentKey, "serve")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	access := o.access
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			ev := access.Info()
			if v.Error != nil {
				ev = access.Error().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Msg("request")
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: o.origins}))

	h := &handlers{svc: svc, metrics: o.metrics, version: o.version}
	e.GET("/", h.home)
	e.POST("/predict", h.predict)
	e.POST("/train", h.train)
	e.GET("/metrics", echo.WrapHandler(o.metrics.Handler()))
	return e
}

type handlers struct {
	svc     *Service
	metrics *Metrics
	version string
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *handlers) fail(c echo.Context, route string, code int, msg string) error {
	h.metrics.requestFailed(route, code)
	return c.JSON(code, errorBody{Error: msg})
}

func (h *handlers) home(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"service": "dustscope",
		"status":  "ok",
		"version": h.version,
		"train":   h.svc.Runner != nil,
	})
}

func (h *handlers) maxBytes() int64 {
	if h.svc.MaxBytes > 0 {
		return h.svc.MaxBytes
	}
	return DefaultMaxBytes
}

// decodeImage accepts plain base64 and data URLs ("data:image/jpeg;base64,...").
func decodeImage(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		i := strings.Index(s, ",")
		if i < 0 || !strings.HasSuffix(s[:i], ";base64") {
			return nil, errors.New("data URL is not base64 encoded")
		}
		s = s[i+1:]
	}
	s = strings.TrimSpace(s)
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		if raw, rawErr := base64.RawStdEncoding.DecodeString(s); rawErr == nil {
			return raw, nil
		}
		return nil, errors.Wrap(err, "decode base64 image")
	}
	return data, nil
}

func (h *handlers) predict(c echo.Context) error {
	const route = "/predict"
	limit := h.maxBytes()

	// base64は4/3倍に膨らむので、それを見込んでリクエスト本体を制限する
	body := http.MaxBytesReader(c.Response(), c.Request().Body, limit/3*4+64<<10)
	var req map[string]interface{}
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return h.fail(c, route, http.StatusRequestEntityTooLarge, "request body too large")
		}
		if errors.Is(err, io.EOF) {
			return h.fail(c, route, http.StatusBadRequest, "request body is empty")
		}
		return h.fail(c, route, http.StatusBadRequest, "invalid JSON: "+err.Error())
	}
	encoded, ok := req["image"].(string)
	if !ok || encoded == "" {
		return h.fail(c, route, http.StatusBadRequest, `"image" must be a base64 encoded string`)
	}
	data, err := decodeImage(encoded)
	if err != nil {
		return h.fail(c, route, http.StatusBadRequest, err.Error())
	}
	if int64(len(data)) > limit {
		return h.fail(c, route, http.StatusRequestEntityTooLarge, "image too large")
	}

	start := time.Now()
	preds, err := h.classify(c.Request().Context(), data)
	if errors.Is(err, errors.ErrInvalidImage) {
		return h.fail(c, route, http.StatusBadRequest, "image could not be decoded")
	}
	if err != nil {
		h.svc.Logger.Error("prediction failed", err, log.RemoteAddrKey, c.RealIP())
		return h.fail(c, route, http.StatusInternalServerError, err.Error())
	}
	h.metrics.latency.Observe(time.Since(start).Seconds())
	for _, p := range preds {
		h.metrics.predictions.WithLabelValues(p.Image).Inc()
		h.svc.Logger.Info("prediction", log.PredictionKey, p.Image, log.PhaseKey, log.PhaseInference, log.RemoteAddrKey, c.RealIP())
	}
	return c.JSON(http.StatusOK, preds)
}

func (h *handlers) classify(ctx context.Context, data []byte) ([]Prediction, error) {
	h.svc.predictMu.Lock()
	defer h.svc.predictMu.Unlock()
	if err := renameio.WriteFile(h.svc.ScratchPath, data, 0o644); err != nil {
		return nil, errors.NewIOError("write", h.svc.ScratchPath, err)
	}
	return h.svc.Classifier.Predict(ctx, h.svc.ScratchPath)
}

func (h *handlers) train(c echo.Context) error {
	const route = "/train"
	if h.svc.Runner == nil {
		return h.fail(c, route, http.StatusNotImplemented, "training is not enabled")
	}
	if !h.svc.trainMu.TryLock() {
		return h.fail(c, route, http.StatusConflict, "training is already running")
	}
	defer h.svc.trainMu.Unlock()

	h.svc.Logger.Info("training requested", log.RemoteAddrKey, c.RealIP())
	if err := h.svc.Runner.Run(c.Request().Context()); err != nil {
		h.metrics.trainings.WithLabelValues("failure").Inc()
		h.svc.Logger.Error("training failed", err)
		return h.fail(c, route, http.StatusInternalServerError, err.Error())
	}
	h.metrics.trainings.WithLabelValues("success").Inc()
	return c.JSON(http.StatusOK, map[string]string{"message": TrainingDoneMessage})
}
