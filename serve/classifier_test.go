package serve

import (
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/dustscope/backbone"
	"github.com/YuminosukeSato/dustscope/config"
	"github.com/YuminosukeSato/dustscope/core/model"
	"github.com/YuminosukeSato/dustscope/pkg/errors"
	"github.com/YuminosukeSato/dustscope/pkg/log"
)

var testSize = config.ImageSize{Width: 16, Height: 16, Channels: 3}

// writeModel は fc のバイアスで常に favored クラスを選ぶモデルを保存する
func writeModel(t *testing.T, path string, favored int) {
	t.Helper()
	net := backbone.New(backbone.WithInputSize(testSize.Width, testSize.Height, testSize.Channels), backbone.WithClasses(2))
	snap := net.StateDict()
	bias := snap.Params["fc.bias"]
	bias.Data[favored] = 1e6
	require.NoError(t, model.SaveSnapshot(snap, path))
}

func writeJPEG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 24, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 24; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 10), G: 90, B: uint8(y * 10), A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, jpeg.Encode(f, img, nil))
}

func TestLabelFor(t *testing.T) {
	assert.Equal(t, LabelClean, LabelFor(0))
	assert.Equal(t, LabelDusty, LabelFor(1))
	assert.Equal(t, LabelClean, LabelFor(2))
}

func TestModelClassifierPredict(t *testing.T) {
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model.gob")
	imagePath := filepath.Join(dir, "inputImage.jpg")
	writeModel(t, modelPath, DustyIndex)
	writeJPEG(t, imagePath)

	logger, _ := log.NewTestLogger(log.LevelInfo)
	clf := NewModelClassifier(modelPath, 2, testSize, logger)

	_, err := clf.Predict(context.Background(), imagePath)
	assert.Error(t, err, "not initialized")

	require.NoError(t, clf.Init())
	preds, err := clf.Predict(context.Background(), imagePath)
	require.NoError(t, err)
	assert.Equal(t, []Prediction{{Image: LabelDusty}}, preds)

	_, err = clf.Predict(context.Background(), filepath.Join(dir, "missing.jpg"))
	var ioErr *errors.IOError
	assert.True(t, errors.As(err, &ioErr))
	assert.False(t, errors.Is(err, errors.ErrInvalidImage))

	garbage := filepath.Join(dir, "garbage.jpg")
	require.NoError(t, os.WriteFile(garbage, []byte("valid base64, not an image"), 0o644))
	_, err = clf.Predict(context.Background(), garbage)
	assert.True(t, errors.Is(err, errors.ErrInvalidImage))

	require.NoError(t, clf.Close())
	_, err = clf.Predict(context.Background(), imagePath)
	assert.Error(t, err)
}

func TestModelClassifierInitMismatch(t *testing.T) {
	modelPath := filepath.Join(t.TempDir(), "model.gob")
	writeModel(t, modelPath, 0)

	err := NewModelClassifier(modelPath, 3, testSize, nil).Init()
	var mismatch *errors.StateMismatchError
	assert.True(t, errors.As(err, &mismatch))
}

func TestModelClassifierWatchReloads(t *testing.T) {
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model.gob")
	imagePath := filepath.Join(dir, "inputImage.jpg")
	writeModel(t, modelPath, DustyIndex)
	writeJPEG(t, imagePath)

	logger, _ := log.NewTestLogger(log.LevelInfo)
	clf := NewModelClassifier(modelPath, 2, testSize, logger)
	require.NoError(t, clf.Init())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, clf.Watch(ctx))

	// 壊れたファイルは無視され、以前のモデルが使われ続ける
	require.NoError(t, os.WriteFile(modelPath, []byte("garbage"), 0o644))
	assert.Eventually(t, func() bool {
		return logger.ContainsMessage("model reload failed")
	}, 5*time.Second, 20*time.Millisecond)
	preds, err := clf.Predict(context.Background(), imagePath)
	require.NoError(t, err)
	assert.Equal(t, LabelDusty, preds[0].Image)

	before := clf.Generation()
	writeModel(t, modelPath, 0)
	assert.Eventually(t, func() bool {
		if clf.Generation() <= before {
			return false
		}
		preds, err := clf.Predict(context.Background(), imagePath)
		return err == nil && preds[0].Image == LabelClean
	}, 5*time.Second, 20*time.Millisecond)
}
