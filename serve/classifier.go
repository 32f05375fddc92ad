package serve

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/dustscope/backbone"
	"github.com/YuminosukeSato/dustscope/config"
	"github.com/YuminosukeSato/dustscope/core/model"
	"github.com/YuminosukeSato/dustscope/pkg/errors"
	"github.com/YuminosukeSato/dustscope/pkg/log"
	"github.com/YuminosukeSato/dustscope/preprocessing"
)

// Labels returned by the service. Class index 1 is Dusty.
const (
	LabelClean = "Clean"
	LabelDusty = "Dusty"

	DustyIndex = 1
)

// Prediction is one element of the /predict response.
type Prediction struct {
	Image string `json:"image"`
}

// LabelFor maps a class index to its label.
func LabelFor(index int) string {
	if index == DustyIndex {
		return LabelDusty
	}
	return LabelClean
}

// Classifier classifies the image stored at imagePath.
type Classifier interface {
	Predict(ctx context.Context, imagePath string) ([]Prediction, error)
}

// ModelClassifier serves a trained snapshot.
type ModelClassifier struct {
	path      string
	classes   int
	size      config.ImageSize
	transform *preprocessing.Pipeline
	logger    log.Logger

	mu         sync.RWMutex
	net        *backbone.Net
	generation atomic.Uint64
}

// NewModelClassifier creates a classifier for the snapshot at modelPath.
// Nothing is read until Init.
func NewModelClassifier(modelPath string, classes int, size config.ImageSize, logger log.Logger) *ModelClassifier {
	if logger == nil {
		logger = log.GetLogger()
	}
	return &ModelClassifier{
		path:      modelPath,
		classes:   classes,
		size:      size,
		transform: preprocessing.ValidationTransforms(size.Width, size.Height, size.Channels),
		logger:    logger.With(log.ComponentKey, "classifier", log.ArtifactKey, modelPath),
	}
}

func (c *ModelClassifier) load() (*backbone.Net, error) {
	net := backbone.New(
		backbone.WithInputSize(c.size.Width, c.size.Height, c.size.Channels),
		backbone.WithClasses(c.classes),
	)
	snap, err := model.LoadSnapshot(c.path)
	if err != nil {
		return nil, err
	}
	if err := net.LoadStateDict(snap); err != nil {
		return nil, err
	}
	return net, nil
}

// Init loads the model. It may be called again to force a reload.
func (c *ModelClassifier) Init() error {
	net, err := c.load()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.net = net
	c.mu.Unlock()
	c.generation.Add(1)
	c.logger.Info("model loaded", log.ClassesKey, c.classes)
	return nil
}

// Generation counts successful loads.
func (c *ModelClassifier) Generation() uint64 {
	return c.generation.Load()
}

// Close releases the model.
func (c *ModelClassifier) Close() error {
	c.mu.Lock()
	c.net = nil
	c.mu.Unlock()
	return nil
}

// Predict classifies one image.
func (c *ModelClassifier) Predict(ctx context.Context, imagePath string) ([]Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := preprocessing.DecodeFile(imagePath)
	if err != nil {
		return nil, err
	}
	tensor, err := c.transform.Apply(img, nil)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.net == nil {
		return nil, errors.New("classifier is not initialized")
	}
	idx, err := c.net.Predict(mat.NewDense(1, len(tensor), tensor))
	if err != nil {
		return nil, err
	}
	return []Prediction{{Image: LabelFor(idx[0])}}, nil
}

// Watch reloads the model whenever the snapshot file is replaced, until ctx
// is done. It returns once the watch is established. A snapshot that fails to
// load is logged and the previous model stays in service.
func (c *ModelClassifier) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	// アトミックな置き換えはrenameなので、ファイルではなくディレクトリを監視する
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		watcher.Close()
		return errors.NewIOError("watch", filepath.Dir(c.path), err)
	}
	target := filepath.Clean(c.path)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Create|fsnotify.Write) {
					continue
				}
				if err := c.Init(); err != nil {
					c.logger.Warn("model reload failed, keeping previous model", log.ErrAttr(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("model watcher error", log.ErrAttr(err))
			}
		}
	}()
	return nil
}
