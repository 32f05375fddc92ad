package stage

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/dustscope/config"
)

// 小さな画像でパイプライン全体を回す
var testSize = config.ImageSize{Width: 16, Height: 16, Channels: 3}

func pngBytes(t *testing.T, gray uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 20, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			img.SetRGBA(x, y, color.RGBA{R: gray, G: gray, B: gray, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// makeDataset writes perClass bright Clean and dark Dusty images under root.
func makeDataset(t *testing.T, root string, perClass int) {
	t.Helper()
	for class, gray := range map[string]uint8{"Clean": 230, "Dusty": 30} {
		dir := filepath.Join(root, class)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for i := 0; i < perClass; i++ {
			name := filepath.Join(dir, string(rune('a'+i))+".png")
			require.NoError(t, os.WriteFile(name, pngBytes(t, gray+uint8(i)), 0o644))
		}
	}
}

type zipEntry struct {
	name string
	data []byte
}

func zipBytes(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		f, err := w.Create(e.name)
		require.NoError(t, err)
		_, err = f.Write(e.data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}
