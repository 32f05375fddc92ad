// Package preprocessing turns image files into normalized CHW tensors: decoding,
// resizing, randomized geometric augmentation and channel normalization.
package preprocessing

import (
	"bufio"
	"image"
	"io"
	"os"

	// 標準ライブラリのデコーダ
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	// 追加のデコーダ
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"golang.org/x/image/draw"

	"github.com/YuminosukeSato/dustscope/pkg/errors"
)

// DecodeFile は画像ファイルを読み込んでRGBAに変換する
func DecodeFile(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewIOError("open image", path, err)
	}
	defer f.Close()

	img, err := Decode(bufio.NewReader(f))
	if err != nil {
		return nil, errors.NewIOError("decode image", path, err)
	}
	return img, nil
}

// Decode はJPEG / PNG / GIF / BMP / TIFF / WebP を判別してデコードし、RGBAに変換する
func Decode(r io.Reader) (*image.RGBA, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode image"), errors.ErrInvalidImage)
	}
	return ToRGBA(img), nil
}

// ToRGBA は原点(0, 0)から始まるRGBA画像に変換する。既にそうなら同じ値を返す
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
