package preprocessing

import (
	"image"
	"math"
	"math/rand"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/YuminosukeSato/dustscope/pkg/errors"
)

// Transform は画像から画像への変換
//
// rngはランダムな変換が使う乱数源。nilの場合、ランダムな変換は何もしない。
type Transform interface {
	Apply(img *image.RGBA, rng *rand.Rand) *image.RGBA
}

// Resize はバイリニア補間で指定サイズに拡大・縮小する
type Resize struct {
	Width  int
	Height int
}

// Apply implements Transform.
func (t Resize) Apply(img *image.RGBA, _ *rand.Rand) *image.RGBA {
	if img.Bounds().Dx() == t.Width && img.Bounds().Dy() == t.Height {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, t.Width, t.Height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// RandomHorizontalFlip は確率Pで左右反転する
type RandomHorizontalFlip struct {
	P float64
}

// Apply implements Transform.
func (t RandomHorizontalFlip) Apply(img *image.RGBA, rng *rand.Rand) *image.RGBA {
	if rng == nil || rng.Float64() >= t.P {
		return img
	}
	w := float64(img.Bounds().Dx())
	dst := image.NewRGBA(img.Bounds())
	draw.NearestNeighbor.Transform(dst, f64.Aff3{-1, 0, w, 0, 1, 0}, img, img.Bounds(), draw.Src, nil)
	return dst
}

// RandomRotation は [-Degrees, Degrees] の一様乱数の角度で画像中心を軸に回転する。
// はみ出した領域は黒で埋める
type RandomRotation struct {
	Degrees float64
}

// Apply implements Transform.
func (t RandomRotation) Apply(img *image.RGBA, rng *rand.Rand) *image.RGBA {
	if rng == nil || t.Degrees == 0 {
		return img
	}
	theta := uniform(rng, t.Degrees) * math.Pi / 180
	sin, cos := math.Sincos(theta)
	return affine(img, [4]float64{cos, -sin, sin, cos}, 0, 0)
}

// RandomAffine は平行移動とせん断をランダムに適用する
//
// Translateは幅・高さに対する最大移動量の比率、Shearはx方向のせん断角の最大値（度）。
type RandomAffine struct {
	Translate float64
	Shear     float64
}

// Apply implements Transform.
func (t RandomAffine) Apply(img *image.RGBA, rng *rand.Rand) *image.RGBA {
	if rng == nil || (t.Translate == 0 && t.Shear == 0) {
		return img
	}
	b := img.Bounds()
	tx := math.Round(uniform(rng, t.Translate*float64(b.Dx())))
	ty := math.Round(uniform(rng, t.Translate*float64(b.Dy())))
	shear := math.Tan(uniform(rng, t.Shear) * math.Pi / 180)
	return affine(img, [4]float64{1, shear, 0, 1}, tx, ty)
}

// uniform は [-limit, limit] の一様乱数を返す
func uniform(rng *rand.Rand, limit float64) float64 {
	return (rng.Float64()*2 - 1) * limit
}

// affine は画像中心を原点とする線形変換mを適用し、(tx, ty)だけ平行移動する
func affine(img *image.RGBA, m [4]float64, tx, ty float64) *image.RGBA {
	b := img.Bounds()
	cx, cy := float64(b.Dx())/2, float64(b.Dy())/2
	s2d := f64.Aff3{
		m[0], m[1], cx + tx - (m[0]*cx + m[1]*cy),
		m[2], m[3], cy + ty - (m[2]*cx + m[3]*cy),
	}
	dst := image.NewRGBA(b)
	draw.ApproxBiLinear.Transform(dst, s2d, img, b, draw.Src, nil)
	return dst
}

// Normalize はチャンネルごとに (x - Mean) / Std で標準化する
type Normalize struct {
	Mean []float64
	Std  []float64
}

// ImageNetNormalize はImageNetの統計値による標準化を返す。
// 1チャンネルの場合はRGBの値を平均したものを使う
func ImageNetNormalize(channels int) Normalize {
	if channels == 1 {
		return Normalize{Mean: []float64{0.449}, Std: []float64{0.226}}
	}
	return Normalize{
		Mean: []float64{0.485, 0.456, 0.406},
		Std:  []float64{0.229, 0.224, 0.225},
	}
}

// Apply はCHWのテンソルをその場で標準化する
func (n Normalize) Apply(tensor []float64, channels int) error {
	if len(n.Mean) != channels || len(n.Std) != channels {
		return errors.NewDimensionError("Normalize", channels, len(n.Mean), 1)
	}
	if channels == 0 || len(tensor)%channels != 0 {
		return errors.NewValueError("Normalize", "tensor length is not a multiple of the channel count")
	}
	plane := len(tensor) / channels
	for c := 0; c < channels; c++ {
		if n.Std[c] == 0 {
			return errors.NewValueError("Normalize", "standard deviation must not be zero")
		}
		seg := tensor[c*plane : (c+1)*plane]
		for i := range seg {
			seg[i] = (seg[i] - n.Mean[c]) / n.Std[c]
		}
	}
	return nil
}

// ToTensor はRGBA画像を [0, 1] の値を持つCHW配列に変換する。
// channelsが1の場合は輝度（ITU-R BT.601）を使う
func ToTensor(img *image.RGBA, channels int) ([]float64, error) {
	if channels != 1 && channels != 3 {
		return nil, errors.NewValueError("ToTensor", "channels must be 1 or 3")
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	out := make([]float64, channels*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			r := float64(img.Pix[off]) / 255
			g := float64(img.Pix[off+1]) / 255
			bl := float64(img.Pix[off+2]) / 255
			i := y*w + x
			if channels == 1 {
				out[i] = 0.299*r + 0.587*g + 0.114*bl
				continue
			}
			out[i] = r
			out[plane+i] = g
			out[2*plane+i] = bl
		}
	}
	return out, nil
}
