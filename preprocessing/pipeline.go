package preprocessing

import (
	"image"
	"math/rand"
)

// Augmentation defaults applied to the training subset.
const (
	RotationDegrees = 40
	FlipProbability = 0.5
	TranslateRatio  = 0.2
	ShearDegrees    = 0.2
)

// Pipeline は画像変換を順に適用し、最後にテンソル化と標準化を行う
type Pipeline struct {
	Steps     []Transform
	Channels  int
	Normalize Normalize
}

// Compose は変換列からPipelineを作成する
//
// 使用例:
//
//	p := preprocessing.Compose(3, preprocessing.ImageNetNormalize(3),
//	    preprocessing.Resize{Width: 224, Height: 224},
//	)
//	tensor, err := p.Apply(img, nil)
func Compose(channels int, norm Normalize, steps ...Transform) *Pipeline {
	return &Pipeline{Steps: steps, Channels: channels, Normalize: norm}
}

// Apply は画像をCHWの標準化済みテンソルに変換する
func (p *Pipeline) Apply(img *image.RGBA, rng *rand.Rand) ([]float64, error) {
	for _, step := range p.Steps {
		img = step.Apply(img, rng)
	}
	tensor, err := ToTensor(img, p.Channels)
	if err != nil {
		return nil, err
	}
	if err := p.Normalize.Apply(tensor, p.Channels); err != nil {
		return nil, err
	}
	return tensor, nil
}

// Randomized は乱数源を使う変換を含むかどうかを返す
func (p *Pipeline) Randomized() bool {
	for _, step := range p.Steps {
		if _, ok := step.(Resize); !ok {
			return true
		}
	}
	return false
}

// ValidationTransforms はリサイズと標準化のみを行うPipelineを返す
func ValidationTransforms(width, height, channels int) *Pipeline {
	return Compose(channels, ImageNetNormalize(channels), Resize{Width: width, Height: height})
}

// TrainingTransforms は学習用のPipelineを返す。augmentがfalseの場合は検証用と同じ
func TrainingTransforms(width, height, channels int, augment bool) *Pipeline {
	if !augment {
		return ValidationTransforms(width, height, channels)
	}
	return Compose(channels, ImageNetNormalize(channels),
		Resize{Width: width, Height: height},
		RandomRotation{Degrees: RotationDegrees},
		RandomHorizontalFlip{P: FlipProbability},
		RandomAffine{Translate: TranslateRatio, Shear: ShearDegrees},
	)
}
