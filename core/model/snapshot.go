package model

import (
	"fmt"
	"sort"
)

// SnapshotVersion はスナップショット形式のバージョン（互換性チェック用）
const SnapshotVersion = "1"

// Tensor は1つのパラメータを行優先の平坦な配列として保持する
type Tensor struct {
	// Shape は各次元の大きさ（例: 全結合層の重みなら [out, in]）
	Shape []int `json:"shape"`

	// Data は行優先で並べた値。長さはShapeの積と一致する
	Data []float64 `json:"data"`
}

// NewTensor はshapeに合わせたゼロ初期化のTensorを作成する
func NewTensor(shape ...int) Tensor {
	return Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, numel(shape))}
}

// Numel は要素数を返す
func (t Tensor) Numel() int {
	return numel(t.Shape)
}

// SameShape はshapeが一致するかを返す
func (t Tensor) SameShape(o Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Snapshot はモデルのパラメータ辞書（レイヤー名をキーとする）を表す構造体（シリアライゼーション用）
//
// キーは "<layer>.weight" / "<layer>.bias" の形式で、Frozenはレイヤー名単位で
// 勾配更新の対象外かどうかを記録する。
type Snapshot struct {
	// Version はスナップショット形式のバージョン
	Version string `json:"version"`

	// Arch はアーキテクチャの識別子
	Arch string `json:"arch"`

	// Classes は出力クラス数（fc層の出力数）
	Classes int `json:"classes"`

	// Params はパラメータ名からテンソルへの辞書
	Params map[string]Tensor `json:"params"`

	// Frozen は凍結されたレイヤー名の集合
	Frozen map[string]bool `json:"frozen,omitempty"`
}

// NewSnapshot は空のSnapshotを作成する
func NewSnapshot(arch string, classes int) *Snapshot {
	return &Snapshot{
		Version: SnapshotVersion,
		Arch:    arch,
		Classes: classes,
		Params:  make(map[string]Tensor),
		Frozen:  make(map[string]bool),
	}
}

// Keys はパラメータ名をソートして返す
func (s *Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.Params))
	for k := range s.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate はSnapshotの妥当性を検証
func (s *Snapshot) Validate() error {
	if s.Arch == "" {
		return fmt.Errorf("arch is required")
	}
	if s.Version == "" {
		return fmt.Errorf("version is required")
	}
	if s.Classes < 1 {
		return fmt.Errorf("classes must be at least 1, got %d", s.Classes)
	}
	if len(s.Params) == 0 {
		return fmt.Errorf("snapshot has no parameters")
	}
	for _, k := range s.Keys() {
		t := s.Params[k]
		if t.Numel() != len(t.Data) {
			return fmt.Errorf("parameter %q has shape %v but %d values", k, t.Shape, len(t.Data))
		}
	}
	return nil
}

// Clone はSnapshotのディープコピーを作成
func (s *Snapshot) Clone() *Snapshot {
	clone := &Snapshot{
		Version: s.Version,
		Arch:    s.Arch,
		Classes: s.Classes,
		Params:  make(map[string]Tensor, len(s.Params)),
		Frozen:  make(map[string]bool, len(s.Frozen)),
	}
	for k, t := range s.Params {
		clone.Params[k] = Tensor{
			Shape: append([]int(nil), t.Shape...),
			Data:  append([]float64(nil), t.Data...),
		}
	}
	for k, v := range s.Frozen {
		clone.Frozen[k] = v
	}
	return clone
}
