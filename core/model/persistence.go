package model

import (
	"encoding/gob"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio"

	"github.com/YuminosukeSato/dustscope/pkg/errors"
)

// SaveModel はモデルをファイルに保存する
//
// 一時ファイルに書き込んでからrenameで置き換えるため、読み込み側が
// 書きかけのファイルを目にすることはない。
//
// パラメータ:
//   - model: 保存する値（gobでエンコード可能なもの）
//   - filename: 保存先のファイルパス
//
// 戻り値:
//   - error: 保存に失敗した場合の*errors.IOError
//
// 使用例:
//
//	snap := net.StateDict()
//	err := model.SaveModel(snap, "artifacts/training/model.gob")
func SaveModel(model interface{}, filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.NewIOError("create directory", dir, err)
	}
	pending, err := renameio.TempFile(dir, filename)
	if err != nil {
		return errors.NewIOError("create", filename, err)
	}
	defer func() { _ = pending.Cleanup() }()

	if err := SaveModelToWriter(model, pending); err != nil {
		return errors.NewIOError("encode", filename, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return errors.NewIOError("write", filename, err)
	}
	return nil
}

// LoadModel はファイルからモデルを読み込む
//
// パラメータ:
//   - model: 読み込み先（ポインタ）
//   - filename: 読み込み元のファイルパス
//
// 戻り値:
//   - error: ファイルが存在しない、またはデコードできない場合の*errors.IOError
func LoadModel(model interface{}, filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return errors.NewIOError("open", filename, err)
	}
	defer file.Close()

	if err := LoadModelFromReader(model, file); err != nil {
		return errors.NewIOError("decode", filename, err)
	}
	return nil
}

// SaveModelToWriter はモデルをio.Writerに保存する
func SaveModelToWriter(model interface{}, w io.Writer) error {
	if err := gob.NewEncoder(w).Encode(model); err != nil {
		return errors.Wrap(err, "failed to encode model")
	}
	return nil
}

// LoadModelFromReader はio.Readerからモデルを読み込む
func LoadModelFromReader(model interface{}, r io.Reader) error {
	if err := gob.NewDecoder(r).Decode(model); err != nil {
		return errors.Wrap(err, "failed to decode model")
	}
	return nil
}

// SaveSnapshot はスナップショットを検証してからアトミックに保存する
func SaveSnapshot(s *Snapshot, filename string) error {
	if err := s.Validate(); err != nil {
		return errors.NewIOError("validate snapshot", filename, err)
	}
	return SaveModel(s, filename)
}

// LoadSnapshot はスナップショットを読み込み、形式を検証する
func LoadSnapshot(filename string) (*Snapshot, error) {
	var s Snapshot
	if err := LoadModel(&s, filename); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, errors.NewIOError("validate snapshot", filename, err)
	}
	if s.Frozen == nil {
		s.Frozen = make(map[string]bool)
	}
	return &s, nil
}

// ReadSnapshot はio.Readerからスナップショットを読み込む（ダウンロードした重みなど）
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	if err := LoadModelFromReader(&s, r); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid snapshot")
	}
	if s.Frozen == nil {
		s.Frozen = make(map[string]bool)
	}
	return &s, nil
}
