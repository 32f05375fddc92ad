// Package dataset reads labeled images from a class-per-directory tree and
// serves them to the network in batches.
package dataset

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/YuminosukeSato/dustscope/pkg/errors"
)

// Extensions lists the image file extensions ImageFolder picks up.
var Extensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// Sample is one labeled image file.
type Sample struct {
	Path  string
	Label int
}

// Folder is a dataset laid out as root/<class>/<image>.
type Folder struct {
	Root    string
	Classes []string
	Samples []Sample
}

// ImageFolder lists the samples under root.
//
// Classes are the sorted names of the immediate subdirectories and labels are
// their indices, so the same tree always yields the same labels. Files are
// collected recursively in lexical order; hidden entries and files without an
// image extension are ignored.
func ImageFolder(root string) (*Folder, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.NewIOError("read dataset", root, err)
	}

	f := &Folder{Root: root}
	for _, e := range entries {
		if e.IsDir() && !hidden(e.Name()) {
			f.Classes = append(f.Classes, e.Name())
		}
	}
	sort.Strings(f.Classes)
	if len(f.Classes) == 0 {
		return nil, errors.NewIOError("read dataset", root, errors.Wrap(errors.ErrEmptyData, "no class directories"))
	}

	for label, class := range f.Classes {
		err := filepath.WalkDir(filepath.Join(root, class), func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if hidden(d.Name()) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.IsDir() && Extensions[strings.ToLower(filepath.Ext(path))] {
				f.Samples = append(f.Samples, Sample{Path: path, Label: label})
			}
			return nil
		})
		if err != nil {
			return nil, errors.NewIOError("read dataset", filepath.Join(root, class), err)
		}
	}
	if len(f.Samples) == 0 {
		return nil, errors.NewIOError("read dataset", root, errors.Wrap(errors.ErrEmptyData, "no images found"))
	}
	return f, nil
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".") || name == "__MACOSX"
}

// Subset returns the samples at the given indices.
func Subset(samples []Sample, indices []int) []Sample {
	out := make([]Sample, len(indices))
	for i, idx := range indices {
		out[i] = samples[idx]
	}
	return out
}

// ClassCounts returns the number of samples per label.
func ClassCounts(samples []Sample, classes int) []int {
	counts := make([]int, classes)
	for _, s := range samples {
		if s.Label >= 0 && s.Label < classes {
			counts[s.Label]++
		}
	}
	return counts
}
