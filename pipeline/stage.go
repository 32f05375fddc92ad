// Package pipeline runs the training stages in dependency order.
//
// A stage declares the artifacts it consumes and produces as filesystem paths.
// The runner links producers to consumers in a dependency graph, refuses a
// registration order that is not a topological order of that graph, and before
// each stage checks that its inputs exist on disk. Artifact existence is the
// only completion signal: nothing records that a stage succeeded.
package pipeline

import (
	"context"
)

// Stage is one step of the training pipeline.
type Stage interface {
	// Name is the human readable stage name used in logs, e.g. "Training Stage".
	Name() string

	// Inputs lists the artifact paths the stage reads. Each must exist before Run.
	Inputs() []string

	// Outputs lists the artifact paths the stage writes.
	Outputs() []string

	// Run executes the stage. It returns the first error without retrying.
	Run(ctx context.Context) error
}
