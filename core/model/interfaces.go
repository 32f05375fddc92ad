// Package model provides the parameter snapshot format shared by the training
// pipeline and the prediction service, and its atomic gob persistence.
package model

// StateDicter is implemented by networks whose parameters can be exported to
// and restored from a Snapshot.
type StateDicter interface {
	// StateDict returns a deep copy of every parameter keyed by name.
	StateDict() *Snapshot

	// LoadStateDict replaces every parameter. Missing, unexpected or
	// differently shaped entries are rejected.
	LoadStateDict(s *Snapshot) error
}
