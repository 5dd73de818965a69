package graph

// Mergeable is implemented by pipeline state types. Merge folds a stage's
// delta into the receiver and returns the combined state. Implementations
// overwrite scalar fields that the delta sets and append list fields, so a
// stage only has to populate what it changed.
type Mergeable[S any] interface {
	Merge(delta S) S
}
