package canonical

import "errors"

// maxResolveDepth bounds canonical-root resolution so a corrupt merged_into
// chain can never cause an unbounded walk.
const maxResolveDepth = 32

// ErrCycleDetected is returned when resolving an Edition's canonical root
// would require walking the same Edition twice.
var ErrCycleDetected = errors.New("canonical: merged_into cycle detected")

// ErrDepthExceeded is returned when a merged_into chain exceeds maxResolveDepth.
var ErrDepthExceeded = errors.New("canonical: merged_into chain too deep")

// EditionLookup resolves an Edition id to its merged_into parent id, or ""
// if the Edition is a root (has no parent). It must return an error only for
// genuine lookup failures (e.g. a DB error), not for "no parent".
type EditionLookup func(editionID string) (mergedInto string, err error)

// ResolveCanonicalRoot walks an Edition's merged_into forest to its root,
// the Edition all of its descendants' citations are recorded against
// (spec.md §3, "forms a forest whose roots are canonical editions").
//
// The forest is modeled as ids, not pointers (Design Notes §9): this keeps
// cycle rejection a pure function of the ids visited, with no risk of the
// cyclic back-reference the source struggled with.
func ResolveCanonicalRoot(editionID string, lookup EditionLookup) (string, error) {
	visited := map[string]bool{editionID: true}
	current := editionID

	for depth := 0; depth < maxResolveDepth; depth++ {
		parent, err := lookup(current)
		if err != nil {
			return "", err
		}

		if parent == "" {
			return current, nil
		}

		if visited[parent] {
			return "", ErrCycleDetected
		}

		visited[parent] = true
		current = parent
	}

	return "", ErrDepthExceeded
}
