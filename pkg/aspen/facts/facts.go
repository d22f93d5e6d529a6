// Package facts supplies the input-fact snapshot the grounder
// consumes. Host data is pulled in as one snapshot before grounding
// begins; no source is read during grounding, solving, or projection.
package facts

import (
	"context"

	"github.com/aspenlogic/aspen/pkg/aspen/ast"
)

// Source is a host-side provider of ground input facts
type Source interface {
	// Snapshot returns all facts currently held by the source, in a
	// deterministic order. Every atom must be ground.
	Snapshot(ctx context.Context) ([]ast.Atom, error)

	Close() error
}
