package ground

import (
	"fmt"

	"github.com/aspenlogic/aspen/pkg/aspen/ast"
	"github.com/aspenlogic/aspen/pkg/aspen/internalerr"
)

// AtomSource provides the ground atoms a conjunctive pattern is
// matched against. The grounder matches against the possible-atom
// universe; the projector matches against the true atoms of an answer
// set.
type AtomSource interface {
	// Candidates returns the IDs of all atoms with the given
	// predicate. The result must not be modified.
	Candidates(pred string) []ast.ID

	// Atom resolves an ID to its ground atom.
	Atom(id ast.ID) ast.Atom

	// Holds reports whether the atom with the given ID is present.
	// Used to evaluate negated pattern literals.
	Holds(id ast.ID) bool

	// Lookup finds the ID of a ground atom, if it is known at all.
	Lookup(a ast.Atom) (ast.ID, bool)
}

// bindAtom extends b so that the pattern atom matches the fact atom.
// It returns the variable names newly bound, or ok=false if the atoms
// do not match. On mismatch, b is left unchanged.
func bindAtom(pattern, fact ast.Atom, b ast.Bindings) (added []string, ok bool) {
	if pattern.Pred != fact.Pred || len(pattern.Args) != len(fact.Args) {
		return nil, false
	}
	for i, t := range pattern.Args {
		fv := fact.Args[i].Val
		if !t.IsVar() {
			if !t.Val.Equal(fv) {
				undoBind(b, added)
				return nil, false
			}
			continue
		}
		if bound, exists := b[t.Var]; exists {
			if !bound.Equal(fv) {
				undoBind(b, added)
				return nil, false
			}
			continue
		}
		b[t.Var] = fv
		added = append(added, t.Var)
	}
	return added, true
}

func undoBind(b ast.Bindings, added []string) {
	for _, name := range added {
		delete(b, name)
	}
}

// evalReadyCompares evaluates every comparison whose operands are both
// bound. It returns false as soon as one fails. Comparisons with an
// unbound side are skipped; the caller checks completeness at the end.
func evalReadyCompares(comps []ast.Comparison, b ast.Bindings) (bool, error) {
	for _, c := range comps {
		l, lok := c.Left.Resolve(b)
		r, rok := c.Right.Resolve(b)
		if !lok || !rok {
			continue
		}
		ok, err := c.Op.Eval(l, r)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Match evaluates a conjunctive pattern against src, extending base
// left-to-right through the positive literals, pruning on comparisons
// as soon as both operands are bound, and checking negated literals
// once fully bound. yield is called once per complete binding; a
// non-nil error from yield aborts the walk.
//
// Both the grounder's rule instantiation and the projector's query
// evaluation run through here.
func Match(src AtomSource, lits []ast.Literal, comps []ast.Comparison, base ast.Bindings, yield func(ast.Bindings) error) error {
	var pos, neg []ast.Literal
	for _, l := range lits {
		if l.Negated {
			neg = append(neg, l)
		} else {
			pos = append(pos, l)
		}
	}

	b := base.Clone()

	var walk func(i int) error
	walk = func(i int) error {
		if i == len(pos) {
			// All positives matched: every comparison operand and
			// every negated literal must now be bound.
			for _, c := range comps {
				if _, ok := c.Left.Resolve(b); !ok {
					return fmt.Errorf("comparison %s: operand %s unbound: %w", c, c.Left, internalerr.ErrUnsafeVariable)
				}
				if _, ok := c.Right.Resolve(b); !ok {
					return fmt.Errorf("comparison %s: operand %s unbound: %w", c, c.Right, internalerr.ErrUnsafeVariable)
				}
			}
			for _, l := range neg {
				a := l.Atom.Substitute(b)
				if !a.Ground() {
					return fmt.Errorf("negated literal %s not fully bound: %w", l, internalerr.ErrUnsafeVariable)
				}
				if id, ok := src.Lookup(a); ok && src.Holds(id) {
					return nil // negation fails, prune silently
				}
			}
			return yield(b.Clone())
		}
		pattern := pos[i].Atom
		for _, id := range src.Candidates(pattern.Pred) {
			if !src.Holds(id) {
				continue
			}
			added, ok := bindAtom(pattern, src.Atom(id), b)
			if !ok {
				continue
			}
			keep, err := evalReadyCompares(comps, b)
			if err != nil {
				undoBind(b, added)
				return err
			}
			if keep {
				if err := walk(i + 1); err != nil {
					undoBind(b, added)
					return err
				}
			}
			undoBind(b, added)
		}
		return nil
	}
	return walk(0)
}
