// Package ground instantiates variable-bearing rule schemas over
// finite declared domains and input facts, producing the immutable
// ground program the solver searches over. It also hosts the
// conjunctive pattern matcher shared with the projector.
package ground

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/aspenlogic/aspen/pkg/aspen/ast"
	"github.com/aspenlogic/aspen/pkg/aspen/internalerr"
)

// UnsafeVariableError identifies a rule variable with no positive,
// non-arithmetic binding occurrence.
type UnsafeVariableError struct {
	Rule     string
	Variable string
}

func (e *UnsafeVariableError) Error() string {
	return fmt.Sprintf("rule %s: variable %s has no positive domain occurrence", e.Rule, e.Variable)
}

func (e *UnsafeVariableError) Unwrap() error { return internalerr.ErrUnsafeVariable }

// GroundHead is a rule head over interned atom IDs
type GroundHead struct {
	Kind  ast.HeadKind
	Atoms []ast.ID
	Min   int
	Max   int
}

// AggrElem is one instantiation of an aggregate's inner pattern. The
// element contributes Weight to the aggregate value when every Pos
// atom is true and every Neg atom is false.
type AggrElem struct {
	Pos    []ast.ID
	Neg    []ast.ID
	Weight int
}

// GroundAggregate is a fully instantiated aggregate literal
type GroundAggregate struct {
	Fn    ast.AggrFn
	Op    ast.CmpOp
	Bound int
	Elems []AggrElem
}

// GroundRule is one ground instance of a rule schema. Pos and Neg are
// body literals over atom IDs; comparisons have already been evaluated
// and pruned during instantiation.
type GroundRule struct {
	Label string
	Head  GroundHead
	Pos   []ast.ID
	Neg   []ast.ID
	Aggrs []GroundAggregate
}

// Program is the grounder's output: the interned atom universe, the
// ground rule instances, and the axiom facts. It is immutable once
// returned and safely shared across solver instances.
type Program struct {
	Universe *ast.Universe
	Rules    []GroundRule
	Facts    []ast.ID
}

// Options configures a grounding run
type Options struct {
	Logger logrus.FieldLogger
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// allSource matches patterns against the whole universe, which during
// grounding contains exactly the possibly-derivable atoms.
type allSource struct{ u *ast.Universe }

func (s allSource) Candidates(pred string) []ast.ID { return s.u.ByPred(pred) }
func (s allSource) Atom(id ast.ID) ast.Atom         { return s.u.Atom(id) }
func (s allSource) Holds(ast.ID) bool               { return true }
func (s allSource) Lookup(a ast.Atom) (ast.ID, bool) {
	return s.u.Lookup(a)
}

// NewSource adapts a universe and a truth predicate into an
// AtomSource. A nil holds treats every interned atom as present.
func NewSource(u *ast.Universe, holds func(ast.ID) bool) AtomSource {
	if holds == nil {
		return allSource{u}
	}
	return filteredSource{u, holds}
}

type filteredSource struct {
	u     *ast.Universe
	holds func(ast.ID) bool
}

func (s filteredSource) Candidates(pred string) []ast.ID  { return s.u.ByPred(pred) }
func (s filteredSource) Atom(id ast.ID) ast.Atom          { return s.u.Atom(id) }
func (s filteredSource) Holds(id ast.ID) bool             { return s.holds(id) }
func (s filteredSource) Lookup(a ast.Atom) (ast.ID, bool) { return s.u.Lookup(a) }

type rawInstance struct {
	rule int
	b    ast.Bindings
}

type grounder struct {
	prog     *ast.Program
	log      logrus.FieldLogger
	universe *ast.Universe
	isFact   map[ast.ID]bool

	// per-rule instantiation state
	ruleVars  [][]string                 // sorted variable names per rule
	posLits   [][]ast.Literal            // positive, in body order
	seen      []map[string]struct{}      // dedupe keys per rule
	instances []rawInstance
}

// Ground expands the program's rule schemas over the declared domains
// and the input fact snapshot. It fails with an UnsafeVariableError if
// any rule variable lacks a finite domain source; such a rule is
// rejected rather than looped over.
func Ground(prog *ast.Program, facts []ast.Atom, opts Options) (*Program, error) {
	log := opts.Logger
	if log == nil {
		log = discardLogger()
	}

	g := &grounder{
		prog:     prog,
		log:      log,
		universe: ast.NewUniverse(),
		isFact:   make(map[ast.ID]bool),
	}

	if err := g.checkSafety(); err != nil {
		return nil, err
	}
	initial, err := g.internAxioms(facts)
	if err != nil {
		return nil, err
	}
	g.prepareRules()
	if err := g.fixpoint(initial); err != nil {
		return nil, err
	}
	return g.finalize()
}

// ruleLabel names a rule for error reports
func ruleLabel(r ast.Rule, idx int) string {
	if r.Label != "" {
		return r.Label
	}
	return fmt.Sprintf("#%d", idx)
}

// checkSafety enforces the safety invariant: every variable appearing
// anywhere in a rule must be bound by a positive, non-arithmetic body
// literal. Aggregate patterns may additionally bind their own local
// variables through positive pattern literals.
func (g *grounder) checkSafety() error {
	for i, r := range g.prog.Rules {
		label := ruleLabel(r, i)

		bound := map[string]struct{}{}
		for _, l := range r.Body.Literals {
			if !l.Negated {
				l.Atom.CollectVars(bound)
			}
		}

		used := map[string]struct{}{}
		for _, a := range r.Head.Atoms {
			a.CollectVars(used)
		}
		for _, l := range r.Body.Literals {
			if l.Negated {
				l.Atom.CollectVars(used)
			}
		}
		for _, c := range r.Body.Compares {
			if c.Left.IsVar() {
				used[c.Left.Var] = struct{}{}
			}
			if c.Right.IsVar() {
				used[c.Right.Var] = struct{}{}
			}
		}
		for _, v := range sortedVars(used) {
			if _, ok := bound[v]; !ok {
				return &UnsafeVariableError{Rule: label, Variable: v}
			}
		}

		for _, agg := range r.Body.Aggregates {
			local := map[string]struct{}{}
			for k := range bound {
				local[k] = struct{}{}
			}
			aggUsed := map[string]struct{}{}
			for _, l := range agg.Pattern {
				if l.Negated {
					l.Atom.CollectVars(aggUsed)
				} else {
					l.Atom.CollectVars(local)
				}
			}
			if agg.Bound.IsVar() {
				aggUsed[agg.Bound.Var] = struct{}{}
			}
			if agg.Fn == ast.AggrSum && agg.Weight.IsVar() {
				aggUsed[agg.Weight.Var] = struct{}{}
			}
			for _, v := range sortedVars(aggUsed) {
				if _, ok := local[v]; !ok {
					return &UnsafeVariableError{Rule: label, Variable: v}
				}
			}
			// The aggregate bound cannot be bound inside the pattern.
			if agg.Bound.IsVar() {
				if _, ok := bound[agg.Bound.Var]; !ok {
					return &UnsafeVariableError{Rule: label, Variable: agg.Bound.Var}
				}
			}
		}
	}
	return nil
}

func sortedVars(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// internAxioms expands range and enumeration declarations into domain
// facts and interns them together with the input snapshot.
func (g *grounder) internAxioms(facts []ast.Atom) ([]ast.ID, error) {
	var initial []ast.ID
	add := func(a ast.Atom) error {
		if !a.Ground() {
			return fmt.Errorf("input fact %s is not ground: %w", a, internalerr.ErrInvalidSpec)
		}
		if _, ok := g.universe.Lookup(a); ok {
			return nil
		}
		id := g.universe.Intern(a)
		g.isFact[id] = true
		initial = append(initial, id)
		return nil
	}

	for _, r := range g.prog.Ranges {
		if r.Lo > r.Hi {
			return nil, fmt.Errorf("range %s: empty interval [%d,%d]: %w", r.Pred, r.Lo, r.Hi, internalerr.ErrInvalidSpec)
		}
		for v := r.Lo; v <= r.Hi; v++ {
			if err := add(ast.Fact(r.Pred, ast.Int(v))); err != nil {
				return nil, err
			}
		}
	}
	for _, e := range g.prog.Enums {
		for _, v := range e.Values {
			if err := add(ast.Fact(e.Pred, v)); err != nil {
				return nil, err
			}
		}
	}
	for _, f := range facts {
		if err := add(f); err != nil {
			return nil, err
		}
	}
	g.log.WithField("axioms", len(initial)).Debug("grounder: interned axiom facts")
	return initial, nil
}

func (g *grounder) prepareRules() {
	n := len(g.prog.Rules)
	g.ruleVars = make([][]string, n)
	g.posLits = make([][]ast.Literal, n)
	g.seen = make([]map[string]struct{}, n)
	for i, r := range g.prog.Rules {
		vars := map[string]struct{}{}
		for _, a := range r.Head.Atoms {
			a.CollectVars(vars)
		}
		for _, l := range r.Body.Literals {
			l.Atom.CollectVars(vars)
		}
		g.ruleVars[i] = sortedVars(vars)
		for _, l := range r.Body.Literals {
			if !l.Negated {
				g.posLits[i] = append(g.posLits[i], l)
			}
		}
		g.seen[i] = make(map[string]struct{})
	}
}

func (g *grounder) bindingKey(rule int, b ast.Bindings) string {
	var sb strings.Builder
	for _, v := range g.ruleVars[rule] {
		sb.WriteString(b[v].String())
		sb.WriteByte('|')
	}
	return sb.String()
}

// fixpoint runs semi-naive evaluation: each round joins every rule's
// positive body against the universe, requiring at least one literal
// to match an atom derived in the previous round. New head atoms feed
// the next round's delta. Negative and aggregate literals never extend
// bindings here; they are handled in finalize against the completed
// universe.
func (g *grounder) fixpoint(initial []ast.ID) error {
	src := allSource{g.universe}

	// Rules without positive body literals ground exactly once; their
	// head atoms seed the first delta alongside the axioms.
	for ri := range g.prog.Rules {
		if len(g.posLits[ri]) == 0 {
			err := g.record(ri, ast.Bindings{}, func(id ast.ID) {
				initial = append(initial, id)
			})
			if err != nil {
				return err
			}
		}
	}

	inDelta := make(map[ast.ID]bool, len(initial))
	for _, id := range initial {
		inDelta[id] = true
	}
	delta := initial

	round := 0
	for len(delta) > 0 {
		round++
		var next []ast.ID
		emit := func(id ast.ID) {
			next = append(next, id)
		}
		for ri := range g.prog.Rules {
			pos := g.posLits[ri]
			if len(pos) == 0 {
				continue
			}
			comps := g.prog.Rules[ri].Body.Compares
			for k := range pos {
				err := g.join(src, ri, pos, comps, k, inDelta, emit)
				if err != nil {
					return err
				}
			}
		}
		g.log.WithFields(logrus.Fields{
			"round": round,
			"delta": len(delta),
			"new":   len(next),
		}).Debug("grounder: fixpoint round")
		inDelta = make(map[ast.ID]bool, len(next))
		for _, id := range next {
			inDelta[id] = true
		}
		delta = next
	}
	return nil
}

// join instantiates one rule's positive body left-to-right, with the
// literal at position pivot restricted to the previous round's delta.
func (g *grounder) join(src allSource, rule int, pos []ast.Literal, comps []ast.Comparison, pivot int, inDelta map[ast.ID]bool, emit func(ast.ID)) error {
	b := ast.Bindings{}
	var walk func(i int) error
	walk = func(i int) error {
		if i == len(pos) {
			return g.record(rule, b, emit)
		}
		pattern := pos[i].Atom
		for _, id := range src.Candidates(pattern.Pred) {
			if i == pivot && !inDelta[id] {
				continue
			}
			added, ok := bindAtom(pattern, src.Atom(id), b)
			if !ok {
				continue
			}
			keep, err := evalReadyCompares(comps, b)
			if err == nil && keep {
				err = walk(i + 1)
			}
			undoBind(b, added)
			if err != nil {
				return err
			}
		}
		return nil
	}
	return walk(0)
}

// record registers one complete rule instance, interning any newly
// derivable head atoms.
func (g *grounder) record(rule int, b ast.Bindings, emit func(ast.ID)) error {
	key := g.bindingKey(rule, b)
	if _, dup := g.seen[rule][key]; dup {
		return nil
	}
	g.seen[rule][key] = struct{}{}
	g.instances = append(g.instances, rawInstance{rule: rule, b: b.Clone()})

	for _, h := range g.prog.Rules[rule].Head.Atoms {
		a := h.Substitute(b)
		if _, ok := g.universe.Lookup(a); !ok {
			id := g.universe.Intern(a)
			if emit != nil {
				emit(id)
			}
		}
	}
	return nil
}

// finalize turns raw instances into ground rules, evaluating deferred
// negative and aggregate literals against the completed universe: a
// negated atom that was never derivable is trivially satisfied and
// dropped, and a body literal matching an axiom fact simplifies away.
func (g *grounder) finalize() (*Program, error) {
	out := &Program{Universe: g.universe}
	for id, ok := range g.isFact {
		if ok {
			out.Facts = append(out.Facts, id)
		}
	}
	sort.Slice(out.Facts, func(i, j int) bool { return out.Facts[i] < out.Facts[j] })

	src := allSource{g.universe}
	for _, inst := range g.instances {
		r := g.prog.Rules[inst.rule]
		label := ruleLabel(r, inst.rule)
		gr := GroundRule{Label: label}

		drop := false
		for _, l := range r.Body.Literals {
			a := l.Atom.Substitute(inst.b)
			id, known := g.universe.Lookup(a)
			if l.Negated {
				if !known {
					continue // never derivable, trivially satisfied
				}
				if g.isFact[id] {
					drop = true // negating an axiom: body can never hold
					break
				}
				gr.Neg = append(gr.Neg, id)
			} else {
				if g.isFact[id] {
					continue // axiom, always true
				}
				gr.Pos = append(gr.Pos, id)
			}
		}
		if drop {
			continue
		}

		for _, agg := range r.Body.Aggregates {
			ga, err := g.groundAggregate(src, agg, inst.b, label)
			if err != nil {
				return nil, err
			}
			gr.Aggrs = append(gr.Aggrs, ga)
		}

		head := r.Head
		gr.Head = GroundHead{Kind: head.Kind, Min: head.Min, Max: head.Max}
		for _, h := range head.Atoms {
			a := h.Substitute(inst.b)
			id, ok := g.universe.Lookup(a)
			if !ok {
				return nil, fmt.Errorf("internal: head atom %s not interned", a)
			}
			gr.Head.Atoms = append(gr.Head.Atoms, id)
		}
		out.Rules = append(out.Rules, gr)
	}

	g.log.WithFields(logrus.Fields{
		"atoms": g.universe.Len(),
		"rules": len(out.Rules),
		"facts": len(out.Facts),
	}).Debug("grounder: done")
	return out, nil
}

// groundAggregate expands an aggregate's inner pattern against the
// completed universe under the outer binding. Distinct local binding
// tuples become distinct elements.
func (g *grounder) groundAggregate(src allSource, agg ast.Aggregate, outer ast.Bindings, label string) (GroundAggregate, error) {
	bound, ok := agg.Bound.Resolve(outer)
	if !ok {
		return GroundAggregate{}, &UnsafeVariableError{Rule: label, Variable: agg.Bound.Var}
	}
	if bound.Kind != ast.IntValue {
		return GroundAggregate{}, fmt.Errorf("rule %s: aggregate bound %s is not an integer: %w", label, bound, internalerr.ErrTypeMismatch)
	}
	ga := GroundAggregate{Fn: agg.Fn, Op: agg.Op, Bound: bound.Int}

	localVars := map[string]struct{}{}
	for _, l := range agg.Pattern {
		l.Atom.CollectVars(localVars)
	}
	elemVars := sortedVars(localVars)
	seen := map[string]struct{}{}

	// Only the positive pattern literals extend bindings; negated ones
	// become element conditions below, not match-time filters.
	var posPattern []ast.Literal
	for _, l := range agg.Pattern {
		if !l.Negated {
			posPattern = append(posPattern, l)
		}
	}

	err := Match(src, posPattern, nil, outer, func(b ast.Bindings) error {
		var sb strings.Builder
		for _, v := range elemVars {
			sb.WriteString(b[v].String())
			sb.WriteByte('|')
		}
		if _, dup := seen[sb.String()]; dup {
			return nil
		}
		seen[sb.String()] = struct{}{}

		elem := AggrElem{Weight: 1}
		if agg.Fn == ast.AggrSum {
			w, ok := agg.Weight.Resolve(b)
			if !ok {
				return &UnsafeVariableError{Rule: label, Variable: agg.Weight.Var}
			}
			if w.Kind != ast.IntValue {
				return fmt.Errorf("rule %s: aggregate weight %s is not an integer: %w", label, w, internalerr.ErrTypeMismatch)
			}
			elem.Weight = w.Int
		}
		condTrue := true
		for _, l := range agg.Pattern {
			a := l.Atom.Substitute(b)
			id, known := g.universe.Lookup(a)
			if l.Negated {
				if !known {
					continue
				}
				if g.isFact[id] {
					condTrue = false
					break
				}
				elem.Neg = append(elem.Neg, id)
			} else {
				if g.isFact[id] {
					continue
				}
				elem.Pos = append(elem.Pos, id)
			}
		}
		if condTrue {
			ga.Elems = append(ga.Elems, elem)
		}
		return nil
	})
	if err != nil {
		return GroundAggregate{}, err
	}
	return ga, nil
}
