// Package solve searches for an answer set of a ground program: a
// truth assignment over the atom universe that satisfies every rule,
// violates no integrity constraint, and is stable (every true atom has
// a non-circular derivation). The search is an explicit-trail
// backtracking loop, never call-stack recursion, so budget and
// cancellation checks have a bounded polling point between propagation
// rounds.
package solve

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/aspenlogic/aspen/pkg/aspen/ast"
	"github.com/aspenlogic/aspen/pkg/aspen/ground"
	"github.com/aspenlogic/aspen/pkg/aspen/internalerr"
)

type truth int8

const (
	tUndef truth = iota
	tTrue
	tFalse
)

// Options configures a solver instance
type Options struct {
	Logger logrus.FieldLogger

	// MaxSteps bounds the number of search iterations (propagation
	// round plus decision). Zero means unbounded.
	MaxSteps int64

	// OrderSeed rotates the deterministic branch order. Seed zero is
	// the canonical order (predicate name, then argument tuple);
	// portfolio workers differ only in this seed.
	OrderSeed int
}

// Stats reports search effort
type Stats struct {
	Steps        int64
	Decisions    int64
	Conflicts    int64
	Propagations int64
}

// Model is one answer set: the set of atoms assigned true
type Model struct {
	True []ast.ID
	set  map[ast.ID]bool
}

func newModel(ids []ast.ID) *Model {
	m := &Model{True: ids, set: make(map[ast.ID]bool, len(ids))}
	for _, id := range ids {
		m.set[id] = true
	}
	return m
}

// Contains reports whether the atom is true in the model
func (m *Model) Contains(id ast.ID) bool { return m.set[id] }

// Atoms resolves the model's true atoms against the universe, in the
// deterministic atom order.
func (m *Model) Atoms(u *ast.Universe) []ast.Atom {
	out := make([]ast.Atom, len(m.True))
	for i, id := range m.True {
		out[i] = u.Atom(id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

type levelKind uint8

const (
	levelChoice levelKind = iota
	levelDisjunction
)

// level is one open decision on the search stack
type level struct {
	kind       levelKind
	trailStart int

	// levelChoice: the branched atom; the opposite branch still
	// untried. Choice decisions start true, negation decisions start
	// false.
	atom       ast.ID
	firstVal   truth
	flipped    bool

	// levelDisjunction: undetermined disjuncts at decision time, in
	// canonical order; next is the branch to try on re-entry
	disjuncts []ast.ID
	next      int
}

// Solver owns the private assignment and trail state for one search
// over a shared, read-only ground program.
type Solver struct {
	prog *ground.Program
	log  logrus.FieldLogger
	opts Options

	val        []truth
	trail      []ast.ID
	processed  int // trail prefix already propagated
	levels     []level
	occurs     [][]int32 // atom -> rules mentioning it anywhere
	headOccurs [][]int32 // atom -> rules with it in the head
	isFact     []bool

	stats     Stats
	started   bool
	primed    bool
	exhausted bool
}

// New creates a solver over a ground program. The program is shared
// read-only; all mutable state is private to this solver.
func New(p *ground.Program, opts Options) *Solver {
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	n := p.Universe.Len()
	s := &Solver{
		prog:       p,
		log:        opts.Logger,
		opts:       opts,
		val:        make([]truth, n),
		occurs:     make([][]int32, n),
		headOccurs: make([][]int32, n),
		isFact:     make([]bool, n),
	}
	seen := make(map[ast.ID]int32, 8)
	for ri, r := range p.Rules {
		for k := range seen {
			delete(seen, k)
		}
		mention := func(id ast.ID) {
			if seen[id] == int32(ri)+1 {
				return
			}
			seen[id] = int32(ri) + 1
			s.occurs[id] = append(s.occurs[id], int32(ri))
		}
		for _, id := range r.Pos {
			mention(id)
		}
		for _, id := range r.Neg {
			mention(id)
		}
		for _, g := range r.Aggrs {
			for _, e := range g.Elems {
				for _, id := range e.Pos {
					mention(id)
				}
				for _, id := range e.Neg {
					mention(id)
				}
			}
		}
		for _, id := range r.Head.Atoms {
			mention(id)
			s.headOccurs[id] = append(s.headOccurs[id], int32(ri))
		}
	}
	for _, id := range p.Facts {
		s.isFact[id] = true
	}
	return s
}

// Stats returns cumulative search statistics
func (s *Solver) Stats() Stats { return s.stats }

// Solve finds the first answer set in the deterministic search order,
// or reports internalerr.ErrInconsistent when the search tree is
// exhausted without one.
func (s *Solver) Solve(ctx context.Context) (*Model, error) {
	return s.Next(ctx)
}

// Next resumes the search after the previously returned model and
// produces the next answer set on demand. The first call behaves like
// Solve.
func (s *Solver) Next(ctx context.Context) (*Model, error) {
	if s.exhausted {
		return nil, internalerr.ErrInconsistent
	}
	if !s.started {
		s.started = true
		if !s.initAssign() {
			s.exhausted = true
			return nil, internalerr.ErrInconsistent
		}
	} else {
		// Enumeration: the previous model counts as a conflict so the
		// most recent decision flips.
		if !s.backtrack() {
			s.exhausted = true
			return nil, internalerr.ErrInconsistent
		}
	}
	m, err := s.search(ctx)
	if err != nil {
		if err == internalerr.ErrInconsistent {
			s.exhausted = true
		}
		return nil, err
	}
	return m, nil
}

// initAssign seeds the trail: axiom facts are true, atoms that appear
// in no rule head and are not facts can never hold.
func (s *Solver) initAssign() bool {
	for _, id := range s.prog.Facts {
		if !s.set(id, tTrue) {
			return false
		}
	}
	for id := 0; id < len(s.val); id++ {
		if s.isFact[id] || len(s.headOccurs[id]) > 0 {
			continue
		}
		if !s.set(ast.ID(id), tFalse) {
			return false
		}
	}
	return true
}

// search runs the main loop: propagate to fixpoint, then branch or
// complete-and-verify. Cancellation and the step budget are polled
// here between propagation rounds, never mid-propagation.
func (s *Solver) search(ctx context.Context) (*Model, error) {
	for {
		s.stats.Steps++
		if s.opts.MaxSteps > 0 && s.stats.Steps > s.opts.MaxSteps {
			return nil, fmt.Errorf("after %d steps: %w", s.stats.Steps-1, internalerr.ErrBudgetExceeded)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !s.propagate() {
			s.stats.Conflicts++
			if !s.backtrack() {
				return nil, internalerr.ErrInconsistent
			}
			continue
		}

		if s.branchDisjunction() {
			continue
		}
		if s.branchChoice() {
			continue
		}
		if s.branchNegation() {
			continue
		}

		// No decision left can still flip the assignment: the
		// remaining undetermined atoms are unsupported derived atoms,
		// so they default to false; then the whole assignment is
		// verified for stability.
		if !s.complete() || !s.propagate() || !s.verify() {
			s.stats.Conflicts++
			if !s.backtrack() {
				return nil, internalerr.ErrInconsistent
			}
			continue
		}

		var ids []ast.ID
		for id := range s.val {
			if s.val[id] == tTrue {
				ids = append(ids, ast.ID(id))
			}
		}
		s.log.WithFields(logrus.Fields{
			"true":      len(ids),
			"decisions": s.stats.Decisions,
			"conflicts": s.stats.Conflicts,
		}).Debug("solver: answer set accepted")
		return newModel(ids), nil
	}
}

// set assigns a truth value, pushing the trail. It reports false on
// conflict with an existing assignment.
func (s *Solver) set(id ast.ID, v truth) bool {
	switch s.val[id] {
	case v:
		return true
	case tUndef:
		s.val[id] = v
		s.trail = append(s.trail, id)
		return true
	default:
		return false
	}
}

// propagate processes trail entries until fixpoint, deriving forced
// assignments from every rule the assigned atoms occur in. Reports
// false on conflict. The first call additionally applies every rule
// once: a body that simplified away entirely during grounding fires
// without any assignment event.
func (s *Solver) propagate() bool {
	if !s.primed {
		s.primed = true
		for ri := range s.prog.Rules {
			if !s.applyRule(ri) {
				return false
			}
		}
	}
	for s.processed < len(s.trail) {
		id := s.trail[s.processed]
		s.processed++
		s.stats.Propagations++
		for _, ri := range s.occurs[id] {
			if !s.applyRule(int(ri)) {
				return false
			}
		}
	}
	return true
}

type bodyStatus uint8

const (
	bodyUndet bodyStatus = iota
	bodySat
	bodyFalse
)

// bodyEval evaluates a rule body under the current assignment. When
// the body is undetermined it also reports the number of undetermined
// elementary literals and the last such literal (for unit forcing);
// undetermined aggregates make the body non-unit.
type bodyEval struct {
	status    bodyStatus
	undetLits int
	unitAtom  ast.ID
	unitNeg   bool // the undetermined literal is a negated one
	aggrUndet bool
}

func (s *Solver) evalBody(r *ground.GroundRule) bodyEval {
	ev := bodyEval{}
	for _, id := range r.Pos {
		switch s.val[id] {
		case tFalse:
			return bodyEval{status: bodyFalse}
		case tUndef:
			ev.undetLits++
			ev.unitAtom = id
			ev.unitNeg = false
		}
	}
	for _, id := range r.Neg {
		switch s.val[id] {
		case tTrue:
			return bodyEval{status: bodyFalse}
		case tUndef:
			ev.undetLits++
			ev.unitAtom = id
			ev.unitNeg = true
		}
	}
	for i := range r.Aggrs {
		switch s.evalAggregate(&r.Aggrs[i]) {
		case bodyFalse:
			return bodyEval{status: bodyFalse}
		case bodyUndet:
			ev.aggrUndet = true
		}
	}
	if ev.undetLits == 0 && !ev.aggrUndet {
		ev.status = bodySat
	}
	return ev
}

// evalAggregate decides an aggregate literal from the interval of
// values its undetermined elements still allow.
func (s *Solver) evalAggregate(g *ground.GroundAggregate) bodyStatus {
	lo, hi := 0, 0
	for _, e := range g.Elems {
		switch s.elemStatus(e) {
		case bodySat:
			lo += e.Weight
			hi += e.Weight
		case bodyUndet:
			if e.Weight < 0 {
				lo += e.Weight
			} else {
				hi += e.Weight
			}
		}
	}
	n := g.Bound
	var sat, falsified bool
	switch g.Op {
	case ast.CmpEq:
		sat = lo == hi && lo == n
		falsified = n < lo || n > hi
	case ast.CmpNeq:
		sat = n < lo || n > hi
		falsified = lo == hi && lo == n
	case ast.CmpLt:
		sat = hi < n
		falsified = lo >= n
	case ast.CmpLeq:
		sat = hi <= n
		falsified = lo > n
	case ast.CmpGt:
		sat = lo > n
		falsified = hi <= n
	case ast.CmpGeq:
		sat = lo >= n
		falsified = hi < n
	}
	switch {
	case sat:
		return bodySat
	case falsified:
		return bodyFalse
	}
	return bodyUndet
}

func (s *Solver) elemStatus(e ground.AggrElem) bodyStatus {
	undet := false
	for _, id := range e.Pos {
		switch s.val[id] {
		case tFalse:
			return bodyFalse
		case tUndef:
			undet = true
		}
	}
	for _, id := range e.Neg {
		switch s.val[id] {
		case tTrue:
			return bodyFalse
		case tUndef:
			undet = true
		}
	}
	if undet {
		return bodyUndet
	}
	return bodySat
}

// applyRule derives everything the rule forces under the current
// assignment. Reports false on conflict.
func (s *Solver) applyRule(ri int) bool {
	r := &s.prog.Rules[ri]
	ev := s.evalBody(r)

	if ev.status == bodyFalse {
		// The rule can no longer support its head atoms; an atom with
		// no remaining possible support must be false.
		for _, h := range r.Head.Atoms {
			if !s.checkSupport(h) {
				return false
			}
		}
		return true
	}

	if ev.status == bodySat {
		switch r.Head.Kind {
		case ast.ConstraintHead:
			return false
		case ast.NormalHead:
			if !s.set(r.Head.Atoms[0], tTrue) {
				return false
			}
		case ast.DisjunctiveHead:
			if !s.forceDisjunction(r) {
				return false
			}
		case ast.ChoiceHead:
			if !s.enforceCardinality(r) {
				return false
			}
		}
		return true
	}

	// Body undetermined: if the head can no longer be satisfied the
	// body must not become true, so a single remaining undetermined
	// literal is forced the falsifying way.
	if s.headUnsat(r) && ev.undetLits == 1 && !ev.aggrUndet {
		want := tFalse
		if ev.unitNeg {
			want = tTrue
		}
		if !s.set(ev.unitAtom, want) {
			return false
		}
	}
	return true
}

// headUnsat reports whether the head has no way left to be satisfied
func (s *Solver) headUnsat(r *ground.GroundRule) bool {
	switch r.Head.Kind {
	case ast.ConstraintHead:
		return true
	case ast.NormalHead:
		return s.val[r.Head.Atoms[0]] == tFalse
	case ast.DisjunctiveHead:
		for _, h := range r.Head.Atoms {
			if s.val[h] != tFalse {
				return false
			}
		}
		return true
	}
	return false
}

// forceDisjunction handles a satisfied-body disjunctive rule: all
// disjuncts false is a conflict, a single undetermined disjunct with
// the rest false is forced true. Wider disjunctions become branch
// points later.
func (s *Solver) forceDisjunction(r *ground.GroundRule) bool {
	var undet []ast.ID
	for _, h := range r.Head.Atoms {
		switch s.val[h] {
		case tTrue:
			return true
		case tUndef:
			undet = append(undet, h)
		}
	}
	switch len(undet) {
	case 0:
		return false
	case 1:
		return s.set(undet[0], tTrue)
	}
	return true
}

// enforceCardinality propagates a choice head's bounds once its body
// is satisfied.
func (s *Solver) enforceCardinality(r *ground.GroundRule) bool {
	t, u := 0, 0
	for _, h := range r.Head.Atoms {
		switch s.val[h] {
		case tTrue:
			t++
		case tUndef:
			u++
		}
	}
	if max := r.Head.Max; max != ast.NoBound {
		if t > max {
			return false
		}
		if t == max && u > 0 {
			for _, h := range r.Head.Atoms {
				if s.val[h] == tUndef && !s.set(h, tFalse) {
					return false
				}
			}
		}
	}
	if min := r.Head.Min; min != ast.NoBound {
		if t+u < min {
			return false
		}
		if t+u == min && u > 0 {
			for _, h := range r.Head.Atoms {
				if s.val[h] == tUndef && !s.set(h, tTrue) {
					return false
				}
			}
		}
	}
	return true
}

// checkSupport falsifies an atom whose every potentially supporting
// rule has a falsified body. A true atom losing its last support is a
// conflict.
func (s *Solver) checkSupport(id ast.ID) bool {
	if s.isFact[id] || s.val[id] == tFalse {
		return true
	}
	for _, ri := range s.headOccurs[id] {
		if s.evalBody(&s.prog.Rules[ri]).status != bodyFalse {
			return true
		}
	}
	return s.set(id, tFalse)
}

// branchDisjunction opens a decision point for the first satisfied
// disjunctive rule with no true disjunct, in rule order. Branch i
// makes disjunct i true and all earlier disjuncts false, biasing the
// search toward minimal choices.
func (s *Solver) branchDisjunction() bool {
	for ri := range s.prog.Rules {
		r := &s.prog.Rules[ri]
		if r.Head.Kind != ast.DisjunctiveHead {
			continue
		}
		if s.evalBody(r).status != bodySat {
			continue
		}
		var undet []ast.ID
		anyTrue := false
		for _, h := range r.Head.Atoms {
			switch s.val[h] {
			case tTrue:
				anyTrue = true
			case tUndef:
				undet = append(undet, h)
			}
		}
		if anyTrue || len(undet) < 2 {
			continue
		}
		sort.Slice(undet, func(i, j int) bool {
			return s.prog.Universe.Atom(undet[i]).Compare(s.prog.Universe.Atom(undet[j])) < 0
		})
		s.stats.Decisions++
		lv := level{
			kind:       levelDisjunction,
			trailStart: len(s.trail),
			disjuncts:  undet,
			next:       1,
		}
		s.levels = append(s.levels, lv)
		s.set(undet[0], tTrue)
		return true
	}
	return false
}

// branchChoice picks the next undetermined choice atom in the
// deterministic order (predicate name, then argument tuple, rotated by
// the order seed) and branches true-first.
func (s *Solver) branchChoice() bool {
	var candidates []ast.ID
	for id := range s.val {
		if s.val[id] != tUndef {
			continue
		}
		if s.choiceEligible(ast.ID(id)) {
			candidates = append(candidates, ast.ID(id))
		}
	}
	if len(candidates) == 0 {
		return false
	}
	sort.Slice(candidates, func(i, j int) bool {
		return s.prog.Universe.Atom(candidates[i]).Compare(s.prog.Universe.Atom(candidates[j])) < 0
	})
	pick := candidates[s.opts.OrderSeed%len(candidates)]

	s.stats.Decisions++
	s.levels = append(s.levels, level{
		kind:       levelChoice,
		trailStart: len(s.trail),
		atom:       pick,
		firstVal:   tTrue,
	})
	s.set(pick, tTrue)
	return true
}

// branchNegation branches on the next undetermined atom that occurs in
// a negative literal of a rule whose body is still undetermined. Atoms
// inside negation loops have no choice rule to decide them, yet both
// truth values can yield a stable assignment, so they must not be bulk
// defaulted. The false branch goes first: an atom without forced
// support usually stays out of the model.
func (s *Solver) branchNegation() bool {
	var candidates []ast.ID
	seen := make(map[ast.ID]bool)
	consider := func(id ast.ID) {
		if s.val[id] == tUndef && !seen[id] {
			seen[id] = true
			candidates = append(candidates, id)
		}
	}
	for ri := range s.prog.Rules {
		r := &s.prog.Rules[ri]
		if s.evalBody(r).status != bodyUndet {
			continue
		}
		for _, id := range r.Neg {
			consider(id)
		}
		for _, g := range r.Aggrs {
			for _, e := range g.Elems {
				for _, id := range e.Neg {
					consider(id)
				}
			}
		}
	}
	if len(candidates) == 0 {
		return false
	}
	sort.Slice(candidates, func(i, j int) bool {
		return s.prog.Universe.Atom(candidates[i]).Compare(s.prog.Universe.Atom(candidates[j])) < 0
	})
	pick := candidates[s.opts.OrderSeed%len(candidates)]

	s.stats.Decisions++
	s.levels = append(s.levels, level{
		kind:       levelChoice,
		trailStart: len(s.trail),
		atom:       pick,
		firstVal:   tFalse,
	})
	s.set(pick, tFalse)
	return true
}

// choiceEligible reports whether the atom belongs to a choice head
// whose body is still possibly satisfied.
func (s *Solver) choiceEligible(id ast.ID) bool {
	for _, ri := range s.headOccurs[id] {
		r := &s.prog.Rules[ri]
		if r.Head.Kind != ast.ChoiceHead {
			continue
		}
		if s.evalBody(r).status != bodyFalse {
			return true
		}
	}
	return false
}

// complete assigns false to every remaining undetermined atom; with no
// open decision alternatives they are unsupported derived atoms.
func (s *Solver) complete() bool {
	for id := range s.val {
		if s.val[id] == tUndef {
			if !s.set(ast.ID(id), tFalse) {
				return false
			}
		}
	}
	return true
}

// backtrack rewinds the trail to the most recent decision with an
// untried alternative and takes it. Reports false when the search tree
// is exhausted.
func (s *Solver) backtrack() bool {
	for len(s.levels) > 0 {
		lv := &s.levels[len(s.levels)-1]
		for len(s.trail) > lv.trailStart {
			id := s.trail[len(s.trail)-1]
			s.trail = s.trail[:len(s.trail)-1]
			s.val[id] = tUndef
		}
		s.processed = lv.trailStart

		switch lv.kind {
		case levelChoice:
			if !lv.flipped {
				lv.flipped = true
				other := tFalse
				if lv.firstVal == tFalse {
					other = tTrue
				}
				s.set(lv.atom, other)
				return true
			}
		case levelDisjunction:
			if lv.next < len(lv.disjuncts) {
				i := lv.next
				lv.next++
				for j := 0; j < i; j++ {
					s.set(lv.disjuncts[j], tFalse)
				}
				s.set(lv.disjuncts[i], tTrue)
				return true
			}
		}
		s.levels = s.levels[:len(s.levels)-1]
	}
	return false
}

// verify checks the global stable-model conditions on a complete
// assignment: every rule with a satisfied body has a satisfied head,
// and every true atom has a non-circular derivation (well-founded
// recomputation from the axioms). Disjunctive support requires the
// supported disjunct to be the only true one, which enforces
// minimality of the true disjunct set.
func (s *Solver) verify() bool {
	for ri := range s.prog.Rules {
		r := &s.prog.Rules[ri]
		if s.evalBody(r).status != bodySat {
			continue
		}
		switch r.Head.Kind {
		case ast.ConstraintHead:
			return false
		case ast.NormalHead:
			if s.val[r.Head.Atoms[0]] != tTrue {
				return false
			}
		case ast.DisjunctiveHead:
			anyTrue := false
			for _, h := range r.Head.Atoms {
				if s.val[h] == tTrue {
					anyTrue = true
				}
			}
			if !anyTrue {
				return false
			}
		case ast.ChoiceHead:
			t := 0
			for _, h := range r.Head.Atoms {
				if s.val[h] == tTrue {
					t++
				}
			}
			if r.Head.Min != ast.NoBound && t < r.Head.Min {
				return false
			}
			if r.Head.Max != ast.NoBound && t > r.Head.Max {
				return false
			}
		}
	}
	return s.wellFounded()
}

// wellFounded recomputes which true atoms are derivable from the
// axioms through rules whose negative and aggregate conditions hold in
// the final assignment, with positive conditions restricted to atoms
// already derived. True atoms outside the closure are circularly
// justified and reject the candidate model.
func (s *Solver) wellFounded() bool {
	derived := make([]bool, len(s.val))
	for _, id := range s.prog.Facts {
		derived[id] = true
	}
	for changed := true; changed; {
		changed = false
		for ri := range s.prog.Rules {
			r := &s.prog.Rules[ri]
			if len(r.Head.Atoms) == 0 {
				continue
			}
			ok := true
			for _, id := range r.Pos {
				if !derived[id] {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
			for _, id := range r.Neg {
				if s.val[id] == tTrue {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
			aggOK := true
			for i := range r.Aggrs {
				if s.evalAggregate(&r.Aggrs[i]) != bodySat {
					aggOK = false
					break
				}
			}
			if !aggOK {
				continue
			}

			switch r.Head.Kind {
			case ast.NormalHead:
				h := r.Head.Atoms[0]
				if s.val[h] == tTrue && !derived[h] {
					derived[h] = true
					changed = true
				}
			case ast.ChoiceHead:
				for _, h := range r.Head.Atoms {
					if s.val[h] == tTrue && !derived[h] {
						derived[h] = true
						changed = true
					}
				}
			case ast.DisjunctiveHead:
				var trueAtoms []ast.ID
				for _, h := range r.Head.Atoms {
					if s.val[h] == tTrue {
						trueAtoms = append(trueAtoms, h)
					}
				}
				if len(trueAtoms) == 1 && !derived[trueAtoms[0]] {
					derived[trueAtoms[0]] = true
					changed = true
				}
			}
		}
	}
	for id := range s.val {
		if s.val[id] == tTrue && !derived[id] {
			return false
		}
	}
	return true
}
