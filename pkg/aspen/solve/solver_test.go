package solve

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aspenlogic/aspen/pkg/aspen/ast"
	"github.com/aspenlogic/aspen/pkg/aspen/ground"
	"github.com/aspenlogic/aspen/pkg/aspen/internalerr"
)

func mustGround(t *testing.T, prog *ast.Program, facts []ast.Atom) *ground.Program {
	t.Helper()
	gp, err := ground.Ground(prog, facts, ground.Options{})
	if err != nil {
		t.Fatalf("Ground: %v", err)
	}
	return gp
}

func modelStrings(m *Model, u *ast.Universe) []string {
	atoms := m.Atoms(u)
	out := make([]string, len(atoms))
	for i, a := range atoms {
		out[i] = a.String()
	}
	return out
}

func countPred(m *Model, u *ast.Universe, pred string) int {
	n := 0
	for _, id := range u.ByPred(pred) {
		if m.Contains(id) {
			n++
		}
	}
	return n
}

// pickProgram guesses a subset of three items and constrains its size
// with a count aggregate.
func pickProgram(want int) *ast.Program {
	v := ast.Variable
	pick := ast.NewAtom("pick", v("X"))
	return &ast.Program{
		Enums: []ast.Enum{{Pred: "item", Values: []ast.Value{ast.Sym("a"), ast.Sym("b"), ast.Sym("c")}}},
		Rules: []ast.Rule{
			{
				Label: "guess",
				Head:  ast.Choice(ast.NoBound, ast.NoBound, pick),
				Body:  ast.Body{Literals: []ast.Literal{ast.Pos(ast.NewAtom("item", v("X")))}},
			},
			{
				Label: "size",
				Head:  ast.Constraint(),
				Body: ast.Body{Aggregates: []ast.Aggregate{
					ast.Count([]ast.Literal{ast.Pos(pick)}, ast.CmpNeq, ast.IntTerm(want)),
				}},
			},
		},
	}
}

func TestSolveDerivation(t *testing.T) {
	v := ast.Variable
	prog := &ast.Program{
		Rules: []ast.Rule{
			{
				Head: ast.Normal(ast.NewAtom("path", v("X"), v("Y"))),
				Body: ast.Body{Literals: []ast.Literal{ast.Pos(ast.NewAtom("edge", v("X"), v("Y")))}},
			},
			{
				Head: ast.Normal(ast.NewAtom("path", v("X"), v("Z"))),
				Body: ast.Body{Literals: []ast.Literal{
					ast.Pos(ast.NewAtom("edge", v("X"), v("Y"))),
					ast.Pos(ast.NewAtom("path", v("Y"), v("Z"))),
				}},
			},
		},
	}
	facts := []ast.Atom{
		ast.Fact("edge", ast.Int(1), ast.Int(2)),
		ast.Fact("edge", ast.Int(2), ast.Int(3)),
	}
	gp := mustGround(t, prog, facts)
	m, err := New(gp, Options{}).Solve(context.Background())
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	for _, want := range []ast.Atom{
		ast.Fact("path", ast.Int(1), ast.Int(2)),
		ast.Fact("path", ast.Int(2), ast.Int(3)),
		ast.Fact("path", ast.Int(1), ast.Int(3)),
	} {
		id, ok := gp.Universe.Lookup(want)
		if !ok || !m.Contains(id) {
			t.Errorf("model missing %s", want)
		}
	}
}

func TestSolveChoiceTrueFirst(t *testing.T) {
	prog := &ast.Program{
		Rules: []ast.Rule{{
			Head: ast.Choice(1, 1, ast.NewAtom("a"), ast.NewAtom("b"), ast.NewAtom("c")),
		}},
	}
	gp := mustGround(t, prog, nil)
	m, err := New(gp, Options{}).Solve(context.Background())
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	got := modelStrings(m, gp.Universe)
	if len(got) != 1 || got[0] != "a" {
		t.Errorf("got %v, want the first atom in canonical order", got)
	}
}

func TestSolveChoiceMinForces(t *testing.T) {
	prog := &ast.Program{
		Rules: []ast.Rule{{
			Head: ast.Choice(2, ast.NoBound, ast.NewAtom("a"), ast.NewAtom("b")),
		}},
	}
	gp := mustGround(t, prog, nil)
	m, err := New(gp, Options{}).Solve(context.Background())
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if got := modelStrings(m, gp.Universe); len(got) != 2 {
		t.Errorf("got %v, want both atoms forced true", got)
	}
}

func TestSolveConstraintPrunesChoice(t *testing.T) {
	prog := &ast.Program{
		Rules: []ast.Rule{
			{Head: ast.Choice(ast.NoBound, ast.NoBound, ast.NewAtom("a"))},
			{Head: ast.Constraint(), Body: ast.Body{Literals: []ast.Literal{ast.Pos(ast.NewAtom("a"))}}},
		},
	}
	gp := mustGround(t, prog, nil)
	m, err := New(gp, Options{}).Solve(context.Background())
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if len(m.True) != 0 {
		t.Errorf("got %v, want the empty answer set", modelStrings(m, gp.Universe))
	}
}

func TestSolveInconsistent(t *testing.T) {
	prog := &ast.Program{
		Rules: []ast.Rule{
			{Head: ast.Choice(ast.NoBound, ast.NoBound, ast.NewAtom("a"))},
			{Head: ast.Constraint(), Body: ast.Body{Literals: []ast.Literal{ast.Pos(ast.NewAtom("a"))}}},
			{Head: ast.Constraint(), Body: ast.Body{Literals: []ast.Literal{ast.Not(ast.NewAtom("a"))}}},
		},
	}
	gp := mustGround(t, prog, nil)
	m, err := New(gp, Options{}).Solve(context.Background())
	if !errors.Is(err, internalerr.ErrInconsistent) {
		t.Fatalf("got model %v err %v, want ErrInconsistent", m, err)
	}
}

// A constraint requiring an underivable atom has no answer set.
func TestSolveUnderivableRequirement(t *testing.T) {
	prog := &ast.Program{
		Rules: []ast.Rule{
			{Head: ast.Choice(ast.NoBound, ast.NoBound, ast.NewAtom("a"))},
			{Head: ast.Constraint(), Body: ast.Body{Literals: []ast.Literal{ast.Not(ast.NewAtom("b"))}}},
		},
	}
	gp := mustGround(t, prog, nil)
	if _, err := New(gp, Options{}).Solve(context.Background()); !errors.Is(err, internalerr.ErrInconsistent) {
		t.Fatalf("got %v, want ErrInconsistent", err)
	}
}

func TestSolveDisjunctionEnumeration(t *testing.T) {
	prog := &ast.Program{
		Rules: []ast.Rule{{Head: ast.Disjunction(ast.NewAtom("a"), ast.NewAtom("b"))}},
	}
	gp := mustGround(t, prog, nil)
	s := New(gp, Options{})
	ctx := context.Background()

	m, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("first model: %v", err)
	}
	if got := modelStrings(m, gp.Universe); len(got) != 1 || got[0] != "a" {
		t.Fatalf("first model %v, want [a]", got)
	}
	m, err = s.Next(ctx)
	if err != nil {
		t.Fatalf("second model: %v", err)
	}
	if got := modelStrings(m, gp.Universe); len(got) != 1 || got[0] != "b" {
		t.Fatalf("second model %v, want [b]", got)
	}
	if _, err = s.Next(ctx); !errors.Is(err, internalerr.ErrInconsistent) {
		t.Fatalf("got %v, want exhaustion", err)
	}
}

// Both disjuncts true is not minimal when either alone satisfies the
// rule, so {a,b} must never be produced.
func TestSolveDisjunctionMinimality(t *testing.T) {
	prog := &ast.Program{
		Rules: []ast.Rule{{Head: ast.Disjunction(ast.NewAtom("a"), ast.NewAtom("b"))}},
	}
	gp := mustGround(t, prog, nil)
	s := New(gp, Options{})
	for {
		m, err := s.Next(context.Background())
		if errors.Is(err, internalerr.ErrInconsistent) {
			return
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if len(m.True) != 1 {
			t.Fatalf("non-minimal answer set %v", modelStrings(m, gp.Universe))
		}
	}
}

// Brute-force check: every answer set of the pick program has exactly
// two picks, every two-element subset appears exactly once, and
// enumeration terminates.
func TestSolveCompleteness(t *testing.T) {
	gp := mustGround(t, pickProgram(2), nil)
	s := New(gp, Options{})
	seen := map[string]bool{}
	for {
		m, err := s.Next(context.Background())
		if errors.Is(err, internalerr.ErrInconsistent) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got := countPred(m, gp.Universe, "pick"); got != 2 {
			t.Fatalf("answer set with %d picks: %v", got, modelStrings(m, gp.Universe))
		}
		key := ""
		for _, id := range gp.Universe.ByPred("pick") {
			if m.Contains(id) {
				key += gp.Universe.Atom(id).String() + ";"
			}
		}
		if seen[key] {
			t.Fatalf("answer set %s produced twice", key)
		}
		seen[key] = true
	}
	if len(seen) != 3 {
		t.Fatalf("found %d answer sets, want all 3 two-element subsets", len(seen))
	}
}

// Atoms locked in mutual negation have no choice rule to decide them,
// yet either truth value yields an answer set: the search must find
// both, not report inconsistency.
func TestSolveEvenNegationLoop(t *testing.T) {
	prog := &ast.Program{
		Rules: []ast.Rule{
			{Head: ast.Normal(ast.NewAtom("p")), Body: ast.Body{Literals: []ast.Literal{ast.Not(ast.NewAtom("q"))}}},
			{Head: ast.Normal(ast.NewAtom("q")), Body: ast.Body{Literals: []ast.Literal{ast.Not(ast.NewAtom("p"))}}},
		},
	}
	gp := mustGround(t, prog, nil)
	s := New(gp, Options{})
	seen := map[string]bool{}
	for {
		m, err := s.Next(context.Background())
		if errors.Is(err, internalerr.ErrInconsistent) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got := modelStrings(m, gp.Universe)
		if len(got) != 1 {
			t.Fatalf("answer set %v, want a single atom", got)
		}
		seen[got[0]] = true
	}
	if !seen["p"] || !seen["q"] {
		t.Fatalf("found %v, want both p and q as answer sets", seen)
	}
}

func TestSolveOddNegationLoop(t *testing.T) {
	prog := &ast.Program{
		Rules: []ast.Rule{{
			Head: ast.Normal(ast.NewAtom("p")),
			Body: ast.Body{Literals: []ast.Literal{ast.Not(ast.NewAtom("p"))}},
		}},
	}
	gp := mustGround(t, prog, nil)
	if _, err := New(gp, Options{}).Solve(context.Background()); !errors.Is(err, internalerr.ErrInconsistent) {
		t.Fatalf("got %v, want ErrInconsistent", err)
	}
}

// bruteForceModels enumerates every truth assignment over the ground
// universe and keeps those meeting the answer-set conditions: axioms
// true, every satisfied body has a satisfied head, no constraint
// fires, and every true atom is derivable from the axioms through
// rules whose negative and aggregate conditions hold.
func bruteForceModels(gp *ground.Program) map[string]bool {
	n := gp.Universe.Len()
	isFact := make([]bool, n)
	for _, id := range gp.Facts {
		isFact[id] = true
	}
	models := map[string]bool{}
	for mask := 0; mask < 1<<n; mask++ {
		val := make([]bool, n)
		ok := true
		for id := 0; id < n; id++ {
			val[id] = mask&(1<<id) != 0
			if isFact[id] && !val[id] {
				ok = false
			}
		}
		if !ok || !rulesSatisfied(gp, val) || !wellSupported(gp, val, isFact) {
			continue
		}
		var ids []ast.ID
		for id := range val {
			if val[id] {
				ids = append(ids, ast.ID(id))
			}
		}
		models[strings.Join(modelStrings(newModel(ids), gp.Universe), ";")] = true
	}
	return models
}

func bodyHolds(r *ground.GroundRule, val []bool) bool {
	for _, id := range r.Pos {
		if !val[id] {
			return false
		}
	}
	for _, id := range r.Neg {
		if val[id] {
			return false
		}
	}
	for i := range r.Aggrs {
		if !aggrHolds(&r.Aggrs[i], val) {
			return false
		}
	}
	return true
}

func aggrHolds(g *ground.GroundAggregate, val []bool) bool {
	total := 0
	for _, e := range g.Elems {
		hold := true
		for _, id := range e.Pos {
			if !val[id] {
				hold = false
				break
			}
		}
		if hold {
			for _, id := range e.Neg {
				if val[id] {
					hold = false
					break
				}
			}
		}
		if hold {
			total += e.Weight
		}
	}
	switch g.Op {
	case ast.CmpEq:
		return total == g.Bound
	case ast.CmpNeq:
		return total != g.Bound
	case ast.CmpLt:
		return total < g.Bound
	case ast.CmpLeq:
		return total <= g.Bound
	case ast.CmpGt:
		return total > g.Bound
	case ast.CmpGeq:
		return total >= g.Bound
	}
	return false
}

func rulesSatisfied(gp *ground.Program, val []bool) bool {
	for ri := range gp.Rules {
		r := &gp.Rules[ri]
		if !bodyHolds(r, val) {
			continue
		}
		switch r.Head.Kind {
		case ast.ConstraintHead:
			return false
		case ast.NormalHead:
			if !val[r.Head.Atoms[0]] {
				return false
			}
		case ast.DisjunctiveHead:
			any := false
			for _, h := range r.Head.Atoms {
				if val[h] {
					any = true
				}
			}
			if !any {
				return false
			}
		case ast.ChoiceHead:
			trues := 0
			for _, h := range r.Head.Atoms {
				if val[h] {
					trues++
				}
			}
			if r.Head.Min != ast.NoBound && trues < r.Head.Min {
				return false
			}
			if r.Head.Max != ast.NoBound && trues > r.Head.Max {
				return false
			}
		}
	}
	return true
}

func wellSupported(gp *ground.Program, val []bool, isFact []bool) bool {
	derived := make([]bool, len(val))
	copy(derived, isFact)
	for changed := true; changed; {
		changed = false
		for ri := range gp.Rules {
			r := &gp.Rules[ri]
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
				if val[id] {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
			for i := range r.Aggrs {
				if !aggrHolds(&r.Aggrs[i], val) {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
			switch r.Head.Kind {
			case ast.NormalHead, ast.ChoiceHead:
				for _, h := range r.Head.Atoms {
					if val[h] && !derived[h] {
						derived[h] = true
						changed = true
					}
				}
			case ast.DisjunctiveHead:
				var trues []ast.ID
				for _, h := range r.Head.Atoms {
					if val[h] {
						trues = append(trues, h)
					}
				}
				if len(trues) == 1 && !derived[trues[0]] {
					derived[trues[0]] = true
					changed = true
				}
			}
		}
	}
	for id := range val {
		if val[id] && !derived[id] {
			return false
		}
	}
	return true
}

// The answer sets found by the search must agree exactly with a check
// of every assignment over the ground universe, across program shapes
// with and without choice rules.
func TestSolveMatchesBruteForce(t *testing.T) {
	p := ast.NewAtom("p")
	q := ast.NewAtom("q")
	cases := []struct {
		name string
		prog *ast.Program
	}{
		{
			name: "even-negation-loop",
			prog: &ast.Program{Rules: []ast.Rule{
				{Head: ast.Normal(p), Body: ast.Body{Literals: []ast.Literal{ast.Not(q)}}},
				{Head: ast.Normal(q), Body: ast.Body{Literals: []ast.Literal{ast.Not(p)}}},
			}},
		},
		{
			name: "odd-negation-loop",
			prog: &ast.Program{Rules: []ast.Rule{
				{Head: ast.Normal(p), Body: ast.Body{Literals: []ast.Literal{ast.Not(p)}}},
			}},
		},
		{
			name: "negation-loop-constrained",
			prog: &ast.Program{Rules: []ast.Rule{
				{Head: ast.Normal(p), Body: ast.Body{Literals: []ast.Literal{ast.Not(q)}}},
				{Head: ast.Normal(q), Body: ast.Body{Literals: []ast.Literal{ast.Not(p)}}},
				{Head: ast.Constraint(), Body: ast.Body{Literals: []ast.Literal{ast.Pos(p)}}},
			}},
		},
		{
			name: "choice-negation-chain",
			prog: &ast.Program{Rules: []ast.Rule{
				{Head: ast.Choice(ast.NoBound, ast.NoBound, ast.NewAtom("a"))},
				{Head: ast.Normal(ast.NewAtom("b")), Body: ast.Body{Literals: []ast.Literal{ast.Not(ast.NewAtom("a"))}}},
				{Head: ast.Constraint(), Body: ast.Body{Literals: []ast.Literal{ast.Not(ast.NewAtom("b"))}}},
			}},
		},
		{name: "pick-one", prog: pickProgram(1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gp := mustGround(t, tc.prog, nil)
			want := bruteForceModels(gp)
			got := map[string]bool{}
			s := New(gp, Options{})
			for {
				m, err := s.Next(context.Background())
				if errors.Is(err, internalerr.ErrInconsistent) {
					break
				}
				if err != nil {
					t.Fatalf("Next: %v", err)
				}
				key := strings.Join(modelStrings(m, gp.Universe), ";")
				if got[key] {
					t.Fatalf("answer set %q produced twice", key)
				}
				got[key] = true
			}
			if len(got) != len(want) {
				t.Fatalf("search found %d answer sets %v, brute force %d %v", len(got), got, len(want), want)
			}
			for key := range got {
				if !want[key] {
					t.Errorf("search produced %q, brute force rejects it", key)
				}
			}
		})
	}
}

func TestSolveDeterminism(t *testing.T) {
	var first []string
	for run := 0; run < 3; run++ {
		gp := mustGround(t, pickProgram(2), nil)
		m, err := New(gp, Options{}).Solve(context.Background())
		if err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		got := modelStrings(m, gp.Universe)
		if run == 0 {
			first = got
			continue
		}
		if len(got) != len(first) {
			t.Fatalf("run %d model differs: %v vs %v", run, got, first)
		}
		for i := range got {
			if got[i] != first[i] {
				t.Fatalf("run %d model differs: %v vs %v", run, got, first)
			}
		}
	}
}

func TestSolveStepBudget(t *testing.T) {
	gp := mustGround(t, pickProgram(2), nil)
	_, err := New(gp, Options{MaxSteps: 1}).Solve(context.Background())
	if !errors.Is(err, internalerr.ErrBudgetExceeded) {
		t.Fatalf("got %v, want ErrBudgetExceeded", err)
	}
}

func TestSolveCancellation(t *testing.T) {
	gp := mustGround(t, pickProgram(2), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(gp, Options{}).Solve(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestPortfolio(t *testing.T) {
	gp := mustGround(t, pickProgram(2), nil)
	m, _, err := Portfolio(context.Background(), gp, Options{}, 4)
	if err != nil {
		t.Fatalf("Portfolio: %v", err)
	}
	if got := countPred(m, gp.Universe, "pick"); got != 2 {
		t.Errorf("portfolio model has %d picks, want 2", got)
	}
}

func TestPortfolioInconsistent(t *testing.T) {
	prog := &ast.Program{
		Rules: []ast.Rule{
			{Head: ast.Choice(ast.NoBound, ast.NoBound, ast.NewAtom("a"))},
			{Head: ast.Constraint(), Body: ast.Body{Literals: []ast.Literal{ast.Pos(ast.NewAtom("a"))}}},
			{Head: ast.Constraint(), Body: ast.Body{Literals: []ast.Literal{ast.Not(ast.NewAtom("a"))}}},
		},
	}
	gp := mustGround(t, prog, nil)
	if _, _, err := Portfolio(context.Background(), gp, Options{}, 3); !errors.Is(err, internalerr.ErrInconsistent) {
		t.Fatalf("got %v, want ErrInconsistent", err)
	}
}
