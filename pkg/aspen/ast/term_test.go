package ast

import (
	"errors"
	"testing"

	"github.com/aspenlogic/aspen/pkg/aspen/internalerr"
)

func TestValueCompare(t *testing.T) {
	cases := []struct {
		a, b Value
		want int
	}{
		{Int(1), Int(2), -1},
		{Int(2), Int(2), 0},
		{Int(3), Int(2), 1},
		{Sym("a"), Sym("b"), -1},
		{Sym("b"), Sym("b"), 0},
		{Int(99), Sym("a"), -1},
		{Sym("a"), Int(99), 1},
	}
	for _, c := range cases {
		if got := c.a.Compare(c.b); got != c.want {
			t.Errorf("Compare(%s, %s) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestAtomCompareOrdersByPredThenArgs(t *testing.T) {
	a := Fact("cell", Int(0), Int(0), Int(5))
	b := Fact("cell", Int(0), Int(1), Int(1))
	c := Fact("given", Int(0), Int(0))
	if a.Compare(b) >= 0 {
		t.Errorf("expected %s before %s", a, b)
	}
	if b.Compare(c) >= 0 {
		t.Errorf("expected %s before %s", b, c)
	}
	if a.Compare(a) != 0 {
		t.Errorf("atom not equal to itself")
	}
}

func TestSubstitute(t *testing.T) {
	a := NewAtom("edge", Variable("X"), Variable("Y"), IntTerm(7))
	got := a.Substitute(Bindings{"X": Int(1)})
	if got.Ground() {
		t.Fatalf("substitution with unbound Y should not be ground: %s", got)
	}
	got = got.Substitute(Bindings{"Y": Sym("n")})
	if !got.Ground() {
		t.Fatalf("expected ground atom, got %s", got)
	}
	if got.String() != "edge(1,n,7)" {
		t.Errorf("got %s", got)
	}
}

func TestCollectVars(t *testing.T) {
	a := NewAtom("p", Variable("X"), IntTerm(3), Variable("Y"), Variable("X"))
	set := map[string]struct{}{}
	a.CollectVars(set)
	if len(set) != 2 {
		t.Fatalf("got %d vars, want 2", len(set))
	}
	for _, v := range []string{"X", "Y"} {
		if _, ok := set[v]; !ok {
			t.Errorf("missing variable %s", v)
		}
	}
}

func TestCmpOpEval(t *testing.T) {
	cases := []struct {
		op   CmpOp
		l, r Value
		want bool
	}{
		{CmpEq, Int(2), Int(2), true},
		{CmpEq, Int(2), Sym("2"), false},
		{CmpNeq, Int(2), Sym("2"), true},
		{CmpLt, Int(1), Int(2), true},
		{CmpGeq, Sym("b"), Sym("a"), true},
	}
	for _, c := range cases {
		got, err := c.op.Eval(c.l, c.r)
		if err != nil {
			t.Fatalf("%s %s %s: %v", c.l, c.op, c.r, err)
		}
		if got != c.want {
			t.Errorf("%s %s %s = %v, want %v", c.l, c.op, c.r, got, c.want)
		}
	}
}

func TestCmpOpEvalCrossKindOrder(t *testing.T) {
	if _, err := CmpLt.Eval(Int(1), Sym("a")); !errors.Is(err, internalerr.ErrTypeMismatch) {
		t.Fatalf("got %v, want ErrTypeMismatch", err)
	}
}

func TestUniverseIntern(t *testing.T) {
	u := NewUniverse()
	a := Fact("p", Int(1))
	b := Fact("p", Int(2))
	ida := u.Intern(a)
	idb := u.Intern(b)
	if ida == idb {
		t.Fatalf("distinct atoms share an ID")
	}
	if got := u.Intern(a); got != ida {
		t.Errorf("re-interning returned %d, want %d", got, ida)
	}
	if u.Len() != 2 {
		t.Errorf("Len = %d, want 2", u.Len())
	}
	if got := u.Atom(idb); got.Compare(b) != 0 {
		t.Errorf("Atom(%d) = %s, want %s", idb, got, b)
	}
	if ids := u.ByPred("p"); len(ids) != 2 {
		t.Errorf("ByPred returned %d IDs, want 2", len(ids))
	}
	if _, ok := u.Lookup(Fact("q")); ok {
		t.Errorf("Lookup found an atom that was never interned")
	}
}
