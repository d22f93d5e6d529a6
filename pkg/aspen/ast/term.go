package ast

import (
	"fmt"
	"strconv"
	"strings"
)

// ValueKind discriminates constant values
type ValueKind uint8

const (
	IntValue ValueKind = iota
	SymbolValue
)

// Value is a ground constant: an integer or a symbolic atom
type Value struct {
	Kind ValueKind
	Int  int
	Sym  string
}

// Int returns an integer value
func Int(i int) Value { return Value{Kind: IntValue, Int: i} }

// Sym returns a symbolic value
func Sym(s string) Value { return Value{Kind: SymbolValue, Sym: s} }

func (v Value) String() string {
	if v.Kind == IntValue {
		return strconv.Itoa(v.Int)
	}
	return v.Sym
}

// Equal reports whether two values are identical
func (v Value) Equal(o Value) bool {
	return v.Kind == o.Kind && v.Int == o.Int && v.Sym == o.Sym
}

// Compare orders values deterministically: integers before symbols,
// integers numerically, symbols lexically.
func (v Value) Compare(o Value) int {
	if v.Kind != o.Kind {
		if v.Kind == IntValue {
			return -1
		}
		return 1
	}
	if v.Kind == IntValue {
		switch {
		case v.Int < o.Int:
			return -1
		case v.Int > o.Int:
			return 1
		}
		return 0
	}
	return strings.Compare(v.Sym, o.Sym)
}

// Term is either a constant or a named variable. A term with an empty
// Var field is a constant.
type Term struct {
	Var string
	Val Value
}

// Variable returns a variable term
func Variable(name string) Term { return Term{Var: name} }

// Constant returns a constant term
func Constant(v Value) Term { return Term{Val: v} }

// IntTerm returns an integer constant term
func IntTerm(i int) Term { return Term{Val: Int(i)} }

// SymTerm returns a symbol constant term
func SymTerm(s string) Term { return Term{Val: Sym(s)} }

// IsVar reports whether the term is a variable
func (t Term) IsVar() bool { return t.Var != "" }

// Ground reports whether the term is a constant
func (t Term) Ground() bool { return t.Var == "" }

// Resolve returns the term's value under the given bindings.
// The second result is false if the term is an unbound variable.
func (t Term) Resolve(b Bindings) (Value, bool) {
	if !t.IsVar() {
		return t.Val, true
	}
	v, ok := b[t.Var]
	return v, ok
}

func (t Term) String() string {
	if t.IsVar() {
		return t.Var
	}
	return t.Val.String()
}

// Atom is a predicate applied to an ordered tuple of terms
type Atom struct {
	Pred string
	Args []Term
}

// NewAtom builds an atom from a predicate name and argument terms
func NewAtom(pred string, args ...Term) Atom {
	return Atom{Pred: pred, Args: args}
}

// Fact builds a ground atom from constant values
func Fact(pred string, args ...Value) Atom {
	terms := make([]Term, len(args))
	for i, v := range args {
		terms[i] = Constant(v)
	}
	return Atom{Pred: pred, Args: terms}
}

// Ground reports whether every argument is a constant
func (a Atom) Ground() bool {
	for _, t := range a.Args {
		if t.IsVar() {
			return false
		}
	}
	return true
}

// Substitute replaces bound variables with their values. Unbound
// variables are left in place.
func (a Atom) Substitute(b Bindings) Atom {
	if a.Ground() {
		return a
	}
	args := make([]Term, len(a.Args))
	for i, t := range a.Args {
		if v, ok := t.Resolve(b); ok {
			args[i] = Constant(v)
		} else {
			args[i] = t
		}
	}
	return Atom{Pred: a.Pred, Args: args}
}

// CollectVars adds the names of all variables in the atom to set
func (a Atom) CollectVars(set map[string]struct{}) {
	for _, t := range a.Args {
		if t.IsVar() {
			set[t.Var] = struct{}{}
		}
	}
}

// Compare orders ground atoms by predicate name, then argument tuple.
// This is the solver's deterministic tie-break order.
func (a Atom) Compare(o Atom) int {
	if c := strings.Compare(a.Pred, o.Pred); c != 0 {
		return c
	}
	if c := len(a.Args) - len(o.Args); c != 0 {
		return c
	}
	for i := range a.Args {
		if c := a.Args[i].Val.Compare(o.Args[i].Val); c != 0 {
			return c
		}
	}
	return 0
}

func (a Atom) String() string {
	if len(a.Args) == 0 {
		return a.Pred
	}
	parts := make([]string, len(a.Args))
	for i, t := range a.Args {
		parts[i] = t.String()
	}
	return fmt.Sprintf("%s(%s)", a.Pred, strings.Join(parts, ","))
}

// Bindings maps variable names to values while instantiating one rule
type Bindings map[string]Value

// Clone returns an independent copy of the bindings
func (b Bindings) Clone() Bindings {
	c := make(Bindings, len(b))
	for k, v := range b {
		c[k] = v
	}
	return c
}
