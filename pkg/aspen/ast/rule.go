package ast

import (
	"fmt"
	"strings"

	"github.com/aspenlogic/aspen/pkg/aspen/internalerr"
)

// Literal is a polarity-tagged atom in a rule body
type Literal struct {
	Negated bool
	Atom    Atom
}

// Pos returns a positive body literal
func Pos(a Atom) Literal { return Literal{Atom: a} }

// Not returns a default-negated body literal
func Not(a Atom) Literal { return Literal{Negated: true, Atom: a} }

func (l Literal) String() string {
	if l.Negated {
		return "not " + l.Atom.String()
	}
	return l.Atom.String()
}

// CmpOp is a comparison operator between ground values
type CmpOp uint8

const (
	CmpEq CmpOp = iota
	CmpNeq
	CmpLt
	CmpLeq
	CmpGt
	CmpGeq
)

func (op CmpOp) String() string {
	switch op {
	case CmpEq:
		return "=="
	case CmpNeq:
		return "!="
	case CmpLt:
		return "<"
	case CmpLeq:
		return "<="
	case CmpGt:
		return ">"
	case CmpGeq:
		return ">="
	}
	return "?"
}

// Eval applies the operator to two ground values. Equality across
// kinds is false; ordered comparison across kinds is a type error.
func (op CmpOp) Eval(l, r Value) (bool, error) {
	if l.Kind != r.Kind {
		switch op {
		case CmpEq:
			return false, nil
		case CmpNeq:
			return true, nil
		}
		return false, fmt.Errorf("cannot order %s against %s: %w", l, r, internalerr.ErrTypeMismatch)
	}
	c := l.Compare(r)
	switch op {
	case CmpEq:
		return c == 0, nil
	case CmpNeq:
		return c != 0, nil
	case CmpLt:
		return c < 0, nil
	case CmpLeq:
		return c <= 0, nil
	case CmpGt:
		return c > 0, nil
	case CmpGeq:
		return c >= 0, nil
	}
	return false, fmt.Errorf("unknown comparison operator %d", op)
}

// Comparison is an arithmetic comparison between two terms in a rule
// body. It never binds variables; both sides must be bound by positive
// literals before it can be evaluated.
type Comparison struct {
	Op    CmpOp
	Left  Term
	Right Term
}

func (c Comparison) String() string {
	return fmt.Sprintf("%s %s %s", c.Left, c.Op, c.Right)
}

// AggrFn is an aggregate function over a matched atom set
type AggrFn uint8

const (
	AggrCount AggrFn = iota
	AggrSum
)

// Aggregate is a body literal whose truth depends on a count or sum
// over the atoms matching an inner conjunctive pattern, compared
// against a bound. Pattern literals must be positive; variables bound
// outside the aggregate are shared, the rest are local to the pattern.
type Aggregate struct {
	Fn      AggrFn
	Weight  Term // sum only: evaluated per match, must be an integer
	Pattern []Literal
	Op      CmpOp
	Bound   Term
}

// Count builds a #count aggregate literal
func Count(pattern []Literal, op CmpOp, bound Term) Aggregate {
	return Aggregate{Fn: AggrCount, Pattern: pattern, Op: op, Bound: bound}
}

// Sum builds a #sum aggregate literal over the given weight term
func Sum(weight Term, pattern []Literal, op CmpOp, bound Term) Aggregate {
	return Aggregate{Fn: AggrSum, Weight: weight, Pattern: pattern, Op: op, Bound: bound}
}

func (g Aggregate) String() string {
	parts := make([]string, len(g.Pattern))
	for i, l := range g.Pattern {
		parts[i] = l.String()
	}
	fn := "#count"
	if g.Fn == AggrSum {
		fn = "#sum"
	}
	return fmt.Sprintf("%s{%s} %s %s", fn, strings.Join(parts, ","), g.Op, g.Bound)
}

// Body is the conjunctive condition of a rule
type Body struct {
	Literals   []Literal
	Compares   []Comparison
	Aggregates []Aggregate
}

// HeadKind discriminates rule head variants
type HeadKind uint8

const (
	ConstraintHead HeadKind = iota
	NormalHead
	DisjunctiveHead
	ChoiceHead
)

// NoBound marks an absent choice cardinality bound
const NoBound = -1

// Head is the conclusion of a rule: empty (integrity constraint), a
// single atom, a disjunction, or a choice set with optional
// cardinality bounds.
type Head struct {
	Kind  HeadKind
	Atoms []Atom
	Min   int
	Max   int
}

// Constraint returns an empty head (integrity constraint)
func Constraint() Head { return Head{Kind: ConstraintHead, Min: NoBound, Max: NoBound} }

// Normal returns a single-atom head
func Normal(a Atom) Head {
	return Head{Kind: NormalHead, Atoms: []Atom{a}, Min: NoBound, Max: NoBound}
}

// Disjunction returns a disjunctive head over the given atoms
func Disjunction(atoms ...Atom) Head {
	return Head{Kind: DisjunctiveHead, Atoms: atoms, Min: NoBound, Max: NoBound}
}

// Choice returns a choice head. Pass NoBound to leave a cardinality
// bound open.
func Choice(min, max int, atoms ...Atom) Head {
	return Head{Kind: ChoiceHead, Atoms: atoms, Min: min, Max: max}
}

// Rule is a head plus a body. Label identifies the rule in error
// reports; empty labels fall back to the rule's position.
type Rule struct {
	Label string
	Head  Head
	Body  Body
}

func (r Rule) String() string {
	var head string
	switch r.Head.Kind {
	case ConstraintHead:
		head = ""
	case NormalHead:
		head = r.Head.Atoms[0].String()
	case DisjunctiveHead:
		parts := make([]string, len(r.Head.Atoms))
		for i, a := range r.Head.Atoms {
			parts[i] = a.String()
		}
		head = strings.Join(parts, " v ")
	case ChoiceHead:
		parts := make([]string, len(r.Head.Atoms))
		for i, a := range r.Head.Atoms {
			parts[i] = a.String()
		}
		head = "{" + strings.Join(parts, "; ") + "}"
		if r.Head.Min != NoBound {
			head = fmt.Sprintf("%d %s", r.Head.Min, head)
		}
		if r.Head.Max != NoBound {
			head = fmt.Sprintf("%s %d", head, r.Head.Max)
		}
	}
	var body []string
	for _, l := range r.Body.Literals {
		body = append(body, l.String())
	}
	for _, c := range r.Body.Compares {
		body = append(body, c.String())
	}
	for _, g := range r.Body.Aggregates {
		body = append(body, g.String())
	}
	if len(body) == 0 {
		return head + "."
	}
	return fmt.Sprintf("%s :- %s.", head, strings.Join(body, ", "))
}

// Range declares a unary integer domain predicate covering [Lo, Hi]
type Range struct {
	Pred string
	Lo   int
	Hi   int
}

// Enum declares a unary domain predicate over an explicit value list
type Enum struct {
	Pred   string
	Values []Value
}

// Program is an ordered collection of rule schemas plus the domain
// declarations used for safety. Input facts are supplied separately at
// run time.
type Program struct {
	Rules  []Rule
	Ranges []Range
	Enums  []Enum
}
