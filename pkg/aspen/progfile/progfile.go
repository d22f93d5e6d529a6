// Package progfile reads a program document: the structured YAML form
// of rule schemas, domain declarations, an output specification, and
// optional inline facts. It is a data binding for the already
// structured rule tree, not a parser for rule syntax.
//
// Terms follow the usual convention: YAML integers are integer
// constants, strings with an uppercase first letter are variables, and
// every other string is a symbol constant.
package progfile

import (
	"fmt"
	"os"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/aspenlogic/aspen/pkg/aspen/ast"
	"github.com/aspenlogic/aspen/pkg/aspen/internalerr"
	"github.com/aspenlogic/aspen/pkg/aspen/project"
)

// Document is the top-level program file layout
type Document struct {
	Ranges []RangeDoc `yaml:"ranges"`
	Enums  []EnumDoc  `yaml:"enums"`
	Rules  []RuleDoc  `yaml:"rules"`
	Output []RootDoc  `yaml:"output"`
	Facts  []AtomDoc  `yaml:"facts"`
}

// RangeDoc declares an integer range domain predicate
type RangeDoc struct {
	Pred string `yaml:"pred"`
	Lo   int    `yaml:"lo"`
	Hi   int    `yaml:"hi"`
}

// EnumDoc declares an enumerated domain predicate
type EnumDoc struct {
	Pred   string    `yaml:"pred"`
	Values []TermDoc `yaml:"values"`
}

// TermDoc decodes one term using the variable/constant convention
type TermDoc struct {
	Term ast.Term
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *TermDoc) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: term must be a scalar: %w", node.Line, internalerr.ErrInvalidSpec)
	}
	var asInt int
	if err := node.Decode(&asInt); err == nil && node.Tag == "!!int" {
		t.Term = ast.IntTerm(asInt)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return fmt.Errorf("line %d: empty term: %w", node.Line, internalerr.ErrInvalidSpec)
	}
	if r, _ := utf8.DecodeRuneInString(s); unicode.IsUpper(r) {
		t.Term = ast.Variable(s)
	} else {
		t.Term = ast.SymTerm(s)
	}
	return nil
}

// AtomDoc decodes a predicate with argument terms
type AtomDoc struct {
	Pred string    `yaml:"pred"`
	Args []TermDoc `yaml:"args"`
}

func (a AtomDoc) build() ast.Atom {
	args := make([]ast.Term, len(a.Args))
	for i, t := range a.Args {
		args[i] = t.Term
	}
	return ast.NewAtom(a.Pred, args...)
}

// LiteralDoc decodes a body or query literal
type LiteralDoc struct {
	Not  bool      `yaml:"not"`
	Pred string    `yaml:"pred"`
	Args []TermDoc `yaml:"args"`
}

func (l LiteralDoc) build() ast.Literal {
	a := AtomDoc{Pred: l.Pred, Args: l.Args}.build()
	if l.Not {
		return ast.Not(a)
	}
	return ast.Pos(a)
}

func buildLiterals(docs []LiteralDoc) []ast.Literal {
	out := make([]ast.Literal, len(docs))
	for i, d := range docs {
		out[i] = d.build()
	}
	return out
}

// CompareDoc decodes an arithmetic comparison
type CompareDoc struct {
	Op    string  `yaml:"op"`
	Left  TermDoc `yaml:"left"`
	Right TermDoc `yaml:"right"`
}

func parseOp(s string) (ast.CmpOp, error) {
	switch s {
	case "==", "=":
		return ast.CmpEq, nil
	case "!=":
		return ast.CmpNeq, nil
	case "<":
		return ast.CmpLt, nil
	case "<=":
		return ast.CmpLeq, nil
	case ">":
		return ast.CmpGt, nil
	case ">=":
		return ast.CmpGeq, nil
	}
	return 0, fmt.Errorf("unknown comparison operator %q: %w", s, internalerr.ErrInvalidSpec)
}

// AggregateDoc decodes a count or sum aggregate literal
type AggregateDoc struct {
	Fn      string       `yaml:"fn"`
	Weight  *TermDoc     `yaml:"weight"`
	Pattern []LiteralDoc `yaml:"pattern"`
	Op      string       `yaml:"op"`
	Bound   TermDoc      `yaml:"bound"`
}

func (a AggregateDoc) build() (ast.Aggregate, error) {
	op, err := parseOp(a.Op)
	if err != nil {
		return ast.Aggregate{}, err
	}
	switch a.Fn {
	case "count", "":
		return ast.Count(buildLiterals(a.Pattern), op, a.Bound.Term), nil
	case "sum":
		if a.Weight == nil {
			return ast.Aggregate{}, fmt.Errorf("sum aggregate without weight: %w", internalerr.ErrInvalidSpec)
		}
		return ast.Sum(a.Weight.Term, buildLiterals(a.Pattern), op, a.Bound.Term), nil
	}
	return ast.Aggregate{}, fmt.Errorf("unknown aggregate function %q: %w", a.Fn, internalerr.ErrInvalidSpec)
}

// ChoiceDoc decodes a choice head with optional cardinality bounds
type ChoiceDoc struct {
	Min   *int      `yaml:"min"`
	Max   *int      `yaml:"max"`
	Atoms []AtomDoc `yaml:"atoms"`
}

// HeadDoc decodes a rule head; an absent head is an integrity
// constraint.
type HeadDoc struct {
	Atom        *AtomDoc   `yaml:"atom"`
	Disjunction []AtomDoc  `yaml:"disjunction"`
	Choice      *ChoiceDoc `yaml:"choice"`
}

// BodyDoc decodes a rule body
type BodyDoc struct {
	Literals   []LiteralDoc   `yaml:"literals"`
	Compares   []CompareDoc   `yaml:"compares"`
	Aggregates []AggregateDoc `yaml:"aggregates"`
}

// RuleDoc decodes one rule schema
type RuleDoc struct {
	Label string   `yaml:"label"`
	Head  *HeadDoc `yaml:"head"`
	Body  BodyDoc  `yaml:"body"`
}

func (r RuleDoc) build() (ast.Rule, error) {
	rule := ast.Rule{Label: r.Label}

	switch {
	case r.Head == nil:
		rule.Head = ast.Constraint()
	case r.Head.Atom != nil:
		rule.Head = ast.Normal(r.Head.Atom.build())
	case len(r.Head.Disjunction) > 0:
		atoms := make([]ast.Atom, len(r.Head.Disjunction))
		for i, a := range r.Head.Disjunction {
			atoms[i] = a.build()
		}
		rule.Head = ast.Disjunction(atoms...)
	case r.Head.Choice != nil:
		min, max := ast.NoBound, ast.NoBound
		if r.Head.Choice.Min != nil {
			min = *r.Head.Choice.Min
		}
		if r.Head.Choice.Max != nil {
			max = *r.Head.Choice.Max
		}
		atoms := make([]ast.Atom, len(r.Head.Choice.Atoms))
		for i, a := range r.Head.Choice.Atoms {
			atoms[i] = a.build()
		}
		rule.Head = ast.Choice(min, max, atoms...)
	default:
		return ast.Rule{}, fmt.Errorf("rule %s: head has no variant: %w", r.Label, internalerr.ErrInvalidSpec)
	}

	rule.Body.Literals = buildLiterals(r.Body.Literals)
	for _, c := range r.Body.Compares {
		op, err := parseOp(c.Op)
		if err != nil {
			return ast.Rule{}, fmt.Errorf("rule %s: %w", r.Label, err)
		}
		rule.Body.Compares = append(rule.Body.Compares, ast.Comparison{Op: op, Left: c.Left.Term, Right: c.Right.Term})
	}
	for _, a := range r.Body.Aggregates {
		agg, err := a.build()
		if err != nil {
			return ast.Rule{}, fmt.Errorf("rule %s: %w", r.Label, err)
		}
		rule.Body.Aggregates = append(rule.Body.Aggregates, agg)
	}
	return rule, nil
}

// NodeDoc decodes a container output node
type NodeDoc struct {
	Query    []LiteralDoc `yaml:"query"`
	Compares []CompareDoc `yaml:"compares"`
	Key      *ExprDoc     `yaml:"key"`
	Index    string       `yaml:"index"`
	Content  *ExprDoc     `yaml:"content"`
	// Simple-set shorthand: the full extension of one predicate.
	Pred  string `yaml:"pred"`
	Arity int    `yaml:"arity"`
}

// ExprDoc decodes an output expression: a scalar terminal, a tuple, or
// a container tagged set/dict/seq.
type ExprDoc struct {
	Expr project.Expr
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (e *ExprDoc) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var t TermDoc
		if err := t.UnmarshalYAML(node); err != nil {
			return err
		}
		if t.Term.IsVar() {
			e.Expr = project.Var{Name: t.Term.Var}
		} else {
			e.Expr = project.Const{Val: t.Term.Val}
		}
		return nil
	case yaml.SequenceNode:
		var items []ExprDoc
		if err := node.Decode(&items); err != nil {
			return err
		}
		tuple := project.Tuple{Items: make([]project.Expr, len(items))}
		for i, item := range items {
			tuple.Items[i] = item.Expr
		}
		e.Expr = tuple
		return nil
	case yaml.MappingNode:
		var wrapper struct {
			Set  *NodeDoc `yaml:"set"`
			Dict *NodeDoc `yaml:"dict"`
			Seq  *NodeDoc `yaml:"seq"`
		}
		if err := node.Decode(&wrapper); err != nil {
			return err
		}
		var kind project.NodeKind
		var doc *NodeDoc
		switch {
		case wrapper.Set != nil:
			kind, doc = project.SetNode, wrapper.Set
		case wrapper.Dict != nil:
			kind, doc = project.DictNode, wrapper.Dict
		case wrapper.Seq != nil:
			kind, doc = project.SeqNode, wrapper.Seq
		default:
			return fmt.Errorf("line %d: container must be set, dict, or seq: %w", node.Line, internalerr.ErrInvalidSpec)
		}
		n, err := doc.build(kind)
		if err != nil {
			return err
		}
		e.Expr = n
		return nil
	}
	return fmt.Errorf("line %d: cannot decode output expression: %w", node.Line, internalerr.ErrInvalidSpec)
}

func (d *NodeDoc) build(kind project.NodeKind) (*project.Node, error) {
	if d.Pred != "" {
		if kind != project.SetNode {
			return nil, fmt.Errorf("predicate shorthand is only valid for set nodes: %w", internalerr.ErrInvalidSpec)
		}
		return project.SimpleSet(d.Pred, d.Arity), nil
	}
	n := &project.Node{Kind: kind, Query: buildLiterals(d.Query), Index: d.Index}
	for _, c := range d.Compares {
		op, err := parseOp(c.Op)
		if err != nil {
			return nil, err
		}
		n.Compares = append(n.Compares, ast.Comparison{Op: op, Left: c.Left.Term, Right: c.Right.Term})
	}
	if d.Key != nil {
		n.Key = d.Key.Expr
	}
	if d.Content != nil {
		n.Content = d.Content.Expr
	}
	return n, nil
}

// RootDoc decodes one named output root
type RootDoc struct {
	Name string  `yaml:"name"`
	Expr ExprDoc `yaml:"expr"`
}

// Parse decodes a program document from YAML bytes
func Parse(data []byte) (*ast.Program, *project.Spec, []ast.Atom, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, nil, fmt.Errorf("parse program document: %w", err)
	}

	prog := &ast.Program{}
	for _, r := range doc.Ranges {
		prog.Ranges = append(prog.Ranges, ast.Range{Pred: r.Pred, Lo: r.Lo, Hi: r.Hi})
	}
	for _, e := range doc.Enums {
		en := ast.Enum{Pred: e.Pred}
		for _, v := range e.Values {
			if v.Term.IsVar() {
				return nil, nil, nil, fmt.Errorf("enum %s: %s is a variable, not a value: %w", e.Pred, v.Term, internalerr.ErrInvalidSpec)
			}
			en.Values = append(en.Values, v.Term.Val)
		}
		prog.Enums = append(prog.Enums, en)
	}
	for _, r := range doc.Rules {
		rule, err := r.build()
		if err != nil {
			return nil, nil, nil, err
		}
		prog.Rules = append(prog.Rules, rule)
	}

	spec := &project.Spec{}
	for _, r := range doc.Output {
		spec.Roots = append(spec.Roots, project.Root{Name: r.Name, Expr: r.Expr.Expr})
	}

	var inline []ast.Atom
	for _, f := range doc.Facts {
		a := f.build()
		if !a.Ground() {
			return nil, nil, nil, fmt.Errorf("fact %s is not ground: %w", a, internalerr.ErrInvalidSpec)
		}
		inline = append(inline, a)
	}
	return prog, spec, inline, nil
}

// Load reads and decodes a program document file
func Load(path string) (*ast.Program, *project.Spec, []ast.Atom, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, nil, err
	}
	return Parse(data)
}
