// Package project evaluates a declarative output specification
// against a finalized answer set, producing a nested structure of
// sets, sequences, and dictionaries over integer and string leaves.
// Query evaluation reuses the grounder's conjunctive matcher.
package project

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aspenlogic/aspen/pkg/aspen/ast"
	"github.com/aspenlogic/aspen/pkg/aspen/ground"
	"github.com/aspenlogic/aspen/pkg/aspen/internalerr"
)

// Expr is a node of the output specification: a terminal projection
// (variable, constant, tuple) or a nested container.
type Expr interface {
	exprVars(set map[string]struct{})
}

// Var projects the value bound to a query variable
type Var struct{ Name string }

// Const projects a fixed value
type Const struct{ Val ast.Value }

// Tuple projects an ordered tuple of sub-expressions
type Tuple struct{ Items []Expr }

func (v Var) exprVars(set map[string]struct{})   { set[v.Name] = struct{}{} }
func (c Const) exprVars(set map[string]struct{}) {}
func (t Tuple) exprVars(set map[string]struct{}) {
	for _, e := range t.Items {
		e.exprVars(set)
	}
}

// NodeKind discriminates container nodes
type NodeKind uint8

const (
	SetNode NodeKind = iota
	DictNode
	SeqNode
)

// Node is a container: it evaluates a conjunctive query against the
// answer set and shapes the resulting bindings into a set, a
// dictionary, or a dense zero-based sequence.
type Node struct {
	Kind     NodeKind
	Name     string // used in error reports
	Query    []ast.Literal
	Compares []ast.Comparison
	Key      Expr   // DictNode only
	Index    string // SeqNode only: query variable yielding the index
	Content  Expr
}

func (n *Node) exprVars(set map[string]struct{}) {
	// A container introduces its own scope; free variables of the
	// container are those its query does not bind.
	inner := map[string]struct{}{}
	if n.Content != nil {
		n.Content.exprVars(inner)
	}
	if n.Key != nil {
		n.Key.exprVars(inner)
	}
	if n.Index != "" {
		inner[n.Index] = struct{}{}
	}
	bound := map[string]struct{}{}
	for _, l := range n.Query {
		if !l.Negated {
			l.Atom.CollectVars(bound)
		}
	}
	for v := range inner {
		if _, ok := bound[v]; !ok {
			set[v] = struct{}{}
		}
	}
}

// NewSet builds a set container
func NewSet(name string, query []ast.Literal, content Expr) *Node {
	return &Node{Kind: SetNode, Name: name, Query: query, Content: content}
}

// NewDict builds a dictionary container keyed by the key expression
func NewDict(name string, query []ast.Literal, key Expr, content Expr) *Node {
	return &Node{Kind: DictNode, Name: name, Query: query, Key: key, Content: content}
}

// NewSeq builds a sequence container indexed by the named query
// variable, which must enumerate a dense integer range from zero.
func NewSeq(name string, query []ast.Literal, index string, content Expr) *Node {
	return &Node{Kind: SeqNode, Name: name, Query: query, Index: index, Content: content}
}

// SimpleSet is the shorthand for projecting a predicate's full
// extension: the set of argument tuples of all true atoms.
func SimpleSet(pred string, arity int) *Node {
	args := make([]ast.Term, arity)
	items := make([]Expr, arity)
	for i := 0; i < arity; i++ {
		name := fmt.Sprintf("X%d", i)
		args[i] = ast.Variable(name)
		items[i] = Var{Name: name}
	}
	var content Expr
	if arity == 1 {
		content = items[0]
	} else {
		content = Tuple{Items: items}
	}
	return &Node{
		Kind:    SetNode,
		Name:    pred,
		Query:   []ast.Literal{ast.Pos(ast.NewAtom(pred, args...))},
		Content: content,
	}
}

// Root is one named output value
type Root struct {
	Name string
	Expr Expr
}

// Spec is the whole output specification: an ordered list of named
// roots, built once and evaluated once per run, read-only.
type Spec struct {
	Roots []Root
}

// AmbiguousKeyError reports a dictionary or sequence key that recurs
// with different residual bindings.
type AmbiguousKeyError struct {
	Node string
	Key  any
}

func (e *AmbiguousKeyError) Error() string {
	return fmt.Sprintf("output node %s: key %v occurs with conflicting bindings", e.Node, e.Key)
}

func (e *AmbiguousKeyError) Unwrap() error { return internalerr.ErrAmbiguousKey }

// MissingIndexError reports a sequence whose index set is not a dense
// range starting at zero. Sentinel padding for sparse indices is the
// program encoding's obligation, not the projector's.
type MissingIndexError struct {
	Node  string
	Index int
}

func (e *MissingIndexError) Error() string {
	return fmt.Sprintf("output node %s: no binding for sequence index %d", e.Node, e.Index)
}

func (e *MissingIndexError) Unwrap() error { return internalerr.ErrMissingIndex }

// Validate checks the specification before any evaluation: every
// expression variable must be bound by its enclosing queries, a
// sequence's index variable must occur in its own query, and
// dictionary and sequence nodes must carry their extractors.
func (sp *Spec) Validate() error {
	for _, r := range sp.Roots {
		if err := validateExpr(r.Expr, map[string]struct{}{}, r.Name); err != nil {
			return err
		}
	}
	return nil
}

func validateExpr(e Expr, scope map[string]struct{}, where string) error {
	switch x := e.(type) {
	case Var:
		if _, ok := scope[x.Name]; !ok {
			return fmt.Errorf("output node %s: variable %s not bound by any enclosing query: %w", where, x.Name, internalerr.ErrInvalidSpec)
		}
	case Const:
	case Tuple:
		for _, item := range x.Items {
			if err := validateExpr(item, scope, where); err != nil {
				return err
			}
		}
	case *Node:
		name := x.Name
		if name == "" {
			name = where
		}
		if len(x.Query) == 0 {
			return fmt.Errorf("output node %s: empty query: %w", name, internalerr.ErrInvalidSpec)
		}
		inner := map[string]struct{}{}
		for v := range scope {
			inner[v] = struct{}{}
		}
		for _, l := range x.Query {
			if !l.Negated {
				l.Atom.CollectVars(inner)
			}
		}
		switch x.Kind {
		case DictNode:
			if x.Key == nil {
				return fmt.Errorf("output node %s: dictionary without key extractor: %w", name, internalerr.ErrInvalidSpec)
			}
			if err := validateExpr(x.Key, inner, name); err != nil {
				return err
			}
		case SeqNode:
			if x.Index == "" {
				return fmt.Errorf("output node %s: sequence without index variable: %w", name, internalerr.ErrInvalidSpec)
			}
			if _, ok := inner[x.Index]; !ok {
				return fmt.Errorf("output node %s: index variable %s not bound by the query: %w", name, x.Index, internalerr.ErrInvalidSpec)
			}
		}
		if x.Content == nil {
			return fmt.Errorf("output node %s: missing content: %w", name, internalerr.ErrInvalidSpec)
		}
		return validateExpr(x.Content, inner, name)
	default:
		return fmt.Errorf("output node %s: unknown expression %T: %w", where, e, internalerr.ErrInvalidSpec)
	}
	return nil
}

// Eval evaluates the specification against an answer set, presented as
// an AtomSource restricted to the true atoms. The result maps root
// names to nested values: int, string, []any, or map[any]any.
func (sp *Spec) Eval(src ground.AtomSource) (map[string]any, error) {
	if err := sp.Validate(); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(sp.Roots))
	for _, r := range sp.Roots {
		v, err := evalExpr(src, r.Expr, ast.Bindings{})
		if err != nil {
			return nil, err
		}
		out[r.Name] = v
	}
	return out, nil
}

func scalar(v ast.Value) any {
	if v.Kind == ast.IntValue {
		return v.Int
	}
	return v.Sym
}

func evalExpr(src ground.AtomSource, e Expr, b ast.Bindings) (any, error) {
	switch x := e.(type) {
	case Var:
		v, ok := b[x.Name]
		if !ok {
			return nil, fmt.Errorf("variable %s unbound: %w", x.Name, internalerr.ErrInvalidSpec)
		}
		return scalar(v), nil
	case Const:
		return scalar(x.Val), nil
	case Tuple:
		items := make([]any, len(x.Items))
		for i, item := range x.Items {
			v, err := evalExpr(src, item, b)
			if err != nil {
				return nil, err
			}
			items[i] = v
		}
		return items, nil
	case *Node:
		return evalNode(src, x, b)
	}
	return nil, fmt.Errorf("unknown expression %T: %w", e, internalerr.ErrInvalidSpec)
}

// bindingSig renders a binding deterministically for grouping
func bindingSig(b ast.Bindings) string {
	names := make([]string, 0, len(b))
	for n := range b {
		names = append(names, n)
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, n := range names {
		sb.WriteString(n)
		sb.WriteByte('=')
		sb.WriteString(b[n].String())
		sb.WriteByte(';')
	}
	return sb.String()
}

func evalNode(src ground.AtomSource, n *Node, outer ast.Bindings) (any, error) {
	var matches []ast.Bindings
	err := ground.Match(src, n.Query, n.Compares, outer, func(b ast.Bindings) error {
		matches = append(matches, b)
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch n.Kind {
	case SetNode:
		var values []any
		seen := map[string]struct{}{}
		for _, b := range matches {
			v, err := evalExpr(src, n.Content, b)
			if err != nil {
				return nil, err
			}
			k := valueKey(v)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			values = append(values, v)
		}
		sort.Slice(values, func(i, j int) bool { return valueKey(values[i]) < valueKey(values[j]) })
		return values, nil

	case DictNode:
		groups, order, err := groupUnique(src, n, matches, func(b ast.Bindings) (any, error) {
			return evalExpr(src, n.Key, b)
		})
		if err != nil {
			return nil, err
		}
		out := make(map[any]any, len(groups))
		for _, k := range order {
			switch k.(type) {
			case int, string:
			default:
				return nil, fmt.Errorf("output node %s: key %v is not a scalar: %w", n.Name, k, internalerr.ErrInvalidSpec)
			}
			v, err := evalExpr(src, n.Content, groups[valueKey(k)].binding)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil

	case SeqNode:
		groups, order, err := groupUnique(src, n, matches, func(b ast.Bindings) (any, error) {
			v, ok := b[n.Index]
			if !ok || v.Kind != ast.IntValue {
				return nil, fmt.Errorf("output node %s: index %s is not an integer: %w", n.Name, n.Index, internalerr.ErrTypeMismatch)
			}
			return v.Int, nil
		})
		if err != nil {
			return nil, err
		}
		out := make([]any, len(order))
		for i := 0; i < len(order); i++ {
			g, ok := groups[valueKey(i)]
			if !ok {
				return nil, &MissingIndexError{Node: n.Name, Index: i}
			}
			v, err := evalExpr(src, n.Content, g.binding)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
	return nil, fmt.Errorf("output node %s: unknown kind %d: %w", n.Name, n.Kind, internalerr.ErrInvalidSpec)
}

type group struct {
	key     any
	binding ast.Bindings
	sig     string
}

// groupUnique groups match bindings by extracted key and requires a
// single residual binding per key; a key recurring with a different
// binding is an AmbiguousKey specification error.
func groupUnique(src ground.AtomSource, n *Node, matches []ast.Bindings, extract func(ast.Bindings) (any, error)) (map[string]group, []any, error) {
	groups := make(map[string]group)
	var order []any
	for _, b := range matches {
		k, err := extract(b)
		if err != nil {
			return nil, nil, err
		}
		kk := valueKey(k)
		sig := bindingSig(b)
		if g, ok := groups[kk]; ok {
			if g.sig != sig {
				return nil, nil, &AmbiguousKeyError{Node: n.Name, Key: k}
			}
			continue
		}
		groups[kk] = group{key: k, binding: b, sig: sig}
		order = append(order, k)
	}
	sort.Slice(order, func(i, j int) bool { return valueKey(order[i]) < valueKey(order[j]) })
	return groups, order, nil
}

// valueKey renders a projected value canonically, for deduplication
// and deterministic ordering.
func valueKey(v any) string {
	switch x := v.(type) {
	case int:
		return fmt.Sprintf("i:%020d", x)
	case string:
		return "s:" + x
	case []any:
		parts := make([]string, len(x))
		for i, item := range x {
			parts[i] = valueKey(item)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case map[any]any:
		parts := make([]string, 0, len(x))
		for k, item := range x {
			parts = append(parts, valueKey(k)+":"+valueKey(item))
		}
		sort.Strings(parts)
		return "{" + strings.Join(parts, ",") + "}"
	}
	return fmt.Sprintf("?:%v", v)
}
