// Package aspen is a declarative rule-based constraint solving engine:
// it grounds variable-bearing rules over finite domains, searches for
// an answer set satisfying disjunctive rules, choice rules, aggregates
// and integrity constraints, and projects the answer set into nested
// structured output.
package aspen

import (
	"context"
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/aspenlogic/aspen/pkg/aspen/ast"
	"github.com/aspenlogic/aspen/pkg/aspen/config"
	"github.com/aspenlogic/aspen/pkg/aspen/facts"
	"github.com/aspenlogic/aspen/pkg/aspen/ground"
	"github.com/aspenlogic/aspen/pkg/aspen/progfile"
	"github.com/aspenlogic/aspen/pkg/aspen/project"
	"github.com/aspenlogic/aspen/pkg/aspen/solve"
)

// LoadProgram reads a YAML program document: rule schemas, domain
// declarations, output specification, and optional inline facts.
func LoadProgram(path string) (*ast.Program, *project.Spec, []ast.Atom, error) {
	return progfile.Load(path)
}

// Engine runs the ground/solve/project pipeline
type Engine struct {
	cfg config.Config
	log *logrus.Logger

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// Options configures an Engine instance
type Options struct {
	Config config.Config

	// Logger receives grounding and solving debug traces. Nil keeps
	// the engine silent.
	Logger *logrus.Logger
}

// New creates an Engine with the given options
func New(opts Options) *Engine {
	cfg := opts.Config
	if cfg == (config.Config{}) {
		cfg = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return &Engine{
		cfg:     cfg,
		log:     log,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Result is one run's outcome: the materialized answer set, the
// projected output value per named root, and search statistics.
type Result struct {
	RunID  string
	Model  []ast.Atom
	Output map[string]any
	Stats  solve.Stats
}

func (e *Engine) newRunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), e.entropy).String()
}

// Solve runs the whole pipeline once: snapshot the fact source, ground
// the program, search for the first answer set, and evaluate the
// output specification against it. src and spec may be nil. A program
// with no answer set fails with internalerr.ErrInconsistent; no
// partial output is ever returned together with an error.
func (e *Engine) Solve(ctx context.Context, prog *ast.Program, spec *project.Spec, src facts.Source) (*Result, error) {
	runID := e.newRunID()
	log := e.log.WithField("run", runID)

	// Specification errors surface before any search effort.
	if spec != nil {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
	}

	gp, err := e.prepare(ctx, prog, src, log)
	if err != nil {
		return nil, err
	}

	solveCtx := ctx
	if e.cfg.Solver.Timeout > 0 {
		var cancel context.CancelFunc
		solveCtx, cancel = context.WithTimeout(ctx, time.Duration(e.cfg.Solver.Timeout))
		defer cancel()
	}

	model, stats, err := solve.Portfolio(solveCtx, gp, solve.Options{
		Logger:   log,
		MaxSteps: e.cfg.Solver.MaxSteps,
	}, e.cfg.Solver.PortfolioWorkers)
	if err != nil {
		return nil, err
	}

	return e.finish(runID, gp, model, stats, spec)
}

// prepare snapshots the fact source and grounds the program
func (e *Engine) prepare(ctx context.Context, prog *ast.Program, src facts.Source, log logrus.FieldLogger) (*ground.Program, error) {
	var snapshot []ast.Atom
	if src != nil {
		var err error
		snapshot, err = src.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
	}
	return ground.Ground(prog, snapshot, ground.Options{Logger: log})
}

// finish projects the model and assembles the result
func (e *Engine) finish(runID string, gp *ground.Program, model *solve.Model, stats solve.Stats, spec *project.Spec) (*Result, error) {
	res := &Result{
		RunID: runID,
		Model: model.Atoms(gp.Universe),
		Stats: stats,
	}
	if spec != nil && len(spec.Roots) > 0 {
		out, err := spec.Eval(ground.NewSource(gp.Universe, model.Contains))
		if err != nil {
			return nil, err
		}
		res.Output = out
	}
	return res, nil
}

// Models grounds the program once and returns an enumerator that
// produces answer sets on demand, in the deterministic search order.
// Enumeration is single-threaded.
func (e *Engine) Models(ctx context.Context, prog *ast.Program, spec *project.Spec, src facts.Source) (*Models, error) {
	if spec != nil {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
	}
	log := e.log.WithField("run", "enumerate")
	gp, err := e.prepare(ctx, prog, src, log)
	if err != nil {
		return nil, err
	}
	return &Models{
		engine: e,
		gp:     gp,
		spec:   spec,
		solver: solve.New(gp, solve.Options{Logger: log, MaxSteps: e.cfg.Solver.MaxSteps}),
	}, nil
}

// Models enumerates the answer sets of one grounded program
type Models struct {
	engine *Engine
	gp     *ground.Program
	spec   *project.Spec
	solver *solve.Solver
}

// Next returns the next answer set, or internalerr.ErrInconsistent
// once the search tree is exhausted.
func (m *Models) Next(ctx context.Context) (*Result, error) {
	model, err := m.solver.Next(ctx)
	if err != nil {
		return nil, err
	}
	return m.engine.finish(m.engine.newRunID(), m.gp, model, m.solver.Stats(), m.spec)
}
