package solve

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/aspenlogic/aspen/pkg/aspen/ground"
	"github.com/aspenlogic/aspen/pkg/aspen/internalerr"
)

// Portfolio runs independent solver instances over the shared
// read-only ground program, differing only in branch-order seed. Each
// worker owns its assignment and trail exclusively. The first worker
// to reach an answer set or an exhaustive Inconsistent result wins;
// the rest are cancelled cooperatively at their next poll point.
//
// With workers <= 1 this is a plain single-threaded solve.
func Portfolio(ctx context.Context, p *ground.Program, opts Options, workers int) (*Model, Stats, error) {
	if workers <= 1 {
		s := New(p, opts)
		m, err := s.Solve(ctx)
		return m, s.Stats(), err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, runCtx := errgroup.WithContext(runCtx)

	type outcome struct {
		model *Model
		stats Stats
		err   error
	}
	results := make(chan outcome, workers)

	for i := 0; i < workers; i++ {
		o := opts
		o.OrderSeed = i
		g.Go(func() error {
			s := New(p, o)
			m, err := s.Solve(runCtx)
			results <- outcome{model: m, stats: s.Stats(), err: err}
			return nil
		})
	}

	var won *outcome
	var firstErr error
	for i := 0; i < workers; i++ {
		o := <-results
		conclusive := o.err == nil || errors.Is(o.err, internalerr.ErrInconsistent)
		if won == nil && conclusive {
			won = &o
			cancel()
		}
		if firstErr == nil && o.err != nil && !errors.Is(o.err, context.Canceled) {
			firstErr = o.err
		}
	}
	_ = g.Wait()

	if won != nil {
		return won.model, won.stats, won.err
	}
	if firstErr == nil {
		firstErr = ctx.Err()
	}
	return nil, Stats{}, firstErr
}
