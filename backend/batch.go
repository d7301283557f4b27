package backend

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Result pairs a rule's compiled output with its compile error.
type Result struct {
	Input RuleInput
	Rule  *CompiledRule
	Err   error
}

// CompileAll compiles rules concurrently with at most workers in flight
// (GOMAXPROCS when workers <= 0). Results are returned in input order.
// Compile errors are reported per result; the returned error is only set
// when ctx is cancelled, in which case unscheduled rules carry ctx.Err().
func CompileAll(ctx context.Context, c Compiler, rules []RuleInput, workers int) ([]Result, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	results := make([]Result, len(rules))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := range rules {
		results[i].Input = rules[i]
		if err := gctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Rule, results[i].Err = c.Compile(rules[i])
			return nil
		})
	}
	_ = g.Wait()
	return results, ctx.Err()
}
