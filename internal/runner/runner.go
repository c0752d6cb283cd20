// ==============================================================================
// POLL LOOPS - internal/runner/runner.go
// ==============================================================================
package runner

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"swpttrade/pkg/logger"
)

// Step does one unit of work. It reports true when more work is
// immediately available and the loop should not sleep.
type Step func(ctx context.Context) (more bool, err error)

type Options struct {
	// Processes is the number of loops run in parallel.
	Processes int
	// Wait is the minimum time between the starts of two idle iterations.
	Wait time.Duration
	// QuitEarly stops a loop after the first iteration that finds no
	// more work.
	QuitEarly bool
}

// Poll calls step until ctx is cancelled. Errors are logged and the loop
// continues after the usual wait. A panicking step stops the loop with an
// error.
func Poll(ctx context.Context, name string, step Step, opts Options, log logger.Logger) (err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("Loop crashed", map[string]interface{}{
				"loop":  name,
				"error": fmt.Sprint(p),
				"stack": string(debug.Stack()),
			})
			err = fmt.Errorf("%s: %v", name, p)
		}
	}()

	for ctx.Err() == nil {
		started := time.Now()
		more, stepErr := step(ctx)
		if stepErr != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("Loop iteration failed", map[string]interface{}{
				"loop":  name,
				"error": stepErr.Error(),
			})
			more = false
		}
		if more {
			continue
		}
		if opts.QuitEarly {
			return nil
		}
		if !sleep(ctx, opts.Wait-time.Since(started)) {
			return nil
		}
	}
	return nil
}

// sleep reports false when ctx was cancelled before d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Run starts opts.Processes loops, each with its own step built by
// newStep, and waits for all of them. The first failing loop cancels the
// rest.
func Run(ctx context.Context, name string, newStep func(i int) (Step, error), opts Options, log logger.Logger) error {
	n := opts.Processes
	if n < 1 {
		n = 1
	}
	steps := make([]Step, n)
	for i := range steps {
		step, err := newStep(i)
		if err != nil {
			return err
		}
		steps[i] = step
	}

	log.Info("Starting loops", map[string]interface{}{
		"loop":      name,
		"processes": n,
		"wait":      opts.Wait.String(),
	})
	g, gctx := errgroup.WithContext(ctx)
	for i := range steps {
		step := steps[i]
		g.Go(func() error {
			return Poll(gctx, name, step, opts, log)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Loops stopped", map[string]interface{}{"loop": name})
	return nil
}

// Same returns a step factory that hands the same step to every process.
func Same(step Step) func(int) (Step, error) {
	return func(int) (Step, error) { return step, nil }
}

// PerProcess returns a step factory that builds a fresh step for every
// process. Use it for steps that keep state between iterations.
func PerProcess(newStep func() Step) func(int) (Step, error) {
	return func(int) (Step, error) { return newStep(), nil }
}
