package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"swpttrade/internal/runner"
	"swpttrade/internal/scanners"
)

// NewRootCommand builds the swpt_trade command group.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "swpt_trade",
		Short:         "Circular trade settlement: solver, workers and maintenance jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		loopCommand("solver", "Start new turns and advance them through their phases",
			needs{solverDB: true, turns: true}, time.Minute,
			func(a *app) (func(int) (runner.Step, error), error) {
				svc := a.turnsService()
				return runner.Same(svc.Run), nil
			}),
		loopCommand("worker", "Run the shard's part of every active turn",
			needs{solverDB: true, workerDB: true}, time.Minute,
			func(a *app) (func(int) (runner.Step, error), error) {
				svc := a.workerTurnsService()
				return runner.Same(svc.Run), nil
			}),
		loopCommand("consume-messages", "Process messages from the bus",
			needs{solverDB: true, workerDB: true, bus: true, cache: true}, 0,
			consumeMessages),
		loopCommand("flush-messages", "Publish the outbox to the bus",
			needs{workerDB: true, bus: true}, time.Second,
			func(a *app) (func(int) (runner.Step, error), error) {
				f := a.flusher()
				return runner.Same(f.Run), nil
			}),
		loopCommand("fetch-debtor-infos", "Fetch due debtor info documents",
			needs{workerDB: true, cache: true}, 5*time.Second,
			func(a *app) (func(int) (runner.Step, error), error) {
				svc := a.debtorInfoService()
				return runner.Same(svc.ProcessDebtorInfoFetches), nil
			}),
		loopCommand("trigger-transfers", "Retry rescheduled transfer attempts",
			needs{workerDB: true}, 5*time.Second,
			func(a *app) (func(int) (runner.Step, error), error) {
				svc := a.transfersService()
				return runner.Same(svc.TriggerDue), nil
			}),
		loopCommand("process-dispatching", "Advance dispatching statuses",
			needs{workerDB: true}, 5*time.Second,
			processDispatching),
		loopCommand("handle-pristine-collectors", "Ask the ledgers to create new collector accounts",
			needs{solverDB: true, workerDB: true}, time.Minute,
			func(a *app) (func(int) (runner.Step, error), error) {
				svc := a.collectorsService()
				return runner.Same(svc.HandlePristineCollectors), nil
			}),
		scanCommand(),
		migrateCommand(),
	)
	return root
}

type loopFlags struct {
	processes int
	wait      time.Duration
	quitEarly bool
}

func (f *loopFlags) register(cmd *cobra.Command, defaultWait time.Duration) {
	cmd.Flags().IntVarP(&f.processes, "processes", "p", 1, "number of parallel loops")
	cmd.Flags().DurationVarP(&f.wait, "wait", "w", defaultWait, "minimum time between idle iterations")
	cmd.Flags().BoolVar(&f.quitEarly, "quit-early", false, "exit once there is no more work")
}

func (f *loopFlags) options() runner.Options {
	return runner.Options{Processes: f.processes, Wait: f.wait, QuitEarly: f.quitEarly}
}

type buildFunc func(a *app) (func(int) (runner.Step, error), error)

func loopCommand(role, short string, n needs, defaultWait time.Duration, build buildFunc) *cobra.Command {
	var flags loopFlags
	cmd := &cobra.Command{
		Use:   role,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRole(cmd.Context(), role, n, flags.options(), build)
		},
	}
	flags.register(cmd, defaultWait)
	return cmd
}

func scanCommand() *cobra.Command {
	var flags loopFlags
	cmd := &cobra.Command{
		Use:       "scan <table>",
		Short:     "Delete stale and foreign rows from a table",
		Long:      "Delete stale and foreign rows from a table. Tables: " + strings.Join(scanners.Tables(), ", "),
		Args:      cobra.ExactArgs(1),
		ValidArgs: scanners.Tables(),
		RunE: func(cmd *cobra.Command, args []string) error {
			table := args[0]
			n := needs{workerDB: true}
			if table == "turns" {
				n = needs{solverDB: true}
			}
			opts := flags.options()
			if opts.Processes > 1 {
				return fmt.Errorf("scan runs in a single process")
			}
			return runRole(cmd.Context(), "scan-"+table, n, opts, func(a *app) (func(int) (runner.Step, error), error) {
				s, err := a.scanner(table)
				if err != nil {
					return nil, err
				}
				return runner.Same(s.Run), nil
			})
		},
	}
	flags.register(cmd, time.Minute)
	return cmd
}

// Every process scans the statuses with its own cursor.
func processDispatching(a *app) (func(int) (runner.Step, error), error) {
	return runner.PerProcess(func() runner.Step {
		return a.dispatchingService().ProcessDispatching
	}), nil
}

func consumeMessages(a *app) (func(int) (runner.Step, error), error) {
	nats := a.cfg.NATS
	if err := a.bus.EnsureStream(nats.Stream, []string{nats.SubjectPrefix + ".>"}); err != nil {
		return nil, err
	}
	source, err := a.bus.PullSubscribe(nats.Stream, nats.Consumer, a.realm.Subject(nats.SubjectPrefix))
	if err != nil {
		return nil, err
	}
	return func(int) (runner.Step, error) {
		return a.consumer(source).Run, nil
	}, nil
}

func runRole(parent context.Context, role string, n needs, opts runner.Options, build buildFunc) error {
	if parent == nil {
		parent = context.Background()
	}
	a, err := newApp(parent, role, n)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := runner.WithSignals(parent, a.logger)
	defer cancel()

	newStep, err := build(a)
	if err != nil {
		return err
	}
	if addr := a.cfg.Probe.Addr; addr != "" {
		probe := runner.StartProbeServer(addr, runner.NewProbeRouter(role, a.checks(), a.logger), a.logger)
		defer probe.Shutdown()
	}
	return runner.Run(ctx, role, newStep, opts, a.logger)
}

// Execute runs the command line and returns the error that should make the
// process exit with a non-zero status.
func Execute() error {
	return NewRootCommand().Execute()
}
