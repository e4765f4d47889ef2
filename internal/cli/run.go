package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wesleyorama2/apptload/internal/output"
	"github.com/wesleyorama2/apptload/internal/performance/assertion"
	"github.com/wesleyorama2/apptload/internal/performance/engine"
	"github.com/wesleyorama2/apptload/internal/simulation"
)

type runFlags struct {
	configFlags
	all      bool
	outputs  []string
	quiet    bool
	noColor  bool
	progress time.Duration
}

func newRunCmd(a *app) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [simulation...]",
		Short: "Run one or more simulations against the appointment API",
		Long: `Run injects users following each simulation's profile, waits for the
last users to finish (bounded by the grace period), prints a summary and
evaluates the assertions. Several simulations run concurrently.

The command exits 1 when any assertion fails and 2 on configuration errors.`,
		Example: `  apptload run query --set baseUrl=http://localhost:3000 --set usersQuery=20
  apptload run --all -c load.yaml -o report.json
  USER_COUNT=5 RAMP_DURATION=10 CONSTANT_DURATION=30 apptload run create create-static`,
		ValidArgsFunction: completeSimulations,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulations(cmd, a, f, args)
		},
	}

	f.register(cmd)
	cmd.Flags().BoolVar(&f.all, "all", false, "Run every built-in simulation")
	cmd.Flags().StringArrayVarP(&f.outputs, "output", "o", nil, "Write a report file; the extension picks JSON or YAML (repeatable)")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "Print only PASSED or FAILED per simulation")
	cmd.Flags().BoolVar(&f.noColor, "no-color", false, "Disable colored output")
	cmd.Flags().DurationVar(&f.progress, "progress", time.Second, "Interval between progress updates; 0 disables them")
	return cmd
}

func runSimulations(cmd *cobra.Command, a *app, f *runFlags, args []string) error {
	names, err := selectSimulations(args, f.all)
	if err != nil {
		return err
	}
	for _, path := range f.outputs {
		if _, err := output.FormatFromPath(path); err != nil {
			return err
		}
	}

	cfg, err := f.load(cmd, a)
	if err != nil {
		return err
	}
	client, err := f.client(cfg)
	if err != nil {
		return err
	}
	opts, err := engine.OptionsFromSettings(cfg.Engine, client.Do, a.logger)
	if err != nil {
		return err
	}

	// Build everything before anything is scheduled.
	sims := make([]*engine.Simulation, len(names))
	engines := make([]*engine.Engine, len(names))
	for i, name := range names {
		sims[i], err = simulation.Build(name, cfg, simulation.Options{Seed: cfg.Engine.Seed})
		if err != nil {
			return err
		}
		engines[i], err = engine.New(sims[i], opts)
		if err != nil {
			return err
		}
	}

	console := output.NewConsole(output.ConsoleConfig{
		Writer:  a.stdout,
		Quiet:   f.quiet,
		NoColor: f.noColor,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := a.logger
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("running simulations",
		zap.Strings("simulations", names),
		zap.String("baseUrl", cfg.BaseURL),
		zap.Float64("timeScale", cfg.Engine.TimeScale))

	results := make([]*engine.Result, len(engines))
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range engines {
		sim := sims[i]
		g.Go(func() error {
			console.PrintHeader(sim.Name, sim.Description, sim.Profile.String())
			stopProgress := watchProgress(console, f.progress, sim, e)
			res, err := e.Run(gctx)
			stopProgress()
			results[i] = res
			if err != nil && !errors.Is(err, assertion.ErrAssertionFailed) {
				return fmt.Errorf("%s: %w", sim.Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, res := range results {
		console.PrintSummary(res)
	}

	report := output.NewReport(a.now(), results...)
	for _, path := range f.outputs {
		if err := output.WriteFile(path, report); err != nil {
			return err
		}
		if !f.quiet {
			fmt.Fprintf(a.stdout, "Report: %s\n", path)
		}
	}

	var failed []error
	for _, res := range results {
		if err := res.Verdict.Err(); err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", res.Name, err))
		}
	}
	return errors.Join(failed...)
}

// watchProgress prints progress every interval until the returned func is
// called. The func blocks until the last update has been written.
func watchProgress(console *output.Console, interval time.Duration, sim *engine.Simulation, e *engine.Engine) func() {
	if interval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				console.PrintProgress(output.ProgressFrom(sim.Name, sim.Profile.Duration(), e))
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}
