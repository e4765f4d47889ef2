package cli

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/apptload/internal/output"
	"github.com/wesleyorama2/apptload/internal/performance"
	"github.com/wesleyorama2/apptload/internal/performance/metrics"
	"github.com/wesleyorama2/apptload/internal/simulation"
)

// outcomeLog keeps outcomes in arrival order.
type outcomeLog struct {
	mu       sync.Mutex
	outcomes []metrics.Outcome
}

func (l *outcomeLog) Record(o metrics.Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes = append(l.outcomes, o)
}

func newProbeCmd(a *app) *cobra.Command {
	f := &configFlags{}
	var noColor bool

	cmd := &cobra.Command{
		Use:   "probe <simulation>",
		Short: "Send one user through a simulation's scenario and show each request",
		Long: `Probe runs a single virtual user through the scenario of a simulation, with
no injection profile and no assertions, and prints the outcome of every
request. Use it to check that the API is reachable and the checks hold
before starting a load run.`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completeSimulations,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := selectSimulations(args, false)
			if err != nil {
				return err
			}
			cfg, err := f.load(cmd, a)
			if err != nil {
				return err
			}
			client, err := f.client(cfg)
			if err != nil {
				return err
			}
			sim, err := simulation.Build(names[0], cfg, simulation.Options{Seed: cfg.Engine.Seed})
			if err != nil {
				return err
			}
			policy, err := performance.ParseCheckPolicy(cfg.Engine.CheckPolicy)
			if err != nil {
				return err
			}

			session, err := performance.FeederSessions(sim.Feeder)(performance.Spawn{Index: 1})
			if err != nil {
				return err
			}

			var clock performance.Clock = performance.RealClock{}
			if cfg.Engine.TimeScale != 1 {
				clock = performance.NewScaledClock(cfg.Engine.TimeScale)
			}

			log := &outcomeLog{}
			vu := performance.NewVirtualUser(1, sim.Scenario, session, performance.UserConfig{
				Exec:           client.Do,
				Recorder:       log,
				Clock:          clock,
				CheckPolicy:    policy,
				RequestTimeout: cfg.Engine.Timeout(),
				Logger:         a.logger,
			})

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			state := vu.Run(ctx)

			scheme := output.DefaultColorScheme()
			if noColor {
				scheme = output.NoColorScheme()
			}
			failed := 0
			fmt.Fprintf(a.stdout, "%s → %s (session %s)\n", sim.Name, client.BaseURL(), session.ID)
			for _, o := range log.outcomes {
				icon := scheme.SuccessIcon()
				if !o.Succeeded() {
					icon = scheme.ErrorIcon()
					failed++
				}
				line := fmt.Sprintf("  %s %-22s %3d %8s", icon, o.Name, o.Status, o.Latency.Round(100*time.Microsecond))
				if o.Failure != metrics.FailureNone {
					line += fmt.Sprintf("  %s: %s", o.Failure, o.Message)
				}
				fmt.Fprintln(a.stdout, line)
			}
			fmt.Fprintf(a.stdout, "user %s after %d request(s)\n", state, len(log.outcomes))

			if failed > 0 {
				return fmt.Errorf("probe %s: %d of %d request(s) failed", sim.Name, failed, len(log.outcomes))
			}
			return nil
		},
	}

	f.register(cmd)
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	return cmd
}
