package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/apptload/internal/output"
	"github.com/wesleyorama2/apptload/internal/performance/engine"
	"github.com/wesleyorama2/apptload/internal/simulation"
)

func newValidateCmd(a *app) *cobra.Command {
	f := &configFlags{}
	var all bool

	cmd := &cobra.Command{
		Use:   "validate [simulation...]",
		Short: "Check the configuration and show what a run would inject",
		Long: `Validate loads the configuration exactly like run does, builds the named
simulations and prints their injection profiles without sending a request.
With no names every simulation is validated.`,
		ValidArgsFunction: completeSimulations,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := selectSimulations(args, all || len(args) == 0)
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
			opts, err := engine.OptionsFromSettings(cfg.Engine, client.Do, a.logger)
			if err != nil {
				return err
			}

			scheme := output.NoColorScheme()
			fmt.Fprintf(a.stdout, "Base URL: %s\n", cfg.BaseURL)
			for _, name := range names {
				sim, err := simulation.Build(name, cfg, simulation.Options{Seed: cfg.Engine.Seed})
				if err != nil {
					return err
				}
				if _, err := engine.New(sim, opts); err != nil {
					return err
				}

				fmt.Fprintf(a.stdout, "%s %s\n", scheme.SuccessIcon(), sim.Name)
				fmt.Fprintf(a.stdout, "    profile:  %s\n", sim.Profile)
				fmt.Fprintf(a.stdout, "    users:    %d over %s\n", sim.Profile.Count(), sim.Profile.Duration())
				fmt.Fprintf(a.stdout, "    requests: %d per user\n", len(sim.Scenario.Requests()))
				for _, rule := range sim.Assertions {
					fmt.Fprintf(a.stdout, "    assert:   %s\n", rule)
				}
			}
			return nil
		},
	}

	f.register(cmd)
	cmd.Flags().BoolVar(&all, "all", false, "Validate every built-in simulation (default when no names are given)")
	return cmd
}
