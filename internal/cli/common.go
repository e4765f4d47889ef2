package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/apptload/internal/config"
	apphttp "github.com/wesleyorama2/apptload/internal/http"
	"github.com/wesleyorama2/apptload/internal/simulation"
)

// configFlags are shared by every command that needs a Config.
type configFlags struct {
	path        string
	set         []string
	timeScale   float64
	seed        int64
	checkPolicy string
	headers     []string
}

func (f *configFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.path, "config", "c", "", "Configuration file (.yaml, .yml, .json or .properties)")
	cmd.Flags().StringArrayVar(&f.set, "set", nil, "Override an option, e.g. --set usersQuery=20 (repeatable)")
	cmd.Flags().Float64Var(&f.timeScale, "time-scale", 0, "Run scheduled time this many times faster than wall time")
	cmd.Flags().Int64Var(&f.seed, "seed", 0, "Seed for feeder shuffling")
	cmd.Flags().StringVar(&f.checkPolicy, "check-policy", "", "What a failed check does: continue or abort-user")
	cmd.Flags().StringArrayVarP(&f.headers, "header", "H", nil, "HTTP header sent with every request, e.g. -H 'Authorization: Bearer x' (repeatable)")
}

// load assembles the configuration; command-line engine flags win over the file.
func (f *configFlags) load(cmd *cobra.Command, a *app) (*config.Config, error) {
	overrides, err := config.ParseOverrides(f.set)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(config.Sources{
		Path:      f.path,
		LookupEnv: a.lookupEnv,
		Overrides: overrides,
	})
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("time-scale") {
		cfg.Engine.TimeScale = f.timeScale
	}
	if cmd.Flags().Changed("seed") {
		cfg.Engine.Seed = f.seed
	}
	if cmd.Flags().Changed("check-policy") {
		cfg.Engine.CheckPolicy = f.checkPolicy
	}
	if err := cfg.Engine.Validate(); err != nil {
		return nil, err
	}
	if cfg.Engine.TimeScale <= 0 {
		return nil, &config.ValidationError{Field: "engine.timeScale", Message: "must be greater than 0"}
	}
	return cfg, nil
}

// client builds the HTTP client shared by every simulation of one invocation.
func (f *configFlags) client(cfg *config.Config) (*apphttp.Client, error) {
	options := []apphttp.ClientOption{apphttp.WithBaseURL(cfg.BaseURL)}
	for _, h := range f.headers {
		key, value, ok := strings.Cut(h, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, &config.ValidationError{Field: "header", Message: fmt.Sprintf("header must look like 'Name: value', got %q", h)}
		}
		options = append(options, apphttp.WithHeader(key, strings.TrimSpace(value)))
	}

	httpCfg := apphttp.DefaultConfig()
	httpCfg.Timeout = cfg.Engine.Timeout()
	return apphttp.NewClient(httpCfg, options...), nil
}

// selectSimulations resolves positional names, or every simulation with all.
// Duplicates are dropped and the order is stable.
func selectSimulations(args []string, all bool) ([]string, error) {
	if all {
		if len(args) > 0 {
			return nil, &config.ValidationError{Field: "simulation", Message: "--all cannot be combined with simulation names"}
		}
		return simulation.Names(), nil
	}
	if len(args) == 0 {
		return nil, &config.ValidationError{
			Field:   "simulation",
			Message: fmt.Sprintf("name a simulation or pass --all (available: %s)", strings.Join(simulation.Names(), ", ")),
		}
	}

	seen := make(map[string]bool, len(args))
	names := make([]string, 0, len(args))
	for _, name := range args {
		if _, ok := simulation.Lookup(name); !ok {
			return nil, &config.ValidationError{
				Field:   "simulation",
				Message: fmt.Sprintf("unknown simulation %q (available: %s)", name, strings.Join(simulation.Names(), ", ")),
			}
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names, nil
}

// completeSimulations offers simulation names for shell completion.
func completeSimulations(_ *cobra.Command, args []string, _ string) ([]string, cobra.ShellCompDirective) {
	used := make(map[string]bool, len(args))
	for _, a := range args {
		used[a] = true
	}
	var out []string
	for _, name := range simulation.Names() {
		if !used[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, cobra.ShellCompDirectiveNoFileComp
}
