package main

import (
	"fmt"
	"log/slog"
	"os"
	"reconciler/internal/config"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "RECONCILER"

// newRootCmd builds the command tree. Flags are bound into v, which also
// reads RECONCILER_* environment variables. A nil v gets a fresh instance.
func newRootCmd(v *viper.Viper) *cobra.Command {
	if v == nil {
		v = viper.New()
	}

	root := &cobra.Command{
		Use:   "reconciler",
		Short: "Keeps a compute backend in line with the study registry",
		Long: `reconciler compares the jobs the Registry reports as ready with the jobs the
ResultStore already knows and the resources the compute backend has deployed.
It launches what is missing, removes what has finished, and marks failed jobs
as errored.

Backends: ecs, docker, kubernetes.

Settings come from the YAML file given by --config, then the environment
(REGISTRY_URL, RESULTS_URL, ECS_CLUSTER, ...). --backend overrides both.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLevel(v.GetString("log-level"))
			if err != nil {
				return err
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "path to a YAML config file")
	flags.String("backend", "", "compute backend: ecs, docker or kubernetes")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	_ = v.BindPFlags(flags)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	// LOG_LEVEL is honoured without the prefix as well.
	_ = v.BindEnv("log-level", envPrefix+"_LOG_LEVEL", "LOG_LEVEL")

	root.AddCommand(
		newRunCmd(v),
		newCheckErrorsCmd(v),
		newServeCmd(v),
	)
	return root
}

// loadConfig loads the process configuration with the flag overrides in v.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load(v.GetString("config"), config.WithBackend(v.GetString("backend")))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
