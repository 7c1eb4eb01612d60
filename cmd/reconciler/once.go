package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one studies pass: launch pending jobs, then clean up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return once(cmd, v, func(ctx context.Context, c *components) (any, error) {
				return c.driver(nil).RunStudies(ctx)
			})
		},
	}
}

func newCheckErrorsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "check-errors",
		Short: "Run one error scan: report failed jobs as errored",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return once(cmd, v, func(ctx context.Context, c *components) (any, error) {
				return c.detector(nil).CheckForErrors(ctx)
			})
		},
	}
}

// once wires the reconciler, runs a single pass bounded by PassTimeout and
// SIGINT/SIGTERM, and prints its result as JSON. A pass error fails the command.
func once(cmd *cobra.Command, v *viper.Viper, pass func(context.Context, *components) (any, error)) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.PassTimeout)
		defer cancel()
	}

	stopTracing, err := startTracing(ctx, cfg)
	if err != nil {
		return err
	}
	defer stopTracing()

	c, err := wire(cfg)
	if err != nil {
		return err
	}
	defer c.close()

	result, passErr := pass(ctx, c)
	if err := printResult(cmd.OutOrStdout(), result); err != nil {
		return err
	}
	return passErr
}

func printResult(w io.Writer, result any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
