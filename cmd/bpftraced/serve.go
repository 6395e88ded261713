package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/bpftraced"
)

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the bpftraced daemon",
		Long: `Start the daemon. Configuration comes from the TOML file (optional) and
BPFTRACED_* environment variables, e.g. BPFTRACED_SERVER_LISTEN=0.0.0.0:7171.

Examples:
  bpftraced serve
  bpftraced serve /etc/bpftraced.toml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runServe(cmd.Context(), path)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := bpftraced.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := bpftraced.Open(ctx, cfg)
	if err != nil {
		return err
	}
	runErr := d.Run(ctx)
	if err := d.Close(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
