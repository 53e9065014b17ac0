package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"groupfeed/internal/app"
	"groupfeed/internal/config"
)

func newRunCmd() *cobra.Command {
	var (
		configPath  string
		stopTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the platform bot and every hosted worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, stopTimeout)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file (json or yaml)")
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 30*time.Second, "upper bound for a graceful shutdown")
	return cmd
}

func runServe(ctx context.Context, configPath string, stopTimeout time.Duration) error {
	a, err := app.New(configPath)
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := a.Start(runCtx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopAppStop
	select {
	case s := <-sigs:
		reason = app.SignalReason(s)
	case <-a.Done():
		reason = app.StopFatalError
	case <-ctx.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if reason.Failed() {
		if err := a.Err(); err != nil {
			return err
		}
		return errors.New("stopped unexpectedly")
	}
	return nil
}

func newCheckConfigCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewManager(configPath).Load()
			if err != nil {
				return err
			}
			tm, err := cfg.Timings()
			if err != nil {
				return err
			}
			driver := cfg.StorageOptions().Driver
			if driver == "" {
				driver = "sqlite"
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok: %s\n", configPath)
			fmt.Fprintf(out, "  storage:      %s\n", driver)
			fmt.Fprintf(out, "  interval:     %s\n", tm.Interval)
			fmt.Fprintf(out, "  stop grace:   %s\n", tm.StopGrace)
			fmt.Fprintf(out, "  pending ttl:  %s\n", tm.PendingTTL)
			fmt.Fprintf(out, "  admin api:    %s\n", onOff(cfg.Admin.Enabled))
			fmt.Fprintf(out, "  telegram log: %s\n", onOff(cfg.Logging.Telegram.Enabled))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file (json or yaml)")
	return cmd
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
