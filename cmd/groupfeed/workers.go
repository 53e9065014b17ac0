package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"groupfeed/internal/config"
	"groupfeed/internal/storage"
	logx "groupfeed/pkg/logx"
)

// Workers commands edit registrations in the store. A running process picks
// the change up at its next reconcile pass.
func newWorkersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "Inspect and manage hosted worker registrations",
	}
	cmd.AddCommand(newWorkersListCmd())
	cmd.AddCommand(newWorkersSetActiveCmd("enable", "Mark a registration active", true))
	cmd.AddCommand(newWorkersSetActiveCmd("disable", "Mark a registration inactive", false))
	cmd.AddCommand(newWorkersDeleteCmd())
	return cmd
}

func openStore(ctx context.Context, configPath string) (*storage.Store, error) {
	cfg, err := config.NewManager(configPath).Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	st, err := storage.Open(ctx, cfg.StorageOptions(), logx.Nop())
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return st, nil
}

func newWorkersListCmd() *cobra.Command {
	var (
		configPath string
		owner      int64
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			var ws []storage.Worker
			if owner != 0 {
				ws, err = st.ListOwnerWorkers(cmd.Context(), owner)
			} else {
				ws, err = st.ListWorkers(cmd.Context())
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(ws) == 0 {
				fmt.Fprintln(out, "No workers registered.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WORKER\tHANDLE\tOWNER\tACTIVE\tUPDATED")
			for _, w := range ws {
				fmt.Fprintf(tw, "%d\t@%s\t%d\t%t\t%s\n",
					w.WorkerID, w.Handle, w.OwnerID, w.Active, w.UpdatedAt.UTC().Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file (json or yaml)")
	cmd.Flags().Int64Var(&owner, "owner", 0, "only list this owner's registrations")
	return cmd
}

func newWorkersSetActiveCmd(use, short string, active bool) *cobra.Command {
	var (
		configPath string
		owner      int64
	)
	cmd := &cobra.Command{
		Use:   use + " <worker-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			w, err := resolveWorker(cmd.Context(), st, args[0], owner)
			if err != nil {
				return err
			}
			if err := st.SetWorkerActive(cmd.Context(), w.OwnerID, w.WorkerID, active); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Worker %d (@%s, owner %d): active=%t\n", w.WorkerID, w.Handle, w.OwnerID, active)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file (json or yaml)")
	cmd.Flags().Int64Var(&owner, "owner", 0, "owner of the registration (required when several owners registered the worker)")
	return cmd
}

func newWorkersDeleteCmd() *cobra.Command {
	var (
		configPath string
		owner      int64
	)
	cmd := &cobra.Command{
		Use:   "delete <worker-id>",
		Short: "Delete a registration with its destinations and submissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer st.Close()

			w, err := resolveWorker(cmd.Context(), st, args[0], owner)
			if err != nil {
				return err
			}
			if err := st.DeleteWorker(cmd.Context(), w.OwnerID, w.WorkerID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted worker %d (@%s, owner %d)\n", w.WorkerID, w.Handle, w.OwnerID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file (json or yaml)")
	cmd.Flags().Int64Var(&owner, "owner", 0, "owner of the registration (required when several owners registered the worker)")
	return cmd
}

// resolveWorker finds the registration for raw. Without an owner the worker
// id must be registered by exactly one owner.
func resolveWorker(ctx context.Context, st *storage.Store, raw string, owner int64) (*storage.Worker, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("invalid worker id %q", raw)
	}
	if owner != 0 {
		return st.GetWorker(ctx, owner, id)
	}
	ws, err := st.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	var found []storage.Worker
	for _, w := range ws {
		if w.WorkerID == id {
			found = append(found, w)
		}
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("worker %d: %w", id, storage.ErrNotFound)
	case 1:
		return &found[0], nil
	default:
		return nil, fmt.Errorf("worker %d is registered by %d owners; pass --owner", id, len(found))
	}
}
