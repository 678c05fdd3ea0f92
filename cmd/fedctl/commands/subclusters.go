package commands

import (
	"context"

	"github.com/spf13/cobra"

	"fedstate/internal/federation"
)

func newSubClustersCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subclusters",
		Aliases: []string{"sc"},
		Short:   "Sub-cluster membership",
	}

	var active bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List sub-clusters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			infos, err := opts.client().GetSubClusters(ctx, active)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), infos)
			}
			return printSubClusters(cmd.OutOrStdout(), infos)
		},
	}
	list.Flags().BoolVar(&active, "active", false, "only RUNNING sub-clusters")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one sub-cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			info, err := opts.client().GetSubCluster(ctx, federation.SubClusterID(args[0]))
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), info)
			}
			return printSubClusters(cmd.OutOrStdout(), []federation.SubClusterInfo{info})
		},
	}

	var state string
	deregister := &cobra.Command{
		Use:   "deregister <id>",
		Short: "Move a sub-cluster to a terminal state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := federation.ParseSubClusterState(state)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			if err := opts.client().DeregisterSubCluster(ctx, federation.SubClusterID(args[0]), st); err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), "%s is now %s", args[0], st)
			return nil
		},
	}
	deregister.Flags().StringVar(&state, "state", string(federation.StateDecommissioned), "target state")

	cmd.AddCommand(list, get, deregister)
	return cmd
}
