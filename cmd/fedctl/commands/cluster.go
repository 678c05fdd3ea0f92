package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newClusterCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Server health and raft membership",
	}

	health := &cobra.Command{
		Use:   "health",
		Short: "Check that the server and its store answer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			h, err := opts.client().Health(ctx)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), h)
			}
			msg := fmt.Sprintf("%s is %s", opts.server, h.Status)
			if h.Leader != nil {
				role := "follower"
				if *h.Leader {
					role = "leader"
				}
				msg += " (" + role + ")"
			}
			printSuccess(cmd.OutOrStdout(), "%s", msg)
			return nil
		},
	}

	join := &cobra.Command{
		Use:   "join <node-id> <raft-addr>",
		Short: "Add a raft voter; --server must point at the leader",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			if err := opts.client().Join(ctx, args[0], args[1]); err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), "%s joined at %s", args[0], args[1])
			return nil
		},
	}

	cmd.AddCommand(health, join)
	return cmd
}
