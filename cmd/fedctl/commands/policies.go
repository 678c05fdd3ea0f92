package commands

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"fedstate/internal/federation"
)

func newPoliciesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Queue policy configurations",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List every queue policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			ps, err := opts.client().GetPoliciesConfigurations(ctx)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), ps)
			}
			return printPolicies(cmd.OutOrStdout(), ps)
		},
	}

	get := &cobra.Command{
		Use:   "get <queue>",
		Short: "Show the policy of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			p, err := opts.client().GetPolicyConfiguration(ctx, args[0])
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), p)
			}
			return printPolicies(cmd.OutOrStdout(), []federation.PolicyConfiguration{p})
		},
	}

	var (
		params     string
		paramsFile string
	)
	set := &cobra.Command{
		Use:   "set <queue> <type>",
		Short: "Create or replace the policy of a queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := federation.PolicyConfiguration{Queue: args[0], Type: args[1], Params: []byte(params)}
			if paramsFile != "" {
				b, err := os.ReadFile(paramsFile)
				if err != nil {
					return err
				}
				p.Params = b
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			if err := opts.client().SetPolicyConfiguration(ctx, p); err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), "policy of %s set to %s", p.Queue, p.Type)
			return nil
		},
	}
	set.Flags().StringVar(&params, "params", "", "policy parameters, stored as given")
	set.Flags().StringVar(&paramsFile, "params-file", "", "read policy parameters from a file")
	set.MarkFlagsMutuallyExclusive("params", "params-file")

	cmd.AddCommand(list, get, set)
	return cmd
}
