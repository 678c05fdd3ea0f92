package commands

import (
	"context"

	"github.com/spf13/cobra"

	"fedstate/internal/federation"
)

func newAppsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "apps",
		Aliases: []string{"applications"},
		Short:   "Application homing table",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List every application and its home sub-cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			homes, err := opts.client().GetApplicationsHomeSubCluster(ctx)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), homes)
			}
			return printApps(cmd.OutOrStdout(), homes)
		},
	}

	get := &cobra.Command{
		Use:   "get <application-id>",
		Short: "Show the home of one application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appID, err := federation.ParseApplicationID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			home, err := opts.client().GetApplicationHomeSubCluster(ctx, appID)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), home)
			}
			return printApps(cmd.OutOrStdout(), []federation.ApplicationHomeSubCluster{home})
		},
	}

	add := &cobra.Command{
		Use:   "add <application-id> <subcluster-id>",
		Short: "Home an application; fails if it already has a home",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := parseHome(args)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			if err := opts.client().AddApplicationHomeSubCluster(ctx, home); err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), "%s homed in %s", home.ApplicationID, home.HomeSubCluster)
			return nil
		},
	}

	update := &cobra.Command{
		Use:   "update <application-id> <subcluster-id>",
		Short: "Move an application to another home",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := parseHome(args)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			if err := opts.client().UpdateApplicationHomeSubCluster(ctx, home); err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), "%s moved to %s", home.ApplicationID, home.HomeSubCluster)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <application-id>",
		Short: "Forget an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appID, err := federation.ParseApplicationID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			if err := opts.client().DeleteApplicationHomeSubCluster(ctx, appID); err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), "%s deleted", appID)
			return nil
		},
	}

	cmd.AddCommand(list, get, add, update, del)
	return cmd
}

func parseHome(args []string) (federation.ApplicationHomeSubCluster, error) {
	appID, err := federation.ParseApplicationID(args[0])
	if err != nil {
		return federation.ApplicationHomeSubCluster{}, err
	}
	return federation.ApplicationHomeSubCluster{
		ApplicationID:  appID,
		HomeSubCluster: federation.SubClusterID(args[1]),
	}, nil
}
