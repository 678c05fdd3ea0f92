// Package commands implements the fedctl operator CLI.
package commands

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"fedstate/internal/api"
)

type rootOptions struct {
	server  string
	output  string
	timeout time.Duration
}

func (o *rootOptions) client() *api.Client {
	return api.NewClient(o.server)
}

// Execute runs fedctl with os.Args.
func Execute(version string) error {
	cmd := NewRootCmd()
	cmd.Version = version
	err := cmd.Execute()
	if err != nil {
		printError(cmd.ErrOrStderr(), err)
	}
	return err
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "fedctl",
		Short: "Inspect and edit the federation state store",
		Long: `fedctl talks to a fedstate server over its HTTP API. It lists and edits
sub-cluster membership, application homing and queue policies.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	server := os.Getenv("FEDSTATE_SERVER")
	if server == "" {
		server = "http://127.0.0.1:8700"
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&opts.server, "server", "s", server, "fedstate server address ($FEDSTATE_SERVER)")
	pf.StringVarP(&opts.output, "output", "o", "table", "output format: table or json")
	pf.DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newSubClustersCmd(opts),
		newAppsCmd(opts),
		newPoliciesCmd(opts),
		newClusterCmd(opts),
	)
	return root
}
