package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"fedstate/internal/agent"
	"fedstate/internal/api"
	"fedstate/internal/federation"
	"fedstate/internal/logger"
)

var version = "dev"

// fileConfig lets one process heartbeat for several sub-clusters.
type fileConfig struct {
	Server           string         `yaml:"server"`
	Interval         time.Duration  `yaml:"interval"`
	DeregisterOnExit *bool          `yaml:"deregister_on_exit"`
	Log              logger.Config  `yaml:"log"`
	SubClusters      []agent.Config `yaml:"subclusters"`
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fedstate-agent:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath  string
		server   string
		logLevel string
		single   agent.Config
	)
	cmd := &cobra.Command{
		Use:           "fedstate-agent",
		Short:         "Register a sub-cluster with the federation state store and keep it alive",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fc := fileConfig{Server: server, Log: logger.Config{Level: logLevel}}
			if cfgPath != "" {
				loaded, err := loadFile(cfgPath)
				if err != nil {
					return err
				}
				fc = mergeFile(loaded, fc, cmd)
			} else {
				fc.SubClusters = []agent.Config{single}
			}
			fc.Log.ServiceName = "fedstate-agent"
			fc.Log.Version = version
			log := logger.Init(fc.Log)
			defer func() { _ = log.Sync() }()

			if len(fc.SubClusters) == 0 {
				return fmt.Errorf("no sub-clusters configured in %s", cfgPath)
			}
			client := api.NewClient(fc.Server)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			g, ctx := errgroup.WithContext(ctx)
			for _, sc := range fc.SubClusters {
				if sc.Interval <= 0 {
					sc.Interval = fc.Interval
				}
				if fc.DeregisterOnExit != nil {
					sc.DeregisterOnExit = *fc.DeregisterOnExit
				}
				a := agent.New(sc, client, agent.WithLogger(log))
				g.Go(func() error { return a.Run(ctx) })
			}
			log.Info("agent started", zap.String("server", fc.Server), zap.Int("subclusters", len(fc.SubClusters)))
			return g.Wait()
		},
	}

	f := cmd.Flags()
	f.StringVarP(&cfgPath, "config", "c", "", "YAML file listing the sub-clusters to heartbeat for")
	f.StringVar(&server, "server", "http://127.0.0.1:8700", "fedstate server HTTP address")
	f.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	f.Var((*subClusterIDFlag)(&single.SubClusterID), "id", "sub-cluster id")
	f.StringVar(&single.AMRMServiceAddress, "amrm", "", "AM-RM service address")
	f.StringVar(&single.ClientRMServiceAddress, "client-rm", "", "client-RM service address")
	f.StringVar(&single.RMAdminServiceAddress, "rm-admin", "", "RM admin service address")
	f.StringVar(&single.RMWebServiceAddress, "rm-web", "", "RM web service address")
	f.StringVar(&single.Capability, "capability", "", "capability reported with every heartbeat")
	f.DurationVar(&single.Interval, "interval", time.Minute, "heartbeat interval")
	f.BoolVar(&single.DeregisterOnExit, "deregister", true, "mark the sub-cluster UNREGISTERED on exit")
	return cmd
}

func loadFile(path string) (fileConfig, error) {
	var fc fileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return fc, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

// mergeFile fills gaps in the file from flags; explicitly set flags win.
func mergeFile(file, flags fileConfig, cmd *cobra.Command) fileConfig {
	if file.Server == "" || cmd.Flags().Changed("server") {
		file.Server = flags.Server
	}
	if file.Log.Level == "" || cmd.Flags().Changed("log-level") {
		file.Log.Level = flags.Log.Level
	}
	return file
}

type subClusterIDFlag federation.SubClusterID

func (f *subClusterIDFlag) String() string     { return string(*f) }
func (f *subClusterIDFlag) Set(v string) error { *f = subClusterIDFlag(v); return nil }
func (f *subClusterIDFlag) Type() string       { return "string" }
