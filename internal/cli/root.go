// Package cli implements idsctl, the command line front end of the analyzer.
// Commands run the same detection and alert store as the daemon, in
// process, against the configured snapshot and model artifacts.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/invisible-tech/tiered-ids/internal/alertstore"
	"github.com/invisible-tech/tiered-ids/internal/config"
	"github.com/invisible-tech/tiered-ids/internal/controller"
	"github.com/invisible-tech/tiered-ids/internal/detection"
)

// app holds the state shared by subcommands of one invocation.
type app struct {
	cfg     config.CLIConfig
	log     *logrus.Logger
	envFile string
	verbose bool

	ctrl *controller.Controller
}

// NewRootCmd builds the idsctl command tree.
func NewRootCmd() *cobra.Command {
	a := &app{log: logrus.New()}
	a.log.SetOutput(io.Discard)

	root := &cobra.Command{
		Use:   "idsctl",
		Short: "Analyze log lines and manage intrusion detection alerts",
		Long: `idsctl runs the web, database and email detection pipeline against
log lines given on the command line or stdin, and reads or clears the
alert snapshot shared with the ids daemon.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("output", "o", "", "output format: text, json, yaml (default $IDSCTL_OUTPUT or text)")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log pipeline activity to stderr")

	root.AddCommand(a.newAnalyzeCmd())
	root.AddCommand(a.newBulkCmd())
	root.AddCommand(a.newAlertsCmd())
	root.AddCommand(a.newStatsCmd())
	root.AddCommand(a.newSimulateCmd())
	return root
}

// Execute runs idsctl with the process arguments.
func Execute() error {
	return NewRootCmd().Execute()
}

func (a *app) init(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(a.envFile); err != nil {
		return err
	}
	a.cfg = config.DefaultCLIConfig()
	if out, _ := cmd.Flags().GetString("output"); out != "" {
		a.cfg.Output = out
	}
	switch a.cfg.Output {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q", a.cfg.Output)
	}
	if a.verbose {
		a.log.SetOutput(cmd.ErrOrStderr())
		a.log.SetLevel(logrus.DebugLevel)
	}
	return nil
}

// controller builds the façade on first use.
func (a *app) controller(ctx context.Context) (*controller.Controller, error) {
	if a.ctrl != nil {
		return a.ctrl, nil
	}
	det, err := detection.FromConfig(ctx, a.cfg.Detection, a.log)
	if err != nil {
		return nil, fmt.Errorf("load detection: %w", err)
	}
	store, err := alertstore.Open(alertstore.Config{
		Capacity:     a.cfg.Detection.AlertCapacity,
		SnapshotPath: a.cfg.Detection.SnapshotPath,
	}, a.log)
	if err != nil {
		return nil, fmt.Errorf("open alert store: %w", err)
	}
	a.ctrl = controller.New(controller.Config{}, det, store, a.log)
	return a.ctrl, nil
}
