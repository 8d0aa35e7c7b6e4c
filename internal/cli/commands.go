package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/invisible-tech/tiered-ids/internal/controller"
	"github.com/invisible-tech/tiered-ids/internal/types"
)

func (a *app) newAnalyzeCmd() *cobra.Command {
	var domain string
	cmd := &cobra.Command{
		Use:   "analyze [log-line]",
		Short: "Analyze one log line (read from stdin when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := types.ParseDomain(domain)
			if err != nil {
				return err
			}
			var line string
			if len(args) == 1 {
				line = args[0]
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				line = strings.TrimRight(string(data), "\r\n")
			}
			if strings.TrimSpace(line) == "" {
				return fmt.Errorf("a log line is required")
			}

			ctrl, err := a.controller(cmd.Context())
			if err != nil {
				return err
			}
			alert, err := ctrl.Analyze(cmd.Context(), d, line)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), map[string]interface{}{
				"alert":    alert,
				"detected": alert != nil,
			}, func(w io.Writer) { printAlert(w, alert) })
		},
	}
	cmd.Flags().StringVarP(&domain, "type", "t", "web", "log type: web, db, email")
	return cmd
}

func (a *app) newBulkCmd() *cobra.Command {
	var domain string
	cmd := &cobra.Command{
		Use:   "bulk [file]",
		Short: "Analyze every line of a file (stdin when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := types.ParseDomain(domain)
			if err != nil {
				return err
			}
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			var lines []string
			scanner := bufio.NewScanner(in)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			for scanner.Scan() {
				lines = append(lines, scanner.Text())
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read lines: %w", err)
			}
			if len(lines) == 0 {
				return fmt.Errorf("no log lines given")
			}

			ctrl, err := a.controller(cmd.Context())
			if err != nil {
				return err
			}
			res, err := ctrl.BulkAnalyze(cmd.Context(), d, lines)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "Analyzed %d lines, detected %d alerts.\n", res.TotalAnalyzed, res.AlertsDetected)
				if len(res.Alerts) > 0 {
					printAlertTable(w, res.Alerts)
				}
			})
		},
	}
	cmd.Flags().StringVarP(&domain, "type", "t", "web", "log type: web, db, email")
	return cmd
}

func (a *app) newAlertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List or clear stored alerts",
	}

	var f types.Filter
	list := &cobra.Command{
		Use:   "list",
		Short: "List the most recent alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := a.controller(cmd.Context())
			if err != nil {
				return err
			}
			alerts := ctrl.ListAlerts(f)
			return a.print(cmd.OutOrStdout(), map[string]interface{}{
				"alerts": alerts,
				"total":  len(alerts),
			}, func(w io.Writer) { printAlertTable(w, alerts) })
		},
	}
	list.Flags().StringVar(&f.Type, "type", "", "filter by alert type or domain")
	list.Flags().StringVar(&f.Severity, "severity", "", "filter by severity")
	list.Flags().IntVar(&f.Limit, "limit", 50, "maximum alerts to show")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every stored alert",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := a.controller(cmd.Context())
			if err != nil {
				return err
			}
			if err := ctrl.ClearAlerts(); err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), map[string]string{"message": "Alerts cleared successfully"},
				func(w io.Writer) { fmt.Fprintln(w, "Alerts cleared.") })
		},
	}

	cmd.AddCommand(list, clearCmd)
	return cmd
}

func (a *app) newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show alert statistics and loaded models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := a.controller(cmd.Context())
			if err != nil {
				return err
			}
			st := ctrl.Statistics()
			return a.print(cmd.OutOrStdout(), st, func(w io.Writer) {
				fmt.Fprintf(w, "Total alerts: %d\n", st.Total)
				printCounts(w, "By type", st.ByType)
				printCounts(w, "By severity", st.BySeverity)
				fmt.Fprintln(w, "Models loaded:")
				for _, d := range types.Domains() {
					fmt.Fprintf(w, "  %-14s %t\n", d, st.ModelsLoaded[d])
				}
				if st.LastAlert != nil {
					fmt.Fprintf(w, "Last alert: #%d %s at %s\n", st.LastAlert.ID, st.LastAlert.AttackType,
						st.LastAlert.Timestamp.Format("2006-01-02 15:04:05"))
				}
			})
		},
	}
}

func (a *app) newSimulateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "simulate <attack-type>",
		Short:     "Feed a canned attack through detection",
		Long:      "Feed a canned attack through detection. Attack types: " + strings.Join(controller.AttackTypes(), ", "),
		Args:      cobra.ExactArgs(1),
		ValidArgs: controller.AttackTypes(),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := a.controller(cmd.Context())
			if err != nil {
				return err
			}
			res, err := ctrl.Simulate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "Simulated %s against %s: %d payloads, %d alerts.\n",
					res.AttackType, res.Domain, res.Count, res.AlertsDetected)
				if len(res.Alerts) > 0 {
					printAlertTable(w, res.Alerts)
				}
			})
		},
	}
}
