package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/hed1ad/turboguard/internal/report"
)

func newReportCommand(ctx *commandContext) *cobra.Command {
	var dbPath string

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Inspect recorded training runs",
	}
	reportCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Results database (default: [output] results_db)")

	openStore := func(cmd *cobra.Command) (*report.Store, error) {
		path := ctx.config.Output.ResultsDB
		if dbPath != "" {
			path = dbPath
		}
		if path == "" {
			return nil, fmt.Errorf("no results database configured (set [output] results_db or pass --db)")
		}
		return report.OpenStore(cmd.Context(), path)
	}

	reportCmd.AddCommand(newReportListCommand(openStore))
	reportCmd.AddCommand(newReportShowCommand(ctx, openStore))
	return reportCmd
}

func newReportListCommand(openStore func(*cobra.Command) (*report.Store, error)) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			rows, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}

			tw := table.NewWriter()
			tw.SetStyle(table.StyleRounded)
			tw.AppendHeader(table.Row{"Run", "Created", "Model", "Quantile", "Cutoff", "Accuracy", "AUC"})
			for _, r := range rows {
				auc := "-"
				if r.AUC != nil {
					auc = strconv.FormatFloat(*r.AUC, 'f', 4, 64)
				}
				tw.AppendRow(table.Row{
					shortID(r.RunID),
					r.CreatedAt.Local().Format(time.DateTime),
					r.Model,
					strconv.FormatFloat(r.Quantile, 'f', 3, 64),
					strconv.FormatFloat(r.Cutoff, 'f', 4, 64),
					strconv.FormatFloat(r.Accuracy, 'f', 4, 64),
					auc,
				})
			}
			tw.SetColumnConfigs([]table.ColumnConfig{
				{Number: 1, AutoMerge: true},
				{Number: 2, AutoMerge: true},
			})
			fmt.Fprintln(out, tw.Render())
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of runs to show (0 for all)")
	return cmd
}

func newReportShowCommand(ctx *commandContext, openStore func(*cobra.Command) (*report.Store, error)) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the full report of a run",
		Long:  "Show the full report of a run. A unique prefix of the run id is enough.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			rep, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if format == "" {
				format = ctx.config.Output.ReportFormat
			}
			return rep.Render(cmd.OutOrStdout(), format)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "", "Output format: table, json or yaml")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
