package main

import (
	"github.com/spf13/cobra"

	"github.com/hed1ad/turboguard/internal/report"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	var (
		quantiles []float64
		models    []string
		format    string
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Evaluate the enabled models at several cutoff quantiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config
			overrideString(cmd, "format", &cfg.Output.ReportFormat, format)
			if cmd.Flags().Changed("models") {
				cfg.Models.Enabled = normalizeList(models)
			}
			if cmd.Flags().Changed("quantiles") {
				cfg.Threshold.SweepQuantiles = quantiles
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			points, err := ctx.pipeline().Sweep(cmd.Context(), cfg.Threshold.SweepQuantiles)
			if err != nil {
				return err
			}
			return report.RenderSweep(cmd.OutOrStdout(), points, cfg.Output.ReportFormat)
		},
	}

	cmd.Flags().Float64SliceVarP(&quantiles, "quantiles", "q", nil, "Quantiles to evaluate (comma separated)")
	cmd.Flags().StringSliceVar(&models, "models", nil, "Models to fit (comma separated)")
	cmd.Flags().StringVarP(&format, "format", "f", "", "Output format: table, json or yaml")
	return cmd
}
