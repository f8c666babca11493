package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hed1ad/turboguard/internal/report"
)

func newTrainCommand(ctx *commandContext) *cobra.Command {
	var (
		trainPath   string
		testPath    string
		models      []string
		quantile    float64
		policy      string
		artifactDir string
		format      string
		parallel    bool
		includeROC  bool
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fit the enabled models and evaluate them on the test split",
		Long: `Fit the robust scaler and every enabled model on the training CSV, derive
each model's cutoff from its training scores, and evaluate on the test CSV.
Artifacts, the run history and the metrics textfile are written when configured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config
			overrideString(cmd, "train", &cfg.Data.TrainPath, trainPath)
			overrideString(cmd, "test", &cfg.Data.TestPath, testPath)
			overrideString(cmd, "policy", &cfg.Threshold.Policy, policy)
			overrideString(cmd, "artifacts", &cfg.Output.ArtifactDir, artifactDir)
			overrideString(cmd, "format", &cfg.Output.ReportFormat, format)
			if cmd.Flags().Changed("models") {
				cfg.Models.Enabled = normalizeList(models)
			}
			if cmd.Flags().Changed("quantile") {
				cfg.Threshold.Quantile = quantile
			}
			if cmd.Flags().Changed("parallel") {
				cfg.Models.Parallel = parallel
			}
			if cmd.Flags().Changed("roc") {
				cfg.Output.IncludeROC = includeROC
			}
			cfg.Threshold.Policy = strings.ToLower(strings.TrimSpace(cfg.Threshold.Policy))
			cfg.Output.ReportFormat = strings.ToLower(strings.TrimSpace(cfg.Output.ReportFormat))
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.Data.TrainPath == "" || cfg.Data.TestPath == "" {
				return fmt.Errorf("train and test paths are required (set [data] or pass --train and --test)")
			}

			res, err := ctx.pipeline().Train(cmd.Context())
			if err != nil {
				return err
			}
			return res.Report.Render(cmd.OutOrStdout(), cfg.Output.ReportFormat)
		},
	}

	cmd.Flags().StringVar(&trainPath, "train", "", "Training CSV path")
	cmd.Flags().StringVar(&testPath, "test", "", "Test CSV path")
	cmd.Flags().StringSliceVar(&models, "models", nil, "Models to fit (comma separated)")
	cmd.Flags().Float64Var(&quantile, "quantile", 0, "Training-score quantile used as the cutoff")
	cmd.Flags().StringVar(&policy, "policy", "", "Threshold policy: quantile or native")
	cmd.Flags().StringVar(&artifactDir, "artifacts", "", "Artifact directory (empty disables saving)")
	cmd.Flags().StringVarP(&format, "format", "f", "", "Report format: "+strings.Join([]string{report.FormatTable, report.FormatJSON, report.FormatYAML}, ", "))
	cmd.Flags().BoolVar(&parallel, "parallel", false, "Fit models concurrently")
	cmd.Flags().BoolVar(&includeROC, "roc", false, "Include ROC curve points in the report")
	return cmd
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
