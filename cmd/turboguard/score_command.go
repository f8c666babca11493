package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/hed1ad/turboguard/internal/pipeline"
	"github.com/hed1ad/turboguard/internal/report"
	"github.com/hed1ad/turboguard/pkg/io/csv"
)

func newScoreCommand(ctx *commandContext) *cobra.Command {
	var (
		model       string
		output      string
		artifactDir string
		stream      bool
	)

	cmd := &cobra.Command{
		Use:   "score <input.csv|->",
		Short: "Score a CSV file with a saved model",
		Long: `Restore the scaler and a model from the artifact directory, score every row
of the input and write unit, cycle, score, anomaly and label columns as CSV.
Pass - to read the input from stdin. When every row has a label, accuracy
and AUC are printed to stderr.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config
			overrideString(cmd, "artifacts", &cfg.Output.ArtifactDir, artifactDir)
			if cfg.Output.ArtifactDir == "" {
				return fmt.Errorf("an artifact directory is required (set [output] artifact_dir or pass --artifacts)")
			}

			var dst io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer f.Close()
				dst = f
			}
			w, err := csv.NewWriter(dst)
			if err != nil {
				return err
			}

			opts := pipeline.ScoreOptions{
				Input:  args[0],
				Model:  model,
				Stream: stream,
			}
			if opts.Input == "-" {
				opts.Input = "stdin"
				opts.Source = cmd.InOrStdin()
			}
			sum, err := ctx.pipeline().Score(cmd.Context(), opts, w)
			if err != nil {
				return err
			}
			if err := w.Close(); err != nil {
				return fmt.Errorf("write results: %w", err)
			}

			errOut := cmd.ErrOrStderr()
			fmt.Fprintf(errOut, "model %s (run %s): %d of %d rows flagged at cutoff %.4f\n",
				sum.Model, sum.RunID, sum.Flagged, sum.Rows, sum.Threshold.Value)
			if sum.Metrics != nil {
				rep := report.Report{
					RunID:    sum.RunID,
					TestRows: sum.Rows,
					Models:   map[string]report.Model{sum.Model: {Threshold: sum.Threshold, Metrics: *sum.Metrics}},
				}
				fmt.Fprintln(errOut, rep.WithoutCurves().Table())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&model, "model", "m", "", "Saved model to use (default: first in the manifest)")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "Result CSV path, or - for stdout")
	cmd.Flags().StringVar(&artifactDir, "artifacts", "", "Artifact directory")
	cmd.Flags().BoolVar(&stream, "stream", false, "Score rows as they are read")
	return cmd
}
