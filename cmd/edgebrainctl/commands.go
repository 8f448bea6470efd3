package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"edgebrain/pkg/edgebrain"
)

func newTrainCommand(flags *globalFlags) *cobra.Command {
	var (
		runID string
		steps int
		seed  int64
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a new run or resume an existing one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd, flags)
			if err != nil {
				return err
			}
			defer s.Close()

			cfg := s.cfg
			if cmd.Flags().Changed("steps") {
				cfg.Train.Steps = steps
			}
			if cmd.Flags().Changed("seed") {
				cfg.Runtime.Seed = seed
			}
			stop, err := s.serveMetrics(cmd.Context())
			if err != nil {
				return err
			}
			defer stop()

			summary, err := s.client.Train(cmd.Context(), edgebrain.TrainRequest{RunID: runID, Config: cfg})
			if err != nil {
				return err
			}
			if flags.jsonOut {
				return writeJSON(cmd.OutOrStdout(), summary)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run_id=%s step=%d resumed=%t loss=%.6f acc=%.4f test_loss=%.6f test_acc=%.4f edges=%s\n",
				summary.RunID, summary.Step, summary.Resumed, summary.Loss, summary.Accuracy,
				summary.TestLoss, summary.TestAccuracy, humanize.Comma(int64(summary.Edges)))
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id to create or resume (random when empty)")
	cmd.Flags().IntVar(&steps, "steps", 0, "override train.steps")
	cmd.Flags().Int64Var(&seed, "seed", 0, "override runtime.seed")
	return cmd
}

type runSelector struct {
	runID  string
	latest bool
}

func (r *runSelector) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&r.runID, "run-id", "", "run id")
	cmd.Flags().BoolVar(&r.latest, "latest", false, "use the most recently updated run")
}

func newInspectCommand(flags *globalFlags) *cobra.Command {
	var (
		sel     runSelector
		history int
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show a run's checkpoint and recent history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd, flags)
			if err != nil {
				return err
			}
			defer s.Close()

			summary, err := s.client.Inspect(cmd.Context(), edgebrain.InspectRequest{
				RunID:        sel.runID,
				Latest:       sel.latest,
				HistoryLimit: history,
			})
			if err != nil {
				return err
			}
			if flags.jsonOut {
				return writeJSON(cmd.OutOrStdout(), summary)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run_id=%s step=%d updated=%s\n", summary.RunID, summary.Step, humanize.Time(summary.UpdatedAt))
			fmt.Fprintf(out, "inputs=%d hidden=%s outputs=%d edges=%s edge_weight=%g\n",
				summary.Inputs, humanize.Comma(int64(summary.Hidden)), summary.Outputs,
				humanize.Comma(int64(summary.Edges)), summary.EdgeWeight)
			if len(summary.History) == 0 {
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STEP\tLOSS\tACC\tTEST_LOSS\tTEST_ACC\tMIN\tACCEPTED\tEDGES")
			for _, row := range summary.History {
				fmt.Fprintf(tw, "%d\t%.6f\t%.4f\t%.6f\t%.4f\t%.6f\t%t\t%d\n",
					row.Step, row.Loss, row.Accuracy, row.TestLoss, row.TestAccuracy,
					row.MinCandidateLoss, row.Accepted, row.EdgeCount)
			}
			return tw.Flush()
		},
	}
	sel.bind(cmd)
	cmd.Flags().IntVar(&history, "history", 10, "history rows to show (0 shows all)")
	return cmd
}

type dataFlags struct {
	batchSize int
	seed      int64
}

func (d *dataFlags) bind(cmd *cobra.Command) {
	cmd.Flags().IntVar(&d.batchSize, "batch-size", 1000, "examples to sample")
	cmd.Flags().Int64Var(&d.seed, "seed", 1, "sampling seed")
}

func (d *dataFlags) request(s *session, sel runSelector) edgebrain.DataRequest {
	return edgebrain.DataRequest{
		RunID:     sel.runID,
		Latest:    sel.latest,
		Data:      s.cfg.Data,
		BatchSize: d.batchSize,
		Seed:      d.seed,
		Workers:   s.cfg.Runtime.Workers,
	}
}

func newEquivCommand(flags *globalFlags) *cobra.Command {
	var (
		sel  runSelector
		data dataFlags
		show bool
	)
	cmd := &cobra.Command{
		Use:   "equiv",
		Short: "Group hidden nodes with identical activations on a sampled batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd, flags)
			if err != nil {
				return err
			}
			defer s.Close()

			summary, err := s.client.Equivalence(cmd.Context(), data.request(s, sel))
			if err != nil {
				return err
			}
			if flags.jsonOut {
				return writeJSON(cmd.OutOrStdout(), summary)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run_id=%s hidden=%s unique=%s\n", summary.RunID,
				humanize.Comma(int64(summary.Hidden)), humanize.Comma(int64(len(summary.Groups))))
			if show {
				for _, g := range summary.Groups {
					if len(g) > 1 {
						fmt.Fprintln(out, g)
					}
				}
			}
			return nil
		},
	}
	sel.bind(cmd)
	data.bind(cmd)
	cmd.Flags().BoolVar(&show, "groups", false, "print groups with more than one node")
	return cmd
}

func newEvalCommand(flags *globalFlags) *cobra.Command {
	var (
		sel  runSelector
		data dataFlags
	)
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a stored run on a sampled batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd, flags)
			if err != nil {
				return err
			}
			defer s.Close()

			summary, err := s.client.Evaluate(cmd.Context(), data.request(s, sel))
			if err != nil {
				return err
			}
			if flags.jsonOut {
				return writeJSON(cmd.OutOrStdout(), summary)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run_id=%s step=%d examples=%s loss=%.6f acc=%.4f\n",
				summary.RunID, summary.Step, humanize.Comma(int64(summary.Examples)), summary.Loss, summary.Accuracy)
			return nil
		},
	}
	sel.bind(cmd)
	data.bind(cmd)
	return cmd
}

func newRunsCommand(flags *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List stored runs, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 0 {
				return errors.New("limit must be >= 0")
			}
			s, err := openSession(cmd, flags)
			if err != nil {
				return err
			}
			defer s.Close()

			runs, err := s.client.Runs(cmd.Context(), edgebrain.RunsRequest{Limit: limit})
			if err != nil {
				return err
			}
			if flags.jsonOut {
				return writeJSON(cmd.OutOrStdout(), runs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN_ID\tSTEP\tNODES\tEDGES\tUPDATED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", r.RunID, r.Step,
					humanize.Comma(int64(r.Nodes)), humanize.Comma(int64(r.Edges)), humanize.Time(r.UpdatedAt))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list (0 lists all)")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
