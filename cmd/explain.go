package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"prio-governor/internal/actuator"
	"prio-governor/internal/config"
	"prio-governor/internal/governor"
)

func newExplainCmd() *cobra.Command {
	var sample time.Duration
	var all bool
	explainCmd := &cobra.Command{
		Use:   "explain",
		Short: "Run one dry iteration and print every decision with its reasons",
		RunE: func(cmd *cobra.Command, args []string) error {
			return explain(cmd.Context(), cmd.OutOrStdout(), settings.GetString(flagConfig), sample, all)
		},
	}
	explainCmd.Flags().DurationVar(&sample, flagSample, time.Second, "Time between the warm-up sample and the explained iteration")
	explainCmd.Flags().BoolVar(&all, flagAll, false, "Include groups that were filtered out before scoring")
	return explainCmd
}

func explain(ctx context.Context, out io.Writer, configPath string, sample time.Duration, all bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, rs, err := loadAll(configPath)
	if err != nil {
		return err
	}
	_, actCfg := prepareHost(ctx, cfg)
	actCfg.Mode = "dry-run"

	source, err := newSource(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create telemetry collector: %w", err)
	}
	act, err := actuator.New(actCfg)
	if err != nil {
		return err
	}
	defer act.Close()

	gov, err := governor.New(governor.Options{Config: cfg, Rules: rs, Source: source, Actuator: act})
	if err != nil {
		return err
	}

	// CPU and IO shares are deltas, so the collector needs a previous sample.
	if _, err := source.Collect(ctx); err != nil {
		return fmt.Errorf("warm-up sample: %w", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(sample):
	}

	report, err := gov.Step(ctx)
	if err != nil {
		return err
	}
	return printDecisions(out, cfg, report, gov.Decisions(), all)
}

func printDecisions(out io.Writer, cfg *config.Config, report *governor.Report, records []governor.Record, all bool) error {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Candidate != records[j].Candidate {
			return records[i].Candidate
		}
		if records[i].Class != records[j].Class {
			return records[i].Class > records[j].Class
		}
		return records[i].Rank < records[j].Rank
	})

	fmt.Fprintf(out, "iteration %d: %d processes, %d groups, %d candidates, mode %s\n",
		report.Iteration, report.Processes, report.Groups, report.Candidates, cfg.Governor.PolicyMode)
	fmt.Fprintf(out, "pressure: cpu %.2f io %.2f memory %.2f (some avg10)\n\n",
		report.Pressure.CPU.Some.Avg10, report.Pressure.IO.Some.Avg10, report.Pressure.Memory.Some.Avg10)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GROUP\tNAME\tTYPE\tSCORE\tRANK\tCLASS\tNICE\tLAT\tIO\tWEIGHT\tREASONS")
	for _, rec := range records {
		if !rec.Candidate && !all {
			continue
		}
		bt := rec.BehaviorType
		if bt == "" {
			bt = "-"
		}
		rank := "-"
		if rec.Rank > 0 {
			rank = fmt.Sprintf("%d", rec.Rank)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.3f\t%s\t%s\t%d\t%d\t%s/%d\t%d\t%s\n",
			rec.GroupID, rec.Name, bt, rec.Score, rank, rec.Stable,
			rec.Params.Nice, rec.Params.LatencyNice, rec.Params.IOClass, rec.Params.IOLevel, rec.Params.CPUWeight,
			strings.Join(rec.Reasons, "; "))
	}
	return w.Flush()
}
