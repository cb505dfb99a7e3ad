package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/yeisme/indexsync/pkg/internal/model"
	"github.com/yeisme/indexsync/pkg/internal/store"
	"github.com/yeisme/indexsync/pkg/internal/types"
	"github.com/yeisme/indexsync/pkg/metrics"
)

var (
	statusVerify bool
	statusState  string
	statusPrefix string
	statusLimit  int

	eligibleMetadata string
	eligibleOff      bool

	// status: 按状态统计，可选审计不变量或列出记录.
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "show record counts by lifecycle state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			counts, err := a.Store.CountByState(ctx)
			if err != nil {
				return err
			}

			open, err := a.Store.OpenIntents(ctx)
			if err != nil {
				return err
			}

			stats := types.StatsResponse{ByState: make(map[string]int64, len(counts)), OpenIntents: len(open)}
			for _, st := range model.AllStates() {
				stats.ByState[st.String()] = counts[st]
				stats.Total += counts[st]

				metrics.FilesByState.WithLabelValues(st.String()).Set(float64(counts[st]))
			}

			if stats.Eligible, err = a.Store.Count(ctx, store.Filter{EligibleOnly: true}); err != nil {
				return err
			}

			var recs []model.FileRecord

			if statusState != "" || statusPrefix != "" {
				f := store.Filter{PathPrefix: statusPrefix, Limit: statusLimit}

				if statusState != "" {
					st, err := model.ParseLifecycleState(statusState)
					if err != nil {
						return err
					}

					f.States = []model.LifecycleState{st}
				}

				if recs, err = a.Store.List(ctx, f); err != nil {
					return err
				}
			}

			var violations []store.Violation
			if statusVerify {
				if violations, err = a.Store.VerifyInvariants(ctx); err != nil {
					return err
				}
			}

			if jsonOutput {
				views := make([]types.FileView, 0, len(recs))
				for _, rec := range recs {
					views = append(views, types.NewFileView(rec))
				}

				problems := make([]string, 0, len(violations))
				for _, v := range violations {
					problems = append(problems, v.Path+": "+v.Err.Error())
				}

				return printJSON(out, map[string]any{"stats": stats, "files": views, "violations": problems})
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, st := range model.AllStates() {
				fmt.Fprintf(tw, "%s\t%d\n", st, stats.ByState[st.String()])
			}

			fmt.Fprintf(tw, "total\t%d\n", stats.Total)
			fmt.Fprintf(tw, "eligible\t%d\n", stats.Eligible)
			fmt.Fprintf(tw, "open intents\t%d\n", stats.OpenIntents)
			_ = tw.Flush()

			if len(recs) > 0 {
				fmt.Fprintln(out)

				tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "PATH\tSTATE\tVERSION\tELIGIBLE\tMISSING\tREASON")

				for _, rec := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%t\t%s\n",
						rec.Path, rec.LifecycleState, rec.Version, rec.Eligible, rec.Missing, rec.FailureReason)
				}

				_ = tw.Flush()
			}

			if statusVerify {
				if len(violations) == 0 {
					fmt.Fprintln(out, "invariants: ok")
					return nil
				}

				for _, v := range violations {
					fmt.Fprintf(out, "violation %s: %v\n", v.Path, v.Err)
				}

				return fmt.Errorf("%d records violate lifecycle invariants", len(violations))
			}

			return nil
		},
	}

	// track: 扫描器输入.
	trackCmd = &cobra.Command{
		Use:   "track PATH...",
		Short: "register local files (directories are walked) and mark vanished ones missing",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Scanner.Track(cmd.Context(), args...)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), report)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "seen %d, new %d, changed %d, missing %d\n",
				report.Seen, report.Created, report.Changed, len(report.Missing))

			return nil
		},
	}

	// eligible: 提取协作者输入.
	eligibleCmd = &cobra.Command{
		Use:   "eligible PATH...",
		Short: "mark tracked files eligible for upload, optionally attaching metadata",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var metadata *string

			if cmd.Flags().Changed("metadata") {
				if !sonic.Valid([]byte(eligibleMetadata)) {
					return fmt.Errorf("--metadata must be valid JSON")
				}

				metadata = &eligibleMetadata
			}

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, arg := range args {
				p, err := a.Scanner.Rel(arg)
				if err != nil {
					return err
				}

				if err := a.Store.SetEligibility(cmd.Context(), p, !eligibleOff, metadata); err != nil {
					return fmt.Errorf("%s: %w", p, err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%s eligible=%t\n", p, !eligibleOff)
			}

			return nil
		},
	}
)

// registerStatusCommands 注册查询与协作者输入命令.
func registerStatusCommands() {
	statusCmd.Flags().BoolVar(&statusVerify, "verify", false, "audit lifecycle invariants of every record")
	statusCmd.Flags().StringVar(&statusState, "state", "", "list records in this state")
	statusCmd.Flags().StringVar(&statusPrefix, "prefix", "", "list records under this path prefix")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 100, "maximum records listed")

	eligibleCmd.Flags().StringVar(&eligibleMetadata, "metadata", "", "opaque JSON metadata attached on upload")
	eligibleCmd.Flags().BoolVar(&eligibleOff, "off", false, "mark ineligible instead")

	rootCmd.AddCommand(statusCmd, trackCmd, eligibleCmd)
}
