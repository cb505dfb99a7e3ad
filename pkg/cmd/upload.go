package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yeisme/indexsync/pkg/app"
	"github.com/yeisme/indexsync/pkg/configs"
	"github.com/yeisme/indexsync/pkg/internal/orchestrator"
	"github.com/yeisme/indexsync/pkg/internal/reconcile"
	"github.com/yeisme/indexsync/pkg/log"
)

var (
	uploadConcurrency int
	uploadLimit       int
	uploadNoReconcile bool
	recoverAll        bool
	reconcileDryRun   bool
	reconcileNoWait   bool

	// upload: 恢复扫描 → 批量上传 → 对账.
	uploadCmd = &cobra.Command{
		Use:   "upload",
		Short: "upload eligible files and wait until they are indexed",
		Long: `Run the recovery crawler, then upload every eligible untracked file (and resume
files left in uploading/processing), then reconcile the remote index.

The first SIGINT/SIGTERM stops accepting new files and lets in-flight files finish;
a second one cancels in-flight remote calls.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			withMetricsSidecar(ctx)

			sd := orchestrator.NewShutdown()
			stop := sd.NotifySignals(func(sig os.Signal, terminating bool) {
				if terminating {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s again: cancelling in-flight uploads\n", sig)
					return
				}

				fmt.Fprintf(cmd.ErrOrStderr(), "%s: finishing in-flight uploads, press again to cancel them\n", sig)
			})
			defer stop()

			report, err := a.Upload(ctx, sd, app.UploadOptions{
				Limit:       uploadLimit,
				Concurrency: uploadConcurrency,
				Reconcile:   !uploadNoReconcile && configs.GetConfig().Reconcile.AfterUpload,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), report)
			}

			out := cmd.OutOrStdout()
			if report.Recovery.Found > 0 {
				fmt.Fprintf(out, "recovered %d/%d interrupted resets\n", report.Recovery.Resumed, report.Recovery.Found)
			}

			s := report.Summary
			fmt.Fprintf(out, "selected %d: indexed %d, failed %d, pending %d, skipped %d\n",
				s.Selected, s.Indexed, s.Failed, s.Pending, s.Skipped)

			if r := report.Reconcile; r != nil {
				fmt.Fprintf(out, "reconcile: listed %d, orphans %d, deleted %d, errors %d\n",
					r.Listed, len(r.Orphans), r.Deleted, len(r.Errors))
			}

			return nil
		},
	}

	// recover-failed: 显式把 Failed 送回 Untracked.
	recoverFailedCmd = &cobra.Command{
		Use:   "recover-failed [PATH...]",
		Short: "move failed files back to untracked so the next upload retries them",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !recoverAll {
				return fmt.Errorf("give at least one path or --all")
			}

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			paths := make([]string, 0, len(args))

			for _, arg := range args {
				p, err := a.Scanner.Rel(arg)
				if err != nil {
					return err
				}

				paths = append(paths, p)
			}

			results, err := a.RecoverFailed(cmd.Context(), paths, recoverAll)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), results)
			}

			for _, r := range results {
				mark := "unchanged"
				if r.Escaped {
					mark = "recovered"
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%-9s %s (%s)\n", mark, r.Path, r.State)
			}

			return nil
		},
	}

	// reconcile: 删除本地没有引用的远端文档.
	reconcileCmd = &cobra.Command{
		Use:   "reconcile",
		Short: "delete remote documents no local record points at",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Reconcile(cmd.Context(), reconcile.Options{DryRun: reconcileDryRun, SkipCooldown: reconcileNoWait})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), report)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "listed %d, canonical %d, orphans %d, deferred %d\n",
				report.Listed, report.Canonical, len(report.Orphans), len(report.Deferred))

			for _, id := range report.Orphans {
				fmt.Fprintln(out, "  orphan", id)
			}

			if report.DryRun {
				fmt.Fprintln(out, "dry run: nothing deleted")
				return nil
			}

			fmt.Fprintf(out, "deleted %d\n", report.Deleted)

			for _, e := range report.Errors {
				fmt.Fprintf(out, "  error %s: %s\n", e.DocumentID, e.Err)
			}

			return nil
		},
	}

	// recover: 只执行恢复扫描.
	recoverCmd = &cobra.Command{
		Use:   "recover",
		Short: "resume interrupted reset transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Recover(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), report)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "open intents %d, resumed %d, remote calls %d\n",
				report.Found, report.Resumed, report.RemoteCalls)

			return nil
		},
	}

	// reset: Indexed → Untracked.
	resetCmd = &cobra.Command{
		Use:   "reset PATH",
		Short: "delete the remote copy of an indexed file and mark it untracked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.Recover(cmd.Context()); err != nil {
				return fmt.Errorf("recovery: %w", err)
			}

			path, err := a.Scanner.Rel(args[0])
			if err != nil {
				return err
			}

			rec, err := a.Reset(cmd.Context(), path)
			if err != nil {
				log.Logger().Error().Err(err).Str("path", path).Msg("reset failed, the intent stays open for the next recovery")
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s (version %d)\n", rec.Path, rec.LifecycleState, rec.Version)

			return nil
		},
	}
)

// registerUploadCommands 注册会修改状态的命令.
func registerUploadCommands() {
	uploadCmd.Flags().IntVar(&uploadConcurrency, "concurrency", 0, "maximum files in flight (0 uses upload.concurrency)")
	uploadCmd.Flags().IntVar(&uploadLimit, "limit", 0, "maximum files selected (0 uses upload.limit)")
	uploadCmd.Flags().BoolVar(&uploadNoReconcile, "no-reconcile", false, "skip the reconcile pass after uploading")

	recoverFailedCmd.Flags().BoolVar(&recoverAll, "all", false, "recover every failed file")

	reconcileCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "only report orphans")
	reconcileCmd.Flags().BoolVar(&reconcileNoWait, "no-wait", false, "skip the propagation cooldown")

	rootCmd.AddCommand(uploadCmd, recoverFailedCmd, reconcileCmd, recoverCmd, resetCmd)
}
