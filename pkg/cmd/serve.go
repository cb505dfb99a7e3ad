package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yeisme/indexsync/pkg/app"
	"github.com/yeisme/indexsync/pkg/configs"
	"github.com/yeisme/indexsync/pkg/internal/jobs"
	"github.com/yeisme/indexsync/pkg/log"
	"github.com/yeisme/indexsync/pkg/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run recovery, the cron jobs and the read-only status API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := configs.GetConfig()
		l := log.Component("serve")

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		// 第一次信号停止 API 与新批次，等待进行中的批次完成；第二次取消进行中的远端调用
		sd := a.Shutdown()
		stopSignals := sd.NotifySignals(func(sig os.Signal, terminating bool) {
			if terminating {
				l.Warn().Str("signal", sig.String()).Msg("terminating in-flight uploads")
				return
			}

			l.Info().Str("signal", sig.String()).Msg("draining, send again to terminate")
		})
		defer stopSignals()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		go func() {
			select {
			case <-sd.StopC():
				cancel()
			case <-ctx.Done():
			}
		}()

		// 恢复失败时拒绝启动，未完成的意图需要人工处理
		report, err := a.Recover(ctx)
		if err != nil {
			return fmt.Errorf("recovery: %w", err)
		}

		l.Info().Int("open_intents", report.Found).Int("resumed", report.Resumed).Msg("recovery finished")

		sched, err := scheduler.NewScheduler()
		if err != nil {
			return err
		}

		names, err := jobs.RegisterCronJobs(sched, cfg.Schedule, a)
		if err != nil {
			return errors.Join(err, sched.Stop())
		}

		a.WatchConfig()
		sched.Start()

		l.Info().Strs("jobs", names).Msg("scheduler started")

		serveErr := a.Serve(ctx, sched)

		sd.StopAccepting()

		if err := drain(cmd.Context(), a); err != nil {
			l.Warn().Err(err).Msg("drain interrupted")
		}

		l.Info().Msg("shutting down scheduler")

		return errors.Join(serveErr, sched.Stop())
	},
}

// drain 等待进行中的批次结束，第二级信号或 parent 结束时放弃等待.
func drain(parent context.Context, a *app.App) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	go func() {
		select {
		case <-a.Shutdown().TermC():
			cancel()
		case <-ctx.Done():
		}
	}()

	return a.Drain(ctx)
}

func registerServeCommand() {
	rootCmd.AddCommand(serveCmd)
}
