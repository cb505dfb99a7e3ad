package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/yeisme/indexsync/pkg/app"
	"github.com/yeisme/indexsync/pkg/configs"
	"github.com/yeisme/indexsync/pkg/log"
	"github.com/yeisme/indexsync/pkg/metrics"
)

// openApp 按全局配置组装应用. 调用方负责 Close.
func openApp(cmd *cobra.Command) (*app.App, error) {
	return app.New(cmd.Context(), configs.GetConfig())
}

// withMetricsSidecar 一次性命令在配置了 metrics.endpoint 时单独导出指标，直到 ctx 结束.
func withMetricsSidecar(ctx context.Context) {
	cfg := configs.GetConfig().Metrics
	if !cfg.Enabled || cfg.Endpoint == "" {
		return
	}

	go func() {
		if err := metrics.Serve(ctx, cfg.Endpoint); err != nil {
			log.Logger().Warn().Err(err).Str("addr", cfg.Endpoint).Msg("metrics endpoint stopped")
		}
	}()
}

// printJSON 以缩进 JSON 输出 v.
func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	_, err = fmt.Fprintln(w, string(b))

	return err
}
