package lifecycle

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/yeisme/indexsync/pkg/internal/store"
	nlog "github.com/yeisme/indexsync/pkg/log"
	"github.com/yeisme/indexsync/pkg/metrics"
)

// RecoveryReport 恢复扫描的结果.
type RecoveryReport struct {
	// Found 扫描开始时打开的意图数.
	Found int
	// Resumed 成功完成的意图数.
	Resumed int
	// RemoteCalls 实际发起的远端调用数.
	RemoteCalls int
	Paths       []string
}

// RecoveryError 恢复在某条记录上失败，扫描已停止，需要运维介入.
type RecoveryError struct {
	Path  string
	Steps int
	Err   error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("recovery stopped at %s (steps completed %d): %v", e.Path, e.Steps, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }

// Crawler 启动时同步执行的恢复扫描. 按 intent_started_at 顺序逐条继续未完成的重置，
// 只使用幂等删除，不重试，遇到第一个错误即停止.
type Crawler struct {
	store  *store.Store
	resets *ResetManager
	log    zerolog.Logger
}

// NewCrawler 创建恢复扫描.
func NewCrawler(s *store.Store, r *ResetManager) *Crawler {
	return &Crawler{store: s, resets: r, log: nlog.Component("recovery")}
}

// Run 执行一次完整扫描. 数据库错误原样返回，恢复失败返回 *RecoveryError.
func (c *Crawler) Run(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	intents, err := c.store.OpenIntents(ctx)
	if err != nil {
		return report, err
	}

	report.Found = len(intents)
	if len(intents) == 0 {
		c.log.Debug().Msg("no open intents")
		return report, nil
	}

	c.log.Info().Int("open_intents", len(intents)).Msg("resuming interrupted resets")

	for _, rec := range intents {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		_, calls, err := c.resets.Resume(ctx, rec)
		report.RemoteCalls += calls

		if err != nil {
			metrics.IntentsRecovered.WithLabelValues("failed").Inc()
			c.log.Error().Err(err).Str("path", rec.Path).Int("steps", rec.Steps()).Msg("recovery stopped")

			return report, &RecoveryError{Path: rec.Path, Steps: rec.Steps(), Err: err}
		}

		metrics.IntentsRecovered.WithLabelValues("resumed").Inc()

		report.Resumed++
		report.Paths = append(report.Paths, rec.Path)

		c.log.Info().Str("path", rec.Path).Int("from_step", rec.Steps()).Int("remote_calls", calls).Msg("intent resumed")
	}

	return report, nil
}
