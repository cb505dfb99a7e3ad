// Package jobs 负责把上传批次与对账注册为 serve 模式下的定时任务（基于 scheduler）.
package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/yeisme/indexsync/pkg/configs"
	"github.com/yeisme/indexsync/pkg/log"
	"github.com/yeisme/indexsync/pkg/scheduler"
)

// Runner 定时任务调用的业务入口，由 app.App 实现.
type Runner interface {
	UploadBatch(ctx context.Context) error
	ReconcileOnce(ctx context.Context) error
}

// RegisterCronJobs 按 cfg 注册定时任务，空表达式表示不注册：
//   - upload：执行一次上传批次
//   - reconcile：删除本地没有引用的远端文档
//
// 调度器同一时刻只运行一个任务，因此批次与对账不会并发.
func RegisterCronJobs(sched *scheduler.Scheduler, cfg configs.ScheduleConfig, r Runner) ([]string, error) {
	if sched == nil {
		return nil, errors.New("scheduler is nil")
	}

	if r == nil {
		return nil, errors.New("job runner is nil")
	}

	specs := []struct {
		name string
		expr string
		run  scheduler.Job
	}{
		{JobUpload, cfg.UploadCron, r.UploadBatch},
		{JobReconcile, cfg.ReconcileCron, r.ReconcileOnce},
	}

	var names []string

	for _, s := range specs {
		if s.expr == "" {
			log.Logger().Info().Str("job", s.name).Msg("cron expression empty, job not registered")
			continue
		}

		if err := sched.AddCron(s.name, s.expr, s.run); err != nil {
			return names, fmt.Errorf("register job %s: %w", s.name, err)
		}

		names = append(names, s.name)
	}

	return names, nil
}
