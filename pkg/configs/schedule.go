package configs

import "github.com/spf13/viper"

// ScheduleConfig serve 模式下的定时任务配置，空表达式表示不注册该任务.
// Failed 记录的恢复只能显式执行，因此没有对应的定时任务.
type ScheduleConfig struct {
	UploadCron    string `mapstructure:"upload_cron"`
	ReconcileCron string `mapstructure:"reconcile_cron"`
}

func (c *ScheduleConfig) setDefaults(v *viper.Viper) {
	v.SetDefault("schedule.upload_cron", "*/10 * * * *")
	v.SetDefault("schedule.reconcile_cron", "30 3 * * *")
}
