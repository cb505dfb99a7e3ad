package configs

import (
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultReconcileCooldown = 15 * time.Second
	DefaultReconcileAfterRun = true
)

// ReconcileConfig 远端文档对账配置.
type ReconcileConfig struct {
	// Cooldown 对账前等待远端传播稳定的时间.
	Cooldown time.Duration `mapstructure:"cooldown"  rule:"min=0"`
	// AfterUpload upload 命令完成后是否自动执行一次对账.
	AfterUpload bool `mapstructure:"after_upload"`
}

func (c *ReconcileConfig) setDefaults(v *viper.Viper) {
	v.SetDefault("reconcile.cooldown", DefaultReconcileCooldown)
	v.SetDefault("reconcile.after_upload", DefaultReconcileAfterRun)
}
