package configs

import (
	"time"

	"github.com/spf13/viper"
)

// 以下常量来自经验值，针对具体远端服务的限流行为应重新校准.
const (
	DefaultUploadConcurrency  = 4
	DefaultUploadLimit        = 0 // 0 表示不限制
	DefaultRetryMaxAttempts   = 5
	DefaultRetryBaseDelay     = 500 * time.Millisecond
	DefaultRetryMaxDelay      = 30 * time.Second
	DefaultOCCMaxAttempts     = 5
	DefaultOCCBaseDelay       = 5 * time.Millisecond
	DefaultOCCMaxDelay        = 50 * time.Millisecond
	DefaultPollInterval       = 2 * time.Second
	DefaultVisibilityDeadline = 5 * time.Minute
	DefaultBatchCooldown      = 30 * time.Second
	DefaultRetryPasses        = 2
	DefaultAdvisoryLockTTL    = 10 * time.Minute
)

// RetryConfig 指数退避 + 全抖动的重试策略.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" rule:"min=1"`
	BaseDelay   time.Duration `mapstructure:"base_delay"   rule:"min=0"`
	MaxDelay    time.Duration `mapstructure:"max_delay"    rule:"min=0"`
}

// UploadConfig 上传编排配置.
type UploadConfig struct {
	Root               string        `mapstructure:"root"                rule:"required"` // 本地文件根目录，状态库中的路径都相对于它
	Concurrency        int           `mapstructure:"concurrency"         rule:"min=1,max=256"`
	Limit              int           `mapstructure:"limit"               rule:"min=0"`
	Retry              RetryConfig   `mapstructure:"retry"`
	OCC                RetryConfig   `mapstructure:"occ"`
	PollInterval       time.Duration `mapstructure:"poll_interval"       rule:"min=0"`
	VisibilityDeadline time.Duration `mapstructure:"visibility_deadline" rule:"min=0"`
	BatchCooldown      time.Duration `mapstructure:"batch_cooldown"      rule:"min=0"`
	RetryPasses        int           `mapstructure:"retry_passes"        rule:"min=0,max=10"`
	AdvisoryLock       bool          `mapstructure:"advisory_lock"`
	AdvisoryLockTTL    time.Duration `mapstructure:"advisory_lock_ttl"   rule:"min=0"`
	ContentType        string        `mapstructure:"content_type"`
}

func (c *UploadConfig) setDefaults(v *viper.Viper) {
	v.SetDefault("upload.root", ".")
	v.SetDefault("upload.concurrency", DefaultUploadConcurrency)
	v.SetDefault("upload.limit", DefaultUploadLimit)
	v.SetDefault("upload.retry.max_attempts", DefaultRetryMaxAttempts)
	v.SetDefault("upload.retry.base_delay", DefaultRetryBaseDelay)
	v.SetDefault("upload.retry.max_delay", DefaultRetryMaxDelay)
	v.SetDefault("upload.occ.max_attempts", DefaultOCCMaxAttempts)
	v.SetDefault("upload.occ.base_delay", DefaultOCCBaseDelay)
	v.SetDefault("upload.occ.max_delay", DefaultOCCMaxDelay)
	v.SetDefault("upload.poll_interval", DefaultPollInterval)
	v.SetDefault("upload.visibility_deadline", DefaultVisibilityDeadline)
	v.SetDefault("upload.batch_cooldown", DefaultBatchCooldown)
	v.SetDefault("upload.retry_passes", DefaultRetryPasses)
	v.SetDefault("upload.advisory_lock", false)
	v.SetDefault("upload.advisory_lock_ttl", DefaultAdvisoryLockTTL)
	v.SetDefault("upload.content_type", "application/octet-stream")
}
