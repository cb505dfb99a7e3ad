package configs

import (
	"github.com/spf13/viper"
)

// MetricsConfig Metrics相关配置. 指标通过 serve 的 /metrics 暴露，
// 一次性命令可设置 Endpoint 单独监听.
type MetricsConfig struct {
	Enabled        bool              `mapstructure:"enabled"`         // 是否启用Metrics
	Endpoint       string            `mapstructure:"endpoint"`        // 独立监听地址，空表示不单独监听
	RuntimeMetrics bool              `mapstructure:"runtime_metrics"` // 是否收集运行时指标
	Labels         map[string]string `mapstructure:"labels"`          // 默认标签
}

// setDefaults 设置Metrics配置的默认值.
func (c *MetricsConfig) setDefaults(v *viper.Viper) {
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.endpoint", "")
	v.SetDefault("metrics.runtime_metrics", true)
	v.SetDefault("metrics.labels", map[string]string{})
}
