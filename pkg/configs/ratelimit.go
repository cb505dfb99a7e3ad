package configs

import "github.com/spf13/viper"

const (
	// 默认客户端速率限制配置. 这是主动节流，与远端返回的限流响应无关.
	DefaultRateLimitEnabled = false
	DefaultRateLimitRPS     = 20.0
	DefaultRateLimitBurst   = 40
)

// RateLimitConfig 远端调用的客户端侧速率限制配置.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"   rule:"min=0"` // 每秒允许的调用数
	Burst   int     `mapstructure:"burst" rule:"min=0"` // 突发容量
}

func (c *RateLimitConfig) setDefaults(v *viper.Viper) {
	v.SetDefault("remote.rate_limit.enabled", DefaultRateLimitEnabled)
	v.SetDefault("remote.rate_limit.rps", DefaultRateLimitRPS)
	v.SetDefault("remote.rate_limit.burst", DefaultRateLimitBurst)
}
