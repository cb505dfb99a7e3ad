package configs

import (
	"time"

	"github.com/spf13/viper"
)

// RemoteType 远端索引服务实现类型.
type RemoteType string

const (
	RemoteTypeS3     RemoteType = "s3"
	RemoteTypeMemory RemoteType = "memory"

	DefaultRemoteType     = RemoteTypeS3
	DefaultRemoteTimeout  = 60 * time.Second
	DefaultRemotePageSize = 500
)

// RemoteConfig 远端索引服务配置.
type RemoteConfig struct {
	Type           RemoteType           `mapstructure:"type"            rule:"oneof=s3 memory"`
	CallTimeout    time.Duration        `mapstructure:"call_timeout"    rule:"min=0"`
	ListPageSize   int                  `mapstructure:"list_page_size"  rule:"min=1,max=1000"`
	S3             S3Config             `mapstructure:"s3"`
	RateLimit      RateLimitConfig      `mapstructure:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

func (c *RemoteConfig) setDefaults(v *viper.Viper) {
	v.SetDefault("remote.type", DefaultRemoteType)
	v.SetDefault("remote.call_timeout", DefaultRemoteTimeout)
	v.SetDefault("remote.list_page_size", DefaultRemotePageSize)

	c.S3.setDefaults(v)
	c.RateLimit.setDefaults(v)
	c.CircuitBreaker.setDefaults(v)
}
