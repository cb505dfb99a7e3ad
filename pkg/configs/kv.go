package configs

import (
	"time"

	"github.com/spf13/viper"
)

// KVType 建议锁后端类型.
type KVType string

const (
	KVTypeMemory KVType = "memory"
	KVTypeRedis  KVType = "redis"
)

// KVConfig 键值存储配置，仅用于跨进程的路径级建议锁.
type KVConfig struct {
	Type      KVType        `mapstructure:"type"       rule:"oneof=memory redis"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	Redis     RedisKVConfig `mapstructure:"redis"`
}

// RedisKVConfig Redis KV 配置.
type RedisKVConfig struct {
	Addr        string        `mapstructure:"addr"         rule:"hostname_port"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"           rule:"min=0,max=15"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" rule:"min=0"`
}

// GetKVType 返回当前配置的 KV 类型.
func (c *KVConfig) GetKVType() KVType {
	return c.Type
}

// setDefaults 设置 KV 配置的默认值.
func (c *KVConfig) setDefaults(v *viper.Viper) {
	v.SetDefault("kv.type", KVTypeMemory)
	v.SetDefault("kv.key_prefix", "indexsync:lock:")

	// Redis 默认值
	v.SetDefault("kv.redis.addr", "localhost:6379")
	v.SetDefault("kv.redis.password", "")
	v.SetDefault("kv.redis.db", 0)
	v.SetDefault("kv.redis.dial_timeout", 5*time.Second)
}
