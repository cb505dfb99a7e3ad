// Package configs 管理应用程序配置，包括数据库、远端索引服务、上传编排与对账的配置信息.
// configs 包支持多种配置格式（YAML、JSON、TOML、dotenv）并可启用热重载.
//
// Example:
//
//	err := configs.InitConfig("./")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	config := configs.GetConfig()
//	fmt.Println(config.Upload.Concurrency)
//
// Example accessing DB config:
//
//	dbConfig := configs.GetConfig().DB
//	dsn := dbConfig.GetDSN()
//	fmt.Println("DSN:", dsn)
//
// Example accessing remote config:
//
//	remote := configs.GetConfig().Remote
//	fmt.Println("S3 Endpoint:", remote.S3.GetEndpointURL())
package configs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/yeisme/indexsync/pkg/rule"
)

// AppVersion 应用版本号.
const AppVersion = "0.3.0"

// EnvPrefix 环境变量前缀，例如 INDEXSYNC_UPLOAD_CONCURRENCY.
const EnvPrefix = "INDEXSYNC"

type (
	// AppConfig 全局应用程序配置.
	AppConfig struct {
		DB        DBConfig        `mapstructure:"db"`        // DBConfig 状态库配置
		Remote    RemoteConfig    `mapstructure:"remote"`    // RemoteConfig 远端索引服务配置
		Upload    UploadConfig    `mapstructure:"upload"`    // UploadConfig 上传编排配置
		Reconcile ReconcileConfig `mapstructure:"reconcile"` // ReconcileConfig 对账配置
		Schedule  ScheduleConfig  `mapstructure:"schedule"`  // ScheduleConfig 定时任务配置
		MQ        MQConfig        `mapstructure:"mq"`        // MQConfig 事件发布配置
		KV        KVConfig        `mapstructure:"kv"`        // KVConfig 建议锁配置
		Server    ServerConfig    `mapstructure:"server"`    // ServerConfig 只读 API 配置
		Log       LogConfig       `mapstructure:"log"`       // LogConfig 日志相关配置
		Metrics   MetricsConfig   `mapstructure:"metrics"`   // MetricsConfig 监控配置
		Tracing   TracingConfig   `mapstructure:"tracing"`   // TracingConfig 追踪配置
	}
)

var (
	// globalConfig 全局配置实例.
	globalConfig AppConfig
	// appViper 全局 Viper 实例.
	appViper *viper.Viper
)

// InitConfig 加载应用程序配置，支持多种格式(yaml、json、toml、dotenv)并启用热重载.
// path 为空或找不到配置文件时仅使用默认值与环境变量.
func InitConfig(path string) error {
	appViper = viper.New()
	// 设置默认值
	setAllDefaults(appViper)

	appViper.SetEnvPrefix(EnvPrefix)
	appViper.AutomaticEnv()

	found := false

	if path != "" {
		// 检查path是否是文件
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			appViper.SetConfigFile(path)

			found = true
		} else {
			exts := []string{"yaml", "yml", "json", "toml", "env", "dotenv"}

			for _, dir := range []string{path, filepath.Join(path, "configs")} {
				for _, ext := range exts {
					cfg := filepath.Join(dir, "config."+ext)
					if _, err := os.Stat(cfg); err == nil {
						appViper.SetConfigFile(cfg)

						found = true

						break
					}
				}

				if found {
					break
				}
			}
		}
	}

	if found {
		if err := appViper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	// 解析到全局配置
	if err := appViper.Unmarshal(&globalConfig); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := globalConfig.Validate(); err != nil {
		return err
	}

	if found {
		reloadConfigs(appViper, globalConfig.Server.ReloadConfig)
	}

	return nil
}

// Validate 按 rule 标签校验配置.
func (c *AppConfig) Validate() error {
	if err := rule.ValidateStruct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	return nil
}

// setAllDefaults 设置所有配置的默认值.
func setAllDefaults(v *viper.Viper) {
	var (
		dbConfig        DBConfig
		remoteConfig    RemoteConfig
		uploadConfig    UploadConfig
		reconcileConfig ReconcileConfig
		scheduleConfig  ScheduleConfig
		mqConfig        MQConfig
		kvConfig        KVConfig
		serverConfig    ServerConfig
		logConfig       LogConfig
		metricsConfig   MetricsConfig
		tracingConfig   TracingConfig
	)

	dbConfig.setDefaults(v)
	remoteConfig.setDefaults(v)
	uploadConfig.setDefaults(v)
	reconcileConfig.setDefaults(v)
	scheduleConfig.setDefaults(v)
	mqConfig.setDefaults(v)
	kvConfig.setDefaults(v)
	serverConfig.setDefaults(v)
	logConfig.setDefaults(v)
	metricsConfig.setDefaults(v)
	tracingConfig.setDefaults(v)
}

// Defaults 返回仅由默认值构成的配置，便于测试和嵌入式使用.
func Defaults() AppConfig {
	v := viper.New()
	setAllDefaults(v)

	var cfg AppConfig

	_ = v.Unmarshal(&cfg)

	return cfg
}

// reloadConfigs 启用配置热重载. 只有可安全在运行中变更的字段会生效（如日志级别、并发数）.
func reloadConfigs(v *viper.Viper, isHotReload bool) {
	if !isHotReload {
		return
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		fmt.Fprintln(os.Stderr, "Config file changed:", e.Name)

		var next AppConfig
		if err := v.Unmarshal(&next); err != nil {
			fmt.Fprintf(os.Stderr, "Error reloading config: %v\n", err)
			return
		}

		if err := next.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Ignoring reloaded config: %v\n", err)
			return
		}

		globalConfig = next
		for _, fn := range reloadHooks {
			fn(&globalConfig)
		}
	})
	v.WatchConfig()
}

var reloadHooks []func(*AppConfig)

// OnReload 注册配置热重载回调.
func OnReload(fn func(*AppConfig)) {
	reloadHooks = append(reloadHooks, fn)
}

// GetConfig 返回全局配置实例.
func GetConfig() *AppConfig {
	return &globalConfig
}

// GetViper 返回全局 Viper 实例，未初始化时为 nil.
func GetViper() *viper.Viper {
	return appViper
}
