package configs

import (
	"fmt"
	"net/url"

	"github.com/spf13/viper"
)

// S3Config MinIO/S3 远端存储配置. 暂存对象与正式文档位于同一 bucket 的不同前缀下.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"      rule:"required"`
	Region          string `mapstructure:"region"`
	StagingPrefix   string `mapstructure:"staging_prefix"   rule:"required"`
	DocumentPrefix  string `mapstructure:"document_prefix"  rule:"required"`
	CreateBucket    bool   `mapstructure:"create_bucket"`
}

const (
	DefaultS3Endpoint        = "localhost:9000" // 默认S3端点
	DefaultS3AccessKeyID     = "minioadmin"     // 默认访问密钥ID
	DefaultS3SecretAccessKey = "minioadmin"     // 默认秘密访问密钥
	DefaultS3UseSSL          = false            // 默认是否使用SSL
	DefaultS3BucketName      = "indexsync"      // 默认存储桶名称
	DefaultS3Region          = "us-east-1"      // 默认区域
	DefaultS3StagingPrefix   = "staging/"       // 暂存资源前缀
	DefaultS3DocumentPrefix  = "documents/"     // 正式文档前缀
)

// GetEndpointURL 获取完整的端点URL.
func (c *S3Config) GetEndpointURL() string {
	scheme := "http"
	if c.UseSSL {
		scheme = "https"
	}

	return fmt.Sprintf("%s://%s", scheme, c.Endpoint)
}

// HostAndSecure 允许 endpoint 带 schema（http:// 或 https://），返回 host 与是否启用 TLS.
func (c *S3Config) HostAndSecure() (string, bool) {
	if u, err := url.Parse(c.Endpoint); err == nil && u.Host != "" {
		return u.Host, u.Scheme == "https" || c.UseSSL
	}

	return c.Endpoint, c.UseSSL
}

// setDefaults 设置 S3 配置的默认值.
func (c *S3Config) setDefaults(v *viper.Viper) {
	v.SetDefault("remote.s3.endpoint", DefaultS3Endpoint)
	v.SetDefault("remote.s3.access_key_id", DefaultS3AccessKeyID)
	v.SetDefault("remote.s3.secret_access_key", DefaultS3SecretAccessKey)
	v.SetDefault("remote.s3.use_ssl", DefaultS3UseSSL)
	v.SetDefault("remote.s3.bucket_name", DefaultS3BucketName)
	v.SetDefault("remote.s3.region", DefaultS3Region)
	v.SetDefault("remote.s3.staging_prefix", DefaultS3StagingPrefix)
	v.SetDefault("remote.s3.document_prefix", DefaultS3DocumentPrefix)
	v.SetDefault("remote.s3.create_bucket", true)
}
