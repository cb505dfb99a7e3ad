// Package remote 定义远端文档索引服务的原语接口与错误分类，
// 以及在其上叠加的幂等删除、限速、熔断与追踪包装.
package remote

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Op 远端操作名，用于错误、日志与指标标签.
type Op string

const (
	OpUploadTransient Op = "upload_transient"
	OpImportPermanent Op = "import_permanent"
	OpStatPermanent   Op = "stat_permanent"
	OpDeleteTransient Op = "delete_transient"
	OpDeletePermanent Op = "delete_permanent"
	OpListPermanent   Op = "list_permanent"
)

// UploadRequest 上传临时资源的参数.
type UploadRequest struct {
	Path        string
	Body        io.Reader
	Size        int64
	ContentType string
	// Metadata 提取协作者给出的不透明元数据，原样附加
	Metadata string
}

// ImportRequest 把临时资源导入为永久文档的参数.
type ImportRequest struct {
	Path     string
	Metadata string
}

// Document 远端永久文档. 列举结果不一定带 Path，但带 PathKey 时可以据此按路径归属.
type Document struct {
	ID        string
	Path      string
	PathKey   string
	Size      int64
	CreatedAt time.Time
}

// PathKey 返回路径的定长归属键，实现可以把它编入文档 ID.
func PathKey(path string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(path))
}

// Page 分页列举的一页. NextPageToken 为空表示已到末尾.
type Page struct {
	Documents     []Document
	NextPageToken string
}

// Client 远端服务的原语操作. 实现不做重试，也不吞掉任何错误.
type Client interface {
	UploadTransient(ctx context.Context, req UploadRequest) (string, error)
	ImportPermanent(ctx context.Context, transientID string, req ImportRequest) (string, error)
	StatPermanent(ctx context.Context, id string) (Document, error)
	DeleteTransient(ctx context.Context, id string) error
	DeletePermanent(ctx context.Context, id string) error
	ListPermanent(ctx context.Context, pageToken string, pageSize int) (Page, error)
}

// ListAll 跟随分页直到末尾，返回全部永久文档.
func ListAll(ctx context.Context, c Client, pageSize int) ([]Document, error) {
	var (
		all   []Document
		token string
	)

	for {
		page, err := c.ListPermanent(ctx, token, pageSize)
		if err != nil {
			return nil, err
		}

		all = append(all, page.Documents...)

		if page.NextPageToken == "" || page.NextPageToken == token {
			return all, nil
		}

		token = page.NextPageToken
	}
}
