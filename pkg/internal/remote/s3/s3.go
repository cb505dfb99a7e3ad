// Package s3 以 MinIO/S3 bucket 模拟远端索引服务.
//
// 临时资源是 staging 前缀下的对象，永久文档是服务端复制到 documents 前缀下的对象.
// 文档 ID 为去掉前缀后的对象键：<remote.PathKey(path)>/<ulid>.
package s3

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/oklog/ulid/v2"

	"github.com/yeisme/indexsync/pkg/configs"
	"github.com/yeisme/indexsync/pkg/internal/remote"
	s3c "github.com/yeisme/indexsync/pkg/internal/storage/s3"
)

const (
	metaPath     = "Indexsync-Path"
	metaMetadata = "Indexsync-Metadata"
	// S3 用户元数据总长度上限约 2KB，超出部分不随对象保存
	maxInlineMetadata = 1536
)

var entropy = struct {
	sync.Mutex
	r *ulid.MonotonicEntropy
}{r: ulid.Monotonic(rand.Reader, 0)}

func newULID() string {
	entropy.Lock()
	defer entropy.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy.r).String()
}

// Client 基于 minio-go 的 remote.Client.
type Client struct {
	cli    *minio.Client
	bucket string
	stage  string
	docs   string
}

var _ remote.Client = (*Client)(nil)

// New 使用已连接的 MinIO 客户端创建远端实现.
func New(c *s3c.Client) *Client {
	cfg := c.Config()

	return &Client{
		cli:    c.Client,
		bucket: cfg.BucketName,
		stage:  ensureSlash(cfg.StagingPrefix),
		docs:   ensureSlash(cfg.DocumentPrefix),
	}
}

// Dial 按配置连接并创建远端实现.
func Dial(ctx context.Context, cfg configs.S3Config) (*Client, error) {
	c, err := s3c.New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return New(c), nil
}

func ensureSlash(p string) string {
	if p == "" || strings.HasSuffix(p, "/") {
		return p
	}

	return p + "/"
}

func (c *Client) UploadTransient(ctx context.Context, req remote.UploadRequest) (string, error) {
	id := newULID()

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := c.cli.PutObject(ctx, c.bucket, c.stage+id, req.Body, req.Size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: userMetadata(req.Path, req.Metadata),
	})
	if err != nil {
		return "", classify(remote.OpUploadTransient, err)
	}

	return id, nil
}

func (c *Client) ImportPermanent(ctx context.Context, transientID string, req remote.ImportRequest) (string, error) {
	id := remote.PathKey(req.Path) + "/" + newULID()

	_, err := c.cli.CopyObject(ctx,
		minio.CopyDestOptions{
			Bucket:          c.bucket,
			Object:          c.docs + id,
			UserMetadata:    userMetadata(req.Path, req.Metadata),
			ReplaceMetadata: true,
		},
		minio.CopySrcOptions{Bucket: c.bucket, Object: c.stage + transientID},
	)
	if err != nil {
		// 源对象不存在说明临时资源已丢失，重试无意义
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", remote.NewError(remote.OpImportPermanent, remote.KindPermanent, err)
		}

		return "", classify(remote.OpImportPermanent, err)
	}

	return id, nil
}

func (c *Client) StatPermanent(ctx context.Context, id string) (remote.Document, error) {
	info, err := c.cli.StatObject(ctx, c.bucket, c.docs+id, minio.StatObjectOptions{})
	if err != nil {
		return remote.Document{}, classify(remote.OpStatPermanent, err)
	}

	return c.document(info), nil
}

// DeleteTransient S3 删除本身是幂等的，不存在的对象同样返回成功.
func (c *Client) DeleteTransient(ctx context.Context, id string) error {
	if err := c.cli.RemoveObject(ctx, c.bucket, c.stage+id, minio.RemoveObjectOptions{}); err != nil {
		return classify(remote.OpDeleteTransient, err)
	}

	return nil
}

func (c *Client) DeletePermanent(ctx context.Context, id string) error {
	if err := c.cli.RemoveObject(ctx, c.bucket, c.docs+id, minio.RemoveObjectOptions{}); err != nil {
		return classify(remote.OpDeletePermanent, err)
	}

	return nil
}

// ListPermanent 按对象键顺序分页. minio 的列举通道会自动翻页，
// 这里读满 pageSize+1 条后取消，用多出的一条判断是否还有下一页.
func (c *Client) ListPermanent(ctx context.Context, pageToken string, pageSize int) (remote.Page, error) {
	if pageSize <= 0 {
		return remote.Page{}, remote.NewError(remote.OpListPermanent, remote.KindPermanent, errors.New("page size must be positive"))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := minio.ListObjectsOptions{
		Prefix:       c.docs,
		Recursive:    true,
		MaxKeys:      min(pageSize+1, 1000),
		WithMetadata: false,
	}
	if pageToken != "" {
		opts.StartAfter = c.docs + pageToken
	}

	var page remote.Page

	for obj := range c.cli.ListObjects(ctx, c.bucket, opts) {
		if obj.Err != nil {
			return remote.Page{}, classify(remote.OpListPermanent, obj.Err)
		}

		if len(page.Documents) == pageSize {
			page.NextPageToken = page.Documents[pageSize-1].ID
			break
		}

		page.Documents = append(page.Documents, c.document(obj))
	}

	return page, nil
}

func (c *Client) document(info minio.ObjectInfo) remote.Document {
	doc := remote.Document{
		ID:        strings.TrimPrefix(info.Key, c.docs),
		Size:      info.Size,
		CreatedAt: info.LastModified,
	}

	// 列举不带用户元数据，路径归属只能从键的第一段得到
	if key, _, ok := strings.Cut(doc.ID, "/"); ok {
		doc.PathKey = key
	}

	if p := info.UserMetadata[metaPath]; p != "" {
		if decoded, err := url.QueryUnescape(p); err == nil {
			doc.Path = decoded
		}
	}

	return doc
}

func userMetadata(path, metadata string) map[string]string {
	m := map[string]string{metaPath: url.QueryEscape(path)}
	if metadata != "" && len(metadata) <= maxInlineMetadata {
		m[metaMetadata] = url.QueryEscape(metadata)
	}

	return m
}

// classify 把 S3 错误码映射到远端错误分类.
func classify(op remote.Op, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	resp := minio.ToErrorResponse(err)

	switch {
	case resp.Code == "NoSuchKey":
		return remote.NewError(op, remote.KindNotFound, err)
	case resp.Code == "SlowDown" || resp.Code == "RequestLimitExceeded" ||
		resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return remote.NewError(op, remote.KindRateLimited, err)
	case resp.Code == "AccessDenied" || resp.Code == "InvalidAccessKeyId" || resp.Code == "SignatureDoesNotMatch" ||
		resp.Code == "QuotaExceeded" || resp.Code == "EntityTooLarge" || resp.Code == "InvalidArgument" ||
		resp.Code == "InvalidObjectName" || resp.Code == "NoSuchBucket":
		return remote.NewError(op, remote.KindPermanent, err)
	case resp.StatusCode >= http.StatusInternalServerError:
		return remote.NewError(op, remote.KindTransient, err)
	case resp.StatusCode == http.StatusNotFound:
		return remote.NewError(op, remote.KindNotFound, err)
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusBadRequest:
		return remote.NewError(op, remote.KindPermanent, err)
	default:
		return remote.NewError(op, remote.KindTransient, err)
	}
}
