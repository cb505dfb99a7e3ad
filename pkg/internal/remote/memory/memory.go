// Package memory 是进程内的远端索引服务实现，支持故障注入、调用计数与可见性延迟.
// 用于测试以及 remote.type=memory 的本地演练.
package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/yeisme/indexsync/pkg/internal/remote"
)

// Hook 在每次调用进入时执行，call 为该操作的累计序号（从 1 开始）.
// 返回非 nil 错误时调用直接以该错误结束.
type Hook func(ctx context.Context, op remote.Op, call int) error

type document struct {
	remote.Document
	transientID  string
	hiddenProbes int
}

// Client 线程安全的内存实现.
type Client struct {
	mu         sync.Mutex
	seq        int
	transient  map[string][]byte
	permanent  map[string]*document
	calls      map[remote.Op]int
	faults     map[remote.Op][]error
	hook       Hook
	visibility int
	now        func() time.Time
}

var _ remote.Client = (*Client)(nil)

// New 创建空的内存服务.
func New() *Client {
	return &Client{
		transient: make(map[string][]byte),
		permanent: make(map[string]*document),
		calls:     make(map[remote.Op]int),
		faults:    make(map[remote.Op][]error),
		now:       time.Now,
	}
}

// FailNext 让 op 接下来的调用依次返回 errs.
func (c *Client) FailNext(op remote.Op, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.faults[op] = append(c.faults[op], errs...)
}

// SetHook 设置调用钩子，nil 表示移除.
func (c *Client) SetHook(h Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hook = h
}

// SetVisibilityLag 新导入的文档在前 n 次 StatPermanent 中不可见.
func (c *Client) SetVisibilityLag(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.visibility = n
}

// Calls 返回 op 的累计调用次数（包含失败的调用）.
func (c *Client) Calls(op remote.Op) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.calls[op]
}

// TotalCalls 返回所有操作的累计调用次数.
func (c *Client) TotalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, v := range c.calls {
		n += v
	}

	return n
}

// ResetCalls 清零调用计数.
func (c *Client) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = make(map[remote.Op]int)
}

// PutPermanent 直接放入一个永久文档（不经过导入），用于构造孤儿.
func (c *Client) PutPermanent(id, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.permanent[id] = &document{Document: remote.Document{ID: id, Path: path, PathKey: pathKey(path), CreatedAt: c.now()}}
}

// PutTransient 直接放入一个临时资源.
func (c *Client) PutTransient(id string, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.transient[id] = body
}

// HasTransient 临时资源是否存在.
func (c *Client) HasTransient(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.transient[id]

	return ok
}

// HasPermanent 永久文档是否存在.
func (c *Client) HasPermanent(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.permanent[id]

	return ok
}

// PermanentIDs 返回排序后的全部永久文档 ID.
func (c *Client) PermanentIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sortedIDs()
}

func (c *Client) sortedIDs() []string {
	ids := make([]string, 0, len(c.permanent))
	for id := range c.permanent {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// enter 记录调用、执行钩子并弹出预置故障.
func (c *Client) enter(ctx context.Context, op remote.Op) error {
	c.mu.Lock()
	c.calls[op]++
	call := c.calls[op]
	hook := c.hook

	var fault error
	if q := c.faults[op]; len(q) > 0 {
		fault = q[0]
		c.faults[op] = q[1:]
	}
	c.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, op, call); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	return fault
}

func (c *Client) nextID(prefix string) string {
	c.seq++
	return fmt.Sprintf("%s-%06d", prefix, c.seq)
}

func pathKey(path string) string {
	if path == "" {
		return ""
	}

	return remote.PathKey(path)
}

func notFound(op remote.Op, id string) error {
	return remote.NewError(op, remote.KindNotFound, fmt.Errorf("%s does not exist", id))
}

func (c *Client) UploadTransient(ctx context.Context, req remote.UploadRequest) (string, error) {
	if err := c.enter(ctx, remote.OpUploadTransient); err != nil {
		return "", err
	}

	var body []byte

	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return "", remote.NewError(remote.OpUploadTransient, remote.KindTransient, err)
		}

		body = b
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID("tr")
	c.transient[id] = body

	return id, nil
}

func (c *Client) ImportPermanent(ctx context.Context, transientID string, req remote.ImportRequest) (string, error) {
	if err := c.enter(ctx, remote.OpImportPermanent); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	body, ok := c.transient[transientID]
	if !ok {
		return "", remote.NewError(remote.OpImportPermanent, remote.KindPermanent,
			fmt.Errorf("transient resource %s does not exist", transientID))
	}

	id := c.nextID("doc")
	c.permanent[id] = &document{
		Document:     remote.Document{ID: id, Path: req.Path, PathKey: pathKey(req.Path), Size: int64(len(body)), CreatedAt: c.now()},
		transientID:  transientID,
		hiddenProbes: c.visibility,
	}

	return id, nil
}

func (c *Client) StatPermanent(ctx context.Context, id string) (remote.Document, error) {
	if err := c.enter(ctx, remote.OpStatPermanent); err != nil {
		return remote.Document{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	doc, ok := c.permanent[id]
	if !ok {
		return remote.Document{}, notFound(remote.OpStatPermanent, id)
	}

	if doc.hiddenProbes > 0 {
		doc.hiddenProbes--
		return remote.Document{}, notFound(remote.OpStatPermanent, id)
	}

	return doc.Document, nil
}

func (c *Client) DeleteTransient(ctx context.Context, id string) error {
	if err := c.enter(ctx, remote.OpDeleteTransient); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.transient[id]; !ok {
		return notFound(remote.OpDeleteTransient, id)
	}

	delete(c.transient, id)

	return nil
}

func (c *Client) DeletePermanent(ctx context.Context, id string) error {
	if err := c.enter(ctx, remote.OpDeletePermanent); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.permanent[id]; !ok {
		return notFound(remote.OpDeletePermanent, id)
	}

	delete(c.permanent, id)

	return nil
}

// ListPermanent 以 ID 排序分页，pageToken 为上一页最后一个 ID.
func (c *Client) ListPermanent(ctx context.Context, pageToken string, pageSize int) (remote.Page, error) {
	if err := c.enter(ctx, remote.OpListPermanent); err != nil {
		return remote.Page{}, err
	}

	if pageSize <= 0 {
		return remote.Page{}, remote.NewError(remote.OpListPermanent, remote.KindPermanent, errors.New("page size must be positive"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ids := c.sortedIDs()
	start := sort.SearchStrings(ids, pageToken)

	if start < len(ids) && ids[start] == pageToken {
		start++
	}

	end := min(start+pageSize, len(ids))

	page := remote.Page{Documents: make([]remote.Document, 0, end-start)}
	for _, id := range ids[start:end] {
		page.Documents = append(page.Documents, c.permanent[id].Document)
	}

	if end < len(ids) {
		page.NextPageToken = ids[end-1]
	}

	return page, nil
}
