package remote

import "context"

// Idempotent 包装 Client：删除操作把“不存在”视为成功，其余错误原样返回.
// 重置迁移与恢复扫描只通过它删除资源.
type Idempotent struct {
	Client
}

// NewIdempotent 返回幂等包装.
func NewIdempotent(c Client) *Idempotent {
	return &Idempotent{Client: c}
}

// DeleteTransient 删除临时资源，已删除视为成功.
func (i *Idempotent) DeleteTransient(ctx context.Context, id string) error {
	return absorbNotFound(i.Client.DeleteTransient(ctx, id))
}

// DeletePermanent 删除永久文档，已删除视为成功.
func (i *Idempotent) DeletePermanent(ctx context.Context, id string) error {
	return absorbNotFound(i.Client.DeletePermanent(ctx, id))
}

func absorbNotFound(err error) error {
	if IsNotFound(err) {
		return nil
	}

	return err
}
