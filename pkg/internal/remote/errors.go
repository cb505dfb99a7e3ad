package remote

import (
	"context"
	"errors"
	"fmt"
)

// Kind 远端错误类别.
type Kind uint8

const (
	// KindTransient 网络错误、5xx、超时、熔断打开：有限次退避重试.
	KindTransient Kind = iota
	// KindRateLimited 远端限流：原地退避重试，不引起状态迁移.
	KindRateLimited
	// KindNotFound 资源不存在：删除时视为成功.
	KindNotFound
	// KindPermanent 鉴权、请求格式、配额：立即失败.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// 与 Kind 一一对应的哨兵错误，供 errors.Is 使用.
var (
	ErrTransient   = errors.New("remote: transient failure")
	ErrRateLimited = errors.New("remote: rate limited")
	ErrNotFound    = errors.New("remote: not found")
	ErrPermanent   = errors.New("remote: permanent failure")
)

func (k Kind) sentinel() error {
	switch k {
	case KindRateLimited:
		return ErrRateLimited
	case KindNotFound:
		return ErrNotFound
	case KindPermanent:
		return ErrPermanent
	default:
		return ErrTransient
	}
}

// Error 分类后的远端错误.
type Error struct {
	Op   Op
	Kind Kind
	Err  error
}

// NewError 构造分类错误.
func NewError(op Op, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}

	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is 让 errors.Is(err, ErrNotFound) 等按类别匹配.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Classify 返回 err 的类别. 未分类的错误（网络、超时等）按瞬时错误处理.
func Classify(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrPermanent):
		return KindPermanent
	default:
		return KindTransient
	}
}

// Retryable 限流与瞬时错误可以重试.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	k := Classify(err)

	return k == KindRateLimited || k == KindTransient
}

// IsNotFound 是否为资源不存在.
func IsNotFound(err error) bool {
	return err != nil && Classify(err) == KindNotFound
}
