// Package retry 提供指数退避 + 全抖动的重试循环.
//
// 第 n 次重试前的等待时间取自 [0, min(MaxDelay, BaseDelay·2^n)] 的均匀分布.
// 等待通过 Sleeper 完成，测试可以替换它来观察每一次退避.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/yeisme/indexsync/pkg/configs"
)

// Policy 重试预算. MaxAttempts 包含首次尝试.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// FromConfig 把配置转换为 Policy.
func FromConfig(c configs.RetryConfig) Policy {
	return Policy{MaxAttempts: c.MaxAttempts, BaseDelay: c.BaseDelay, MaxDelay: c.MaxDelay}
}

// RemoteDefaults 远端调用的默认预算.
func RemoteDefaults() Policy {
	return Policy{
		MaxAttempts: configs.DefaultRetryMaxAttempts,
		BaseDelay:   configs.DefaultRetryBaseDelay,
		MaxDelay:    configs.DefaultRetryMaxDelay,
	}
}

// OCCDefaults 版本冲突重读的默认预算.
func OCCDefaults() Policy {
	return Policy{
		MaxAttempts: configs.DefaultOCCMaxAttempts,
		BaseDelay:   configs.DefaultOCCBaseDelay,
		MaxDelay:    configs.DefaultOCCMaxDelay,
	}
}

// Ceiling 返回第 retry 次重试（从 0 开始）的退避上限.
func (p Policy) Ceiling(retry int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}

	d := p.BaseDelay
	for i := 0; i < retry; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}

		d *= 2
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}

	return d
}

// Sleeper 等待 d 或直到 ctx 结束.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc 函数适配器.
type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// TimerSleeper 基于 time.Timer 的默认实现.
var TimerSleeper Sleeper = timerSleeper{}

// ExhaustedError 预算耗尽，Err 为最后一次失败.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsExhausted 判断 err 是否来自预算耗尽.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

type options struct {
	sleeper Sleeper
	jitter  func(n int64) int64
	notify  func(attempt int, delay time.Duration, err error)
}

// Option 配置单次 Do 调用.
type Option func(*options)

// WithSleeper 替换等待实现.
func WithSleeper(s Sleeper) Option {
	return func(o *options) {
		if s != nil {
			o.sleeper = s
		}
	}
}

// WithJitter 替换 [0, n) 随机数来源.
func WithJitter(fn func(n int64) int64) Option {
	return func(o *options) {
		if fn != nil {
			o.jitter = fn
		}
	}
}

// WithNotify 每次退避前回调，attempt 为刚失败的尝试序号（从 1 开始）.
func WithNotify(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(o *options) { o.notify = fn }
}

// Do 执行 fn，遇到 retryable 判定为可重试的错误时按 p 退避后再试.
// 不可重试的错误原样返回；预算耗尽返回 *ExhaustedError；
// ctx 结束时返回 ctx 的错误，不再进行后续尝试.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context) error, opts ...Option) error {
	o := options{sleeper: TimerSleeper, jitter: rand.Int64N}
	for _, opt := range opts {
		opt(&o)
	}

	attempts := max(p.MaxAttempts, 1)

	var last error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		last = fn(ctx)
		if last == nil {
			return nil
		}

		if ctx.Err() != nil {
			return last
		}

		if !retryable(last) {
			return last
		}

		if attempt == attempts {
			break
		}

		delay := time.Duration(0)
		if ceiling := p.Ceiling(attempt - 1); ceiling > 0 {
			delay = time.Duration(o.jitter(int64(ceiling) + 1))
		}

		if o.notify != nil {
			o.notify(attempt, delay, last)
		}

		if err := o.sleeper.Sleep(ctx, delay); err != nil {
			return err
		}
	}

	return &ExhaustedError{Attempts: attempts, Err: last}
}
