package remote

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/yeisme/indexsync/pkg/configs"
	"github.com/yeisme/indexsync/pkg/metrics"
	"github.com/yeisme/indexsync/pkg/tracing"
)

// Guarded 包装 Client：客户端侧限速、熔断、单次调用超时、追踪 span 与指标.
// 熔断打开时返回 KindTransient，交给上层的退避策略处理.
type Guarded struct {
	next    Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewGuarded 按配置创建包装. 限速与熔断各自可以关闭.
func NewGuarded(next Client, cfg configs.RemoteConfig) *Guarded {
	g := &Guarded{next: next, timeout: cfg.CallTimeout}

	if cfg.RateLimit.Enabled && cfg.RateLimit.RPS > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), max(cfg.RateLimit.Burst, 1))
	}

	if cb := cfg.CircuitBreaker; cb.Enabled {
		g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "remote",
			MaxRequests: cb.MaxRequestsInHalf,
			Interval:    time.Duration(cb.IntervalSeconds) * time.Second,
			Timeout:     time.Duration(cb.TimeoutSeconds) * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cb.MinRequests {
					return false
				}

				return float64(counts.TotalFailures)/float64(counts.Requests) >= cb.FailureRate
			},
			// 不存在、永久错误与取消不说明后端不健康
			IsSuccessful: func(err error) bool {
				if err == nil || errors.Is(err, context.Canceled) {
					return true
				}

				k := Classify(err)

				return k == KindNotFound || k == KindPermanent
			},
		})
	}

	return g
}

// BreakerState 返回熔断器状态，未启用时为 closed.
func (g *Guarded) BreakerState() gobreaker.State {
	if g.breaker == nil {
		return gobreaker.StateClosed
	}

	return g.breaker.State()
}

func (g *Guarded) call(ctx context.Context, op Op, attrs []attribute.KeyValue, fn func(ctx context.Context) error) error {
	ctx, span := tracing.StartSpan(ctx, "remote."+string(op), trace.WithAttributes(attrs...))
	started := time.Now()

	err := g.do(ctx, op, fn)

	outcome := "ok"
	if err != nil {
		outcome = Classify(err).String()
		if errors.Is(err, context.Canceled) {
			outcome = "canceled"
		}
	}

	metrics.ObserveRemote(string(op), outcome, started)
	tracing.EndSpan(span, err)

	return err
}

func (g *Guarded) do(ctx context.Context, op Op, fn func(ctx context.Context) error) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return NewError(op, KindRateLimited, err)
		}
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	if g.breaker == nil {
		return fn(ctx)
	}

	_, err := g.breaker.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return NewError(op, KindTransient, err)
	}

	return err
}

func (g *Guarded) UploadTransient(ctx context.Context, req UploadRequest) (string, error) {
	var id string

	err := g.call(ctx, OpUploadTransient, []attribute.KeyValue{attribute.String("file.path", req.Path)}, func(ctx context.Context) error {
		var err error

		id, err = g.next.UploadTransient(ctx, req)

		return err
	})

	return id, err
}

func (g *Guarded) ImportPermanent(ctx context.Context, transientID string, req ImportRequest) (string, error) {
	var id string

	attrs := []attribute.KeyValue{attribute.String("file.path", req.Path), attribute.String("remote.transient_id", transientID)}

	err := g.call(ctx, OpImportPermanent, attrs, func(ctx context.Context) error {
		var err error

		id, err = g.next.ImportPermanent(ctx, transientID, req)

		return err
	})

	return id, err
}

func (g *Guarded) StatPermanent(ctx context.Context, id string) (Document, error) {
	var doc Document

	err := g.call(ctx, OpStatPermanent, []attribute.KeyValue{attribute.String("remote.permanent_id", id)}, func(ctx context.Context) error {
		var err error

		doc, err = g.next.StatPermanent(ctx, id)

		return err
	})

	return doc, err
}

func (g *Guarded) DeleteTransient(ctx context.Context, id string) error {
	return g.call(ctx, OpDeleteTransient, []attribute.KeyValue{attribute.String("remote.transient_id", id)}, func(ctx context.Context) error {
		return g.next.DeleteTransient(ctx, id)
	})
}

func (g *Guarded) DeletePermanent(ctx context.Context, id string) error {
	return g.call(ctx, OpDeletePermanent, []attribute.KeyValue{attribute.String("remote.permanent_id", id)}, func(ctx context.Context) error {
		return g.next.DeletePermanent(ctx, id)
	})
}

func (g *Guarded) ListPermanent(ctx context.Context, pageToken string, pageSize int) (Page, error) {
	var page Page

	err := g.call(ctx, OpListPermanent, []attribute.KeyValue{attribute.Int("remote.page_size", pageSize)}, func(ctx context.Context) error {
		var err error

		page, err = g.next.ListPermanent(ctx, pageToken, pageSize)

		return err
	})

	return page, err
}
