// Package mq 基于 Watermill 提供事件发布/订阅的客户端，并通过工厂模式抽象不同的 MQ 实现.
//
// 支持的 MQ 类型：
//   - memory（进程内 gochannel，默认）
//   - nats（可选 JetStream）
package mq

import (
	"context"
	"errors"
	"fmt"
	"sort"

	watermill "github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yeisme/indexsync/pkg/configs"
	nlog "github.com/yeisme/indexsync/pkg/log"
)

// ErrDisabled 事件发布被关闭时订阅返回此错误.
var ErrDisabled = errors.New("mq: disabled")

// Factory 定义创建 Publisher + Subscriber 的工厂函数.
type Factory func(ctx context.Context, cfg configs.MQConfig, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error)

var factories = map[configs.MQType]Factory{}

// RegisterFactory 注册指定 MQType 的工厂.
func RegisterFactory(t configs.MQType, f Factory) {
	factories[t] = f
}

// GetRegisteredMQTypes 返回已注册的 MQ 类型列表.
func GetRegisteredMQTypes() []configs.MQType {
	types := make([]configs.MQType, 0, len(factories))
	for t := range factories {
		types = append(types, t)
	}

	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	return types
}

// Client 封装 watermill Publisher 与 Subscriber.
type Client struct {
	publisher  message.Publisher
	subscriber message.Subscriber
}

// Option 配置客户端.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	logger     watermill.LoggerAdapter
}

// WithMetrics 使用 watermill 的 prometheus 装饰器统计发布与订阅.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithLogger 替换默认日志适配器.
func WithLogger(l watermill.LoggerAdapter) Option {
	return func(o *options) { o.logger = l }
}

// New 按配置创建消息队列客户端. cfg.Enabled 为 false 时返回丢弃所有消息的客户端.
func New(ctx context.Context, cfg configs.MQConfig, opts ...Option) (*Client, error) {
	if !cfg.Enabled {
		return &Client{}, nil
	}

	o := options{logger: NewLoggerAdapter(nlog.Component("mq"))}
	for _, opt := range opts {
		opt(&o)
	}

	factory, ok := factories[cfg.GetMQType()]
	if !ok {
		return nil, fmt.Errorf("unsupported mq type: %s", cfg.Type)
	}

	pub, sub, err := factory(ctx, cfg, o.logger)
	if err != nil {
		return nil, fmt.Errorf("init mq (%s): %w", cfg.Type, err)
	}

	if o.registerer != nil {
		builder := metrics.NewPrometheusMetricsBuilder(o.registerer, "indexsync", "mq")

		if pub, err = builder.DecoratePublisher(pub); err != nil {
			return nil, fmt.Errorf("decorate publisher with metrics: %w", err)
		}

		if sub, err = builder.DecorateSubscriber(sub); err != nil {
			return nil, fmt.Errorf("decorate subscriber with metrics: %w", err)
		}
	}

	nlog.Logger().Debug().Str("type", string(cfg.Type)).Msg("mq client initialized")

	return &Client{publisher: pub, subscriber: sub}, nil
}

// NewFromPubSub 使用现成的 publisher/subscriber 创建客户端，测试中常与 gochannel 搭配.
func NewFromPubSub(pub message.Publisher, sub message.Subscriber) *Client {
	return &Client{publisher: pub, subscriber: sub}
}

// Enabled 是否有可用的 publisher.
func (c *Client) Enabled() bool {
	return c != nil && c.publisher != nil
}

// Publisher 返回底层 publisher，关闭时为 nil.
func (c *Client) Publisher() message.Publisher {
	if c == nil {
		return nil
	}

	return c.publisher
}

// Publish 便捷发布，关闭时直接丢弃.
func (c *Client) Publish(_ context.Context, topic string, msgs ...*message.Message) error {
	if !c.Enabled() {
		return nil
	}

	return c.publisher.Publish(topic, msgs...)
}

// Subscribe 便捷订阅.
func (c *Client) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if c == nil || c.subscriber == nil {
		return nil, ErrDisabled
	}

	return c.subscriber.Subscribe(ctx, topic)
}

// Close 关闭资源. gochannel 的 publisher 与 subscriber 是同一对象，重复关闭是安全的.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}

	var errs []error

	if c.publisher != nil {
		errs = append(errs, c.publisher.Close())
	}

	if c.subscriber != nil {
		errs = append(errs, c.subscriber.Close())
	}

	return errors.Join(errs...)
}
