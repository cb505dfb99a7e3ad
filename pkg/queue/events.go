package queue

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/trace"
)

// Publisher 发布业务事件. nil 或未设置底层 publisher 时所有方法都是空操作.
type Publisher struct {
	pub      message.Publisher
	producer string
}

// NewPublisher 基于 watermill publisher 创建事件发布器.
func NewPublisher(pub message.Publisher, producer string) *Publisher {
	return &Publisher{pub: pub, producer: producer}
}

// Transition 发布生命周期迁移事件，重置发布到 TopicFileReset，其余按目标状态分主题.
func (p *Publisher) Transition(ctx context.Context, payload TransitionPayload, reset bool) error {
	topic := TopicForState(payload.To)
	if reset {
		topic = TopicFileReset
	}

	return publish(ctx, p, topic, payload)
}

// OrphanDeleted 发布对账删除事件.
func (p *Publisher) OrphanDeleted(ctx context.Context, payload OrphanDeletedPayload) error {
	return publish(ctx, p, TopicOrphanDeleted, payload)
}

func publish[T any](ctx context.Context, p *Publisher, topic string, payload T) error {
	if p == nil || p.pub == nil {
		return nil
	}

	opts := []func(*EventHeader){WithProducer(p.producer)}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		opts = append(opts, WithTraceID(sc.TraceID().String()))
	}

	msg, err := NewWatermillMessage(topic, payload, opts...)
	if err != nil {
		return err
	}

	msg.SetContext(ctx)

	return p.pub.Publish(topic, msg)
}

// ParseTransition 将 Watermill 消息解析为强类型 Envelope.
func ParseTransition(msg *message.Message) (Message[TransitionPayload], error) {
	return ParseWatermillMessage[TransitionPayload](msg)
}

// ParseOrphanDeleted 将 Watermill 消息解析为强类型 Envelope.
func ParseOrphanDeleted(msg *message.Message) (Message[OrphanDeletedPayload], error) {
	return ParseWatermillMessage[OrphanDeletedPayload](msg)
}
