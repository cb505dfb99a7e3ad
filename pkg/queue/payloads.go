package queue

import "time"

// EventHeader 定义所有事件的通用头部元数据.
type EventHeader struct {
	// Topic 冗余记录消息主题，便于离线处理或转储后定位来源主题.
	Topic string `json:"topic"`
	// TraceID 分布式追踪 ID，来自当前 span.
	TraceID string `json:"trace_id,omitempty"`
	// Producer 生产者服务名或节点标识.
	Producer string `json:"producer,omitempty"`
	// OccurredAt 事件发生时间（UTC，RFC3339）.
	OccurredAt time.Time `json:"occurred_at"`
	// Version 事件负载版本，便于向后兼容演进.
	Version string `json:"version,omitempty"`
}

// Message 是统一的消息封装，Header + Payload.
type Message[T any] struct {
	Header  EventHeader `json:"header"`
	Payload T           `json:"payload"`
}

// TransitionPayload 一次已提交的生命周期迁移.
// Version 为迁移后的版本号，消费者可据此丢弃乱序的旧事件.
type TransitionPayload struct {
	Path                string `json:"path"`
	From                string `json:"from"`
	To                  string `json:"to"`
	Version             int64  `json:"version"`
	TransientResourceID string `json:"transient_resource_id,omitempty"`
	PermanentResourceID string `json:"permanent_resource_id,omitempty"`
	FailureReason       string `json:"failure_reason,omitempty"`
}

// OrphanDeletedPayload 对账删除的远端文档.
type OrphanDeletedPayload struct {
	DocumentID string `json:"document_id"`
	Path       string `json:"path,omitempty"`
}
