package mq

import (
	"context"

	watermill "github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"

	"github.com/yeisme/indexsync/pkg/configs"
	nlog "github.com/yeisme/indexsync/pkg/log"
)

func init() {
	RegisterFactory(configs.MQTypeMemory, memoryFactory)
}

// memoryFactory 创建进程内 gochannel，publisher 与 subscriber 为同一实例.
func memoryFactory(_ context.Context, cfg configs.MQConfig, _ watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error) {
	// 没有订阅者时 gochannel 每条消息都会打 info 日志
	logger := NewLoggerAdapter(nlog.Component("mq").Level(zerolog.WarnLevel))

	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: cfg.Common.BufferSize,
		PreserveContext:     true,
	}, logger)

	return ps, ps, nil
}
