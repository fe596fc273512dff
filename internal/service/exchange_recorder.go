package service

import (
	"context"
	"time"

	"chat-gateway-go/pkg/kafka"
	"chat-gateway-go/pkg/llm"
	"chat-gateway-go/pkg/log"
	"chat-gateway-go/pkg/tasks"
)

const publishTimeout = 5 * time.Second

// ExchangeRecorder 记录每一次请求/回复交换。实现必须是非阻塞的。
type ExchangeRecorder interface {
	Record(rec tasks.ExchangeRecord)
}

type kafkaExchangeRecorder struct{}

// NewKafkaExchangeRecorder 返回一个把交换记录异步发布到 Kafka 的 ExchangeRecorder。
// 调用前需要先执行 kafka.InitProducer。
func NewKafkaExchangeRecorder() ExchangeRecorder {
	return kafkaExchangeRecorder{}
}

func (kafkaExchangeRecorder) Record(rec tasks.ExchangeRecord) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := kafka.ProduceExchange(ctx, rec); err != nil {
			log.Warnf("发布交换记录失败, id=%s: %v", rec.ID, err)
		}
	}()
}

// NopExchangeRecorder 丢弃所有记录，未配置 Kafka 时使用。
type NopExchangeRecorder struct{}

func (NopExchangeRecorder) Record(tasks.ExchangeRecord) {}

func toExchangeMessages(messages []llm.Message) []tasks.ExchangeMessage {
	out := make([]tasks.ExchangeMessage, len(messages))
	for i, m := range messages {
		out[i] = tasks.ExchangeMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
