// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chat-gateway-go/internal/config"
	"chat-gateway-go/pkg/log"
	"chat-gateway-go/pkg/tasks"

	"github.com/segmentio/kafka-go"
)

// maxAttempts 是一条记录最多被处理的次数。
const maxAttempts = 3

var retryBackoff = time.Second

// ExchangeProcessor 处理一条交换记录，Kafka 消费者与具体归档实现由此解耦。
type ExchangeProcessor interface {
	Process(ctx context.Context, rec tasks.ExchangeRecord) error
}

var producer *kafka.Writer

func brokerList(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// InitProducer 初始化 Kafka 生产者。
func InitProducer(cfg config.KafkaConfig) {
	producer = &kafka.Writer{
		Addr:         kafka.TCP(brokerList(cfg.Brokers)...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}
	log.Info("Kafka 生产者初始化成功")
}

// ProduceExchange 发送一条交换记录到 Kafka，以记录 ID 作为消息 key。
func ProduceExchange(ctx context.Context, rec tasks.ExchangeRecord) error {
	if producer == nil {
		return fmt.Errorf("kafka producer not initialized")
	}
	recBytes, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return producer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.ID),
		Value: recBytes,
	})
}

// CloseProducer 刷新并关闭生产者。
func CloseProducer() error {
	if producer == nil {
		return nil
	}
	return producer.Close()
}

// StartConsumer 启动一个 Kafka 消费者处理交换记录，直到 ctx 结束。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor ExchangeProcessor) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokerList(cfg.Brokers),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("从 Kafka 读取消息失败", err)
			}
			break
		}

		var rec tasks.ExchangeRecord
		if err := json.Unmarshal(m.Value, &rec); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			commit(ctx, r, m)
			continue
		}

		if err := processWithRetry(ctx, processor, rec, retryBackoff); err != nil {
			if ctx.Err() != nil {
				// 停机中断，不提交 offset，重启后重新消费
				break
			}
			log.Errorf("交换记录多次失败(>=%d)，提交 offset 放弃该记录: id=%s, error: %v", maxAttempts, rec.ID, err)
		}
		commit(ctx, r, m)
	}

	if err := r.Close(); err != nil {
		log.Errorf("关闭 Kafka 消费者失败: %v", err)
	}
}

func commit(ctx context.Context, r *kafka.Reader, m kafka.Message) {
	if err := r.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}

// processWithRetry 在原地重试处理一条记录，最多 maxAttempts 次，每次失败后按 backoff 线性退避。
// ctx 结束时立即返回 ctx.Err()。
func processWithRetry(ctx context.Context, processor ExchangeProcessor, rec tasks.ExchangeRecord, backoff time.Duration) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = processor.Process(ctx, rec); err == nil {
			return nil
		}
		log.Warnf("处理交换记录失败: id=%s, attempt=%d, error: %v", rec.ID, attempt, err)
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * backoff):
		}
	}
	return err
}
