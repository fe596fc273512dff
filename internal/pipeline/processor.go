// Package pipeline 定义了交换记录的归档流程：每条记录写成 MinIO 中按日期分目录的单行 JSONL 对象，并索引到 Elasticsearch。
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"chat-gateway-go/internal/config"
	"chat-gateway-go/pkg/es"
	"chat-gateway-go/pkg/log"
	"chat-gateway-go/pkg/storage"
	"chat-gateway-go/pkg/tasks"
)

// Processor 封装了归档一条交换记录的所有依赖。
type Processor struct {
	minioCfg config.MinIOConfig
	esCfg    config.ElasticsearchConfig

	archive func(ctx context.Context, bucket, object string, data []byte) error
	index   func(ctx context.Context, indexName string, rec tasks.ExchangeRecord) error
}

// NewProcessor 创建一个新的 Processor。未初始化的存储后端会被跳过。
func NewProcessor(minioCfg config.MinIOConfig, esCfg config.ElasticsearchConfig) *Processor {
	p := &Processor{minioCfg: minioCfg, esCfg: esCfg}
	if storage.MinioClient != nil {
		p.archive = storage.PutJSONL
	}
	if es.ESClient != nil {
		p.index = es.IndexExchange
	}
	return p
}

// ObjectName 返回记录在对象存储中的路径：每条记录一个对象，放在当天日期的前缀下。
func ObjectName(rec tasks.ExchangeRecord) string {
	return fmt.Sprintf("train_data/%s/%s.jsonl", rec.Timestamp.Format("2006-01-02"), rec.ID)
}

// EncodeLine 把记录编码成一行 JSONL。
func EncodeLine(rec tasks.ExchangeRecord) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Process 归档并索引一条记录。
func (p *Processor) Process(ctx context.Context, rec tasks.ExchangeRecord) error {
	log.Infof("[Processor] 开始归档交换记录, id=%s, endpoint=%s", rec.ID, rec.Endpoint)

	if p.archive != nil {
		line, err := EncodeLine(rec)
		if err != nil {
			return fmt.Errorf("编码交换记录失败: %w", err)
		}
		if err := p.archive(ctx, p.minioCfg.BucketName, ObjectName(rec), line); err != nil {
			return fmt.Errorf("写入 MinIO 失败: %w", err)
		}
	}

	if p.index != nil {
		if err := p.index(ctx, p.esCfg.IndexName, rec); err != nil {
			return fmt.Errorf("索引到 Elasticsearch 失败: %w", err)
		}
	}

	log.Infof("[Processor] 交换记录归档完成, id=%s", rec.ID)
	return nil
}
