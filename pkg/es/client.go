// Package es 提供了与 Elasticsearch 交互的客户端功能。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"chat-gateway-go/internal/config"
	"chat-gateway-go/pkg/log"
	"chat-gateway-go/pkg/tasks"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// ESClient 是全局的 Elasticsearch 客户端，未配置时为 nil。
var ESClient *elasticsearch.Client

const exchangeMapping = `{
	"mappings": {
		"properties": {
			"id": { "type": "keyword" },
			"endpoint": { "type": "keyword" },
			"backend": { "type": "keyword" },
			"model": { "type": "keyword" },
			"conversation_id": { "type": "keyword" },
			"session_id": { "type": "keyword" },
			"stream": { "type": "boolean" },
			"stopped": { "type": "boolean" },
			"messages": {
				"properties": {
					"role": { "type": "keyword" },
					"content": { "type": "text" }
				}
			},
			"response": { "type": "text" },
			"error": { "type": "text" },
			"duration_ms": { "type": "long" },
			"timestamp": { "type": "date" }
		}
	}
}`

// InitES 初始化 Elasticsearch 客户端并确保索引存在。
func InitES(esCfg config.ElasticsearchConfig) error {
	cfg := elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return err
	}
	ESClient = client
	return createIndexIfNotExists(esCfg.IndexName)
}

// createIndexIfNotExists 检查索引是否存在，如果不存在则创建它
func createIndexIfNotExists(indexName string) error {
	res, err := ESClient.Indices.Exists([]string{indexName})
	if err != nil {
		return fmt.Errorf("检查索引是否存在时出错: %w", err)
	}
	res.Body.Close()
	if !res.IsError() && res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", indexName)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	res, err = ESClient.Indices.Create(
		indexName,
		ESClient.Indices.Create.WithBody(strings.NewReader(exchangeMapping)),
	)
	if err != nil {
		return fmt.Errorf("创建索引 '%s' 失败: %w", indexName, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", indexName, res.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}

	log.Infof("索引 '%s' 创建成功", indexName)
	return nil
}

// IndexExchange 将一条交换记录索引到 Elasticsearch，记录 ID 作为文档 ID。
func IndexExchange(ctx context.Context, indexName string, rec tasks.ExchangeRecord) error {
	if ESClient == nil {
		return errors.New("elasticsearch client not initialized")
	}
	docBytes, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      indexName,
		DocumentID: rec.ID,
		Body:       bytes.NewReader(docBytes),
	}
	res, err := req.Do(ctx, ESClient)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("索引文档到 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to index document")
	}
	return nil
}

// BuildSearchQuery 构造按关键词检索交换记录的查询体，可选按模型过滤。
func BuildSearchQuery(query, model string, size int) map[string]interface{} {
	must := []interface{}{
		map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  query,
				"fields": []string{"response", "messages.content"},
			},
		},
	}
	var filter []interface{}
	if model != "" {
		filter = append(filter, map[string]interface{}{"term": map[string]interface{}{"model": model}})
	}
	return map[string]interface{}{
		"size": size,
		"sort": []interface{}{map[string]interface{}{"timestamp": map[string]string{"order": "desc"}}},
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must":   must,
				"filter": filter,
			},
		},
	}
}

// SearchExchanges 按关键词检索交换记录。
func SearchExchanges(ctx context.Context, indexName, query, model string, size int) ([]tasks.ExchangeRecord, error) {
	if ESClient == nil {
		return nil, errors.New("elasticsearch client not initialized")
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(BuildSearchQuery(query, model, size)); err != nil {
		return nil, fmt.Errorf("failed to encode search query: %w", err)
	}

	res, err := ESClient.Search(
		ESClient.Search.WithContext(ctx),
		ESClient.Search.WithIndex(indexName),
		ESClient.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("search returned error: %s", res.String())
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source tasks.ExchangeRecord `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	out := make([]tasks.ExchangeRecord, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		out = append(out, h.Source)
	}
	return out, nil
}
