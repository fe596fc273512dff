package service

import (
	"context"
	"errors"

	"chat-gateway-go/pkg/es"
	"chat-gateway-go/pkg/tasks"
)

// ErrSearchUnavailable 表示未配置 Elasticsearch。
var ErrSearchUnavailable = errors.New("exchange search is not configured")

const (
	defaultSearchSize = 20
	maxSearchSize     = 100
)

// ExchangeSearchService 检索已归档的请求/回复交换记录。
type ExchangeSearchService interface {
	Search(ctx context.Context, query, model string, size int) ([]tasks.ExchangeRecord, error)
}

type exchangeSearchService struct {
	indexName string
	search    func(ctx context.Context, indexName, query, model string, size int) ([]tasks.ExchangeRecord, error)
}

// NewExchangeSearchService 创建基于 Elasticsearch 的检索服务，需先执行 es.InitES。
func NewExchangeSearchService(indexName string) ExchangeSearchService {
	s := &exchangeSearchService{indexName: indexName}
	if es.ESClient != nil {
		s.search = es.SearchExchanges
	}
	return s
}

func (s *exchangeSearchService) Search(ctx context.Context, query, model string, size int) ([]tasks.ExchangeRecord, error) {
	if s.search == nil {
		return nil, ErrSearchUnavailable
	}
	if size <= 0 {
		size = defaultSearchSize
	}
	if size > maxSearchSize {
		size = maxSearchSize
	}
	return s.search(ctx, s.indexName, query, model, size)
}
