package es

import (
	"context"
	"encoding/json"
	"testing"

	"chat-gateway-go/pkg/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSearchQuery(t *testing.T) {
	q := BuildSearchQuery("deadlock", "", 10)
	b, err := json.Marshal(q)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"size": 10,
		"sort": [{"timestamp": {"order": "desc"}}],
		"query": {"bool": {
			"must": [{"multi_match": {"query": "deadlock", "fields": ["response", "messages.content"]}}],
			"filter": null
		}}
	}`, string(b))
}

func TestBuildSearchQuery_ModelFilter(t *testing.T) {
	q := BuildSearchQuery("x", "GPT-4o", 5)
	filter := q["query"].(map[string]interface{})["bool"].(map[string]interface{})["filter"].([]interface{})
	require.Len(t, filter, 1)
	assert.Equal(t, map[string]interface{}{"term": map[string]interface{}{"model": "GPT-4o"}}, filter[0])
}

func TestUninitializedClient(t *testing.T) {
	saved := ESClient
	ESClient = nil
	defer func() { ESClient = saved }()

	_, err := SearchExchanges(context.Background(), "idx", "q", "", 1)
	assert.Error(t, err)
	assert.Error(t, IndexExchange(context.Background(), "idx", tasks.ExchangeRecord{ID: "1"}))
}
