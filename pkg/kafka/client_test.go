package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"chat-gateway-go/pkg/tasks"

	"github.com/stretchr/testify/assert"
)

// flakyProcessor 前 failures 次调用返回错误。
type flakyProcessor struct {
	failures int
	calls    int
}

func (f *flakyProcessor) Process(ctx context.Context, rec tasks.ExchangeRecord) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("minio unavailable")
	}
	return nil
}

func TestBrokerList(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, brokerList(" a:9092, ,b:9092 "))
	assert.Empty(t, brokerList(""))
}

func TestProcessWithRetry_RecoversInPlace(t *testing.T) {
	p := &flakyProcessor{failures: 2}
	err := processWithRetry(context.Background(), p, tasks.ExchangeRecord{ID: "x"}, time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, 3, p.calls)
}

func TestProcessWithRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	p := &flakyProcessor{failures: 10}
	err := processWithRetry(context.Background(), p, tasks.ExchangeRecord{ID: "x"}, time.Millisecond)
	assert.EqualError(t, err, "minio unavailable")
	assert.Equal(t, maxAttempts, p.calls)
}

func TestProcessWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &flakyProcessor{failures: 10}
	err := processWithRetry(ctx, p, tasks.ExchangeRecord{ID: "x"}, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, p.calls)
}
