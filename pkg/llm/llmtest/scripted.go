// Package llmtest 提供测试用的可编排 llm.Client。
package llmtest

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"chat-gateway-go/pkg/llm"
)

// Call 记录一次对客户端的调用。
type Call struct {
	Messages []llm.Message
	Model    string
	Stream   bool
}

// ScriptedClient 按预设的分片依次返回。
// Gate 非 nil 时，每个分片发出前都要从 Gate 收到一个值；Delay 在每个分片前休眠。
// Err 非 nil 时在所有分片之后由 Recv 返回；StreamErr 非 nil 时 Stream 直接失败。
type ScriptedClient struct {
	Fragments []string
	Gate      chan struct{}
	Delay     time.Duration
	Err       error
	StreamErr error

	mu    sync.Mutex
	calls []Call
}

// NewScriptedClient 返回一个依次产出 fragments 的客户端。
func NewScriptedClient(fragments ...string) *ScriptedClient {
	return &ScriptedClient{Fragments: fragments}
}

func (c *ScriptedClient) Name() string { return "scripted" }

// Calls 返回迄今为止的所有调用。
func (c *ScriptedClient) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

func (c *ScriptedClient) record(messages []llm.Message, model string, stream bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Messages: append([]llm.Message(nil), messages...), Model: model, Stream: stream})
}

func (c *ScriptedClient) Stream(ctx context.Context, messages []llm.Message, model string) (llm.Stream, error) {
	c.record(messages, model, true)
	if c.StreamErr != nil {
		return nil, c.StreamErr
	}
	return &scriptedStream{ctx: ctx, client: c}, nil
}

func (c *ScriptedClient) Complete(_ context.Context, messages []llm.Message, model string) (string, error) {
	c.record(messages, model, false)
	if c.StreamErr != nil {
		return "", c.StreamErr
	}
	if c.Err != nil {
		return "", c.Err
	}
	return strings.Join(c.Fragments, ""), nil
}

type scriptedStream struct {
	ctx    context.Context
	client *ScriptedClient
	next   int
	closed bool
}

func (s *scriptedStream) Recv() (string, error) {
	if s.closed {
		return "", io.EOF
	}
	if s.next >= len(s.client.Fragments) {
		if s.client.Err != nil {
			return "", s.client.Err
		}
		return "", io.EOF
	}
	if s.client.Gate != nil {
		select {
		case <-s.client.Gate:
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		}
	}
	if s.client.Delay > 0 {
		select {
		case <-time.After(s.client.Delay):
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		}
	}
	frag := s.client.Fragments[s.next]
	s.next++
	return frag, nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}
