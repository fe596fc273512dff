package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"chat-gateway-go/internal/config"
	"chat-gateway-go/pkg/log"
)

const poeProtocolVersion = "1.1"

type poeClient struct {
	cfg    config.ProviderConfig
	client *http.Client
	strict bool
}

// NewPoeClient 创建一个 Poe bot 协议的客户端。
func NewPoeClient(cfg config.ProviderConfig, strict bool) Client {
	return &poeClient{
		cfg:    cfg,
		client: &http.Client{},
		strict: strict,
	}
}

func (c *poeClient) Name() string { return "poe" }

type poeMessage struct {
	Role        string `json:"role"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

type poeRequest struct {
	Version        string       `json:"version"`
	Type           string       `json:"type"`
	Query          []poeMessage `json:"query"`
	UserID         string       `json:"user_id"`
	ConversationID string       `json:"conversation_id"`
	MessageID      string       `json:"message_id"`
}

type poeEventData struct {
	Text string `json:"text"`
}

// toPoeRole 将 OpenAI 角色转换为 Poe 角色，未知角色按 user 处理。
func toPoeRole(role string) string {
	switch strings.ToLower(role) {
	case "system":
		return "system"
	case "assistant":
		return "bot"
	default:
		return "user"
	}
}

func (c *poeClient) Stream(ctx context.Context, messages []Message, model string) (Stream, error) {
	query := make([]poeMessage, 0, len(messages))
	for _, m := range messages {
		// 只有非空内容才发送
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		query = append(query, poeMessage{Role: toPoeRole(m.Role), Content: m.Content, ContentType: "text/markdown"})
	}
	log.Infof("Sending %d messages to Poe, model=%s", len(query), model)

	reqBytes, err := json.Marshal(poeRequest{Version: poeProtocolVersion, Type: "query", Query: query})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal poe request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/bot/" + model
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create poe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return c.fail(fmt.Errorf("failed to call poe api: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return c.fail(fmt.Errorf("poe api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes)))
	}
	return &poeStream{ctx: ctx, body: resp.Body, reader: bufio.NewReader(resp.Body), strict: c.strict}, nil
}

func (c *poeClient) fail(err error) (Stream, error) {
	log.Errorf("Error getting Poe response: %v", err)
	if c.strict {
		return nil, err
	}
	return newErrorFragmentStream("Error: " + err.Error()), nil
}

func (c *poeClient) Complete(ctx context.Context, messages []Message, model string) (string, error) {
	s, err := c.Stream(ctx, messages, model)
	if err != nil {
		return "", err
	}
	return Drain(s)
}

// poeStream 解析 Poe 的 SSE 响应：text/replace_response 产出分片，error 产出错误，done 结束。
type poeStream struct {
	ctx    context.Context
	body   io.ReadCloser
	reader *bufio.Reader
	strict bool
	event  string
	done   bool
}

func (s *poeStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			s.done = true
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			if s.ctx.Err() != nil {
				return "", s.ctx.Err()
			}
			return s.streamError(fmt.Errorf("failed to read from stream: %w", err))
		}

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			s.event = ""
		case strings.HasPrefix(line, "event:"):
			s.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			if s.event == "done" {
				s.done = true
				return "", io.EOF
			}
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var payload poeEventData
			if err := json.Unmarshal([]byte(data), &payload); err != nil {
				continue
			}
			switch s.event {
			case "text", "replace_response":
				if payload.Text != "" {
					return payload.Text, nil
				}
			case "error":
				s.done = true
				return s.streamError(errors.New(payload.Text))
			}
		}
	}
}

func (s *poeStream) streamError(err error) (string, error) {
	log.Errorf("Error getting Poe response: %v", err)
	if s.strict {
		return "", fmt.Errorf("poe stream: %w", err)
	}
	return "Error: " + err.Error(), nil
}

func (s *poeStream) Close() error {
	return s.body.Close()
}
