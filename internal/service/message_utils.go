package service

import (
	"strings"

	"chat-gateway-go/internal/model"
)

// DefaultMergeSeparator 用于拼接连续的 assistant 消息。
const DefaultMergeSeparator = "\n---\n"

// IsIgnoredUserMessage 判断一条 user 消息去掉首尾空白后是否与忽略列表中的某一项完全相同。
// 这类消息不落库，但仍会发给上游。
func IsIgnoredUserMessage(role, content string, ignored []string) bool {
	if !strings.EqualFold(role, model.RoleUser) {
		return false
	}
	trimmed := strings.TrimSpace(content)
	for _, m := range ignored {
		if trimmed == strings.TrimSpace(m) {
			return true
		}
	}
	return false
}

// NormalizeHistory 把已落库的历史整理成发往上游的消息列表，保证不会出现连续两条 assistant。
// appendPending 为 true 时，pending（未落库的当前 user 消息）追加在历史末尾参与整理。
func NormalizeHistory(history []model.ChatMessage, pending *model.ChatMessage, appendPending bool, sep string) []model.ChatMessage {
	if sep == "" {
		sep = DefaultMergeSeparator
	}
	in := history
	if appendPending && pending != nil && pending.Role != "" && pending.Content != "" {
		in = make([]model.ChatMessage, 0, len(history)+1)
		in = append(in, history...)
		in = append(in, *pending)
	}

	out := make([]model.ChatMessage, 0, len(in))
	var assistant []string
	flush := func() {
		if len(assistant) == 0 {
			return
		}
		out = append(out, model.ChatMessage{Role: model.RoleAssistant, Content: strings.Join(assistant, sep)})
		assistant = assistant[:0]
	}
	for _, m := range in {
		if m.Role == model.RoleAssistant {
			assistant = append(assistant, m.Content)
			continue
		}
		flush()
		out = append(out, model.ChatMessage{Role: m.Role, Content: m.Content})
	}
	flush()
	return out
}

// toChatMessages 丢弃存储字段，只保留 role/content。
func toChatMessages(msgs []model.Message) []model.ChatMessage {
	out := make([]model.ChatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = model.ChatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}
