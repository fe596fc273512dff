// Package stream 管理进行中的流式生成：每个 Session 在独立的 goroutine 中
// 拉取上游分片，写入只追加的分片日志，供多个读者按下标并发读取。
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chat-gateway-go/pkg/llm"
	"chat-gateway-go/pkg/log"
)

var (
	// ErrAlreadyStarted 表示 Start 被重复调用。
	ErrAlreadyStarted = errors.New("stream session already started")
	// ErrSessionNotFound 表示注册表中没有该会话。
	ErrSessionNotFound = errors.New("stream session not found")
)

const defaultPersistTimeout = 10 * time.Second

// MessageWriter 是会话结束时回写助手消息所需的存储能力。
type MessageWriter interface {
	UpdateMessageContent(ctx context.Context, id uint64, content string, createdAt time.Time) (bool, error)
}

// Options 描述一个 Session 的全部输入。
type Options struct {
	ID       string
	Client   llm.Client
	Messages []llm.Message
	Model    string

	// TargetMessageID 为 0 时不回写。
	TargetMessageID uint64
	// CreatedAt 是回写时使用的 created_at，通常为请求到达时间。
	CreatedAt time.Time
	Writer    MessageWriter

	// ThinkingPrefix 非空时，去掉首尾空白后以它开头的分片会被丢弃。
	ThinkingPrefix string
	PersistTimeout time.Duration

	// OnComplete 在会话进入完成状态之后调用一次。
	OnComplete func(*Session)
}

// Session 拥有一次进行中的生成。
type Session struct {
	opts      Options
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	started atomic.Bool
	stopped atomic.Bool

	mu        sync.Mutex
	chunks    []string
	total     strings.Builder
	err       error
	completed bool
	// wake 在每次追加分片或完成时被关闭并替换，读者据此等待新数据。
	wake chan struct{}

	done chan struct{}
}

// New 创建一个尚未启动的 Session。
func New(opts Options) *Session {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = defaultPersistTimeout
	}
	if opts.CreatedAt.IsZero() {
		opts.CreatedAt = time.Now()
	}
	// 上游调用与 HTTP 请求的生命周期隔离，只受 Stop 控制。
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		opts:      opts,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// SessionID 由对话 ID、占位消息 ID 和启动时间拼出会话 ID。
func SessionID(conversationID string, messageID uint64, startedAt time.Time) string {
	return fmt.Sprintf("%s-%d-%d", conversationID, messageID, startedAt.UnixNano())
}

// ID 返回会话 ID。
func (s *Session) ID() string { return s.opts.ID }

func (s *Session) Model() string { return s.opts.Model }

func (s *Session) TargetMessageID() uint64 { return s.opts.TargetMessageID }

func (s *Session) StartedAt() time.Time { return s.startedAt }

func (s *Session) Messages() []llm.Message { return s.opts.Messages }

// Done 在会话完成（回写之后）时关闭。
func (s *Session) Done() <-chan struct{} { return s.done }

// StopRequested 报告是否已调用过 Stop。
func (s *Session) StopRequested() bool { return s.stopped.Load() }

// Start 在新的 goroutine 中开始拉取上游分片，只能调用一次。
func (s *Session) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	log.Infow("stream session started", "session_id", s.opts.ID, "model", s.opts.Model)
	go s.run()
	return nil
}

// Stop 请求取消，立即返回。已收到但尚未追加的分片会被丢弃，
// 同时取消上游请求，让阻塞中的读取尽快返回。
func (s *Session) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		log.Infow("stream session stop requested", "session_id", s.opts.ID)
	}
	s.cancel()
}

// IsCompleted 报告会话是否已完成（包括已回写）。
func (s *Session) IsCompleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// Err 返回拉取过程中捕获的错误。
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Text 返回目前为止累计的完整文本。
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total.String()
}

// Chunks 返回下标 from 及之后的分片副本，不修改日志。
func (s *Session) Chunks(from int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunksFrom(from)
}

// Wait 返回下标 from 之后的分片，以及一个在下一次追加或完成时关闭的 channel。
// 会话已完成时返回的 channel 已经关闭。
func (s *Session) Wait(from int) ([]string, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunksFrom(from), s.wake
}

func (s *Session) chunksFrom(from int) []string {
	if from < 0 {
		from = 0
	}
	if from >= len(s.chunks) {
		return nil
	}
	out := make([]string, len(s.chunks)-from)
	copy(out, s.chunks[from:])
	return out
}

func (s *Session) run() {
	defer s.finish()
	defer func() {
		if r := recover(); r != nil {
			s.captureError(fmt.Errorf("panic in stream session: %v", r))
		}
	}()

	upstream, err := s.opts.Client.Stream(s.ctx, s.opts.Messages, s.opts.Model)
	if err != nil {
		s.captureError(err)
		return
	}
	defer upstream.Close()

	for {
		if s.stopped.Load() {
			return
		}
		frag, err := upstream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			s.captureError(err)
			return
		}
		if s.stopped.Load() {
			return
		}
		if frag == "" {
			continue
		}
		if s.opts.ThinkingPrefix != "" && strings.HasPrefix(strings.TrimSpace(frag), s.opts.ThinkingPrefix) {
			continue
		}
		s.append(frag)
	}
}

func (s *Session) append(frag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, frag)
	s.total.WriteString(frag)
	close(s.wake)
	s.wake = make(chan struct{})
}

// captureError 记录错误。Stop 之后上游返回的错误（多为取消）不算错误。
func (s *Session) captureError(err error) {
	if s.stopped.Load() {
		return
	}
	log.Errorw("stream session failed", "session_id", s.opts.ID, "error", err)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// finish 回写累计文本（恰好一次），然后进入完成状态。
func (s *Session) finish() {
	s.cancel()
	text := s.Text()
	if s.opts.Writer != nil && s.opts.TargetMessageID != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.PersistTimeout)
		ok, err := s.opts.Writer.UpdateMessageContent(ctx, s.opts.TargetMessageID, text, s.opts.CreatedAt)
		cancel()
		switch {
		case err != nil:
			log.Errorw("failed to persist stream result", "session_id", s.opts.ID, "message_id", s.opts.TargetMessageID, "error", err)
		case !ok:
			log.Warnw("target message vanished before persist", "session_id", s.opts.ID, "message_id", s.opts.TargetMessageID)
		}
	}

	s.mu.Lock()
	s.completed = true
	close(s.wake)
	s.mu.Unlock()
	close(s.done)

	log.Infow("stream session completed",
		"session_id", s.opts.ID,
		"chunks", len(s.Chunks(0)),
		"stopped", s.stopped.Load(),
		"duration", time.Since(s.startedAt).String(),
	)
	if s.opts.OnComplete != nil {
		s.opts.OnComplete(s)
	}
}
