package stream

import (
	"context"
	"sync"
	"time"

	"chat-gateway-go/pkg/log"
)

// Registry 是进程内 会话 ID → Session 的映射，由一把互斥锁保护。
// 不做跨进程共享。
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry 创建一个空的注册表。
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add 注册一个会话，同 ID 的旧会话会被覆盖。
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

// Get 按 ID 查找会话。
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove 删除会话，返回该 ID 此前是否存在。
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	return ok
}

// Len 返回当前注册的会话数。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// IDs 返回当前注册的全部会话 ID，顺序不定。
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// StopAll 停止所有已注册的会话，并等待已启动的会话完成回写，直到 ctx 结束。
// 会话仍留在注册表中，由各自的 SSE 写出方移除。
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
	for _, s := range sessions {
		if !s.started.Load() {
			continue
		}
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Sweep 移除启动时间早于 maxAge 的会话，未完成的会先被 Stop。返回移除的数量。
func (r *Registry) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	var stale []*Session

	r.mu.Lock()
	for id, s := range r.sessions {
		if s.StartedAt().Before(cutoff) {
			stale = append(stale, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		if !s.IsCompleted() {
			s.Stop()
		}
		log.Warnw("reaped abandoned stream session", "session_id", s.ID(), "age", time.Since(s.StartedAt()).String())
	}
	return len(stale)
}

// StartReaper 每隔 interval 调用一次 Sweep，直到 ctx 结束。maxAge <= 0 时不启动。
func (r *Registry) StartReaper(ctx context.Context, interval, maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	if interval <= 0 {
		interval = maxAge / 2
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(maxAge)
			}
		}
	}()
}
