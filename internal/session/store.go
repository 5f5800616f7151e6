package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound は指定したセッションが存在しない、または期限切れであることを表す。
var ErrNotFound = errors.New("セッションが見つかりません")

// Store はセッションの保存先。
type Store interface {
	// Get はセッションを取得する。存在しない場合は ErrNotFound を返す。
	Get(ctx context.Context, id string) (*Session, error)
	// Put はセッションを保存する。同じIDのセッションは置き換える。
	Put(ctx context.Context, s *Session) error
	// Delete はセッションを削除する。存在しない場合も成功とする。
	Delete(ctx context.Context, id string) error
}

// MemoryStore はプロセス内のメモリにセッションを保持するStore。
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
}

// NewMemoryStore は新しいMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Get はセッションを取得する。期限切れのセッションは存在しないものとして扱う。
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok || s.Expired(m.now()) {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// Put はセッションを保存する。
func (m *MemoryStore) Put(_ context.Context, s *Session) error {
	if s == nil || s.ID == "" {
		return errors.New("IDの無いセッションは保存できません")
	}
	cp := *s
	m.mu.Lock()
	m.sessions[s.ID] = &cp
	m.mu.Unlock()
	return nil
}

// Delete はセッションを削除する。
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

// Cleanup は期限切れのセッションを削除し、削除した件数を返す。
func (m *MemoryStore) Cleanup() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// Count は保持しているセッション数を返す。
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
