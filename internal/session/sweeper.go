package session

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper は期限切れのセッションを定期的に削除するバックグラウンドプロセス。
type Sweeper struct {
	// store は掃除対象のストア。
	store *MemoryStore
	// interval は掃除の間隔。
	interval time.Duration
	// onSweep は掃除のたびに残りのセッション数を受け取るコールバック。
	onSweep func(active int)
	// cancel はバックグラウンドゴルーチンを停止するためのキャンセル関数。
	cancel context.CancelFunc
	// done はゴルーチンの終了を通知する。
	done chan struct{}
}

// NewSweeper は新しいSweeperを生成する。onSweepはnilでもよい。
func NewSweeper(store *MemoryStore, interval time.Duration, onSweep func(active int)) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		onSweep:  onSweep,
	}
}

// Start はバックグラウンドで掃除を開始する。
func (s *Sweeper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

// Stop はバックグラウンドの掃除を停止し、終了を待つ。
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// sweep は期限切れのセッションを1回削除する。
func (s *Sweeper) sweep(ctx context.Context) {
	if removed := s.store.Cleanup(); removed > 0 {
		slog.DebugContext(ctx, "期限切れセッションを削除", "removed", removed)
	}
	if s.onSweep != nil {
		s.onSweep(s.store.Count())
	}
}
