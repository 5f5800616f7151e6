package session

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"
)

func TestNewPublicToken(t *testing.T) {
	t.Parallel()

	t.Run("64文字のURLセーフな文字列が生成されること", func(t *testing.T) {
		t.Parallel()

		token, err := NewPublicToken()
		if err != nil {
			t.Fatalf("NewPublicToken() error = %v", err)
		}
		if !regexp.MustCompile(`^[A-Za-z0-9_-]{64}$`).MatchString(token) {
			t.Errorf("token = %q", token)
		}
	})

	t.Run("生成のたびに異なるトークンになること", func(t *testing.T) {
		t.Parallel()

		seen := make(map[string]struct{})
		for range 100 {
			token, err := NewPublicToken()
			if err != nil {
				t.Fatal(err)
			}
			if _, dup := seen[token]; dup {
				t.Fatalf("重複したトークン: %s", token)
			}
			seen[token] = struct{}{}
		}
	})
}

func TestNew(t *testing.T) {
	t.Parallel()

	p := Principal{ID: "MA.1", Roles: []string{"MA.securePortalUser"}, PrivateToken: "private"}
	s, err := New(p, time.Hour)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if s.ID == "" || s.Principal.PublicToken == "" {
		t.Fatalf("IDまたは公開トークンが空: %+v", s)
	}
	if s.Principal.PublicToken == s.Principal.PrivateToken {
		t.Error("公開トークンが非公開トークンと同じ")
	}
	if got := s.ExpiresAt.Sub(s.CreatedAt); got != time.Hour {
		t.Errorf("有効期間 = %v, want 1h", got)
	}
	if !s.Principal.HasRole("MA.securePortalUser") || s.Principal.HasRole("MA.admin") {
		t.Error("HasRole()の結果が不正")
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("保存したセッションを取得し削除できること", func(t *testing.T) {
		t.Parallel()

		store := NewMemoryStore()
		s, _ := New(Principal{ID: "MA.1"}, time.Hour)
		if err := store.Put(ctx, s); err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		got, err := store.Get(ctx, s.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Principal.PublicToken != s.Principal.PublicToken {
			t.Errorf("公開トークン = %q, want %q", got.Principal.PublicToken, s.Principal.PublicToken)
		}

		if err := store.Delete(ctx, s.ID); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := store.Get(ctx, s.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("削除後のGet() err = %v, want ErrNotFound", err)
		}
	})

	t.Run("期限切れのセッションは取得できずCleanupで削除されること", func(t *testing.T) {
		t.Parallel()

		store := NewMemoryStore()
		now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
		store.now = func() time.Time { return now }

		short := &Session{ID: "short", ExpiresAt: now.Add(time.Minute)}
		long := &Session{ID: "long", ExpiresAt: now.Add(time.Hour)}
		_ = store.Put(ctx, short)
		_ = store.Put(ctx, long)

		now = now.Add(2 * time.Minute)
		if _, err := store.Get(ctx, "short"); !errors.Is(err, ErrNotFound) {
			t.Errorf("期限切れのGet() err = %v, want ErrNotFound", err)
		}
		if removed := store.Cleanup(); removed != 1 {
			t.Errorf("Cleanup() = %d, want 1", removed)
		}
		if store.Count() != 1 {
			t.Errorf("Count() = %d, want 1", store.Count())
		}
	})

	t.Run("IDの無いセッションは保存できないこと", func(t *testing.T) {
		t.Parallel()

		if err := NewMemoryStore().Put(ctx, &Session{}); err == nil {
			t.Error("エラーが返されなかった")
		}
	})

	t.Run("取得したセッションを書き換えても保存内容は変わらないこと", func(t *testing.T) {
		t.Parallel()

		store := NewMemoryStore()
		_ = store.Put(ctx, &Session{ID: "a", Principal: Principal{ID: "MA.1"}})
		got, _ := store.Get(ctx, "a")
		got.Principal.ID = "MA.2"

		again, _ := store.Get(ctx, "a")
		if again.Principal.ID != "MA.1" {
			t.Errorf("Principal.ID = %q, want MA.1", again.Principal.ID)
		}
	})

	t.Run("並行アクセスで競合しないこと", func(t *testing.T) {
		t.Parallel()

		store := NewMemoryStore()
		var wg sync.WaitGroup
		for range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s, _ := New(Principal{ID: "MA.1"}, time.Hour)
				_ = store.Put(ctx, s)
				_, _ = store.Get(ctx, s.ID)
				_ = store.Delete(ctx, s.ID)
			}()
		}
		wg.Wait()
		if store.Count() != 0 {
			t.Errorf("Count() = %d, want 0", store.Count())
		}
	})
}

func TestSweeper(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	_ = store.Put(context.Background(), &Session{ID: "expired", ExpiresAt: time.Now().Add(-time.Minute)})
	_ = store.Put(context.Background(), &Session{ID: "alive", ExpiresAt: time.Now().Add(time.Hour)})

	active := make(chan int, 1)
	sweeper := NewSweeper(store, 5*time.Millisecond, func(n int) {
		select {
		case active <- n:
		default:
		}
	})
	sweeper.Start(context.Background())
	defer sweeper.Stop()

	select {
	case n := <-active:
		if n != 1 {
			t.Errorf("有効セッション数 = %d, want 1", n)
		}
	case <-time.After(time.Second):
		t.Fatal("掃除が実行されなかった")
	}
}

func TestContext(t *testing.T) {
	t.Parallel()

	if _, ok := FromContext(context.Background()); ok {
		t.Error("未設定のコンテキストからセッションが取得できた")
	}
	s := &Session{ID: "x"}
	got, ok := FromContext(WithSession(context.Background(), s))
	if !ok || got != s {
		t.Error("格納したセッションを取得できない")
	}
}
