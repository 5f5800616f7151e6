package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nao1215/portalgate/pkg/event"
)

// FileSink は監査イベントを日付ごとのファイルにJSON Lines形式で書き込む。
// ファイル名は <prefix><YYYY-MM-DD>.log で、日付はUTCで判定する。
type FileSink struct {
	// prefix はファイルパスの接頭辞（ディレクトリを含む）。
	prefix string
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time

	mu          sync.Mutex
	currentDate string
	file        *os.File
}

// NewFileSink は新しいFileSinkを生成する。
// prefixが "/var/log/gateway/" の場合、"/var/log/gateway/2026-01-31.log" に書き込む。
func NewFileSink(prefix string) *FileSink {
	return &FileSink{prefix: prefix, now: time.Now}
}

// Write はイベントを当日のファイルに追記する。
func (s *FileSink) Write(_ context.Context, ev *event.Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("監査イベントのシリアライズに失敗: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rotate(); err != nil {
		return err
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("監査ログの書き込みに失敗: %w", err)
	}
	return nil
}

// rotate は日付が変わっていれば新しいファイルを開く。呼び出し側でロックを取得すること。
func (s *FileSink) rotate() error {
	today := s.now().UTC().Format("2006-01-02")
	if today == s.currentDate && s.file != nil {
		return nil
	}

	path := s.prefix + today + ".log"
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("監査ログディレクトリの作成に失敗: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) //nolint:gosec // パスは設定値から生成する
	if err != nil {
		return fmt.Errorf("監査ログファイルのオープンに失敗: %w", err)
	}
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = f
	s.currentDate = today
	return nil
}

// Close は現在のファイルを閉じる。
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.currentDate = ""
	return err
}
