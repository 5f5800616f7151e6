package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nao1215/portalgate/pkg/event"
	"github.com/nao1215/portalgate/pkg/migration"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationsTable は監査ログのスキーマの版を記録するテーブル。
const migrationsTable = "audit_schema_migrations"

// timeLayout は created_at の保存形式。桁数を固定して文字列比較と時刻順を一致させる。
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteSink は監査イベントをSQLiteのaudit_eventsテーブルに保存する。
type SQLiteSink struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// OpenSQLite はSQLiteデータベースを開き、スキーマを適用したSQLiteSinkを返す。
func OpenSQLite(ctx context.Context, path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	db.SetMaxOpenConns(1)
	return newSQLiteSink(ctx, db)
}

// newSQLiteSink は接続済みのデータベースにスキーマを適用する。
func newSQLiteSink(ctx context.Context, db *sql.DB) (*SQLiteSink, error) {
	if err := migration.Run(ctx, db, migrationsFS, "migrations", migration.WithTable(migrationsTable)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Write はイベントを1行挿入する。
func (s *SQLiteSink) Write(ctx context.Context, ev *event.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action, user_id, remote, data, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Action), ev.UserID, ev.Remote, string(ev.Data), ev.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("監査イベントの保存に失敗: %w", err)
	}
	return nil
}

// List はsince以降のイベントを古い順に最大limit件返す。
func (s *SQLiteSink) List(ctx context.Context, since time.Time, limit int) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, user_id, remote, data, created_at FROM audit_events
		 WHERE created_at >= ? ORDER BY created_at ASC LIMIT ?`,
		since.UTC().Format(timeLayout), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("監査イベントの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []event.Event
	for rows.Next() {
		var (
			ev        event.Event
			action    string
			data      string
			createdAt string
		)
		if err := rows.Scan(&ev.ID, &action, &ev.UserID, &ev.Remote, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("監査イベントの読み取りに失敗: %w", err)
		}
		ev.Action = event.Action(action)
		if data != "" {
			ev.Data = json.RawMessage(data)
		}
		if ev.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("作成日時のパースに失敗: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close はデータベース接続を閉じる。
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
