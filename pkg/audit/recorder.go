// Package audit はゲートウェイの判定結果を監査ログとして記録する。
//
// Recorder は受け取ったイベントを構造化ログに出力し、設定されたすべての
// Sink に書き込む。Sink への書き込み失敗はログに残すのみで、呼び出し元の
// リクエスト処理を中断させない。
package audit

import (
	"context"
	"log/slog"

	"github.com/nao1215/portalgate/pkg/event"
)

// Sink は監査イベントの書き込み先。
type Sink interface {
	// Write はイベントを1件書き込む。
	Write(ctx context.Context, ev *event.Event) error
	// Close は書き込み先を閉じる。
	Close() error
}

// Recorder は監査イベントを各Sinkへ振り分ける。
type Recorder struct {
	// logger は構造化ログの出力先。
	logger *slog.Logger
	// sinks はイベントの書き込み先。
	sinks []Sink
}

// NewRecorder は新しいRecorderを生成する。
func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{logger: logger, sinks: sinks}
}

// Record はイベントを生成して記録する。
// イベントの生成や書き込みに失敗してもエラーは返さない。
func (r *Recorder) Record(ctx context.Context, action event.Action, userID, remote string, data any) {
	ev, err := event.New(action, userID, remote, data)
	if err != nil {
		r.logger.ErrorContext(ctx, "監査イベントの生成に失敗", "action", action, "error", err)
		return
	}
	r.Write(ctx, ev)
}

// Write は生成済みのイベントを記録する。
func (r *Recorder) Write(ctx context.Context, ev *event.Event) {
	r.logger.InfoContext(ctx, "audit",
		"event_id", ev.ID,
		"action", ev.Action,
		"user", ev.UserID,
		"remote", ev.Remote,
		"data", string(ev.Data),
	)
	for _, sink := range r.sinks {
		if err := sink.Write(ctx, ev); err != nil {
			r.logger.ErrorContext(ctx, "監査イベントの書き込みに失敗", "event_id", ev.ID, "error", err)
		}
	}
}

// Close はすべてのSinkを閉じる。
func (r *Recorder) Close() error {
	var firstErr error
	for _, sink := range r.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
