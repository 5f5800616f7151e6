// Package logging はslogによる構造化ロガーの生成と、コンテキストへの受け渡しを提供する。
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config はロガーの設定。
type Config struct {
	// Service はログに付与するサービス名。
	Service string
	// Level はログレベル（debug, info, warn, error）。
	Level string
	// Format は出力形式（json, text）。
	Format string
	// Output は出力先。nilの場合は標準出力。
	Output io.Writer
}

// New は設定に従ったロガーを生成し、slogのデフォルトロガーとして登録する。
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	logger := slog.New(handler)
	if cfg.Service != "" {
		logger = logger.With("service", cfg.Service)
	}
	slog.SetDefault(logger)
	return logger
}

// ParseLevel は文字列をslog.Levelに変換する。不明な値はInfoとして扱う。
func ParseLevel(lvl string) slog.Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type ctxKey struct{}

// WithContext はロガーをコンテキストに格納する。
func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext はコンテキストからロガーを取り出す。未設定の場合はデフォルトロガーを返す。
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
