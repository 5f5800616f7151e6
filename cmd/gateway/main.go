// ゲートウェイのエントリポイント。
// ログイントークンの検証、セッション管理、上流APIへのプロキシを担当する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/portalgate/internal/gateway"
	"github.com/nao1215/portalgate/internal/proxy"
	"github.com/nao1215/portalgate/pkg/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd はルートコマンドを生成する。サブコマンド無しで実行するとサーバーを起動する。
func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:          "gateway",
		Short:        "認証付きリバースプロキシゲートウェイ",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), v)
		},
	}
	root.PersistentFlags().String("port", "", "リッスンポート（環境変数 PORT より優先）")
	_ = v.BindPFlag("PORT", root.PersistentFlags().Lookup("port"))

	serve := &cobra.Command{
		Use:   "serve",
		Short: "ゲートウェイを起動する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), v)
		},
	}

	root.AddCommand(serve, newQueryHashCmd())
	return root
}

// runServe は設定を読み込んでゲートウェイを起動し、シグナルを受けるまで動作させる。
func runServe(ctx context.Context, v *viper.Viper) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := gateway.LoadConfig(v)
	if err != nil {
		return fmt.Errorf("設定の読み込みに失敗: %w", err)
	}
	logger := logging.New(logging.Config{
		Service: "gateway",
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
	})

	server, err := gateway.NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Error("ゲートウェイの初期化に失敗", "error", err)
		return err
	}
	if err := server.Run(ctx); err != nil {
		logger.Error("ゲートウェイの実行に失敗", "error", err)
		return err
	}
	return nil
}

// newQueryHashCmd はGraphQLクエリ文書の許可リスト用ハッシュを表示するコマンドを生成する。
func newQueryHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query-hash [file ...]",
		Short: "GraphQLクエリ文書の許可リスト用ハッシュを表示する",
		Long: `ファイル（省略時は標準入力）のGraphQLクエリ文書から ALLOWED_QUERY_HASHES に
登録するハッシュを計算して表示する。`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				doc, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("標準入力の読み取りに失敗: %w", err)
				}
				fmt.Fprintln(out, proxy.QueryHash(string(doc)))
				return nil
			}
			for _, name := range args {
				doc, err := os.ReadFile(name)
				if err != nil {
					return fmt.Errorf("ファイルの読み取りに失敗: %w", err)
				}
				fmt.Fprintf(out, "%s  %s\n", proxy.QueryHash(string(doc)), name)
			}
			return nil
		},
	}
}
