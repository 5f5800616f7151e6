package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nao1215/portalgate/internal/proxy"
)

func TestQueryHashCmd(t *testing.T) {
	t.Parallel()

	t.Run("標準入力のクエリのハッシュを表示すること", func(t *testing.T) {
		t.Parallel()

		cmd := newRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetIn(strings.NewReader("query {\n  documents\n}\n"))
		cmd.SetArgs([]string{"query-hash"})
		if err := cmd.Execute(); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if got, want := strings.TrimSpace(out.String()), proxy.QueryHash("query { documents }"); got != want {
			t.Errorf("出力 = %q, want %q", got, want)
		}
	})

	t.Run("ファイルごとにハッシュとファイル名を表示すること", func(t *testing.T) {
		t.Parallel()

		name := filepath.Join(t.TempDir(), "documents.graphql")
		if err := os.WriteFile(name, []byte("query { documents }"), 0o600); err != nil {
			t.Fatal(err)
		}
		cmd := newRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"query-hash", name})
		if err := cmd.Execute(); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if want := proxy.QueryHash("query { documents }") + "  " + name + "\n"; out.String() != want {
			t.Errorf("出力 = %q, want %q", out.String(), want)
		}
	})

	t.Run("存在しないファイルはエラーになること", func(t *testing.T) {
		t.Parallel()

		cmd := newRootCmd()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs([]string{"query-hash", filepath.Join(t.TempDir(), "missing.graphql")})
		if err := cmd.Execute(); err == nil {
			t.Error("エラーが返されなかった")
		}
	})
}
