package tokencodec

import (
	"encoding/json"
	"strings"
	"testing"
)

const (
	// testPublic はテスト用の公開トークン（64文字）。
	testPublic = "Pq7vXk2LmN9sR4tW8yZb3cD6fG1hJ5kL0nM2oP4qR6sT8uV0wX2yZ4aB6cD8eF0g"
	// testPrivate はテスト用の非公開トークン。
	testPrivate = "priv-0f8e7d6c5b4a39281706f5e4d3c2b1a0"
)

// TestRewriteOutbound は送信方向の置換を検証する。
func TestRewriteOutbound(t *testing.T) {
	t.Parallel()

	t.Run("非公開トークンがすべて公開トークンに置き換わること", func(t *testing.T) {
		t.Parallel()

		got := RewriteOutbound("/person/"+testPrivate+"?a="+testPrivate, testPrivate, testPublic)
		want := "/person/" + testPublic + "?a=" + testPublic
		if got != want {
			t.Errorf("RewriteOutbound() = %q, want %q", got, want)
		}
	})

	t.Run("非公開トークンが空の場合は入力をそのまま返すこと", func(t *testing.T) {
		t.Parallel()

		if got := RewriteOutbound("abc", "", testPublic); got != "abc" {
			t.Errorf("RewriteOutbound() = %q, want %q", got, "abc")
		}
	})
}

// TestRewriteInbound は受信方向の置換を検証する。
func TestRewriteInbound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		text    string
		public  string
		private string
		want    string
	}{
		{
			name:    "公開トークンが非公開トークンに置き換わること",
			text:    "/person-token/" + testPublic,
			public:  testPublic,
			private: testPrivate,
			want:    "/person-token/" + testPrivate,
		},
		{
			name:    "すでに含まれている非公開トークンは除去されること",
			text:    "a=" + testPrivate + "&b=" + testPublic,
			public:  testPublic,
			private: testPrivate,
			want:    "a=&b=" + testPrivate,
		},
		{
			name:    "トークンを含まない文字列は変化しないこと",
			text:    `{"query":"{ units { id } }"}`,
			public:  testPublic,
			private: testPrivate,
			want:    `{"query":"{ units { id } }"}`,
		},
		{
			name:    "非公開トークンが公開トークンを含む場合でも壊れないこと",
			text:    "q=TOKEN&r=SECRET-TOKEN-X",
			public:  "TOKEN",
			private: "SECRET-TOKEN-X",
			want:    "q=SECRET-TOKEN-X&r=",
		},
		{
			name:    "公開トークンが非公開トークンを含む場合でも壊れないこと",
			text:    "q=PUBLIC-SECRET-1",
			public:  "PUBLIC-SECRET-1",
			private: "SECRET",
			want:    "q=SECRET",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := RewriteInbound(tt.text, tt.public, tt.private)
			if err != nil {
				t.Fatalf("RewriteInbound() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("RewriteInbound() = %q, want %q", got, tt.want)
			}
		})
	}

	t.Run("トークンが空の場合はErrEmptyTokenを返すこと", func(t *testing.T) {
		t.Parallel()

		if _, err := RewriteInbound("x", "", testPrivate); err != ErrEmptyToken {
			t.Errorf("error = %v, want %v", err, ErrEmptyToken)
		}
		if _, err := RewriteInbound("x", testPublic, ""); err != ErrEmptyToken {
			t.Errorf("error = %v, want %v", err, ErrEmptyToken)
		}
	})
}

// TestRoundTrip は送信方向と受信方向の置換を往復させると元に戻ることを検証する。
func TestRoundTrip(t *testing.T) {
	t.Parallel()

	pairs := []struct {
		name    string
		public  string
		private string
	}{
		{name: "独立したトークン", public: testPublic, private: testPrivate},
		{name: "非公開トークンが公開トークンを含む", public: "TOKEN", private: "SECRET-TOKEN-X"},
		{name: "公開トークンが非公開トークンを含む", public: "PUBLIC-SECRET-1", private: "SECRET"},
	}
	texts := []string{
		"",
		"no tokens here",
		"/person/%s/roles",
		`{"personToken":"%s","nested":{"list":["%s","x"]}}`,
	}

	for _, p := range pairs {
		for _, tmpl := range texts {
			original := strings.ReplaceAll(tmpl, "%s", p.private)
			t.Run(p.name+"/"+tmpl, func(t *testing.T) {
				t.Parallel()

				outbound := RewriteOutbound(original, p.private, p.public)
				got, err := RewriteInbound(outbound, p.public, p.private)
				if err != nil {
					t.Fatalf("RewriteInbound() error = %v", err)
				}
				if got != original {
					t.Errorf("往復結果 = %q, want %q", got, original)
				}
			})
		}
	}
}

// TestRewriteInboundBody はリクエストボディの置換を検証する。
func TestRewriteInboundBody(t *testing.T) {
	t.Parallel()

	t.Run("JSONボディは置換後も妥当なJSONであること", func(t *testing.T) {
		t.Parallel()

		body := []byte(`{"token":"` + testPublic + `","items":[{"t":"` + testPublic + `"}],"stale":"` + testPrivate + `"}`)
		got := RewriteInboundBody(body, testPublic, testPrivate)

		if !json.Valid(got) {
			t.Fatalf("置換後のボディがJSONとして不正: %s", got)
		}
		if strings.Contains(string(got), testPublic) {
			t.Errorf("公開トークンが残っている: %s", got)
		}
		var decoded struct {
			Token string `json:"token"`
			Items []struct {
				T string `json:"t"`
			} `json:"items"`
			Stale string `json:"stale"`
		}
		if err := json.Unmarshal(got, &decoded); err != nil {
			t.Fatalf("置換後のボディのパースに失敗: %v", err)
		}
		if decoded.Token != testPrivate || decoded.Items[0].T != testPrivate {
			t.Errorf("公開トークンが置換されていない: %+v", decoded)
		}
		if decoded.Stale != "" {
			t.Errorf("stale = %q, want empty", decoded.Stale)
		}
	})

	t.Run("JSON以外のボディも置換されること", func(t *testing.T) {
		t.Parallel()

		got := RewriteInboundBody([]byte("token="+testPublic), testPublic, testPrivate)
		if string(got) != "token="+testPrivate {
			t.Errorf("RewriteInboundBody() = %q, want %q", got, "token="+testPrivate)
		}
	})

	t.Run("置換でJSONが壊れる場合は空のボディを返すこと", func(t *testing.T) {
		t.Parallel()

		got := RewriteInboundBody([]byte(`{"t":"PUB"}`), "PUB", `ab"cd`)
		if len(got) != 0 {
			t.Errorf("RewriteInboundBody() = %q, want empty", got)
		}
	})

	t.Run("トークンが空の場合は空のボディを返すこと", func(t *testing.T) {
		t.Parallel()

		got := RewriteInboundBody([]byte("payload"), "", testPrivate)
		if len(got) != 0 {
			t.Errorf("RewriteInboundBody() = %q, want empty", got)
		}
	})
}

// TestRedact はログ用の伏せ字化を検証する。
func TestRedact(t *testing.T) {
	t.Parallel()

	got := Redact("/person/"+testPrivate, testPrivate)
	if got != "/person/[private]" {
		t.Errorf("Redact() = %q, want %q", got, "/person/[private]")
	}
}
