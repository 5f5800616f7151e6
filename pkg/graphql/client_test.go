package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientQuery(t *testing.T) {
	t.Parallel()

	newServer := func(t *testing.T, response string) *httptest.Server {
		t.Helper()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/graphql" {
				t.Errorf("パス = %q, want /graphql", r.URL.Path)
			}
			if r.Header.Get("Authorization") != "service-token" {
				t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
			}
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("ボディのパースに失敗: %v", err)
			}
			if _, ok := body["query"]; !ok {
				t.Error("queryが含まれていない")
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(response))
		}))
		t.Cleanup(srv.Close)
		return srv
	}

	t.Run("dataを返すこと", func(t *testing.T) {
		t.Parallel()

		srv := newServer(t, `{"data":{"collection":{"id":"HR.1","children":[{"id":"HR.2"}]}}}`)
		c := NewClient(srv.URL, "service-token")

		data, err := c.Query(context.Background(), `query($id: ID) { collection(id: $id) { id } }`, map[string]any{"id": "HR.1"})
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		if got := data.Get("collection.children.0.id").String(); got != "HR.2" {
			t.Errorf("子コレクション = %q, want HR.2", got)
		}
	})

	t.Run("errorsが含まれる場合はResponseErrorを返すこと", func(t *testing.T) {
		t.Parallel()

		srv := newServer(t, `{"errors":[{"message":"not found"}],"data":null}`)
		_, err := NewClient(srv.URL, "service-token").Query(context.Background(), "{ x }", nil)

		var respErr *ResponseError
		if !errors.As(err, &respErr) || respErr.Messages[0] != "not found" {
			t.Errorf("err = %v, want ResponseError", err)
		}
	})

	t.Run("dataが無い場合はErrNoDataを返すこと", func(t *testing.T) {
		t.Parallel()

		srv := newServer(t, `{}`)
		if _, err := NewClient(srv.URL, "service-token").Query(context.Background(), "{ x }", nil); !errors.Is(err, ErrNoData) {
			t.Errorf("err = %v, want ErrNoData", err)
		}
	})
}
