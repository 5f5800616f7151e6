package event

import (
	"encoding/json"
	"testing"
)

// TestNew はNew関数を検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("RequestDataでイベントを生成できること", func(t *testing.T) {
		t.Parallel()

		ev, err := New(ActionRequestSuccess, "MA.97", "10.0.0.1", RequestData{
			Method: "GET",
			URL:    "/warehouse/private-query/unit/list",
			Status: 200,
		})
		if err != nil {
			t.Fatalf("New()でエラーが発生: %v", err)
		}
		if ev.ID == "" {
			t.Error("IDが空")
		}
		if ev.Action != ActionRequestSuccess {
			t.Errorf("Action = %q, want %q", ev.Action, ActionRequestSuccess)
		}
		if ev.UserID != "MA.97" {
			t.Errorf("UserID = %q, want %q", ev.UserID, "MA.97")
		}
		if ev.CreatedAt.Location().String() != "UTC" {
			t.Errorf("CreatedAtがUTCではない: %v", ev.CreatedAt.Location())
		}
	})

	t.Run("ユーザーIDが空の場合はUnknownUserになること", func(t *testing.T) {
		t.Parallel()

		ev, err := New(ActionLoginFailed, "", "", LoginData{Reason: "role"})
		if err != nil {
			t.Fatalf("New()でエラーが発生: %v", err)
		}
		if ev.UserID != UnknownUser {
			t.Errorf("UserID = %q, want %q", ev.UserID, UnknownUser)
		}
	})

	t.Run("データがnilの場合はDataを持たないこと", func(t *testing.T) {
		t.Parallel()

		ev, err := New(ActionLogout, "MA.1", "", nil)
		if err != nil {
			t.Fatalf("New()でエラーが発生: %v", err)
		}
		if ev.Data != nil {
			t.Errorf("Data = %s, want nil", ev.Data)
		}
		b, _ := json.Marshal(ev)
		var m map[string]any
		_ = json.Unmarshal(b, &m)
		if _, ok := m["data"]; ok {
			t.Error("JSONにdataフィールドが含まれている")
		}
	})

	t.Run("連続して生成したイベントのIDが異なること", func(t *testing.T) {
		t.Parallel()

		a, _ := New(ActionLogin, "MA.1", "", nil)
		b, _ := New(ActionLogin, "MA.1", "", nil)
		if a.ID == b.ID {
			t.Errorf("IDが重複している: %s", a.ID)
		}
	})

	t.Run("シリアライズ不可能なデータでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		if _, err := New(ActionLogin, "MA.1", "", make(chan int)); err == nil {
			t.Fatal("New()がエラーを返すべきだが、nilが返った")
		}
	})
}

// TestDecodeData はDecodeData関数を検証する。
func TestDecodeData(t *testing.T) {
	t.Parallel()

	t.Run("LoginDataを正しくデコードできること", func(t *testing.T) {
		t.Parallel()

		ev, _ := New(ActionLogin, "MA.1", "", LoginData{Roles: []string{"MA.securePortalUser"}})
		data, err := DecodeData[LoginData](ev)
		if err != nil {
			t.Fatalf("DecodeData()でエラーが発生: %v", err)
		}
		if len(data.Roles) != 1 || data.Roles[0] != "MA.securePortalUser" {
			t.Errorf("Roles = %v", data.Roles)
		}
	})

	t.Run("不正なJSONデータでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		ev := &Event{Data: json.RawMessage(`{invalid`)}
		if _, err := DecodeData[RequestData](ev); err == nil {
			t.Fatal("DecodeData()がエラーを返すべきだが、nilが返った")
		}
	})
}
