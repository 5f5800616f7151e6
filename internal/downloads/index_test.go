package downloads

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nao1215/portalgate/pkg/triplestore"
	"github.com/tidwall/gjson"
)

const requestsRDF = `<rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#" xmlns="http://tun.fi/">
  <HBF.downloadRequest rdf:about="http://tun.fi/HBF.1">
    <HBF.completed>true</HBF.completed>
    <HBF.source rdf:resource="http://tun.fi/KE.1"/>
    <HBF.person rdf:resource="http://tun.fi/MA.0"/>
    <HBF.requested>2026-05-01T10:00:00</HBF.requested>
    <HBF.downloadType rdf:resource="http://tun.fi/HBF.downloadTypeAuthoritiesFull"/>
    <HBF.collectionId rdf:resource="http://tun.fi/HR.11"/>
    <HBF.collectionId rdf:resource="http://tun.fi/HR.12"/>
    <HBF.collectionId rdf:resource="http://tun.fi/HR.99"/>
    <HBF.dataUsePurpose>research</HBF.dataUsePurpose>
  </HBF.downloadRequest>
  <HBF.downloadRequest rdf:about="http://tun.fi/HBF.2">
    <HBF.completed>false</HBF.completed>
    <HBF.source rdf:resource="http://tun.fi/KE.1"/>
  </HBF.downloadRequest>
  <HBF.downloadRequest rdf:about="http://tun.fi/HBF.3">
    <HBF.completed>true</HBF.completed>
    <HBF.source rdf:resource="http://tun.fi/KE.2"/>
  </HBF.downloadRequest>
</rdf:RDF>`

type fakeSearcher struct {
	mu      sync.Mutex
	err     error
	queries []triplestore.Query
}

func (f *fakeSearcher) Search(_ context.Context, q triplestore.Query) ([]triplestore.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	return triplestore.Decode(strings.NewReader(requestsRDF))
}

func (f *fakeSearcher) last() triplestore.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[len(f.queries)-1]
}

// fakeQuerier はルートコレクションごとの階層を返す。
type fakeQuerier struct {
	trees map[string]string
}

func (f *fakeQuerier) Query(_ context.Context, _ string, variables map[string]any) (gjson.Result, error) {
	tree, ok := f.trees[variables["id"].(string)]
	if !ok {
		return gjson.Result{}, errors.New("collection not found")
	}
	return gjson.Parse(tree), nil
}

func newTestIndex(s *fakeSearcher) *Index {
	q := &fakeQuerier{trees: map[string]string{
		"HR.1": `{"children":{"id":"HR.1","children":[{"id":"HR.11","children":[{"id":"http://tun.fi/HR.12","children":null}]}]}}`,
		"HR.2": `{"children":{"id":"HR.2","children":[]}}`,
	}}
	return New(s, q, Config{SystemID: "KE.1", RootCollections: []string{"HR.1", "HR.2", "HR.missing"}})
}

func TestIndexRefresh(t *testing.T) {
	t.Parallel()

	t.Run("完了済みかつこのシステムの申請だけを保持すること", func(t *testing.T) {
		t.Parallel()

		s := &fakeSearcher{}
		ix := newTestIndex(s)
		if err := ix.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh() error = %v", err)
		}

		got, err := ix.All()
		if err != nil {
			t.Fatal(err)
		}
		want := []Request{{
			ID:              "HBF.1",
			Requested:       "2026-05-01T10:00:00",
			DownloadType:    "HBF.downloadTypeAuthoritiesFull",
			Source:          "KE.1",
			CollectionID:    []string{"HR.11", "HR.12", "HR.99"},
			RootCollections: []string{"HR.1"},
			Person:          "MA.0",
			DataUsePurpose:  "research",
		}}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("All() (-want +got):\n%s", diff)
		}

		q := s.last()
		if q.Type != requestType || q.Predicate != "HBF.source" || q.ObjectLiteral != "KE.1" {
			t.Errorf("検索条件 = %+v", q)
		}
	})

	t.Run("初回取得前はErrNotReadyになること", func(t *testing.T) {
		t.Parallel()

		if _, err := newTestIndex(&fakeSearcher{}).All(); !errors.Is(err, ErrNotReady) {
			t.Errorf("err = %v, want ErrNotReady", err)
		}
	})

	t.Run("取得に失敗しても直前の一覧を残すこと", func(t *testing.T) {
		t.Parallel()

		s := &fakeSearcher{}
		ix := newTestIndex(s)
		_ = ix.Refresh(context.Background())

		s.mu.Lock()
		s.err = errors.New("triplestore down")
		s.mu.Unlock()
		if err := ix.Refresh(context.Background()); err == nil {
			t.Fatal("エラーが返されなかった")
		}
		got, err := ix.All()
		if err != nil || len(got) != 1 {
			t.Errorf("All() = %v, %v", got, err)
		}
	})
}

func TestIndexSearch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		filters       map[string]string
		wantPredicate string
		wantLiteral   string
		wantLen       int
	}{
		{
			name:          "コレクションで絞り込むこと",
			filters:       map[string]string{"collectionId": "HR.11"},
			wantPredicate: "HBF.collectionId",
			wantLiteral:   "HR.11",
			wantLen:       1,
		},
		{
			name:          "申請者で絞り込むこと",
			filters:       map[string]string{"person": "MA.0", "other": "ignored"},
			wantPredicate: "HBF.person",
			wantLiteral:   "MA.0",
			wantLen:       1,
		},
		{
			name:    "両方を指定すると空になること",
			filters: map[string]string{"collectionId": "HR.11", "person": "MA.0"},
			wantLen: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := &fakeSearcher{}
			ix := newTestIndex(s)
			got, err := ix.Search(context.Background(), tt.filters)
			if err != nil {
				t.Fatalf("Search() error = %v", err)
			}
			if got == nil || len(got) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(got), tt.wantLen)
			}
			if tt.wantPredicate == "" {
				if len(s.queries) != 0 {
					t.Errorf("検索が行われた: %+v", s.queries)
				}
				return
			}
			q := s.last()
			if q.Predicate != tt.wantPredicate || q.ObjectLiteral != tt.wantLiteral {
				t.Errorf("検索条件 = %+v", q)
			}
		})
	}

	t.Run("絞り込みが無ければ保持している一覧を返すこと", func(t *testing.T) {
		t.Parallel()

		s := &fakeSearcher{}
		ix := newTestIndex(s)
		_ = ix.Refresh(context.Background())
		n := len(s.queries)

		got, err := ix.Search(context.Background(), map[string]string{})
		if err != nil || len(got) != 1 {
			t.Errorf("Search() = %v, %v", got, err)
		}
		if len(s.queries) != n {
			t.Error("トリプルストアを検索した")
		}
	})
}

func TestIndexStart(t *testing.T) {
	t.Parallel()

	ix := newTestIndex(&fakeSearcher{})
	ix.Start(context.Background(), time.Hour)
	defer ix.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := ix.All(); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("初回の取得が行われない")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
