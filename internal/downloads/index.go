package downloads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nao1215/portalgate/pkg/triplestore"
	"github.com/tidwall/gjson"
)

// requestType はダウンロード申請のリソース型。
const requestType = "HBF.downloadRequest"

// collectionTreeQuery はコレクションとその子孫の識別子を取得するクエリ。
const collectionTreeQuery = `query($id: ID) {
  children: collection(id: $id) {
    id
    children {
      id
      children {
        id
        children {
          id
        }
      }
    }
  }
}`

// 絞り込みに使えるキー。
const (
	FilterCollectionID = "collectionId"
	FilterPerson       = "person"
)

// ErrNotReady は初回の取得がまだ完了していないことを表す。
var ErrNotReady = errors.New("ダウンロード申請の一覧を取得中です")

// Request はダウンロード申請1件。
type Request struct {
	ID              string   `json:"id"`
	Requested       string   `json:"requested"`
	DownloadType    string   `json:"downloadType"`
	Source          string   `json:"source"`
	CollectionID    []string `json:"collectionId"`
	RootCollections []string `json:"rootCollections"`
	Person          string   `json:"person"`
	DataUsePurpose  string   `json:"dataUsePurpose"`
}

// Querier はGraphQLクエリを実行する。*graphql.Client が満たす。
type Querier interface {
	Query(ctx context.Context, query string, variables map[string]any) (gjson.Result, error)
}

// Config はIndexの設定。
type Config struct {
	// SystemID はこのシステムの識別子。申請元がこれに一致する申請だけを扱う。
	SystemID string
	// RootCollections は申請を分類するルートコレクションの一覧。
	RootCollections []string
}

// Index はダウンロード申請の索引。
type Index struct {
	searcher triplestore.Searcher
	querier  Querier
	cfg      Config

	all atomic.Pointer[[]Request]

	cancel context.CancelFunc
	done   chan struct{}
}

// New は新しいIndexを生成する。
func New(searcher triplestore.Searcher, querier Querier, cfg Config) *Index {
	return &Index{searcher: searcher, querier: querier, cfg: cfg}
}

// All は保持している申請一覧を返す。
func (ix *Index) All() ([]Request, error) {
	all := ix.all.Load()
	if all == nil {
		return nil, ErrNotReady
	}
	out := make([]Request, len(*all))
	copy(out, *all)
	return out, nil
}

// Search は申請を検索する。filters に collectionId と person のどちらか一方だけが
// 含まれる場合はトリプルストアを直接検索し、どちらも無い場合は保持している一覧を返す。
// 両方を指定した場合は空の一覧を返す。
func (ix *Index) Search(ctx context.Context, filters map[string]string) ([]Request, error) {
	var keys []string
	for _, key := range []string{FilterCollectionID, FilterPerson} {
		if _, ok := filters[key]; ok {
			keys = append(keys, key)
		}
	}
	switch len(keys) {
	case 0:
		return ix.All()
	case 1:
		return ix.search(ctx, triplestore.Query{
			Predicate:     "HBF." + keys[0],
			ObjectLiteral: filters[keys[0]],
		})
	default:
		return []Request{}, nil
	}
}

// Refresh は申請一覧を取得し直す。失敗した場合は直前の一覧を残す。
func (ix *Index) Refresh(ctx context.Context) error {
	requests, err := ix.search(ctx, triplestore.Query{
		Predicate:     "HBF.source",
		ObjectLiteral: ix.cfg.SystemID,
	})
	if err != nil {
		slog.ErrorContext(ctx, "ダウンロード申請の取得に失敗", "error", err)
		return err
	}
	ix.all.Store(&requests)
	slog.InfoContext(ctx, "ダウンロード申請を更新", "requests", len(requests))
	return nil
}

// Start は直ちに一覧を取得し、以降 interval ごとに取得し直す。
func (ix *Index) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	ix.cancel = cancel
	ix.done = make(chan struct{})

	go func() {
		defer close(ix.done)
		_ = ix.Refresh(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = ix.Refresh(ctx)
			}
		}
	}()
}

// Stop は定期取得を停止し、終了を待つ。
func (ix *Index) Stop() {
	if ix.cancel == nil {
		return
	}
	ix.cancel()
	<-ix.done
}

func (ix *Index) search(ctx context.Context, q triplestore.Query) ([]Request, error) {
	roots := ix.rootMap(ctx)

	q.Type = requestType
	resources, err := ix.searcher.Search(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ダウンロード申請の検索に失敗: %w", err)
	}

	requests := make([]Request, 0, len(resources))
	for i := range resources {
		r := &resources[i]
		if r.Literal("HBF.completed") != "true" || r.First("HBF.source") != ix.cfg.SystemID {
			continue
		}
		requests = append(requests, toRequest(r, roots))
	}
	return requests, nil
}

// rootMap はコレクションの識別子から所属するルートコレクションへの対応表を作る。
// 取得に失敗したルートは警告を記録して読み飛ばす。
func (ix *Index) rootMap(ctx context.Context) map[string]string {
	roots := make(map[string]string)
	for _, root := range ix.cfg.RootCollections {
		data, err := ix.querier.Query(ctx, collectionTreeQuery, map[string]any{"id": root})
		if err != nil {
			slog.WarnContext(ctx, "コレクション階層の取得に失敗", "root", root, "error", err)
			continue
		}
		for _, id := range collectIDs(data.Get("children"), nil) {
			roots[id] = root
		}
	}
	return roots
}

// collectIDs はコレクション階層を深さ優先でたどり、識別子を集める。
func collectIDs(node gjson.Result, ids []string) []string {
	if !node.Exists() || node.Type == gjson.Null {
		return ids
	}
	if id := node.Get("id").String(); id != "" {
		ids = append(ids, strings.TrimPrefix(id, triplestore.BaseURI))
	}
	for _, child := range node.Get("children").Array() {
		ids = collectIDs(child, ids)
	}
	return ids
}

func toRequest(r *triplestore.Resource, roots map[string]string) Request {
	req := Request{
		ID:              r.ID,
		Requested:       r.First("HBF.requested"),
		DownloadType:    r.First("HBF.downloadType"),
		Source:          r.First("HBF.source"),
		CollectionID:    []string{},
		RootCollections: []string{},
		Person:          r.First("HBF.person"),
		DataUsePurpose:  r.First("HBF.dataUsePurpose"),
	}
	seen := make(map[string]bool)
	for _, v := range r.Properties["HBF.collectionId"] {
		id := v.Resource
		if id == "" {
			id = strings.TrimPrefix(v.Literal, triplestore.BaseURI)
		}
		req.CollectionID = append(req.CollectionID, id)
		if root, ok := roots[id]; ok && !seen[root] {
			seen[root] = true
			req.RootCollections = append(req.RootCollections, root)
		}
	}
	return req
}
