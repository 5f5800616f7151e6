package directory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nao1215/portalgate/pkg/metrics"
	"github.com/nao1215/portalgate/pkg/triplestore"
	"golang.org/x/sync/singleflight"
)

const (
	// personType は利用者のリソース型。
	personType = "MA.person"
	// organizationType は組織のリソース型。
	organizationType = "MOS.organization"
	// searchLimit は一覧取得時の件数上限。
	searchLimit = 999999999
	// lookupTimeout は利用者1件の検索の制限時間。
	lookupTimeout = 30 * time.Second
)

// organizationLevels は組織名の述語。上位から下位の順に並ぶ。
var organizationLevels = []string{
	"MOS.organizationLevel1",
	"MOS.organizationLevel2",
	"MOS.organizationLevel3",
	"MOS.organizationLevel4",
}

var (
	// ErrNotFound は指定した利用者が存在しないことを表す。
	ErrNotFound = errors.New("利用者が見つかりません")
	// ErrRefreshInProgress は別の更新が実行中のため更新を行わなかったことを表す。
	ErrRefreshInProgress = errors.New("ディレクトリを更新中です")
)

// IDName は識別子と表示名の組。
type IDName struct {
	// ID は組織などの識別子。
	ID string `json:"id"`
	// DisplayName は表示名。解決できない場合は "unknown(<id>)"。
	DisplayName string `json:"displayName"`
}

// User はディレクトリに載る利用者1件。
type User struct {
	// ID は利用者の識別子。
	ID string `json:"id"`
	// FullName は氏名。
	FullName string `json:"fullName"`
	// EmailAddress はメールアドレス。単一参照ではドメイン部分のみ。
	EmailAddress string `json:"emailAddress,omitempty"`
	// Organisation は所属組織。
	Organisation []IDName `json:"organisation"`
	// OrganisationAdmin は管理者を務める組織。
	OrganisationAdmin []IDName `json:"organisationAdmin"`
	// Section は所属組織の最も詳細な部署名。
	Section []IDName `json:"section"`
	// RoleExpiry はポータル利用ロールの有効期限。無期限の場合はnil。
	RoleExpiry *time.Time `json:"roleExpiry,omitempty"`
}

// expired は指定時刻においてロールが期限切れかどうかを返す。
func (u *User) expired(now time.Time) bool {
	return u.RoleExpiry != nil && !u.RoleExpiry.After(now)
}

// snapshot はある時点で構築されたディレクトリ全体。構築後は変更しない。
type snapshot struct {
	users         []User
	organizations map[string]string
	sections      map[string]string
	refreshedAt   time.Time
}

// Config はCacheの設定。
type Config struct {
	// Roles はディレクトリに載せるロールの一覧。
	Roles []string
	// AdminRole は認可専用のロール。このロールだけを持つ利用者は載せない。
	AdminRole string
}

// Cache は利用者ディレクトリのキャッシュ。
type Cache struct {
	searcher triplestore.Searcher
	roles    []string
	metrics  *metrics.Metrics
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time

	current    atomic.Pointer[snapshot]
	refreshing atomic.Bool
	// pending は実行中の更新の後にもう一度更新する必要があることを表す。
	pending atomic.Bool
	lookups singleflight.Group

	// orgMu は組織検索結果のメモを保護する。
	orgMu        sync.Mutex
	orgKey       string
	orgResources []triplestore.Resource

	cancel context.CancelFunc
	done   chan struct{}
}

// New は新しいCacheを生成する。metricsはnilでもよい。
func New(searcher triplestore.Searcher, cfg Config, m *metrics.Metrics) *Cache {
	roles := slices.DeleteFunc(slices.Clone(cfg.Roles), func(r string) bool {
		return r == "" || r == cfg.AdminRole
	})
	c := &Cache{
		searcher: searcher,
		roles:    roles,
		metrics:  m,
		now:      time.Now,
	}
	c.current.Store(&snapshot{})
	return c
}

// Users はキャッシュ済みの利用者一覧を返す。
// includeExpiredがfalseの場合、ロールの有効期限が過ぎた利用者を除く。
func (c *Cache) Users(includeExpired bool) []User {
	snap := c.current.Load()
	if includeExpired {
		return slices.Clone(snap.users)
	}
	now := c.now()
	users := make([]User, 0, len(snap.users))
	for _, u := range snap.users {
		if !u.expired(now) {
			users = append(users, u)
		}
	}
	return users
}

// RefreshedAt は最後に更新に成功した日時を返す。未更新の場合はゼロ値。
func (c *Cache) RefreshedAt() time.Time {
	return c.current.Load().refreshedAt
}

// User は利用者1件をトリプルストアから直接取得する。組織名はキャッシュ済みの
// 対応表で解決し、メールアドレスはドメイン部分のみを返す。
// 同じ利用者への同時の問い合わせは1回にまとめる。まとめられた検索は
// 呼び出し元の取り消しでは中断されず、lookupTimeout で打ち切られる。
func (c *Cache) User(ctx context.Context, id string) (*User, error) {
	ch := c.lookups.DoChan(id, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		return c.lookup(lookupCtx, id)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		u := *res.Val.(*User)
		return &u, nil
	}
}

// lookup は利用者1件を検索して組み立てる。
func (c *Cache) lookup(ctx context.Context, id string) (*User, error) {
	resources, err := c.searcher.Search(ctx, triplestore.Query{Type: personType, Subject: id})
	if err != nil {
		return nil, err
	}
	for i := range resources {
		if resources[i].ID == id {
			u := buildUser(&resources[i], c.current.Load())
			u.EmailAddress = maskEmail(u.EmailAddress)
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

// Refresh は利用者一覧を再構築する。別の更新が実行中の場合は何もせず
// ErrRefreshInProgress を返す。失敗した場合は直前のスナップショットを残す。
func (c *Cache) Refresh(ctx context.Context) error {
	if !c.refreshing.CompareAndSwap(false, true) {
		return ErrRefreshInProgress
	}
	err := c.refresh(ctx)
	c.refreshing.Store(false)
	if c.pending.Load() {
		go c.runPending(context.WithoutCancel(ctx))
	}
	return err
}

// refresh はスナップショットを構築して置き換える。呼び出し元が refreshing を保持する。
func (c *Cache) refresh(ctx context.Context) error {
	snap, err := c.build(ctx)
	if err != nil {
		c.metrics.ObserveDirectoryRefresh(false, 0)
		slog.ErrorContext(ctx, "ディレクトリの更新に失敗", "error", err)
		return err
	}
	c.current.Store(snap)
	c.metrics.ObserveDirectoryRefresh(true, len(snap.users))
	slog.InfoContext(ctx, "ディレクトリを更新", "users", len(snap.users))
	return nil
}

// TriggerRefresh は呼び出し元を待たせずに更新を開始する。更新が実行中の場合は
// その終了後にもう一度更新する。
func (c *Cache) TriggerRefresh(ctx context.Context) {
	c.pending.Store(true)
	go c.runPending(context.WithoutCancel(ctx))
}

// runPending は保留中の更新要求がなくなるまで更新を繰り返す。
// 別の更新が実行中の場合は、その更新が終了時に保留中の要求を引き継ぐ。
func (c *Cache) runPending(ctx context.Context) {
	for c.pending.Load() {
		if !c.refreshing.CompareAndSwap(false, true) {
			slog.DebugContext(ctx, "ディレクトリ更新は実行中のため終了後に再実行")
			return
		}
		c.pending.Store(false)
		_ = c.refresh(ctx)
		c.refreshing.Store(false)
	}
}

// Start は initialDelay の後に最初の更新を行い、以降 interval ごとに更新する。
func (c *Cache) Start(ctx context.Context, initialDelay, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)

		select {
		case <-ctx.Done():
			return
		case <-time.After(initialDelay):
		}
		_ = c.Refresh(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = c.Refresh(ctx)
			}
		}
	}()
}

// Stop は定期更新を停止し、終了を待つ。
func (c *Cache) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

// build は利用者と組織を検索してスナップショットを構築する。
func (c *Cache) build(ctx context.Context) (*snapshot, error) {
	persons, err := c.searcher.Search(ctx, triplestore.Query{
		Type:           personType,
		Predicate:      "MA.role",
		ObjectResource: strings.Join(c.roles, ","),
		Limit:          searchLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("利用者の検索に失敗: %w", err)
	}

	orgIDs := make(map[string]struct{})
	for i := range persons {
		for _, pred := range []string{"MA.organisation", "MA.organisationAdmin"} {
			for _, id := range persons[i].Resources(pred) {
				orgIDs[id] = struct{}{}
			}
		}
	}
	organizations, err := c.organizations(ctx, orgIDs)
	if err != nil {
		return nil, err
	}

	snap := &snapshot{
		organizations: make(map[string]string, len(organizations)),
		sections:      make(map[string]string, len(organizations)),
		refreshedAt:   c.now(),
	}
	for i := range organizations {
		org := &organizations[i]
		snap.organizations[org.ID] = organizationName(org)
		snap.sections[org.ID] = sectionName(org)
	}

	for i := range persons {
		p := &persons[i]
		if p.ID == "" || !c.listed(p) {
			continue
		}
		snap.users = append(snap.users, buildUser(p, snap))
	}
	return snap, nil
}

// listed はディレクトリに載せる利用者かどうかを返す。
// 管理者ロールは検索条件から除いているため、それ以外の対象ロールを持つ必要がある。
func (c *Cache) listed(p *triplestore.Resource) bool {
	for _, role := range p.Resources("MA.role") {
		if slices.Contains(c.roles, role) {
			return true
		}
	}
	return false
}

// organizations は組織IDの集合に対応する組織リソースを返す。
// 集合が前回と同じ場合は検索を行わずに前回の結果を返す。
func (c *Cache) organizations(ctx context.Context, ids map[string]struct{}) ([]triplestore.Resource, error) {
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	slices.Sort(sorted)
	key := fingerprint(sorted)

	c.orgMu.Lock()
	defer c.orgMu.Unlock()

	if key == c.orgKey {
		return c.orgResources, nil
	}
	if len(sorted) == 0 {
		c.orgKey, c.orgResources = key, nil
		return nil, nil
	}

	resources, err := c.searcher.Search(ctx, triplestore.Query{
		Type:    organizationType,
		Subject: strings.Join(sorted, ","),
		Limit:   searchLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("組織の検索に失敗: %w", err)
	}
	c.orgKey, c.orgResources = key, resources
	return resources, nil
}

// fingerprint はソート済みID列のハッシュを返す。メモのキーとしてのみ使う。
func fingerprint(sorted []string) string {
	h := sha256.New()
	for _, id := range sorted {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// buildUser は利用者リソースをスナップショットの対応表で組織名つきのUserに変換する。
func buildUser(p *triplestore.Resource, snap *snapshot) User {
	fullName := p.Literal("MA.fullName")
	if fullName == "" {
		fullName = strings.TrimSpace(p.Literal("MA.givenNames") + " " + p.Literal("MA.inheritedName"))
	}
	u := User{
		ID:                p.ID,
		FullName:          fullName,
		EmailAddress:      p.Literal("MA.emailAddress"),
		Organisation:      idNames(p.Resources("MA.organisation"), snap.organizations),
		OrganisationAdmin: idNames(p.Resources("MA.organisationAdmin"), snap.organizations),
		Section:           idNames(p.Resources("MA.organisation"), snap.sections),
	}
	if expiry, ok := parseDate(p.Literal("MA.securePortalUserRoleExpires")); ok {
		u.RoleExpiry = &expiry
	}
	return u
}

func idNames(ids []string, names map[string]string) []IDName {
	out := make([]IDName, 0, len(ids))
	for _, id := range ids {
		name := names[id]
		if name == "" {
			name = "unknown(" + id + ")"
		}
		out = append(out, IDName{ID: id, DisplayName: name})
	}
	return out
}

// organizationName は組織の最上位の名称を返す。
func organizationName(org *triplestore.Resource) string {
	if name := localized(org, organizationLevels[0]); name != "" {
		return name
	}
	return sectionName(org)
}

// sectionName は組織階層のうち最も詳細な名称を返す。
func sectionName(org *triplestore.Resource) string {
	for i := len(organizationLevels) - 1; i >= 0; i-- {
		if name := localized(org, organizationLevels[i]); name != "" {
			return name
		}
	}
	return ""
}

// localized は英語の名称を優先し、無ければ言語タグを問わず最初の名称を返す。
func localized(r *triplestore.Resource, predicate string) string {
	if v := r.LangLiteral(predicate, "en"); v != "" {
		return v
	}
	return r.Literal(predicate)
}

// maskEmail はメールアドレスをドメイン部分（"@example.org"）だけにする。
func maskEmail(email string) string {
	_, domain, ok := strings.Cut(email, "@")
	if !ok || domain == "" {
		return ""
	}
	return "@" + domain
}

var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

func parseDate(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
