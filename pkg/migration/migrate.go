// Package migration はSQLiteデータベースのスキーマを管理する。
//
// embed.FSから 000001_description.up.sql 形式のSQLファイルを読み込み、
// バージョン管理テーブルに版とSHA-256チェックサムを記録しながら順に適用する。
// 適用済みのファイルが書き換えられていた場合は適用を中止する。
// 監査ログのSQLite保存先がスキーマを適用するために使用する。
package migration

import (
	"cmp"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// DefaultTable はバージョン管理テーブルの既定の名前。
const DefaultTable = "schema_migrations"

var (
	// ErrChecksumMismatch は適用済みのマイグレーションファイルが変更されていることを表す。
	ErrChecksumMismatch = errors.New("適用済みのマイグレーションが変更されています")
	// ErrDuplicateVersion は同じ版のマイグレーションファイルが複数あることを表す。
	ErrDuplicateVersion = errors.New("マイグレーションの版が重複しています")
	// ErrInvalidName はファイル名またはテーブル名が規則に合わないことを表す。
	ErrInvalidName = errors.New("名前が不正です")
)

var (
	fileNamePattern  = regexp.MustCompile(`^(\d+)_([A-Za-z0-9_]+)\.up\.sql$`)
	tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Option はRunの動作を変更する。
type Option func(*migrator)

// WithTable はバージョン管理テーブルの名前を指定する。
// 同じデータベースを複数のスキーマで共有する場合に使う。
func WithTable(name string) Option {
	return func(m *migrator) {
		m.table = name
	}
}

type migrator struct {
	db    *sql.DB
	table string
}

// migrationFile はマイグレーションファイル1件。
type migrationFile struct {
	version  int
	name     string
	sql      string
	checksum string
}

// Run はdir内のマイグレーションを版の順に適用する。
// 適用済みの版はチェックサムを照合してスキップし、不一致なら ErrChecksumMismatch を返す。
func Run(ctx context.Context, db *sql.DB, fsys fs.FS, dir string, opts ...Option) error {
	m := &migrator{db: db, table: DefaultTable}
	for _, opt := range opts {
		opt(m)
	}
	if !tableNamePattern.MatchString(m.table) {
		return fmt.Errorf("%w: table=%q", ErrInvalidName, m.table)
	}

	files, err := collect(fsys, dir)
	if err != nil {
		return fmt.Errorf("マイグレーションファイルの収集に失敗: %w", err)
	}
	if err := m.ensureTable(ctx); err != nil {
		return fmt.Errorf("バージョン管理テーブルの作成に失敗: %w", err)
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return fmt.Errorf("適用済みバージョンの取得に失敗: %w", err)
	}

	for _, f := range files {
		if sum, ok := applied[f.version]; ok {
			if sum != f.checksum {
				return fmt.Errorf("%w: %06d_%s", ErrChecksumMismatch, f.version, f.name)
			}
			continue
		}
		if err := m.apply(ctx, f); err != nil {
			return fmt.Errorf("マイグレーション %06d の適用に失敗: %w", f.version, err)
		}
		slog.InfoContext(ctx, "マイグレーションを適用", "table", m.table, "version", f.version, "name", f.name)
	}
	return nil
}

// collect はdirから .up.sql ファイルを読み込み、版の順に並べる。
// .up.sql 以外のファイルは無視する。
func collect(fsys fs.FS, dir string) ([]migrationFile, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var files []migrationFile
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		match := fileNamePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidName, entry.Name())
		}
		version, err := strconv.Atoi(match[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidName, entry.Name())
		}
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("%w: %s と %s", ErrDuplicateVersion, prev, entry.Name())
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(content)
		files = append(files, migrationFile{
			version:  version,
			name:     match[2],
			sql:      string(content),
			checksum: hex.EncodeToString(sum[:]),
		})
	}

	slices.SortFunc(files, func(a, b migrationFile) int { return cmp.Compare(a.version, b.version) })
	return files, nil
}

func (m *migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+m.table+` (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		checksum TEXT NOT NULL,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	return err
}

// applied は適用済みの版とそのチェックサムを返す。
func (m *migrator) applied(ctx context.Context) (map[int]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version, checksum FROM `+m.table)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[int]string)
	for rows.Next() {
		var (
			version  int
			checksum string
		)
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, err
		}
		applied[version] = checksum
	}
	return applied, rows.Err()
}

// apply はマイグレーション1件と版の記録を同じトランザクションで行う。
func (m *migrator) apply(ctx context.Context, f migrationFile) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, f.sql); err != nil {
		return fmt.Errorf("SQL実行に失敗: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO `+m.table+` (version, name, checksum) VALUES (?, ?, ?)`,
		f.version, f.name, f.checksum,
	); err != nil {
		return fmt.Errorf("バージョン記録に失敗: %w", err)
	}
	return tx.Commit()
}
