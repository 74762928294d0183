// Package preset はプロパティ値のスナップショットをSQLiteに保存する
package preset

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"labcamera/internal/camera"
)

//go:embed schema.sql
var schema string

// ErrNotFound は指定名のプリセットが存在しないことを表す
var ErrNotFound = errors.New("preset: not found")

// Entry はプリセット内の1プロパティの値
type Entry struct {
	Property string       `json:"property"`
	Value    camera.Value `json:"value"`
}

// Preset は名前付きのプロパティ値の組
//
// Values は保存時の順序（＝適用順）を保つ。
type Preset struct {
	Name      string    `json:"name"`
	Model     string    `json:"model"` // 取得元のデバイスモデル
	Values    []Entry   `json:"values"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store はSQLiteにプリセットを保存する
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open はSQLiteファイルを開き、スキーマを適用する
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("保存先のパスが指定されていません")
	}
	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("SQLiteのオープンに失敗: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("SQLiteへの接続に失敗: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close はSQLiteハンドルを閉じる
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Save はプリセットを保存する。同名のプリセットは置き換える
func (s *Store) Save(ctx context.Context, p Preset) error {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return fmt.Errorf("プリセット名が指定されていません")
	}

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO presets (name, model, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET model = excluded.model, updated_at = excluded.updated_at`,
		name, p.Model, toMillis(p.CreatedAt), toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("プリセット %s の保存に失敗: %w", name, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM preset_values WHERE preset_name = ?`, name); err != nil {
		return fmt.Errorf("プリセット %s の値の削除に失敗: %w", name, err)
	}

	for i, e := range p.Values {
		data, err := json.Marshal(e.Value)
		if err != nil {
			return fmt.Errorf("値 %s のエンコードに失敗: %w", e.Property, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO preset_values (preset_name, ordinal, property, value_json) VALUES (?, ?, ?, ?)`,
			name, i, e.Property, string(data),
		)
		if err != nil {
			return fmt.Errorf("値 %s の保存に失敗: %w", e.Property, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("コミットに失敗: %w", err)
	}
	return nil
}

// Get は指定名のプリセットを返す
func (s *Store) Get(ctx context.Context, name string) (Preset, error) {
	var p Preset
	var created, updated int64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT name, model, created_at, updated_at FROM presets WHERE name = ?`, name,
	).Scan(&p.Name, &p.Model, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Preset{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return Preset{}, fmt.Errorf("プリセット %s の取得に失敗: %w", name, err)
	}
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT property, value_json FROM preset_values WHERE preset_name = ? ORDER BY ordinal`, name,
	)
	if err != nil {
		return Preset{}, fmt.Errorf("プリセット %s の値の取得に失敗: %w", name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var e Entry
		var data string
		if err := rows.Scan(&e.Property, &data); err != nil {
			return Preset{}, err
		}
		if err := json.Unmarshal([]byte(data), &e.Value); err != nil {
			return Preset{}, fmt.Errorf("値 %s のデコードに失敗: %w", e.Property, err)
		}
		p.Values = append(p.Values, e)
	}
	return p, rows.Err()
}

// List は保存済みのプリセットを名前順に返す（値は含まない）
func (s *Store) List(ctx context.Context) ([]Preset, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT name, model, created_at, updated_at FROM presets ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("プリセット一覧の取得に失敗: %w", err)
	}
	defer rows.Close()

	var result []Preset
	for rows.Next() {
		var p Preset
		var created, updated int64
		if err := rows.Scan(&p.Name, &p.Model, &created, &updated); err != nil {
			return nil, err
		}
		p.CreatedAt = fromMillis(created)
		p.UpdatedAt = fromMillis(updated)
		result = append(result, p)
	}
	return result, rows.Err()
}

// Delete は指定名のプリセットを削除する
func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM presets WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("プリセット %s の削除に失敗: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}
