package preset

import (
	"context"
	"errors"
	"fmt"

	"labcamera/internal/camera"
)

// Bridge はプリセットの取得・適用に使うプロパティ操作
type Bridge interface {
	List(ctx context.Context) ([]camera.Descriptor, error)
	Set(ctx context.Context, name string, v camera.Value) error
}

// Capture は書き込み可能な全プロパティの現在値をプリセットにする
func Capture(ctx context.Context, b Bridge, name, model string) (Preset, error) {
	descs, err := b.List(ctx)
	if err != nil {
		return Preset{}, fmt.Errorf("プロパティ一覧の取得に失敗: %w", err)
	}

	p := Preset{Name: name, Model: model}
	for _, d := range descs {
		if !d.Writable() {
			continue
		}
		p.Values = append(p.Values, Entry{Property: d.Name, Value: d.Value})
	}
	return p, nil
}

// Apply はプリセットの値を保存順に設定する
//
// 各値はブリッジで範囲検証される。失敗しても残りの値の設定は続け、エラーをまとめて返す。
func Apply(ctx context.Context, b Bridge, p Preset) error {
	var errs []error
	for _, e := range p.Values {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := b.Set(ctx, e.Property, e.Value); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
