package camera

import (
	"context"
	"fmt"
	"math"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"labcamera/internal/sdk"
)

// PropertyBridge はSDKネイティブのプロパティを型付きの操作として提供する
//
// 記述はキャッシュせず、呼び出しのたびにハンドルから取得する。
// 書き込みは検証を通過した場合にだけネイティブ呼び出しを1回行い、再試行はしない。
type PropertyBridge struct {
	dev *Device
}

// List は全プロパティの記述を返す
func (b *PropertyBridge) List(ctx context.Context) (descs []Descriptor, err error) {
	ctx, span := startSpan(ctx, "camera.Property.List", b.deviceAttr())
	defer func() { endSpan(span, err) }()

	err = b.dev.withHandle(func(h sdk.Handle) error {
		infos, err := h.Properties(ctx)
		if err != nil {
			return translateSDKError(err)
		}

		descs = make([]Descriptor, 0, len(infos))
		for _, info := range infos {
			d, err := descriptorFrom(info)
			if err != nil {
				return err
			}
			descs = append(descs, d)
		}
		return nil
	})
	if err != nil {
		return nil, &PropertyError{Op: "list", Err: err}
	}
	return descs, nil
}

// Describe は指定プロパティの記述を返す
func (b *PropertyBridge) Describe(ctx context.Context, name string) (desc Descriptor, err error) {
	ctx, span := startSpan(ctx, "camera.Property.Describe", b.deviceAttr(), attribute.String("camera.property", name))
	defer func() { endSpan(span, err) }()

	err = b.dev.withHandle(func(h sdk.Handle) error {
		desc, err = b.describe(ctx, h, name)
		return err
	})
	if err != nil {
		return Descriptor{}, &PropertyError{Op: "describe", Name: name, Err: err}
	}
	return desc, nil
}

// Get は現在値を返す
func (b *PropertyBridge) Get(ctx context.Context, name string) (v Value, err error) {
	ctx, span := startSpan(ctx, "camera.Property.Get", b.deviceAttr(), attribute.String("camera.property", name))
	defer func() { endSpan(span, err) }()

	err = b.dev.withHandle(func(h sdk.Handle) error {
		d, err := b.describe(ctx, h, name)
		if err != nil {
			return err
		}
		if d.Type == TypeButton {
			return fmt.Errorf("%w: ボタンは値を持ちません", ErrTypeMismatch)
		}
		v = d.Value
		return nil
	})
	if err != nil {
		return Value{}, &PropertyError{Op: "get", Name: name, Err: err}
	}
	return v, nil
}

// Set は値を検証してから書き込む
//
// 範囲外なら ErrOutOfRange、読み取り専用なら ErrNotWritable、
// 型が合わなければ ErrTypeMismatch を返し、ネイティブ書き込みは行わない。
func (b *PropertyBridge) Set(ctx context.Context, name string, v Value) (err error) {
	ctx, span := startSpan(ctx, "camera.Property.Set",
		b.deviceAttr(),
		attribute.String("camera.property", name),
		attribute.String("camera.value", v.String()),
	)
	defer func() { endSpan(span, err) }()

	err = b.dev.withHandle(func(h sdk.Handle) error {
		d, err := b.describe(ctx, h, name)
		if err != nil {
			return err
		}

		if d.ReadOnly {
			return ErrNotWritable
		}
		if d.Type == TypeButton {
			return fmt.Errorf("%w: ボタンは Push で操作します", ErrTypeMismatch)
		}

		cv, err := coerce(d.Type, v)
		if err != nil {
			return err
		}
		if err := validate(d, cv); err != nil {
			return err
		}

		return translateSDKError(write(ctx, h, name, cv))
	})
	if err != nil {
		return &PropertyError{Op: "set", Name: name, Err: err}
	}

	b.dev.logger.Debug("プロパティを設定しました", "property", name, "value", v.String())
	return nil
}

// Push はボタン型プロパティを押下する
func (b *PropertyBridge) Push(ctx context.Context, name string) (err error) {
	ctx, span := startSpan(ctx, "camera.Property.Push", b.deviceAttr(), attribute.String("camera.property", name))
	defer func() { endSpan(span, err) }()

	err = b.dev.withHandle(func(h sdk.Handle) error {
		d, err := b.describe(ctx, h, name)
		if err != nil {
			return err
		}
		if d.Type != TypeButton {
			return fmt.Errorf("%w: %s はボタンではありません", ErrTypeMismatch, d.Type)
		}
		if d.ReadOnly {
			return ErrNotWritable
		}
		return translateSDKError(h.Push(ctx, name))
	})
	if err != nil {
		return &PropertyError{Op: "push", Name: name, Err: err}
	}
	return nil
}

// GetInt は整数プロパティの値を返す
func (b *PropertyBridge) GetInt(ctx context.Context, name string) (int64, error) {
	v, err := b.typed(ctx, name, TypeInt)
	return v.Int, err
}

// GetFloat は実数プロパティの値を返す。整数プロパティも受け付ける
func (b *PropertyBridge) GetFloat(ctx context.Context, name string) (float64, error) {
	v, err := b.Get(ctx, name)
	if err != nil {
		return 0, err
	}
	switch v.Type {
	case TypeFloat:
		return v.Float, nil
	case TypeInt:
		return float64(v.Int), nil
	default:
		return 0, &PropertyError{Op: "get", Name: name, Err: fmt.Errorf("%w: %s は float ではありません", ErrTypeMismatch, v.Type)}
	}
}

// GetBool は真偽値プロパティの値を返す
func (b *PropertyBridge) GetBool(ctx context.Context, name string) (bool, error) {
	v, err := b.typed(ctx, name, TypeBool)
	return v.Bool, err
}

// GetString は選択肢・文字列プロパティの値を返す
func (b *PropertyBridge) GetString(ctx context.Context, name string) (string, error) {
	v, err := b.Get(ctx, name)
	if err != nil {
		return "", err
	}
	if v.Type != TypeEnum && v.Type != TypeString {
		return "", &PropertyError{Op: "get", Name: name, Err: fmt.Errorf("%w: %s は文字列ではありません", ErrTypeMismatch, v.Type)}
	}
	return v.Str, nil
}

// SetInt は整数値を設定する
func (b *PropertyBridge) SetInt(ctx context.Context, name string, v int64) error {
	return b.Set(ctx, name, IntValue(v))
}

// SetFloat は実数値を設定する
func (b *PropertyBridge) SetFloat(ctx context.Context, name string, v float64) error {
	return b.Set(ctx, name, FloatValue(v))
}

// SetBool は真偽値を設定する
func (b *PropertyBridge) SetBool(ctx context.Context, name string, v bool) error {
	return b.Set(ctx, name, BoolValue(v))
}

// SetString は選択肢・文字列値を設定する
func (b *PropertyBridge) SetString(ctx context.Context, name string, v string) error {
	return b.Set(ctx, name, StringValue(v))
}

func (b *PropertyBridge) typed(ctx context.Context, name string, want ValueType) (Value, error) {
	v, err := b.Get(ctx, name)
	if err != nil {
		return Value{}, err
	}
	if v.Type != want {
		return Value{}, &PropertyError{Op: "get", Name: name, Err: fmt.Errorf("%w: %s は %s ではありません", ErrTypeMismatch, v.Type, want)}
	}
	return v, nil
}

// describe はハンドルから記述を取得する（読み取りロック取得済み前提）
func (b *PropertyBridge) describe(ctx context.Context, h sdk.Handle, name string) (Descriptor, error) {
	info, err := h.Property(ctx, name)
	if err != nil {
		return Descriptor{}, translateSDKError(err)
	}
	return descriptorFrom(info)
}

func (b *PropertyBridge) deviceAttr() attribute.KeyValue {
	return attribute.String("camera.device_id", b.dev.info.ID)
}

// validate は値が記述の範囲・選択肢に収まるか検証する
func validate(d Descriptor, v Value) error {
	switch d.Type {
	case TypeInt:
		r := d.IntRange
		if r == nil {
			return nil
		}
		if v.Int < r.Min || v.Int > r.Max {
			return fmt.Errorf("%w: %d は [%d, %d] の範囲外", ErrOutOfRange, v.Int, r.Min, r.Max)
		}
		if r.Step > 1 && (v.Int-r.Min)%r.Step != 0 {
			return fmt.Errorf("%w: %d は %d 刻みではありません（基準 %d）", ErrOutOfRange, v.Int, r.Step, r.Min)
		}
	case TypeFloat:
		if math.IsNaN(v.Float) {
			return fmt.Errorf("%w: NaN", ErrOutOfRange)
		}
		r := d.Range
		if r == nil {
			return nil
		}
		if v.Float < r.Min || v.Float > r.Max {
			return fmt.Errorf("%w: %g は [%g, %g] の範囲外", ErrOutOfRange, v.Float, r.Min, r.Max)
		}
	case TypeEnum:
		if !slices.Contains(d.Options, v.Str) {
			return fmt.Errorf("%w: %q は選択肢 %v にありません", ErrOutOfRange, v.Str, d.Options)
		}
	}
	return nil
}

// write は型に対応するネイティブ書き込みを1回だけ行う
func write(ctx context.Context, h sdk.Handle, name string, v Value) error {
	switch v.Type {
	case TypeBool:
		return h.SetSwitch(ctx, name, v.Bool)
	case TypeInt:
		return h.SetRange(ctx, name, v.Int)
	case TypeFloat:
		return h.SetAbsoluteValue(ctx, name, v.Float)
	case TypeEnum, TypeString:
		return h.SetString(ctx, name, v.Str)
	default:
		return fmt.Errorf("%w: %s", ErrTypeMismatch, v.Type)
	}
}
