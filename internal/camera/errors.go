package camera

import (
	"context"
	"errors"
	"fmt"

	"labcamera/internal/sdk"
)

// バインディングが返すエラー。呼び出し側は errors.Is で判定する
var (
	ErrDeviceClosed     = errors.New("camera: device closed")
	ErrOutOfRange       = errors.New("camera: value out of range")
	ErrNotWritable      = errors.New("camera: property is read-only")
	ErrTypeMismatch     = errors.New("camera: value type mismatch")
	ErrNoSuchProperty   = errors.New("camera: no such property")
	ErrSDKCommunication = errors.New("camera: sdk communication failure")
	ErrCallbackOverrun  = errors.New("camera: frame callback overrun")
	ErrSinkRunning      = errors.New("camera: sink already running")
	ErrNoSuchSession    = errors.New("camera: no such session")
)

// PropertyError はプロパティ操作の失敗を表す
type PropertyError struct {
	Op   string // get, set, list, describe, push
	Name string // プロパティ名（list では空）
	Err  error
}

func (e *PropertyError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("camera: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("camera: %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *PropertyError) Unwrap() error {
	return e.Err
}

// translateSDKError はSDKのエラーをバインディングのエラーに変換する。
// 元のエラーも errors.Is で辿れるように両方をラップする
func translateSDKError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, sdk.ErrNoSuchProperty):
		return fmt.Errorf("%w: %w", ErrNoSuchProperty, err)
	case errors.Is(err, sdk.ErrHandleClosed):
		return fmt.Errorf("%w: %w", ErrDeviceClosed, err)
	case errors.Is(err, sdk.ErrInvalidValue):
		// 検証後にデバイス側の範囲が変わった
		return fmt.Errorf("%w: %w", ErrOutOfRange, err)
	default:
		return fmt.Errorf("%w: %w", ErrSDKCommunication, err)
	}
}
