package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"

	"labcamera/internal/sdk"
)

// Device はオープン済みのカメラ1台を表す
//
// SDKハンドルを排他的に所有し、Close で一度だけ解放する。
// プロパティ操作とフレーム操作は mu の読み取りロックを、
// ハンドルの解放とシンクの登録・解除は書き込みロックを取る。
type Device struct {
	info   sdk.DeviceInfo
	handle sdk.Handle
	logger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	closing atomic.Bool

	closeOnce sync.Once
	closeErr  error

	props *PropertyBridge
	sink  *SinkAdapter
}

// Open はデバイスをオープンする
func Open(ctx context.Context, driver sdk.Driver, id string, opts DeviceOptions) (dev *Device, err error) {
	ctx, span := startSpan(ctx, "camera.Open",
		attribute.String("camera.driver", driver.Name()),
		attribute.String("camera.device_id", id),
	)
	defer func() { endSpan(span, err) }()

	if _, err := ParsePolicy(string(opts.Sink.Policy)); err != nil {
		return nil, err
	}

	h, err := driver.Open(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("デバイス %s のオープンに失敗: %w", id, translateOpenError(err))
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dev = &Device{
		info:   h.Info(),
		handle: h,
		logger: logger.With("device", id),
	}
	dev.props = &PropertyBridge{dev: dev}
	dev.sink = newSinkAdapter(dev, opts.Sink)

	dev.logger.Info("デバイスをオープンしました", "model", dev.info.Model, "driver", driver.Name())
	return dev, nil
}

// translateOpenError はオープン時のSDKエラーを変換する
func translateOpenError(err error) error {
	if errors.Is(err, sdk.ErrNoSuchDevice) || errors.Is(err, sdk.ErrDeviceBusy) {
		return err
	}
	return translateSDKError(err)
}

// Info はデバイス情報を返す
func (d *Device) Info() sdk.DeviceInfo {
	return d.info
}

// Properties はプロパティブリッジを返す
func (d *Device) Properties() *PropertyBridge {
	return d.props
}

// Sink はフレームシンクを返す
func (d *Device) Sink() *SinkAdapter {
	return d.sink
}

// Closed はデバイスがクローズ済み（またはクローズ中）か返す
func (d *Device) Closed() bool {
	return d.closing.Load()
}

// Close はシンクを停止してからハンドルを解放する
//
// 何度呼んでもよく、並行して呼ばれた場合は最初の呼び出しの完了を待って同じ結果を返す。
// 解放の失敗はログに記録して返すが、パニックはしない。
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.closing.Store(true)

		var errs []error
		if err := d.sink.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("シンクの停止に失敗: %w", err))
		}

		// 実行中のプロパティ操作の完了を待つ
		d.mu.Lock()
		d.closed = true
		if err := d.handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ハンドルの解放に失敗: %w", translateSDKError(err)))
		}
		d.mu.Unlock()

		d.closeErr = errors.Join(errs...)
		if d.closeErr != nil {
			d.logger.Error("デバイスのクローズでエラーが発生しました", "error", d.closeErr)
			return
		}
		d.logger.Info("デバイスをクローズしました")
	})
	return d.closeErr
}

// withHandle は読み取りロックを取ってハンドルを使う
func (d *Device) withHandle(fn func(h sdk.Handle) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed || d.closing.Load() {
		return ErrDeviceClosed
	}
	return fn(d.handle)
}

// withHandleExclusive は書き込みロックを取ってハンドルを使う（シンクの登録・解除用）
func (d *Device) withHandleExclusive(allowClosing bool, fn func(h sdk.Handle) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || (!allowClosing && d.closing.Load()) {
		return ErrDeviceClosed
	}
	return fn(d.handle)
}
