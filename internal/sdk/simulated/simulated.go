// Package simulated はプロセス内で完結する疑似カメラSDKを提供する
//
// 実機やベンダーSDKのない環境（開発・テスト）で、列挙・プロパティ操作・
// 独自ゴルーチンからのフレーム配信というSDKの振る舞いを再現する。
package simulated

import (
	"context"
	"fmt"
	"sync"

	"labcamera/internal/sdk"
)

// DriverName はレジストリに登録される名前
const DriverName = "simulated"

func init() {
	sdk.Register(DriverName, func() (sdk.Driver, error) {
		return New(), nil
	})
}

// DeviceSpec は疑似デバイスの定義
type DeviceSpec struct {
	ID     string
	Model  string
	Width  int
	Height int
}

// FaultFunc はすべてのネイティブ呼び出しの前に呼ばれる。
// nil 以外を返すとその呼び出しは失敗する
type FaultFunc func(op, name string) error

// Option はDriverの設定
type Option func(*Driver)

// WithDevices は列挙されるデバイスを置き換える
func WithDevices(specs ...DeviceSpec) Option {
	return func(d *Driver) {
		d.devices = append([]DeviceSpec(nil), specs...)
	}
}

// WithFault は障害注入関数を設定する
func WithFault(f FaultFunc) Option {
	return func(d *Driver) {
		d.fault = f
	}
}

// DefaultDevice は既定で列挙される疑似デバイス
var DefaultDevice = DeviceSpec{
	ID:     "SIM-00000001",
	Model:  "DMK 33UX174 (simulated)",
	Width:  640,
	Height: 480,
}

// Driver は疑似SDKのドライバー
type Driver struct {
	mu      sync.Mutex
	devices []DeviceSpec
	open    map[string]*handle
	fault   FaultFunc
}

// New は新しいDriverを作成する
func New(opts ...Option) *Driver {
	d := &Driver{
		devices: []DeviceSpec{DefaultDevice},
		open:    make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name はドライバー名を返す
func (d *Driver) Name() string {
	return DriverName
}

// Enumerate は接続中の疑似デバイスを列挙する
func (d *Driver) Enumerate(ctx context.Context) ([]sdk.DeviceInfo, error) {
	if err := d.check(ctx, "enumerate", ""); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	infos := make([]sdk.DeviceInfo, 0, len(d.devices))
	for _, spec := range d.devices {
		infos = append(infos, spec.info())
	}
	return infos, nil
}

// Open はデバイスを排他的にオープンする
func (d *Driver) Open(ctx context.Context, id string) (sdk.Handle, error) {
	if err := d.check(ctx, "open", id); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	spec, ok := d.find(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", sdk.ErrNoSuchDevice, id)
	}
	if _, busy := d.open[id]; busy {
		return nil, fmt.Errorf("%w: %s", sdk.ErrDeviceBusy, id)
	}

	h := newHandle(d, spec)
	d.open[id] = h
	return h, nil
}

// Plug は疑似デバイスを接続する（ホットプラグ）
func (d *Driver) Plug(spec DeviceSpec) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.find(spec.ID); ok {
		return
	}
	d.devices = append(d.devices, spec)
}

// Unplug は疑似デバイスを取り外す。
// オープン中のハンドルは以後すべての呼び出しで失敗し、配信中なら取得終了を通知する
func (d *Driver) Unplug(id string) {
	d.mu.Lock()
	for i, spec := range d.devices {
		if spec.ID == id {
			d.devices = append(d.devices[:i], d.devices[i+1:]...)
			break
		}
	}
	h := d.open[id]
	d.mu.Unlock()

	if h != nil {
		h.detach()
	}
}

// IsOpen はデバイスがオープン中か返す
func (d *Driver) IsOpen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.open[id]
	return ok
}

// release はハンドル解放時に呼ばれる
func (d *Driver) release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.open, id)
}

// find はIDからデバイス定義を探す（ロック済み前提）
func (d *Driver) find(id string) (DeviceSpec, bool) {
	for _, spec := range d.devices {
		if spec.ID == id {
			return spec, true
		}
	}
	return DeviceSpec{}, false
}

// check はコンテキストと障害注入を確認する
func (d *Driver) check(ctx context.Context, op, name string) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if d.fault != nil {
		if err := d.fault(op, name); err != nil {
			return err
		}
	}
	return nil
}

func (s DeviceSpec) info() sdk.DeviceInfo {
	return sdk.DeviceInfo{
		ID:     s.ID,
		Model:  s.Model,
		Vendor: "simulated",
	}
}
