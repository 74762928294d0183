// Package sdk はカメラベンダーSDKとの境界を定義する
//
// このパッケージはSDK本体を実装しない。バインディングが消費するインターフェース
// （デバイス列挙、ハンドルのオープン/クローズ、プロパティ操作、フレームコールバック登録）
// だけを表現する。実装は simulated（テスト・開発用）と gstreamer（ビルドタグ gst）がある。
package sdk

import (
	"context"
	"errors"
	"time"
)

// SDK呼び出しが返すエラー
var (
	ErrNoSuchDevice   = errors.New("sdk: no such device")
	ErrDeviceBusy     = errors.New("sdk: device already open")
	ErrNoSuchProperty = errors.New("sdk: no such property")
	ErrTimeout        = errors.New("sdk: operation timed out")
	ErrBusy           = errors.New("sdk: device busy")
	ErrHandleClosed   = errors.New("sdk: handle closed")
	ErrSinkRegistered = errors.New("sdk: sink already registered")
	ErrInvalidValue   = errors.New("sdk: invalid property value")
)

// Kind はSDKネイティブのプロパティインターフェース種別
type Kind int

const (
	KindSwitch        Kind = iota // ON/OFF
	KindRange                     // 整数範囲（min, max, step）
	KindAbsoluteValue             // 実数範囲
	KindMapStrings                // 文字列の選択肢
	KindButton                    // 押下のみ（値を持たない）
	KindText                      // 文字列（通常は読み取り専用）
)

// String は種別名を返す
func (k Kind) String() string {
	switch k {
	case KindSwitch:
		return "switch"
	case KindRange:
		return "range"
	case KindAbsoluteValue:
		return "absolute_value"
	case KindMapStrings:
		return "map_strings"
	case KindButton:
		return "button"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// PixelFormat はフレームのピクセルフォーマット
type PixelFormat string

const (
	FormatY800  PixelFormat = "Y800"  // 8bit モノクロ
	FormatY16   PixelFormat = "Y16"   // 16bit モノクロ（リトルエンディアン）
	FormatRGB24 PixelFormat = "RGB24" // 8bit x 3 (R, G, B)
	FormatBGR24 PixelFormat = "BGR24" // 8bit x 3 (B, G, R)
)

// BytesPerPixel は1ピクセルあたりのバイト数を返す。未知のフォーマットは0
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case FormatY800:
		return 1
	case FormatY16:
		return 2
	case FormatRGB24, FormatBGR24:
		return 3
	default:
		return 0
	}
}

// DeviceInfo は列挙されたデバイスの情報
type DeviceInfo struct {
	ID     string // SDK内で一意なデバイス識別子（シリアル番号など）
	Model  string
	Vendor string
}

// PropertyInfo はSDKが返すネイティブプロパティの記述と現在値
type PropertyInfo struct {
	Name     string
	Kind     Kind
	ReadOnly bool

	// KindRange
	RangeMin, RangeMax, Step int64
	// KindAbsoluteValue
	AbsMin, AbsMax float64
	// KindMapStrings
	Options []string

	// 現在値（Kindに対応するフィールドのみ有効）
	Switch   bool
	Ranged   int64
	Absolute float64
	Text     string
}

// Clone はOptionsを含めて複製を返す
func (p PropertyInfo) Clone() PropertyInfo {
	if p.Options != nil {
		p.Options = append([]string(nil), p.Options...)
	}
	return p
}

// Buffer はSDKのバッファプールが所有するフレーム
//
// Data はコールバックの実行中のみ有効。コールバックが戻るとSDKが再利用する。
type Buffer struct {
	Data      []byte
	Width     int
	Height    int
	Format    PixelFormat
	Timestamp time.Time
}

// FrameCallback はSDKの配信スレッドから呼ばれる。
// buf が nil の場合は取得終了（シンク切断）を表す
type FrameCallback func(buf *Buffer)

// SinkConfig はフレームシンク登録時の設定
type SinkConfig struct {
	BufferCount int // SDK側で確保するバッファ数（0ならSDKの既定値）
}

// Driver はベンダーSDKのエントリポイント
type Driver interface {
	// Name はドライバー名を返す
	Name() string

	// Enumerate は接続されているデバイスを列挙する
	Enumerate(ctx context.Context) ([]DeviceInfo, error)

	// Open はデバイスを排他的にオープンする
	Open(ctx context.Context, id string) (Handle, error)
}

// Handle はオープン済みデバイスへの不透明な参照
type Handle interface {
	Info() DeviceInfo

	// プロパティ
	Properties(ctx context.Context) ([]PropertyInfo, error)
	Property(ctx context.Context, name string) (PropertyInfo, error)
	SetSwitch(ctx context.Context, name string, v bool) error
	SetRange(ctx context.Context, name string, v int64) error
	SetAbsoluteValue(ctx context.Context, name string, v float64) error
	SetString(ctx context.Context, name string, v string) error
	Push(ctx context.Context, name string) error

	// RegisterSink はフレームコールバックを登録してキャプチャを開始する
	RegisterSink(cfg SinkConfig, cb FrameCallback) error

	// UnregisterSink はキャプチャを停止する。
	// 実行中のコールバックが戻るまでブロックし、戻った後はコールバックを呼ばない
	UnregisterSink() error

	// Close はハンドルを解放する
	Close() error
}
