package camera

import (
	"fmt"
	"log/slog"
	"time"

	"labcamera/internal/sdk"
)

// IntRange は整数プロパティの許容範囲
type IntRange struct {
	Min  int64 `json:"min"`
	Max  int64 `json:"max"`
	Step int64 `json:"step"`
}

// FloatRange は実数プロパティの許容範囲
type FloatRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Descriptor はプロパティの記述と現在値
//
// 常にデバイスから取得した直後の状態を表し、ブリッジ側では保持しない。
type Descriptor struct {
	Name     string      `json:"name"`
	Type     ValueType   `json:"type"`
	ReadOnly bool        `json:"read_only"`
	IntRange *IntRange   `json:"int_range,omitempty"`
	Range    *FloatRange `json:"float_range,omitempty"`
	Options  []string    `json:"options,omitempty"`
	Value    Value       `json:"value"`
}

// Writable は値を書き込めるか返す（ボタンは Push のみ）
func (d Descriptor) Writable() bool {
	return !d.ReadOnly && d.Type != TypeButton
}

// descriptorFrom はSDKのネイティブ記述を変換する
func descriptorFrom(p sdk.PropertyInfo) (Descriptor, error) {
	d := Descriptor{
		Name:     p.Name,
		ReadOnly: p.ReadOnly,
	}

	switch p.Kind {
	case sdk.KindSwitch:
		d.Type = TypeBool
		d.Value = BoolValue(p.Switch)
	case sdk.KindRange:
		d.Type = TypeInt
		d.IntRange = &IntRange{Min: p.RangeMin, Max: p.RangeMax, Step: p.Step}
		d.Value = IntValue(p.Ranged)
	case sdk.KindAbsoluteValue:
		d.Type = TypeFloat
		d.Range = &FloatRange{Min: p.AbsMin, Max: p.AbsMax}
		d.Value = FloatValue(p.Absolute)
	case sdk.KindMapStrings:
		d.Type = TypeEnum
		d.Options = append([]string(nil), p.Options...)
		d.Value = EnumValue(p.Text)
	case sdk.KindText:
		d.Type = TypeString
		d.Value = StringValue(p.Text)
	case sdk.KindButton:
		d.Type = TypeButton
		d.Value = Value{Type: TypeButton}
	default:
		return Descriptor{}, fmt.Errorf("%w: 未対応のプロパティ種別 %s (%s)", ErrSDKCommunication, p.Kind, p.Name)
	}

	return d, nil
}

// Policy はキューが満杯のときの振る舞い
type Policy string

const (
	DropNewest   Policy = "drop_newest"   // 新しいフレームを捨てる
	DropOldest   Policy = "drop_oldest"   // 最も古いフレームを捨てて新しいフレームを入れる
	BoundedQueue Policy = "bounded_queue" // EnqueueTimeout まで待ち、超えたらオーバーランとして捨てる
)

// ParsePolicy は文字列から Policy を得る。空文字は DefaultPolicy
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "":
		return DefaultPolicy, nil
	case DropNewest, DropOldest, BoundedQueue:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("不明なバックプレッシャーポリシー: %q", s)
	}
}

const (
	DefaultPolicy         = DropOldest
	DefaultQueueSize      = 8
	DefaultEnqueueTimeout = 5 * time.Millisecond
)

// SinkOptions はフレームシンクの設定
type SinkOptions struct {
	Policy         Policy
	QueueSize      int
	EnqueueTimeout time.Duration // BoundedQueue でのみ使用
	BufferCount    int           // SDK側のバッファ数（0ならSDKの既定値）

	// OnEnd はSDKが取得終了を通知したとき、キューを配信し終えてからワーカー上で呼ばれる
	OnEnd func()
}

// withDefaults は未設定の項目を既定値で埋める
func (o SinkOptions) withDefaults() SinkOptions {
	if o.Policy == "" {
		o.Policy = DefaultPolicy
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.EnqueueTimeout <= 0 {
		o.EnqueueTimeout = DefaultEnqueueTimeout
	}
	return o
}

// SinkStats はフレームシンクの統計
type SinkStats struct {
	Running            bool          `json:"running"`
	Received           uint64        `json:"received"`  // SDKから受け取ったフレーム数
	Delivered          uint64        `json:"delivered"` // コンシューマーに渡したフレーム数
	Dropped            uint64        `json:"dropped"`   // ポリシーにより捨てたフレーム数（オーバーランを含む）
	Overruns           uint64        `json:"overruns"`
	QueueLen           int           `json:"queue_len"`
	QueueCap           int           `json:"queue_cap"`
	MaxCallbackLatency time.Duration `json:"max_callback_latency_ns"`
	Policy             Policy        `json:"policy"`
}

// DeviceOptions はデバイスをオープンするときの設定
type DeviceOptions struct {
	Sink   SinkOptions
	Logger *slog.Logger // nil なら slog.Default()
}
