package simulated

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"labcamera/internal/sdk"
)

const (
	defaultBufferCount = 4
	defaultFrameRate   = 30.0
)

// handle は疑似デバイスのハンドル
type handle struct {
	driver *Driver
	info   sdk.DeviceInfo
	width  int
	height int

	mu       sync.Mutex
	props    map[string]*sdk.PropertyInfo
	order    []string
	closed   bool
	detached bool

	// 配信ゴルーチン制御（sinkMu で Register/Unregister を直列化）
	sinkMu  sync.Mutex
	stopCh  chan struct{}
	done    chan struct{}
	trigger chan struct{}
}

func newHandle(d *Driver, spec DeviceSpec) *handle {
	h := &handle{
		driver: d,
		info:   spec.info(),
		width:  spec.Width,
		height: spec.Height,
		props:  make(map[string]*sdk.PropertyInfo),
	}
	for _, p := range defaultProperties(spec) {
		p := p
		h.props[p.Name] = &p
		h.order = append(h.order, p.Name)
	}
	return h
}

// defaultProperties は疑似デバイスのプロパティ一覧を返す
func defaultProperties(spec DeviceSpec) []sdk.PropertyInfo {
	return []sdk.PropertyInfo{
		{Name: "exposure", Kind: sdk.KindRange, RangeMin: 1, RangeMax: 1000, Step: 1, Ranged: 100},
		{Name: "exposure_auto", Kind: sdk.KindSwitch},
		{Name: "gain", Kind: sdk.KindAbsoluteValue, AbsMin: 0, AbsMax: 48},
		{Name: "frame_rate", Kind: sdk.KindAbsoluteValue, AbsMin: 1, AbsMax: 240, Absolute: defaultFrameRate},
		{Name: "trigger_mode", Kind: sdk.KindMapStrings, Options: []string{"Off", "On"}, Text: "Off"},
		{Name: "pixel_format", Kind: sdk.KindMapStrings, Options: []string{
			string(sdk.FormatY800), string(sdk.FormatY16), string(sdk.FormatRGB24), string(sdk.FormatBGR24),
		}, Text: string(sdk.FormatY800)},
		{Name: "software_trigger", Kind: sdk.KindButton},
		{Name: "width", Kind: sdk.KindRange, ReadOnly: true, RangeMin: int64(spec.Width), RangeMax: int64(spec.Width), Step: 1, Ranged: int64(spec.Width)},
		{Name: "height", Kind: sdk.KindRange, ReadOnly: true, RangeMin: int64(spec.Height), RangeMax: int64(spec.Height), Step: 1, Ranged: int64(spec.Height)},
		{Name: "serial_number", Kind: sdk.KindText, ReadOnly: true, Text: spec.ID},
		{Name: "model_name", Kind: sdk.KindText, ReadOnly: true, Text: spec.Model},
	}
}

// Info はデバイス情報を返す
func (h *handle) Info() sdk.DeviceInfo {
	return h.info
}

// Properties は全プロパティの複製を返す
func (h *handle) Properties(ctx context.Context) ([]sdk.PropertyInfo, error) {
	if err := h.driver.check(ctx, "properties", ""); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.usableLocked(); err != nil {
		return nil, err
	}

	result := make([]sdk.PropertyInfo, 0, len(h.order))
	for _, name := range h.order {
		result = append(result, h.props[name].Clone())
	}
	return result, nil
}

// Property は指定プロパティの複製を返す
func (h *handle) Property(ctx context.Context, name string) (sdk.PropertyInfo, error) {
	if err := h.driver.check(ctx, "property", name); err != nil {
		return sdk.PropertyInfo{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	p, err := h.lookupLocked(name)
	if err != nil {
		return sdk.PropertyInfo{}, err
	}
	return p.Clone(), nil
}

// SetSwitch はスイッチ型プロパティを設定する
func (h *handle) SetSwitch(ctx context.Context, name string, v bool) error {
	return h.set(ctx, name, sdk.KindSwitch, func(p *sdk.PropertyInfo) error {
		p.Switch = v
		return nil
	})
}

// SetRange は整数範囲型プロパティを設定する
func (h *handle) SetRange(ctx context.Context, name string, v int64) error {
	return h.set(ctx, name, sdk.KindRange, func(p *sdk.PropertyInfo) error {
		if v < p.RangeMin || v > p.RangeMax {
			return fmt.Errorf("%w: %s=%d", sdk.ErrInvalidValue, name, v)
		}
		p.Ranged = v
		return nil
	})
}

// SetAbsoluteValue は実数範囲型プロパティを設定する
func (h *handle) SetAbsoluteValue(ctx context.Context, name string, v float64) error {
	return h.set(ctx, name, sdk.KindAbsoluteValue, func(p *sdk.PropertyInfo) error {
		if v < p.AbsMin || v > p.AbsMax {
			return fmt.Errorf("%w: %s=%g", sdk.ErrInvalidValue, name, v)
		}
		p.Absolute = v
		return nil
	})
}

// SetString は選択肢型・文字列型プロパティを設定する
func (h *handle) SetString(ctx context.Context, name string, v string) error {
	if err := h.driver.check(ctx, "set", name); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	p, err := h.lookupLocked(name)
	if err != nil {
		return err
	}
	if p.ReadOnly {
		return fmt.Errorf("%w: %s is read-only", sdk.ErrInvalidValue, name)
	}

	switch p.Kind {
	case sdk.KindMapStrings:
		if !slices.Contains(p.Options, v) {
			return fmt.Errorf("%w: %s=%q", sdk.ErrInvalidValue, name, v)
		}
		// ピクセルフォーマットは配信中に変更できない
		if name == "pixel_format" && h.stopCh != nil {
			return fmt.Errorf("%w: pixel_format cannot change while streaming", sdk.ErrBusy)
		}
	case sdk.KindText:
	default:
		return fmt.Errorf("%w: %s is %s", sdk.ErrInvalidValue, name, p.Kind)
	}

	p.Text = v
	return nil
}

// Push はボタン型プロパティを押下する
func (h *handle) Push(ctx context.Context, name string) error {
	if err := h.driver.check(ctx, "push", name); err != nil {
		return err
	}

	h.mu.Lock()
	p, err := h.lookupLocked(name)
	if err == nil && p.Kind != sdk.KindButton {
		err = fmt.Errorf("%w: %s is %s", sdk.ErrInvalidValue, name, p.Kind)
	}
	trigger := h.trigger
	h.mu.Unlock()

	if err != nil {
		return err
	}

	if name == "software_trigger" && trigger != nil {
		select {
		case trigger <- struct{}{}:
		default:
			// 前回のトリガーが未処理
		}
	}
	return nil
}

// set はスイッチ・範囲型の共通設定処理
func (h *handle) set(ctx context.Context, name string, kind sdk.Kind, apply func(*sdk.PropertyInfo) error) error {
	if err := h.driver.check(ctx, "set", name); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	p, err := h.lookupLocked(name)
	if err != nil {
		return err
	}
	if p.Kind != kind {
		return fmt.Errorf("%w: %s is %s, not %s", sdk.ErrInvalidValue, name, p.Kind, kind)
	}
	if p.ReadOnly {
		return fmt.Errorf("%w: %s is read-only", sdk.ErrInvalidValue, name)
	}
	return apply(p)
}

// lookupLocked はプロパティを探す（ロック済み前提）
func (h *handle) lookupLocked(name string) (*sdk.PropertyInfo, error) {
	if err := h.usableLocked(); err != nil {
		return nil, err
	}
	p, ok := h.props[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sdk.ErrNoSuchProperty, name)
	}
	return p, nil
}

// usableLocked はハンドルが使用可能か確認する（ロック済み前提）
func (h *handle) usableLocked() error {
	if h.closed {
		return sdk.ErrHandleClosed
	}
	if h.detached {
		return fmt.Errorf("%w: %s", sdk.ErrNoSuchDevice, h.info.ID)
	}
	return nil
}

// RegisterSink は配信ゴルーチンを開始する
func (h *handle) RegisterSink(cfg sdk.SinkConfig, cb sdk.FrameCallback) error {
	if err := h.driver.check(context.Background(), "register", ""); err != nil {
		return err
	}

	h.sinkMu.Lock()
	defer h.sinkMu.Unlock()

	h.mu.Lock()
	if err := h.usableLocked(); err != nil {
		h.mu.Unlock()
		return err
	}
	if h.stopCh != nil {
		h.mu.Unlock()
		return sdk.ErrSinkRegistered
	}

	format := sdk.PixelFormat(h.props["pixel_format"].Text)
	count := cfg.BufferCount
	if count <= 0 {
		count = defaultBufferCount
	}
	size := h.width * h.height * format.BytesPerPixel()
	buffers := make([][]byte, count)
	for i := range buffers {
		buffers[i] = make([]byte, size)
	}

	stopCh := make(chan struct{})
	done := make(chan struct{})
	h.stopCh = stopCh
	h.done = done
	h.trigger = make(chan struct{}, 1)
	trigger := h.trigger
	h.mu.Unlock()

	go h.deliver(cb, buffers, format, stopCh, done, trigger)
	return nil
}

// UnregisterSink は配信ゴルーチンを停止し、終了を待つ
func (h *handle) UnregisterSink() error {
	if err := h.driver.check(context.Background(), "unregister", ""); err != nil {
		return err
	}

	h.sinkMu.Lock()
	defer h.sinkMu.Unlock()

	h.stopDelivery()
	return nil
}

// stopDelivery は配信ゴルーチンを停止する（sinkMu 取得済み前提）
func (h *handle) stopDelivery() {
	h.mu.Lock()
	stopCh, done := h.stopCh, h.done
	h.stopCh, h.done, h.trigger = nil, nil, nil
	h.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-done
}

// detach はデバイスの取り外しを反映する
func (h *handle) detach() {
	h.mu.Lock()
	h.detached = true
	h.mu.Unlock()

	h.sinkMu.Lock()
	defer h.sinkMu.Unlock()
	h.endDelivery()
}

// endDelivery は配信を止めて取得終了を通知させる（sinkMu 取得済み前提）
func (h *handle) endDelivery() {
	h.mu.Lock()
	stopCh, done := h.stopCh, h.done
	h.stopCh, h.done, h.trigger = nil, nil, nil
	h.mu.Unlock()

	if stopCh == nil {
		return
	}
	stopCh <- struct{}{}
	<-done
}

// Close はハンドルを解放する。配信中なら取得終了を通知してから停止する
func (h *handle) Close() error {
	err := h.driver.check(context.Background(), "close", "")

	h.sinkMu.Lock()
	h.endDelivery()
	h.sinkMu.Unlock()

	h.mu.Lock()
	already := h.closed
	h.closed = true
	h.mu.Unlock()

	if !already {
		h.driver.release(h.info.ID)
	}
	return err
}

// deliver はSDKの配信スレッドに相当する
//
// stopCh への送信は取得終了（コールバックに nil を渡して終了）、
// close は登録解除（通知なしで終了）を表す。
func (h *handle) deliver(cb sdk.FrameCallback, buffers [][]byte, format sdk.PixelFormat, stopCh chan struct{}, done chan struct{}, trigger <-chan struct{}) {
	defer close(done)

	var seq uint64
	timer := time.NewTimer(h.frameInterval())
	defer timer.Stop()

	for {
		triggered := h.triggerMode()

		if triggered {
			select {
			case _, ok := <-stopCh:
				if ok {
					cb(nil)
				}
				return
			case <-trigger:
			case <-timer.C:
				// トリガーモードの解除を拾うための再確認
				timer.Reset(h.frameInterval())
				continue
			}
		} else {
			select {
			case _, ok := <-stopCh:
				if ok {
					cb(nil)
				}
				return
			case <-timer.C:
				timer.Reset(h.frameInterval())
			}
		}

		buf := buffers[seq%uint64(len(buffers))]
		fillPattern(buf, h.width, format, seq)
		cb(&sdk.Buffer{
			Data:      buf,
			Width:     h.width,
			Height:    h.height,
			Format:    format,
			Timestamp: time.Now(),
		})
		seq++
	}
}

// frameInterval は現在のフレームレートからフレーム間隔を求める
func (h *handle) frameInterval() time.Duration {
	h.mu.Lock()
	fps := h.props["frame_rate"].Absolute
	h.mu.Unlock()

	if fps <= 0 {
		fps = defaultFrameRate
	}
	return time.Duration(float64(time.Second) / fps)
}

// triggerMode はトリガーモードが有効か返す
func (h *handle) triggerMode() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.props["trigger_mode"].Text == "On"
}

// fillPattern はフレーム番号で流れる斜めグラデーションを描く
func fillPattern(buf []byte, width int, format sdk.PixelFormat, seq uint64) {
	bpp := format.BytesPerPixel()
	if bpp == 0 || width == 0 {
		return
	}
	stride := width * bpp
	for i := 0; i+bpp <= len(buf); i += bpp {
		x := (i % stride) / bpp
		y := i / stride
		v := byte(uint64(x+y) + seq)
		for c := 0; c < bpp; c++ {
			buf[i+c] = v
		}
	}
}
