//go:build gst

package gstreamer

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"labcamera/internal/sdk"
)

const defaultBufferCount = 4

// パイプラインの構成に関わるプロパティ。配信中は変更できない
var pipelineProperties = []string{"pattern", "pixel_format", "width", "height", "frame_rate", "is_live"}

// rawFormats はピクセルフォーマットに対応する video/x-raw の format
var rawFormats = map[sdk.PixelFormat]string{
	sdk.FormatY800:  "GRAY8",
	sdk.FormatY16:   "GRAY16_LE",
	sdk.FormatRGB24: "RGB",
	sdk.FormatBGR24: "BGR",
}

type handle struct {
	driver *Driver
	info   sdk.DeviceInfo

	mu     sync.Mutex
	props  map[string]*sdk.PropertyInfo
	order  []string
	closed bool

	// sinkMu は Register/Unregister を直列化する
	sinkMu   sync.Mutex
	pipeline *gst.Pipeline

	// cbMu はコールバック呼び出しと登録解除を排他する
	cbMu    sync.Mutex
	cb      sdk.FrameCallback
	buffers [][]byte
	next    int
	width   int
	height  int
	format  sdk.PixelFormat
}

func newHandle(d *Driver, s Source) *handle {
	h := &handle{
		driver: d,
		info:   s.info(),
		props:  make(map[string]*sdk.PropertyInfo),
	}
	props := []sdk.PropertyInfo{
		{Name: "pattern", Kind: sdk.KindMapStrings, Options: []string{"smpte", "snow", "black", "white", "ball", "checkers-8", "gradient"}, Text: s.Pattern},
		{Name: "pixel_format", Kind: sdk.KindMapStrings, Options: []string{string(sdk.FormatY800), string(sdk.FormatY16), string(sdk.FormatRGB24), string(sdk.FormatBGR24)}, Text: string(sdk.FormatY800)},
		// 行のパディングが出ないよう幅は4の倍数
		{Name: "width", Kind: sdk.KindRange, RangeMin: 16, RangeMax: 4096, Step: 4, Ranged: int64(s.Width)},
		{Name: "height", Kind: sdk.KindRange, RangeMin: 16, RangeMax: 4096, Step: 1, Ranged: int64(s.Height)},
		{Name: "frame_rate", Kind: sdk.KindAbsoluteValue, AbsMin: 1, AbsMax: 120, Absolute: 30},
		{Name: "is_live", Kind: sdk.KindSwitch, Switch: true},
		{Name: "serial_number", Kind: sdk.KindText, ReadOnly: true, Text: s.ID},
	}
	for _, p := range props {
		p := p
		h.props[p.Name] = &p
		h.order = append(h.order, p.Name)
	}
	return h
}

func (h *handle) Info() sdk.DeviceInfo {
	return h.info
}

func (h *handle) Properties(ctx context.Context) ([]sdk.PropertyInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, sdk.ErrHandleClosed
	}
	result := make([]sdk.PropertyInfo, 0, len(h.order))
	for _, name := range h.order {
		result = append(result, h.props[name].Clone())
	}
	return result, nil
}

func (h *handle) Property(ctx context.Context, name string) (sdk.PropertyInfo, error) {
	if err := ctx.Err(); err != nil {
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

func (h *handle) SetSwitch(ctx context.Context, name string, v bool) error {
	return h.set(ctx, name, sdk.KindSwitch, func(p *sdk.PropertyInfo) error {
		p.Switch = v
		return nil
	})
}

func (h *handle) SetRange(ctx context.Context, name string, v int64) error {
	return h.set(ctx, name, sdk.KindRange, func(p *sdk.PropertyInfo) error {
		if v < p.RangeMin || v > p.RangeMax || (p.Step > 1 && (v-p.RangeMin)%p.Step != 0) {
			return fmt.Errorf("%w: %s=%d", sdk.ErrInvalidValue, name, v)
		}
		p.Ranged = v
		return nil
	})
}

func (h *handle) SetAbsoluteValue(ctx context.Context, name string, v float64) error {
	return h.set(ctx, name, sdk.KindAbsoluteValue, func(p *sdk.PropertyInfo) error {
		if v < p.AbsMin || v > p.AbsMax {
			return fmt.Errorf("%w: %s=%g", sdk.ErrInvalidValue, name, v)
		}
		p.Absolute = v
		return nil
	})
}

func (h *handle) SetString(ctx context.Context, name string, v string) error {
	return h.set(ctx, name, sdk.KindMapStrings, func(p *sdk.PropertyInfo) error {
		if !slices.Contains(p.Options, v) {
			return fmt.Errorf("%w: %s=%q", sdk.ErrInvalidValue, name, v)
		}
		p.Text = v
		return nil
	})
}

// Push はボタンを持たないため常に失敗する
func (h *handle) Push(ctx context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, err := h.lookupLocked(name)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, not button", sdk.ErrInvalidValue, name, p.Kind)
}

func (h *handle) set(ctx context.Context, name string, kind sdk.Kind, apply func(*sdk.PropertyInfo) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	p, err := h.lookupLocked(name)
	if err != nil {
		return err
	}
	if p.Kind != kind || p.ReadOnly {
		return fmt.Errorf("%w: %s", sdk.ErrInvalidValue, name)
	}
	if h.pipeline != nil && slices.Contains(pipelineProperties, name) {
		return fmt.Errorf("%w: %s はストリーミング中に変更できません", sdk.ErrBusy, name)
	}
	return apply(p)
}

func (h *handle) lookupLocked(name string) (*sdk.PropertyInfo, error) {
	if h.closed {
		return nil, sdk.ErrHandleClosed
	}
	p, ok := h.props[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sdk.ErrNoSuchProperty, name)
	}
	return p, nil
}

// launchLocked はプロパティからパイプライン記述を作る
func (h *handle) launchLocked(bufferCount int) (string, sdk.PixelFormat, int, int) {
	format := sdk.PixelFormat(h.props["pixel_format"].Text)
	width := int(h.props["width"].Ranged)
	height := int(h.props["height"].Ranged)
	rate := int(h.props["frame_rate"].Absolute * 1000)

	desc := fmt.Sprintf(
		"videotestsrc is-live=%t pattern=%s ! video/x-raw,format=%s,width=%d,height=%d,framerate=%d/1000 ! appsink name=sink sync=false max-buffers=%d drop=true",
		h.props["is_live"].Switch, h.props["pattern"].Text, rawFormats[format], width, height, rate, bufferCount,
	)
	return desc, format, width, height
}

// RegisterSink はパイプラインを組み立てて再生を開始する
func (h *handle) RegisterSink(cfg sdk.SinkConfig, cb sdk.FrameCallback) error {
	h.sinkMu.Lock()
	defer h.sinkMu.Unlock()

	count := cfg.BufferCount
	if count <= 0 {
		count = defaultBufferCount
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return sdk.ErrHandleClosed
	}
	if h.pipeline != nil {
		h.mu.Unlock()
		return sdk.ErrSinkRegistered
	}
	desc, format, width, height := h.launchLocked(count)
	h.mu.Unlock()

	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return fmt.Errorf("パイプラインの作成に失敗: %w", err)
	}
	elem, err := pipeline.GetElementByName("sink")
	if err != nil {
		return fmt.Errorf("appsinkが見つかりません: %w", err)
	}
	sink := app.SinkFromElement(elem)

	h.cbMu.Lock()
	h.cb = cb
	h.width, h.height, h.format = width, height, format
	h.buffers = make([][]byte, count)
	for i := range h.buffers {
		h.buffers[i] = make([]byte, width*height*format.BytesPerPixel())
	}
	h.next = 0
	h.cbMu.Unlock()

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: h.onSample,
		EOSFunc: func(*app.Sink) {
			h.endOfStream()
		},
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		_ = pipeline.SetState(gst.StateNull)
		h.cbMu.Lock()
		h.cb = nil
		h.cbMu.Unlock()
		return fmt.Errorf("パイプラインの開始に失敗: %w", err)
	}

	h.mu.Lock()
	h.pipeline = pipeline
	h.mu.Unlock()
	return nil
}

// onSample はappsinkのストリーミングスレッドから呼ばれる
func (h *handle) onSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	h.cbMu.Lock()
	defer h.cbMu.Unlock()

	if h.cb == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	dst := h.buffers[h.next]
	h.next = (h.next + 1) % len(h.buffers)
	n := copy(dst, mapInfo.Bytes())
	buffer.Unmap()

	h.cb(&sdk.Buffer{
		Data:      dst[:n],
		Width:     h.width,
		Height:    h.height,
		Format:    h.format,
		Timestamp: time.Now(),
	})
	return gst.FlowOK
}

// endOfStream は取得終了をコールバックに通知する
func (h *handle) endOfStream() {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()

	if h.cb != nil {
		h.cb(nil)
		h.cb = nil
	}
}

// stopPipeline はパイプラインを停止する。ストリーミングスレッドの終了を待って戻る
func (h *handle) stopPipeline() (bool, error) {
	h.mu.Lock()
	pipeline := h.pipeline
	h.pipeline = nil
	h.mu.Unlock()

	if pipeline == nil {
		return false, nil
	}
	if err := pipeline.SetState(gst.StateNull); err != nil {
		return true, fmt.Errorf("パイプラインの停止に失敗: %w", err)
	}
	return true, nil
}

// UnregisterSink は通知なしで配信を止める
func (h *handle) UnregisterSink() error {
	h.sinkMu.Lock()
	defer h.sinkMu.Unlock()

	_, err := h.stopPipeline()

	h.cbMu.Lock()
	h.cb = nil
	h.cbMu.Unlock()
	return err
}

// Close は配信中なら取得終了を通知してからハンドルを解放する
func (h *handle) Close() error {
	h.sinkMu.Lock()
	_, err := h.stopPipeline()
	h.endOfStream()
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
