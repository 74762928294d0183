package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	"labcamera/internal/sdk"
)

// fakeDriver は fakeHandle を1つだけ返すドライバー
type fakeDriver struct {
	handle *fakeHandle
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Enumerate(ctx context.Context) ([]sdk.DeviceInfo, error) {
	return []sdk.DeviceInfo{d.handle.info}, nil
}

func (d *fakeDriver) Open(ctx context.Context, id string) (sdk.Handle, error) {
	if id != d.handle.info.ID {
		return nil, fmt.Errorf("%w: %s", sdk.ErrNoSuchDevice, id)
	}
	return d.handle, nil
}

// fakeHandle はネイティブ呼び出しを記録するテスト用ハンドル
//
// UnregisterSink の後もコールバックを保持しているため、
// 登録解除後に届く遅延コールバックを再現できる。
type fakeHandle struct {
	info sdk.DeviceInfo

	mu         sync.Mutex
	props      map[string]sdk.PropertyInfo
	writes     int
	setErr     error
	closeErr   error
	closeCalls int
	cb         sdk.FrameCallback
	registered bool
	sinkCfg    sdk.SinkConfig

	// writeGate が設定されていると、書き込みは entered に通知してから release を待つ
	writeGate *callGate
}

// callGate はネイティブ呼び出しを途中で止める
type callGate struct {
	entered chan struct{}
	release chan struct{}
}

func newCallGate() *callGate {
	return &callGate{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		info: sdk.DeviceInfo{ID: "FAKE-1", Model: "fake", Vendor: "test"},
		props: map[string]sdk.PropertyInfo{
			"exposure":  {Name: "exposure", Kind: sdk.KindRange, RangeMin: 1, RangeMax: 1000, Step: 1, Ranged: 100},
			"gain":      {Name: "gain", Kind: sdk.KindAbsoluteValue, AbsMin: 0, AbsMax: 48, Absolute: 0},
			"binning":   {Name: "binning", Kind: sdk.KindRange, RangeMin: 1, RangeMax: 8, Step: 2, Ranged: 1},
			"auto":      {Name: "auto", Kind: sdk.KindSwitch},
			"trigger":   {Name: "trigger", Kind: sdk.KindMapStrings, Options: []string{"Off", "On"}, Text: "Off"},
			"width":     {Name: "width", Kind: sdk.KindRange, ReadOnly: true, RangeMin: 640, RangeMax: 640, Step: 1, Ranged: 640},
			"serial":    {Name: "serial", Kind: sdk.KindText, ReadOnly: true, Text: "FAKE-1"},
			"one_shot":  {Name: "one_shot", Kind: sdk.KindButton},
			"user_text": {Name: "user_text", Kind: sdk.KindText, Text: ""},
		},
	}
}

func (h *fakeHandle) Info() sdk.DeviceInfo { return h.info }

func (h *fakeHandle) Properties(ctx context.Context) ([]sdk.PropertyInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	result := make([]sdk.PropertyInfo, 0, len(h.props))
	for _, p := range h.props {
		result = append(result, p.Clone())
	}
	return result, nil
}

func (h *fakeHandle) Property(ctx context.Context, name string) (sdk.PropertyInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.props[name]
	if !ok {
		return sdk.PropertyInfo{}, fmt.Errorf("%w: %s", sdk.ErrNoSuchProperty, name)
	}
	return p.Clone(), nil
}

func (h *fakeHandle) write(name string, apply func(p *sdk.PropertyInfo)) error {
	h.mu.Lock()
	gate := h.writeGate
	h.mu.Unlock()
	if gate != nil {
		gate.entered <- struct{}{}
		<-gate.release
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.writes++
	if h.setErr != nil {
		return h.setErr
	}
	p := h.props[name]
	apply(&p)
	h.props[name] = p
	return nil
}

func (h *fakeHandle) SetSwitch(ctx context.Context, name string, v bool) error {
	return h.write(name, func(p *sdk.PropertyInfo) { p.Switch = v })
}

func (h *fakeHandle) SetRange(ctx context.Context, name string, v int64) error {
	return h.write(name, func(p *sdk.PropertyInfo) { p.Ranged = v })
}

func (h *fakeHandle) SetAbsoluteValue(ctx context.Context, name string, v float64) error {
	return h.write(name, func(p *sdk.PropertyInfo) { p.Absolute = v })
}

func (h *fakeHandle) SetString(ctx context.Context, name string, v string) error {
	return h.write(name, func(p *sdk.PropertyInfo) { p.Text = v })
}

func (h *fakeHandle) Push(ctx context.Context, name string) error {
	return h.write(name, func(p *sdk.PropertyInfo) {})
}

func (h *fakeHandle) RegisterSink(cfg sdk.SinkConfig, cb sdk.FrameCallback) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.registered {
		return sdk.ErrSinkRegistered
	}
	h.cb = cb
	h.sinkCfg = cfg
	h.registered = true
	return nil
}

func (h *fakeHandle) UnregisterSink() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registered = false
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeCalls++
	return h.closeErr
}

// post は登録状態に関係なく最後に登録されたコールバックを呼ぶ
func (h *fakeHandle) post(buf *sdk.Buffer) {
	h.mu.Lock()
	cb := h.cb
	h.mu.Unlock()
	if cb != nil {
		cb(buf)
	}
}

func (h *fakeHandle) writeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writes
}

func (h *fakeHandle) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeCalls
}

func testBuffer() *sdk.Buffer {
	return &sdk.Buffer{
		Data:      []byte{1, 2, 3, 4},
		Width:     2,
		Height:    2,
		Format:    sdk.FormatY800,
		Timestamp: time.Now(),
	}
}

// openFake は fakeHandle を持つデバイスをオープンする
func openFake(opts SinkOptions) (*Device, *fakeHandle, error) {
	h := newFakeHandle()
	dev, err := Open(context.Background(), &fakeDriver{handle: h}, h.info.ID, DeviceOptions{Sink: opts})
	return dev, h, err
}
