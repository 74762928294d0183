//go:build gst

// Package gstreamer はGStreamerのテストソースをカメラSDKとして扱うドライバー
//
// 各デバイスは videotestsrc ! capsfilter ! appsink のパイプラインで、appsink の
// ストリーミングスレッドからフレームコールバックを呼ぶ。ベンダーSDKと同じく、
// コールバックはSDK所有のバッファを渡し、戻った後にそのバッファを再利用する。
package gstreamer

import (
	"context"
	"fmt"
	"sync"

	"github.com/tinyzimmer/go-gst/gst"

	"labcamera/internal/sdk"
)

// DriverName はレジストリに登録される名前
const DriverName = "gstreamer"

func init() {
	sdk.Register(DriverName, func() (sdk.Driver, error) {
		return New(), nil
	})
}

var initOnce sync.Once

// Source はテストソースとして列挙されるデバイスの定義
type Source struct {
	ID      string
	Pattern string // videotestsrc の pattern
	Width   int
	Height  int
}

// DefaultSource は既定で列挙されるソース
var DefaultSource = Source{
	ID:      "GST-TESTSRC-0",
	Pattern: "smpte",
	Width:   640,
	Height:  480,
}

// Driver はGStreamerドライバー
type Driver struct {
	mu      sync.Mutex
	sources []Source
	open    map[string]*handle
}

// New は新しいDriverを作成する。sources が空なら DefaultSource を列挙する
func New(sources ...Source) *Driver {
	initOnce.Do(func() { gst.Init(nil) })

	if len(sources) == 0 {
		sources = []Source{DefaultSource}
	}
	return &Driver{
		sources: append([]Source(nil), sources...),
		open:    make(map[string]*handle),
	}
}

// Name はドライバー名を返す
func (d *Driver) Name() string {
	return DriverName
}

// Enumerate はソースを列挙する
func (d *Driver) Enumerate(ctx context.Context) ([]sdk.DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	result := make([]sdk.DeviceInfo, 0, len(d.sources))
	for _, s := range d.sources {
		result = append(result, s.info())
	}
	return result, nil
}

// Open はソースを排他的にオープンする
func (d *Driver) Open(ctx context.Context, id string) (sdk.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, s := range d.sources {
		if s.ID != id {
			continue
		}
		if _, busy := d.open[id]; busy {
			return nil, fmt.Errorf("%w: %s", sdk.ErrDeviceBusy, id)
		}
		h := newHandle(d, s)
		d.open[id] = h
		return h, nil
	}
	return nil, fmt.Errorf("%w: %s", sdk.ErrNoSuchDevice, id)
}

func (d *Driver) release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.open, id)
}

func (s Source) info() sdk.DeviceInfo {
	return sdk.DeviceInfo{
		ID:     s.ID,
		Model:  "videotestsrc (" + s.Pattern + ")",
		Vendor: "GStreamer",
	}
}
