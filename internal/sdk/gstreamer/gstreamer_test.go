//go:build gst

package gstreamer

import (
	"context"
	"errors"
	"testing"
	"time"

	"labcamera/internal/sdk"
)

func TestDriver_OpenAndStream(t *testing.T) {
	ctx := context.Background()
	d := New(Source{ID: "gst-test", Pattern: "ball", Width: 160, Height: 120})

	devices, err := d.Enumerate(ctx)
	if err != nil || len(devices) != 1 {
		t.Fatalf("enumerate: %v %v", devices, err)
	}

	h, err := d.Open(ctx, "gst-test")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := d.Open(ctx, "gst-test"); !errors.Is(err, sdk.ErrDeviceBusy) {
		t.Errorf("expected ErrDeviceBusy, got %v", err)
	}

	if err := h.SetString(ctx, "pixel_format", string(sdk.FormatRGB24)); err != nil {
		t.Fatalf("set pixel_format: %v", err)
	}
	if err := h.SetRange(ctx, "width", 162); !errors.Is(err, sdk.ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue for unaligned width, got %v", err)
	}

	frames := make(chan sdk.Buffer, 1)
	err = h.RegisterSink(sdk.SinkConfig{BufferCount: 2}, func(buf *sdk.Buffer) {
		if buf == nil {
			return
		}
		select {
		case frames <- *buf:
		default:
		}
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	select {
	case buf := <-frames:
		if buf.Width != 160 || buf.Height != 120 || buf.Format != sdk.FormatRGB24 {
			t.Errorf("unexpected buffer: %dx%d %s", buf.Width, buf.Height, buf.Format)
		}
		if len(buf.Data) != 160*120*3 {
			t.Errorf("unexpected data length: %d", len(buf.Data))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no frame received")
	}

	if err := h.SetString(ctx, "pattern", "snow"); !errors.Is(err, sdk.ErrBusy) {
		t.Errorf("expected ErrBusy while streaming, got %v", err)
	}

	if err := h.UnregisterSink(); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := h.Properties(ctx); !errors.Is(err, sdk.ErrHandleClosed) {
		t.Errorf("expected ErrHandleClosed, got %v", err)
	}
}
