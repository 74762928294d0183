package camera

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"labcamera/internal/sdk"
	"labcamera/internal/sdk/simulated"
)

func TestDevice_CloseReleasesOnce(t *testing.T) {
	dev, h, err := openFake(SinkOptions{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := dev.Sink().Start(context.Background(), func(Frame) {}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// 並行・重複した Close でも解放は一度だけ
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dev.Close(); err != nil {
				t.Errorf("Close failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if err := dev.Close(); err != nil {
		t.Errorf("Repeated Close failed: %v", err)
	}

	if n := h.closeCount(); n != 1 {
		t.Errorf("Expected handle to be released once, got %d", n)
	}
	if !dev.Closed() {
		t.Error("Device should report closed")
	}
	if dev.Sink().Running() {
		t.Error("Sink should be stopped by Close")
	}
}

func TestDevice_CloseWaitsForPropertyOperation(t *testing.T) {
	dev, h, err := openFake(SinkOptions{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	gate := newCallGate()
	h.writeGate = gate

	setDone := make(chan error, 1)
	go func() {
		setDone <- dev.Properties().SetInt(context.Background(), "exposure", 500)
	}()

	select {
	case <-gate.entered:
	case <-time.After(time.Second):
		t.Fatal("SetRange was not called")
	}

	closeDone := make(chan error, 1)
	go func() {
		closeDone <- dev.Close()
	}()

	// ネイティブ呼び出しが終わるまでハンドルは解放されない
	select {
	case err := <-closeDone:
		t.Fatalf("Close returned while a property write was in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if n := h.closeCount(); n != 0 {
		t.Fatalf("Handle released during a property write (%d)", n)
	}

	close(gate.release)

	if err := <-setDone; err != nil {
		t.Errorf("SetInt failed: %v", err)
	}
	select {
	case err := <-closeDone:
		if err != nil {
			t.Errorf("Close failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not complete")
	}
	if n := h.closeCount(); n != 1 {
		t.Errorf("Expected handle to be released once, got %d", n)
	}

	if _, err := dev.Properties().Get(context.Background(), "exposure"); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("Expected ErrDeviceClosed after Close, got %v", err)
	}
}

func TestDevice_CloseError(t *testing.T) {
	dev, h, err := openFake(SinkOptions{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	h.closeErr = sdk.ErrTimeout

	err = dev.Close()
	if !errors.Is(err, ErrSDKCommunication) {
		t.Errorf("Expected ErrSDKCommunication, got %v", err)
	}

	// 2回目も同じ結果を返し、再度解放しない
	if err2 := dev.Close(); !errors.Is(err2, ErrSDKCommunication) {
		t.Errorf("Expected same error on repeated Close, got %v", err2)
	}
	if n := h.closeCount(); n != 1 {
		t.Errorf("Expected handle to be released once, got %d", n)
	}
}

func TestOpen_Errors(t *testing.T) {
	ctx := context.Background()
	driver := simulated.New()

	dev, err := Open(ctx, driver, simulated.DefaultDevice.ID, DeviceOptions{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer dev.Close()

	tests := []struct {
		name    string
		id      string
		opts    DeviceOptions
		wantErr error
	}{
		{name: "オープン済みのデバイス", id: simulated.DefaultDevice.ID, wantErr: sdk.ErrDeviceBusy},
		{name: "存在しないデバイス", id: "missing", wantErr: sdk.ErrNoSuchDevice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(ctx, driver, tt.id, tt.opts)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	t.Run("不明なポリシー", func(t *testing.T) {
		_, err := Open(ctx, simulated.New(), simulated.DefaultDevice.ID, DeviceOptions{Sink: SinkOptions{Policy: "fifo"}})
		if err == nil {
			t.Error("Expected error for unknown policy")
		}
	})
}

func TestDevice_ReopenAfterClose(t *testing.T) {
	ctx := context.Background()
	driver := simulated.New()

	dev, err := Open(ctx, driver, simulated.DefaultDevice.ID, DeviceOptions{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if driver.IsOpen(simulated.DefaultDevice.ID) {
		t.Fatal("Handle should be released after Close")
	}

	dev2, err := Open(ctx, driver, simulated.DefaultDevice.ID, DeviceOptions{})
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	_ = dev2.Close()
}
