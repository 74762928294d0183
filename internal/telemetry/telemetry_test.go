package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"labcamera/internal/camera"
	"labcamera/internal/sdk/simulated"
)

func TestSetup_NoopWhenEndpointEmpty(t *testing.T) {
	shutdown, err := Setup(context.Background(), "test-service", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetup_CreatesProviderWhenEndpointSet(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	// 到達しないアドレスなので実際には送信されない
	shutdown, err := Setup(context.Background(), "test-service", "http://192.0.2.1:4318")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestCameraSpans(t *testing.T) {
	ctx := context.Background()
	recorder := tracetest.NewSpanRecorder()
	tp, err := NewProvider(ctx, "camera-test", sdktrace.WithSpanProcessor(recorder))
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	dev, err := camera.Open(ctx, simulated.New(), simulated.DefaultDevice.ID, camera.DeviceOptions{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer dev.Close()

	if err := dev.Properties().SetInt(ctx, "exposure", 500); err != nil {
		t.Fatalf("SetInt failed: %v", err)
	}
	err = dev.Properties().SetInt(ctx, "exposure", 5000)
	if !errors.Is(err, camera.ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}

	var sets []sdktrace.ReadOnlySpan
	for _, s := range recorder.Ended() {
		if s.Name() == "camera.Property.Set" {
			sets = append(sets, s)
		}
	}
	if len(sets) != 2 {
		t.Fatalf("expected 2 Set spans, got %d", len(sets))
	}
	if sets[0].Status().Code == codes.Error {
		t.Errorf("successful Set should not be marked as error")
	}
	if sets[1].Status().Code != codes.Error {
		t.Errorf("rejected Set should be marked as error, got %v", sets[1].Status())
	}
}
