package camera

import (
	"context"
	"errors"
	"math"
	"testing"

	"labcamera/internal/sdk"
	"labcamera/internal/sdk/simulated"
)

func openSimulated(t *testing.T, opts ...simulated.Option) (*Device, *simulated.Driver) {
	t.Helper()
	driver := simulated.New(opts...)
	dev, err := Open(context.Background(), driver, simulated.DefaultDevice.ID, DeviceOptions{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })
	return dev, driver
}

func TestPropertyBridge_ExposureScenario(t *testing.T) {
	ctx := context.Background()
	dev, _ := openSimulated(t)
	props := dev.Properties()

	// 範囲内の値は書き込める
	if err := props.SetInt(ctx, "exposure", 500); err != nil {
		t.Fatalf("SetInt(500) failed: %v", err)
	}

	got, err := props.GetInt(ctx, "exposure")
	if err != nil {
		t.Fatalf("GetInt failed: %v", err)
	}
	if got != 500 {
		t.Errorf("Expected exposure 500, got %d", got)
	}

	// 範囲外は拒否され、値は変わらない
	err = props.SetInt(ctx, "exposure", 5000)
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Expected ErrOutOfRange, got %v", err)
	}

	var perr *PropertyError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected *PropertyError, got %T", err)
	}
	if perr.Op != "set" || perr.Name != "exposure" {
		t.Errorf("Unexpected PropertyError fields: op=%s name=%s", perr.Op, perr.Name)
	}

	got, err = props.GetInt(ctx, "exposure")
	if err != nil {
		t.Fatalf("GetInt failed: %v", err)
	}
	if got != 500 {
		t.Errorf("Expected exposure to stay 500, got %d", got)
	}
}

func TestPropertyBridge_SetValidation(t *testing.T) {
	tests := []struct {
		name      string
		property  string
		value     Value
		wantErr   error
		wantWrite bool
	}{
		{name: "整数の範囲内", property: "exposure", value: IntValue(1000), wantWrite: true},
		{name: "整数の下限未満", property: "exposure", value: IntValue(0), wantErr: ErrOutOfRange},
		{name: "小数部のない実数は整数として受け付ける", property: "exposure", value: FloatValue(250), wantWrite: true},
		{name: "小数部のある実数は整数に設定できない", property: "exposure", value: FloatValue(2.5), wantErr: ErrTypeMismatch},
		{name: "刻みに合う値", property: "binning", value: IntValue(5), wantWrite: true},
		{name: "刻みに合わない値", property: "binning", value: IntValue(4), wantErr: ErrOutOfRange},
		{name: "実数の範囲内", property: "gain", value: FloatValue(12.5), wantWrite: true},
		{name: "整数は実数として受け付ける", property: "gain", value: IntValue(48), wantWrite: true},
		{name: "実数の上限超過", property: "gain", value: FloatValue(48.1), wantErr: ErrOutOfRange},
		{name: "真偽値", property: "auto", value: BoolValue(true), wantWrite: true},
		{name: "真偽値に整数", property: "auto", value: IntValue(1), wantErr: ErrTypeMismatch},
		{name: "選択肢にある値", property: "trigger", value: StringValue("On"), wantWrite: true},
		{name: "選択肢にない値", property: "trigger", value: EnumValue("Maybe"), wantErr: ErrOutOfRange},
		{name: "書き込み可能な文字列", property: "user_text", value: StringValue("hello"), wantWrite: true},
		{name: "読み取り専用の整数", property: "width", value: IntValue(640), wantErr: ErrNotWritable},
		{name: "読み取り専用の文字列", property: "serial", value: StringValue("X"), wantErr: ErrNotWritable},
		{name: "ボタンに値は設定できない", property: "one_shot", value: BoolValue(true), wantErr: ErrTypeMismatch},
		{name: "存在しないプロパティ", property: "nope", value: IntValue(1), wantErr: ErrNoSuchProperty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev, h, err := openFake(SinkOptions{})
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			defer dev.Close()

			err = dev.Properties().Set(context.Background(), tt.property, tt.value)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected %v, got %v", tt.wantErr, err)
			}

			writes := h.writeCount()
			if tt.wantWrite && writes != 1 {
				t.Errorf("Expected exactly 1 native write, got %d", writes)
			}
			if !tt.wantWrite && writes != 0 {
				t.Errorf("Expected no native write, got %d", writes)
			}
		})
	}
}

func TestPropertyBridge_NativeFailure(t *testing.T) {
	dev, h, err := openFake(SinkOptions{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer dev.Close()

	h.setErr = sdk.ErrTimeout

	err = dev.Properties().SetInt(context.Background(), "exposure", 10)
	if !errors.Is(err, ErrSDKCommunication) {
		t.Fatalf("Expected ErrSDKCommunication, got %v", err)
	}
	if !errors.Is(err, sdk.ErrTimeout) {
		t.Errorf("Expected underlying sdk.ErrTimeout to be preserved, got %v", err)
	}

	// 再試行しない
	if writes := h.writeCount(); writes != 1 {
		t.Errorf("Expected exactly 1 native write attempt, got %d", writes)
	}
}

func TestPropertyBridge_SetBeyondInt64(t *testing.T) {
	dev, h, err := openFake(SinkOptions{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer dev.Close()

	h.props["offset"] = sdk.PropertyInfo{Name: "offset", Kind: sdk.KindRange, RangeMin: math.MinInt64, RangeMax: 0, Step: 1, Ranged: -1}

	for _, v := range []float64{1e19, -1e19, 9223372036854775808.0} {
		err := dev.Properties().Set(context.Background(), "offset", FloatValue(v))
		if !errors.Is(err, ErrOutOfRange) {
			t.Errorf("Set(%g): expected ErrOutOfRange, got %v", v, err)
		}
	}

	if writes := h.writeCount(); writes != 0 {
		t.Errorf("Expected no native write, got %d", writes)
	}
	got, err := dev.Properties().GetInt(context.Background(), "offset")
	if err != nil {
		t.Fatalf("GetInt failed: %v", err)
	}
	if got != -1 {
		t.Errorf("Expected offset to stay -1, got %d", got)
	}

	// -2^63 はちょうど表せる
	if err := dev.Properties().Set(context.Background(), "offset", FloatValue(-9223372036854775808.0)); err != nil {
		t.Errorf("Set(-2^63) failed: %v", err)
	}
}

func TestPropertyBridge_FaultInjection(t *testing.T) {
	fail := false
	dev, _ := openSimulated(t, simulated.WithFault(func(op, name string) error {
		if fail && op == "property" {
			return sdk.ErrTimeout
		}
		return nil
	}))

	fail = true
	_, err := dev.Properties().Get(context.Background(), "gain")
	if !errors.Is(err, ErrSDKCommunication) {
		t.Fatalf("Expected ErrSDKCommunication, got %v", err)
	}
	fail = false
}

func TestPropertyBridge_ClosedDevice(t *testing.T) {
	ctx := context.Background()
	dev, h, err := openFake(SinkOptions{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	props := dev.Properties()
	checks := map[string]error{}
	_, checks["get"] = props.Get(ctx, "exposure")
	checks["set"] = props.SetInt(ctx, "exposure", 10)
	_, checks["list"] = props.List(ctx)
	_, checks["describe"] = props.Describe(ctx, "exposure")
	checks["push"] = props.Push(ctx, "one_shot")

	for op, err := range checks {
		if !errors.Is(err, ErrDeviceClosed) {
			t.Errorf("%s: expected ErrDeviceClosed, got %v", op, err)
		}
	}
	if writes := h.writeCount(); writes != 0 {
		t.Errorf("Expected no native write after close, got %d", writes)
	}
}

func TestPropertyBridge_List(t *testing.T) {
	dev, _ := openSimulated(t)

	descs, err := dev.Properties().List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	byName := make(map[string]Descriptor, len(descs))
	for _, d := range descs {
		byName[d.Name] = d
	}

	exposure, ok := byName["exposure"]
	if !ok {
		t.Fatal("exposure not listed")
	}
	if exposure.Type != TypeInt || exposure.IntRange == nil {
		t.Fatalf("Unexpected exposure descriptor: %+v", exposure)
	}
	if exposure.IntRange.Min != 1 || exposure.IntRange.Max != 1000 {
		t.Errorf("Expected exposure range [1,1000], got [%d,%d]", exposure.IntRange.Min, exposure.IntRange.Max)
	}

	if d := byName["pixel_format"]; d.Type != TypeEnum || len(d.Options) != 4 {
		t.Errorf("Unexpected pixel_format descriptor: %+v", d)
	}
	if d := byName["software_trigger"]; d.Type != TypeButton || d.Writable() {
		t.Errorf("Unexpected software_trigger descriptor: %+v", d)
	}
	if d := byName["serial_number"]; !d.ReadOnly || d.Value.Str != simulated.DefaultDevice.ID {
		t.Errorf("Unexpected serial_number descriptor: %+v", d)
	}
}

func TestPropertyBridge_TypedGetters(t *testing.T) {
	ctx := context.Background()
	dev, _ := openSimulated(t)
	props := dev.Properties()

	if err := props.SetFloat(ctx, "gain", 6); err != nil {
		t.Fatalf("SetFloat failed: %v", err)
	}
	gain, err := props.GetFloat(ctx, "gain")
	if err != nil || gain != 6 {
		t.Errorf("GetFloat: expected 6, got %v (%v)", gain, err)
	}

	if err := props.SetBool(ctx, "exposure_auto", true); err != nil {
		t.Fatalf("SetBool failed: %v", err)
	}
	auto, err := props.GetBool(ctx, "exposure_auto")
	if err != nil || !auto {
		t.Errorf("GetBool: expected true, got %v (%v)", auto, err)
	}

	if err := props.SetString(ctx, "trigger_mode", "On"); err != nil {
		t.Fatalf("SetString failed: %v", err)
	}
	mode, err := props.GetString(ctx, "trigger_mode")
	if err != nil || mode != "On" {
		t.Errorf("GetString: expected On, got %q (%v)", mode, err)
	}

	// 型の合わない取得
	if _, err := props.GetBool(ctx, "exposure"); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("GetBool on integer: expected ErrTypeMismatch, got %v", err)
	}
	if _, err := props.Get(ctx, "software_trigger"); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Get on button: expected ErrTypeMismatch, got %v", err)
	}
}

func TestPropertyBridge_Push(t *testing.T) {
	ctx := context.Background()
	dev, h, err := openFake(SinkOptions{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer dev.Close()

	if err := dev.Properties().Push(ctx, "one_shot"); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if writes := h.writeCount(); writes != 1 {
		t.Errorf("Expected 1 native push, got %d", writes)
	}

	if err := dev.Properties().Push(ctx, "exposure"); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Push on integer: expected ErrTypeMismatch, got %v", err)
	}
}
