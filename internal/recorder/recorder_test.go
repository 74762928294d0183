package recorder

import (
	"bytes"
	"context"
	"image/jpeg"
	"image/png"
	"testing"
	"time"

	"labcamera/internal/camera"
	"labcamera/internal/sdk"
)

func grayFrame(seq uint64) camera.Frame {
	return camera.Frame{
		Data:      bytes.Repeat([]byte{0x80}, 4*3),
		Width:     4,
		Height:    3,
		Format:    sdk.FormatY800,
		Sequence:  seq,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestEncode(t *testing.T) {
	testCases := []struct {
		name   string
		format string
		decode func(b []byte) error
	}{
		{
			name:   "PNG",
			format: FormatPNG,
			decode: func(b []byte) error { _, err := png.Decode(bytes.NewReader(b)); return err },
		},
		{
			name:   "JPEG",
			format: FormatJPEG,
			decode: func(b []byte) error { _, err := jpeg.Decode(bytes.NewReader(b)); return err },
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := Encode(&buf, grayFrame(1), tc.format, 80); err != nil {
				t.Fatalf("エンコードに失敗しました: %v", err)
			}
			if err := tc.decode(buf.Bytes()); err != nil {
				t.Errorf("デコードに失敗しました: %v", err)
			}
		})
	}

	if err := Encode(&bytes.Buffer{}, grayFrame(1), "gif", 0); err == nil {
		t.Error("未対応フォーマットでエラーが期待されました")
	}
}

func TestRecorder_WriteLatest(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Interval: time.Hour, OutputDir: dir, Format: FormatPNG}, nil)

	// フレームがなければ何もしない
	path, err := r.WriteLatest()
	if err != nil || path != "" {
		t.Fatalf("フレームなしで書き込まれました: %q %v", path, err)
	}

	r.Consume(grayFrame(1))
	r.Consume(grayFrame(2))

	path, err = r.WriteLatest()
	if err != nil {
		t.Fatalf("書き込みに失敗しました: %v", err)
	}
	if path == "" {
		t.Fatal("パスが返されませんでした")
	}

	// 同じフレームは二度書かない
	again, err := r.WriteLatest()
	if err != nil || again != "" {
		t.Errorf("同じフレームが再度書き込まれました: %q %v", again, err)
	}

	status := r.Status()
	if status.Written != 1 || status.LastSequence != 2 {
		t.Errorf("状態が不正です: %+v", status)
	}

	images, err := r.Images()
	if err != nil {
		t.Fatalf("一覧の取得に失敗しました: %v", err)
	}
	if len(images) != 1 || images[0].Path != path {
		t.Errorf("一覧が不正です: %+v", images)
	}
}

func TestRecorder_StartStop(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	r := New(Config{Interval: 10 * time.Millisecond, OutputDir: dir, Format: FormatJPEG, Quality: 70}, nil)

	if err := r.Start(ctx); err != nil {
		t.Fatalf("開始に失敗しました: %v", err)
	}

	for seq := uint64(1); seq <= 3; seq++ {
		r.Consume(grayFrame(seq))
		time.Sleep(30 * time.Millisecond)
	}

	if err := r.Stop(ctx); err != nil {
		t.Fatalf("停止に失敗しました: %v", err)
	}
	// 二重停止は安全
	if err := r.Stop(ctx); err != nil {
		t.Errorf("二重停止でエラーが発生しました: %v", err)
	}

	images, err := r.Images()
	if err != nil {
		t.Fatalf("一覧の取得に失敗しました: %v", err)
	}
	if len(images) == 0 {
		t.Error("静止画が保存されていません")
	}
	if r.Status().Running {
		t.Error("停止後も実行中になっています")
	}
}

func TestRecorder_StartRequiresInterval(t *testing.T) {
	r := New(Config{OutputDir: t.TempDir()}, nil)
	if err := r.Start(context.Background()); err == nil {
		t.Error("保存間隔なしでエラーが期待されました")
	}
}
