package camera

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"time"

	"labcamera/internal/sdk"
)

// Frame はアダプターが所有するフレームのコピー
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Format    sdk.PixelFormat
	Sequence  uint64    // シンク開始ごとに1から振る連番。欠番は破棄を表す
	Timestamp time.Time // SDKが記録したキャプチャ時刻
}

// copyFrame はSDKバッファの内容をコピーする
func copyFrame(buf *sdk.Buffer, seq uint64) Frame {
	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)
	return Frame{
		Data:      data,
		Width:     buf.Width,
		Height:    buf.Height,
		Format:    buf.Format,
		Sequence:  seq,
		Timestamp: buf.Timestamp,
	}
}

// Image はフレームを image.Image に変換する
func (f Frame) Image() (image.Image, error) {
	bpp := f.Format.BytesPerPixel()
	if bpp == 0 {
		return nil, fmt.Errorf("未対応のピクセルフォーマット: %s", f.Format)
	}
	if need := f.Width * f.Height * bpp; len(f.Data) < need {
		return nil, fmt.Errorf("フレームデータが不足しています: %d < %d", len(f.Data), need)
	}

	rect := image.Rect(0, 0, f.Width, f.Height)
	switch f.Format {
	case sdk.FormatY800:
		img := image.NewGray(rect)
		copy(img.Pix, f.Data)
		return img, nil

	case sdk.FormatY16:
		// image.Gray16 はビッグエンディアン
		img := image.NewGray16(rect)
		for i := 0; i < f.Width*f.Height; i++ {
			v := binary.LittleEndian.Uint16(f.Data[i*2:])
			img.Pix[i*2] = byte(v >> 8)
			img.Pix[i*2+1] = byte(v)
		}
		return img, nil

	case sdk.FormatRGB24, sdk.FormatBGR24:
		img := image.NewRGBA(rect)
		for i := 0; i < f.Width*f.Height; i++ {
			px := f.Data[i*3 : i*3+3]
			c := color.RGBA{R: px[0], G: px[1], B: px[2], A: 0xff}
			if f.Format == sdk.FormatBGR24 {
				c.R, c.B = px[2], px[0]
			}
			img.Pix[i*4] = c.R
			img.Pix[i*4+1] = c.G
			img.Pix[i*4+2] = c.B
			img.Pix[i*4+3] = c.A
		}
		return img, nil
	}

	return nil, fmt.Errorf("未対応のピクセルフォーマット: %s", f.Format)
}
