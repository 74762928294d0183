package recorder

import (
	"fmt"
	"image/jpeg"
	"image/png"
	"io"

	"labcamera/internal/camera"
)

// 出力フォーマット
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
)

// Encode はフレームを画像としてエンコードする
func Encode(w io.Writer, f camera.Frame, format string, quality int) error {
	img, err := f.Image()
	if err != nil {
		return fmt.Errorf("フレームの変換に失敗: %w", err)
	}

	switch format {
	case FormatPNG:
		return png.Encode(w, img)
	case FormatJPEG, "jpg", "":
		if quality <= 0 || quality > 100 {
			quality = jpeg.DefaultQuality
		}
		return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	default:
		return fmt.Errorf("未対応の出力フォーマット: %s", format)
	}
}

// Extension はフォーマットに対応する拡張子を返す
func Extension(format string) string {
	if format == FormatPNG {
		return ".png"
	}
	return ".jpg"
}

// ContentType はフォーマットに対応するMIMEタイプを返す
func ContentType(format string) string {
	if format == FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}
