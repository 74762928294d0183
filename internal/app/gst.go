//go:build gst

package app

// GStreamerドライバーを登録する
import _ "labcamera/internal/sdk/gstreamer"
