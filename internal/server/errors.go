package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"labcamera/internal/camera"
	"labcamera/internal/preset"
	"labcamera/internal/sdk"
)

// ErrorResponse はエラー時のレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Details   *string   `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// errPresetsDisabled はプリセットの保存先が設定されていないことを表す
var errPresetsDisabled = errors.New("プリセットの保存先が設定されていません")

// errNoFrame はまだフレームを受け取っていないことを表す
var errNoFrame = errors.New("フレームがまだありません")

// errorMapping はエラーとステータスコードの対応
var errorMapping = []struct {
	target error
	status int
	code   string
}{
	{camera.ErrNoSuchSession, http.StatusNotFound, "session_not_found"},
	{camera.ErrNoSuchProperty, http.StatusNotFound, "property_not_found"},
	{sdk.ErrNoSuchDevice, http.StatusNotFound, "device_not_found"},
	{preset.ErrNotFound, http.StatusNotFound, "preset_not_found"},
	{errNoFrame, http.StatusNotFound, "frame_not_available"},
	{camera.ErrDeviceClosed, http.StatusConflict, "device_closed"},
	{camera.ErrSinkRunning, http.StatusConflict, "stream_running"},
	{sdk.ErrDeviceBusy, http.StatusConflict, "device_busy"},
	{camera.ErrOutOfRange, http.StatusUnprocessableEntity, "out_of_range"},
	{camera.ErrNotWritable, http.StatusForbidden, "not_writable"},
	{camera.ErrTypeMismatch, http.StatusBadRequest, "type_mismatch"},
	{camera.ErrSDKCommunication, http.StatusBadGateway, "sdk_communication"},
	{errPresetsDisabled, http.StatusServiceUnavailable, "presets_disabled"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
}

// statusFor はエラーに対応するステータスコードとエラーコードを返す
func statusFor(err error) (int, string) {
	for _, m := range errorMapping {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

// abortWithError はエラーをJSONで返して処理を中断する
func abortWithError(c *gin.Context, err error) {
	status, code := statusFor(err)
	abortWithStatus(c, status, code, err)
}

// abortWithStatus はステータスコードを指定してエラーを返す
func abortWithStatus(c *gin.Context, status int, code string, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:     code,
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}

// badRequest はパラメータ束縛やリクエスト検証の失敗を返す
func badRequest(c *gin.Context, err error, status int) {
	abortWithStatus(c, status, "bad_request", err)
}
