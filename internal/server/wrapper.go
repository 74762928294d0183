package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/oapi-codegen/runtime"
)

// GetFrameParams は getFrame のクエリパラメータ
type GetFrameParams struct {
	Format *string `form:"format" json:"format,omitempty"`
}

// ServerInterface はAPI定義の各オペレーションに対応するハンドラー
type ServerInterface interface {
	HealthCheck(c *gin.Context)
	GetStatus(c *gin.Context)
	GetOpenAPI(c *gin.Context)
	ListDevices(c *gin.Context)
	ListSessions(c *gin.Context)
	CreateSession(c *gin.Context)
	GetSession(c *gin.Context, sessionID string)
	DeleteSession(c *gin.Context, sessionID string)
	ListProperties(c *gin.Context, sessionID string)
	GetProperty(c *gin.Context, sessionID string, name string)
	SetProperty(c *gin.Context, sessionID string, name string)
	PushProperty(c *gin.Context, sessionID string, name string)
	StartStream(c *gin.Context, sessionID string)
	StopStream(c *gin.Context, sessionID string)
	GetStreamStats(c *gin.Context, sessionID string)
	StreamEvents(c *gin.Context, sessionID string)
	GetFrame(c *gin.Context, sessionID string, params GetFrameParams)
	ListRecordings(c *gin.Context, sessionID string)
	SavePreset(c *gin.Context, sessionID string, preset string)
	ApplyPreset(c *gin.Context, sessionID string, preset string)
	ListPresets(c *gin.Context)
	DeletePreset(c *gin.Context, preset string)
}

// ServerInterfaceWrapper はパスとクエリのパラメータを束縛してハンドラーを呼ぶ
type ServerInterfaceWrapper struct {
	Handler      ServerInterface
	ErrorHandler func(*gin.Context, error, int)
}

// bindPath は simple 形式のパスパラメータを束縛する
func (w *ServerInterfaceWrapper) bindPath(c *gin.Context, name string, dest *string) bool {
	err := runtime.BindStyledParameterWithOptions("simple", name, c.Param(name), dest,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		w.ErrorHandler(c, fmt.Errorf("パラメータ %s の形式が不正です: %w", name, err), http.StatusBadRequest)
		return false
	}
	return true
}

func (w *ServerInterfaceWrapper) withSession(fn func(c *gin.Context, sessionID string)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var sessionID string
		if !w.bindPath(c, "sessionId", &sessionID) {
			return
		}
		fn(c, sessionID)
	}
}

func (w *ServerInterfaceWrapper) withSessionAnd(param string, fn func(c *gin.Context, sessionID, value string)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var sessionID, value string
		if !w.bindPath(c, "sessionId", &sessionID) || !w.bindPath(c, param, &value) {
			return
		}
		fn(c, sessionID, value)
	}
}

// GetFrame はクエリパラメータを束縛する
func (w *ServerInterfaceWrapper) GetFrame(c *gin.Context) {
	var sessionID string
	if !w.bindPath(c, "sessionId", &sessionID) {
		return
	}

	var params GetFrameParams
	if err := runtime.BindQueryParameter("form", true, false, "format", c.Request.URL.Query(), &params.Format); err != nil {
		w.ErrorHandler(c, fmt.Errorf("パラメータ format の形式が不正です: %w", err), http.StatusBadRequest)
		return
	}

	w.Handler.GetFrame(c, sessionID, params)
}

// DeletePreset はパスパラメータを束縛する
func (w *ServerInterfaceWrapper) DeletePreset(c *gin.Context) {
	var preset string
	if !w.bindPath(c, "preset", &preset) {
		return
	}
	w.Handler.DeletePreset(c, preset)
}

// RegisterHandlers はハンドラーをルーターに登録する
func RegisterHandlers(router gin.IRouter, si ServerInterface, errorHandler func(*gin.Context, error, int)) {
	w := &ServerInterfaceWrapper{Handler: si, ErrorHandler: errorHandler}

	router.GET("/health", si.HealthCheck)
	router.GET("/api/status", si.GetStatus)
	router.GET("/api/openapi.yaml", si.GetOpenAPI)
	router.GET("/api/devices", si.ListDevices)

	router.GET("/api/sessions", si.ListSessions)
	router.POST("/api/sessions", si.CreateSession)
	router.GET("/api/sessions/:sessionId", w.withSession(si.GetSession))
	router.DELETE("/api/sessions/:sessionId", w.withSession(si.DeleteSession))

	router.GET("/api/sessions/:sessionId/properties", w.withSession(si.ListProperties))
	router.GET("/api/sessions/:sessionId/properties/:name", w.withSessionAnd("name", si.GetProperty))
	router.PUT("/api/sessions/:sessionId/properties/:name", w.withSessionAnd("name", si.SetProperty))
	router.POST("/api/sessions/:sessionId/properties/:name/push", w.withSessionAnd("name", si.PushProperty))

	router.POST("/api/sessions/:sessionId/stream/start", w.withSession(si.StartStream))
	router.POST("/api/sessions/:sessionId/stream/stop", w.withSession(si.StopStream))
	router.GET("/api/sessions/:sessionId/stream/stats", w.withSession(si.GetStreamStats))
	router.GET("/api/sessions/:sessionId/stream/events", w.withSession(si.StreamEvents))
	router.GET("/api/sessions/:sessionId/frame", w.GetFrame)
	router.GET("/api/sessions/:sessionId/recordings", w.withSession(si.ListRecordings))

	router.POST("/api/sessions/:sessionId/presets/:preset", w.withSessionAnd("preset", si.SavePreset))
	router.POST("/api/sessions/:sessionId/presets/:preset/apply", w.withSessionAnd("preset", si.ApplyPreset))
	router.GET("/api/presets", si.ListPresets)
	router.DELETE("/api/presets/:preset", w.DeletePreset)
}
