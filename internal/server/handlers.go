package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"labcamera/internal/camera"
	"labcamera/internal/config"
	"labcamera/internal/preset"
	"labcamera/internal/recorder"
)

// LabcameraHandler は ServerInterface を実装する
type LabcameraHandler struct {
	config  *config.Config
	manager *camera.Manager
	presets *preset.Store
	hubs    *hubRegistry
	logger  *slog.Logger
}

// HealthResponse はヘルスチェックのレスポンス
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerInfo はリッスン中のアドレス
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StatusResponse はシステム状態のレスポンス
type StatusResponse struct {
	Status    string     `json:"status"`
	Server    ServerInfo `json:"server"`
	Driver    string     `json:"driver"`
	Sessions  int        `json:"sessions"`
	Streaming int        `json:"streaming"`
	Timestamp time.Time  `json:"timestamp"`
}

// DeviceInfo はデバイス情報
type DeviceInfo struct {
	ID     string `json:"id"`
	Model  string `json:"model,omitempty"`
	Vendor string `json:"vendor,omitempty"`
}

// CreateSessionRequest はセッション作成のリクエスト
type CreateSessionRequest struct {
	DeviceID  string `json:"device_id" binding:"required"`
	Policy    string `json:"policy" binding:"omitempty,oneof=drop_newest drop_oldest bounded_queue"`
	QueueSize int    `json:"queue_size" binding:"min=0"`
}

// SessionResponse はセッション情報
type SessionResponse struct {
	ID        uuid.UUID  `json:"id"`
	Device    DeviceInfo `json:"device"`
	OpenedAt  time.Time  `json:"opened_at"`
	Policy    string     `json:"policy"`
	QueueSize int        `json:"queue_size"`
	Streaming bool       `json:"streaming"`
}

// StreamStatsResponse はシンクとレコーダーの統計
type StreamStatsResponse struct {
	camera.SinkStats
	Warning  string           `json:"warning,omitempty"`
	Recorder *recorder.Status `json:"recorder,omitempty"`
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *LabcameraHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *LabcameraHandler) GetStatus(c *gin.Context) {
	sessions := h.manager.Sessions()
	streaming := 0
	for _, s := range sessions {
		if s.Device.Sink().Running() {
			streaming++
		}
	}

	c.JSON(http.StatusOK, StatusResponse{
		Status: "running",
		Server: ServerInfo{
			Host: h.config.Server.Host,
			Port: h.config.Server.Port,
		},
		Driver:    h.manager.Driver().Name(),
		Sessions:  len(sessions),
		Streaming: streaming,
		Timestamp: time.Now(),
	})
}

// GetOpenAPI はAPI定義を返す
func (h *LabcameraHandler) GetOpenAPI(c *gin.Context) {
	c.Data(http.StatusOK, "application/yaml", openAPISpec)
}

// ListDevices はデバイス一覧取得エンドポイントの実装
func (h *LabcameraHandler) ListDevices(c *gin.Context) {
	devices, err := h.manager.Devices(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}

	result := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		result = append(result, DeviceInfo{ID: d.ID, Model: d.Model, Vendor: d.Vendor})
	}
	c.JSON(http.StatusOK, gin.H{"devices": result})
}

// ListSessions はセッション一覧取得エンドポイントの実装
func (h *LabcameraHandler) ListSessions(c *gin.Context) {
	sessions := h.manager.Sessions()
	result := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		result = append(result, sessionResponse(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": result})
}

// CreateSession はデバイスをオープンしてセッションを作成する
func (h *LabcameraHandler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err, http.StatusBadRequest)
		return
	}

	policy, err := camera.ParsePolicy(req.Policy)
	if err != nil {
		badRequest(c, err, http.StatusBadRequest)
		return
	}

	hub := newFrameHub(nil)
	sess, err := h.manager.Open(c.Request.Context(), req.DeviceID, camera.SinkOptions{
		Policy:    policy,
		QueueSize: req.QueueSize,
		OnEnd:     hub.endOfStream,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	if rc := h.config.Recorder; rc.Enabled {
		hub.setRecorder(recorder.New(recorder.Config{
			Interval:  rc.Interval.Std(),
			OutputDir: filepath.Join(rc.OutputDir, sess.ID.String()),
			Format:    rc.Format,
			Quality:   rc.Quality,
		}, h.logger.With("session", sess.ID.String())))
	}
	h.hubs.add(sess.ID, hub)

	h.logger.Info("セッションを作成しました", "session", sess.ID, "device", sess.DeviceID, "policy", policy)
	c.JSON(http.StatusCreated, sessionResponse(sess))
}

// GetSession はセッション情報を返す
func (h *LabcameraHandler) GetSession(c *gin.Context, sessionID string) {
	sess, _, ok := h.session(c, sessionID)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sessionResponse(sess))
}

// DeleteSession はセッションを閉じる
func (h *LabcameraHandler) DeleteSession(c *gin.Context, sessionID string) {
	id, ok := parseSessionID(c, sessionID)
	if !ok {
		return
	}
	if err := h.manager.Close(c.Request.Context(), id); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListProperties はプロパティ一覧を返す
func (h *LabcameraHandler) ListProperties(c *gin.Context, sessionID string) {
	sess, _, ok := h.session(c, sessionID)
	if !ok {
		return
	}
	descs, err := sess.Device.Properties().List(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"properties": descs})
}

// GetProperty はプロパティの記述と現在値を返す
func (h *LabcameraHandler) GetProperty(c *gin.Context, sessionID string, name string) {
	sess, _, ok := h.session(c, sessionID)
	if !ok {
		return
	}
	desc, err := sess.Device.Properties().Describe(c.Request.Context(), name)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, desc)
}

// SetProperty は {"value": ...} をプロパティの型に変換して設定する
func (h *LabcameraHandler) SetProperty(c *gin.Context, sessionID string, name string) {
	sess, _, ok := h.session(c, sessionID)
	if !ok {
		return
	}

	// 大きな整数を失わないよう json.Number で受ける
	var body struct {
		Value any `json:"value"`
	}
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		badRequest(c, fmt.Errorf("リクエストボディの解析に失敗: %w", err), http.StatusBadRequest)
		return
	}
	if body.Value == nil {
		badRequest(c, errors.New("value が指定されていません"), http.StatusBadRequest)
		return
	}

	ctx := c.Request.Context()
	props := sess.Device.Properties()
	desc, err := props.Describe(ctx, name)
	if err != nil {
		abortWithError(c, err)
		return
	}
	v, err := camera.ValueFromAny(desc.Type, body.Value)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := props.Set(ctx, name, v); err != nil {
		abortWithError(c, err)
		return
	}

	desc, err = props.Describe(ctx, name)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, desc)
}

// PushProperty はボタンプロパティを押す
func (h *LabcameraHandler) PushProperty(c *gin.Context, sessionID string, name string) {
	sess, _, ok := h.session(c, sessionID)
	if !ok {
		return
	}
	if err := sess.Device.Properties().Push(c.Request.Context(), name); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// StartStream はフレームシンクを開始する
func (h *LabcameraHandler) StartStream(c *gin.Context, sessionID string) {
	sess, hub, ok := h.session(c, sessionID)
	if !ok {
		return
	}

	sink := sess.Device.Sink()
	if err := sink.Start(c.Request.Context(), hub.consume); err != nil {
		abortWithError(c, err)
		return
	}

	if rec := hub.Recorder(); rec != nil {
		// レコーダーはリクエストより長く動く
		if err := rec.Start(context.Background()); err != nil {
			h.logger.Warn("レコーダーの開始に失敗しました", "session", sess.ID, "error", err)
		}
	}

	c.JSON(http.StatusOK, streamStats(sink, hub))
}

// StopStream はフレームシンクを停止する
//
// オーバーランは停止自体の失敗ではないため、統計に warning として含める。
func (h *LabcameraHandler) StopStream(c *gin.Context, sessionID string) {
	sess, hub, ok := h.session(c, sessionID)
	if !ok {
		return
	}

	sink := sess.Device.Sink()
	stopErr := sink.Stop()

	if rec := hub.Recorder(); rec != nil {
		if err := rec.Stop(c.Request.Context()); err != nil {
			h.logger.Warn("レコーダーの停止に失敗しました", "session", sess.ID, "error", err)
		}
	}

	resp := streamStats(sink, hub)
	if stopErr != nil {
		if !errors.Is(stopErr, camera.ErrCallbackOverrun) {
			abortWithError(c, stopErr)
			return
		}
		resp.Warning = stopErr.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// GetStreamStats はシンクの統計を返す
func (h *LabcameraHandler) GetStreamStats(c *gin.Context, sessionID string) {
	sess, hub, ok := h.session(c, sessionID)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, streamStats(sess.Device.Sink(), hub))
}

// StreamEvents はフレームのメタデータを Server-Sent Events で配信する
func (h *LabcameraHandler) StreamEvents(c *gin.Context, sessionID string) {
	sess, hub, ok := h.session(c, sessionID)
	if !ok {
		return
	}

	events, cancel := hub.subscribe()
	defer cancel()

	// レスポンスヘッダーを設定
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	c.SSEvent("subscribed", gin.H{"session_id": sess.ID})
	c.Writer.Flush()

	// クライアント切断を検知するためのコンテキスト
	clientGone := c.Request.Context().Done()

	for {
		select {
		case <-clientGone:
			return
		case ev, ok := <-events:
			if !ok {
				// セッションが閉じられた
				return
			}
			c.SSEvent(ev.name, ev.data)
			c.Writer.Flush()
		}
	}
}

// GetFrame は最新フレームを画像として返す
func (h *LabcameraHandler) GetFrame(c *gin.Context, sessionID string, params GetFrameParams) {
	_, hub, ok := h.session(c, sessionID)
	if !ok {
		return
	}

	frame, ok := hub.Latest()
	if !ok {
		abortWithError(c, errNoFrame)
		return
	}

	format := h.config.Recorder.Format
	if params.Format != nil {
		format = *params.Format
	}
	if format != recorder.FormatPNG && format != recorder.FormatJPEG {
		badRequest(c, fmt.Errorf("未対応の画像フォーマット: %s", format), http.StatusBadRequest)
		return
	}

	var buf bytes.Buffer
	if err := recorder.Encode(&buf, frame, format, h.config.Recorder.Quality); err != nil {
		abortWithError(c, err)
		return
	}

	c.Header("X-Frame-Sequence", strconv.FormatUint(frame.Sequence, 10))
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, recorder.ContentType(format), buf.Bytes())
}

// ListRecordings はレコーダーが保存した静止画を返す
func (h *LabcameraHandler) ListRecordings(c *gin.Context, sessionID string) {
	_, hub, ok := h.session(c, sessionID)
	if !ok {
		return
	}

	images := []recorder.Image{}
	if rec := hub.Recorder(); rec != nil {
		list, err := rec.Images()
		if err != nil {
			abortWithError(c, err)
			return
		}
		images = append(images, list...)
	}
	c.JSON(http.StatusOK, gin.H{"recordings": images})
}

// SavePreset は書き込み可能なプロパティの現在値をプリセットとして保存する
func (h *LabcameraHandler) SavePreset(c *gin.Context, sessionID string, name string) {
	sess, _, ok := h.session(c, sessionID)
	if !ok {
		return
	}
	if h.presets == nil {
		abortWithError(c, errPresetsDisabled)
		return
	}

	ctx := c.Request.Context()
	p, err := preset.Capture(ctx, sess.Device.Properties(), name, sess.Device.Info().Model)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := h.presets.Save(ctx, p); err != nil {
		abortWithError(c, err)
		return
	}
	saved, err := h.presets.Get(ctx, name)
	if err != nil {
		abortWithError(c, err)
		return
	}

	h.logger.Info("プリセットを保存しました", "session", sess.ID, "preset", name, "values", len(saved.Values))
	c.JSON(http.StatusCreated, saved)
}

// ApplyPreset はプリセットの値をセッションのデバイスに設定する
func (h *LabcameraHandler) ApplyPreset(c *gin.Context, sessionID string, name string) {
	sess, _, ok := h.session(c, sessionID)
	if !ok {
		return
	}
	if h.presets == nil {
		abortWithError(c, errPresetsDisabled)
		return
	}

	ctx := c.Request.Context()
	p, err := h.presets.Get(ctx, name)
	if err != nil {
		abortWithError(c, err)
		return
	}

	props := sess.Device.Properties()
	if err := preset.Apply(ctx, props, p); err != nil {
		abortWithError(c, err)
		return
	}

	descs, err := props.List(ctx)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"properties": descs})
}

// ListPresets はプリセット一覧を返す
func (h *LabcameraHandler) ListPresets(c *gin.Context) {
	if h.presets == nil {
		abortWithError(c, errPresetsDisabled)
		return
	}
	list, err := h.presets.List(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	if list == nil {
		list = []preset.Preset{}
	}
	c.JSON(http.StatusOK, gin.H{"presets": list})
}

// DeletePreset はプリセットを削除する
func (h *LabcameraHandler) DeletePreset(c *gin.Context, name string) {
	if h.presets == nil {
		abortWithError(c, errPresetsDisabled)
		return
	}
	if err := h.presets.Delete(c.Request.Context(), name); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ヘルパー関数

// session はパスのセッションIDからセッションとハブを取得する。見つからなければレスポンスを書いて false を返す
func (h *LabcameraHandler) session(c *gin.Context, sessionID string) (*camera.Session, *frameHub, bool) {
	id, ok := parseSessionID(c, sessionID)
	if !ok {
		return nil, nil, false
	}

	sess, found := h.manager.Session(id)
	if !found {
		abortWithError(c, fmt.Errorf("%w: %s", camera.ErrNoSuchSession, id))
		return nil, nil, false
	}
	hub, found := h.hubs.get(id)
	if !found {
		abortWithError(c, fmt.Errorf("%w: %s", camera.ErrNoSuchSession, id))
		return nil, nil, false
	}
	return sess, hub, true
}

// parseSessionID はセッションIDを解析する
func parseSessionID(c *gin.Context, sessionID string) (uuid.UUID, bool) {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		badRequest(c, fmt.Errorf("セッションIDの形式が不正です: %w", err), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// sessionResponse はセッションをレスポンスに変換する
func sessionResponse(s *camera.Session) SessionResponse {
	info := s.Device.Info()
	sink := s.Device.Sink()
	opts := sink.Options()
	return SessionResponse{
		ID:        s.ID,
		Device:    DeviceInfo{ID: info.ID, Model: info.Model, Vendor: info.Vendor},
		OpenedAt:  s.OpenedAt,
		Policy:    string(opts.Policy),
		QueueSize: opts.QueueSize,
		Streaming: sink.Running(),
	}
}

// streamStats はシンクとレコーダーの統計をまとめる
func streamStats(sink *camera.SinkAdapter, hub *frameHub) StreamStatsResponse {
	resp := StreamStatsResponse{SinkStats: sink.Stats()}
	if rec := hub.Recorder(); rec != nil {
		status := rec.Status()
		resp.Recorder = &status
	}
	return resp
}
