package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gin-gonic/gin"

	"labcamera/internal/camera"
	"labcamera/internal/config"
	"labcamera/internal/preset"
	"labcamera/internal/sdk"
)

// Server はHTTPサーバーとカメラのセッションを管理する構造体
type Server struct {
	config     *config.Config
	manager    *camera.Manager
	presets    *preset.Store
	hubs       *hubRegistry
	logger     *slog.Logger
	doc        *openapi3.T
	engine     *gin.Engine
	httpServer *http.Server
}

// New は新しいServerインスタンスを作成する
//
// presets が nil の場合、プリセット関連のエンドポイントは 503 を返す。
func New(cfg *config.Config, driver sdk.Driver, presets *preset.Store, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	doc, err := loadOpenAPI()
	if err != nil {
		return nil, err
	}

	policy, err := camera.ParsePolicy(cfg.Sink.Policy)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:  cfg,
		presets: presets,
		hubs:    newHubRegistry(),
		logger:  logger,
		doc:     doc,
	}

	s.manager = camera.NewManager(driver, camera.ManagerOptions{
		ScanInterval: cfg.ScanInterval.Std(),
		Sink: camera.SinkOptions{
			Policy:         policy,
			QueueSize:      cfg.Sink.QueueSize,
			EnqueueTimeout: cfg.Sink.EnqueueTimeout.Std(),
			BufferCount:    cfg.Sink.BufferCount,
		},
		Logger:  logger,
		OnClose: s.sessionClosed,
	})

	if err := s.setupRoutes(); err != nil {
		return nil, err
	}

	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      s.engine,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}
	// SSE接続はクライアントが切るまで残るため、シャットダウン開始時に切断する
	s.httpServer.RegisterOnShutdown(s.disconnectStreams)

	return s, nil
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() error {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestTracer(), requestLogger(s.logger))

	validator, err := requestValidator(s.doc, badRequest)
	if err != nil {
		return err
	}
	engine.Use(validator)

	RegisterHandlers(engine, &LabcameraHandler{
		config:  s.config,
		manager: s.manager,
		presets: s.presets,
		hubs:    s.hubs,
		logger:  s.logger,
	}, badRequest)

	s.engine = engine
	return nil
}

// Handler はルーティング済みのハンドラーを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Manager はセッションマネージャーを返す
func (s *Server) Manager() *camera.Manager {
	return s.manager
}

// sessionClosed はセッションのクローズ後にマネージャーから呼ばれる
func (s *Server) sessionClosed(sess *camera.Session) {
	hub, ok := s.hubs.remove(sess.ID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()
	if err := hub.close(ctx); err != nil {
		s.logger.Warn("レコーダーの停止に失敗しました", "session", sess.ID, "error", err)
	}
}

// disconnectStreams は全セッションのSSE購読者を切断する
func (s *Server) disconnectStreams() {
	for _, hub := range s.hubs.all() {
		hub.disconnect()
	}
}

func (s *Server) shutdownTimeout() time.Duration {
	if d := s.config.Server.ShutdownTimeout.Std(); d > 0 {
		return d
	}
	return 5 * time.Second
}

// Start はサーバーを起動する
func (s *Server) Start(ctx context.Context) error {
	if err := s.manager.Start(ctx); err != nil {
		return fmt.Errorf("セッションマネージャーの開始に失敗: %w", err)
	}

	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", "address", s.config.ServerAddress())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.logger.Info("シグナルを受信しました", "signal", sig.String())
	case err := <-shutdownCh:
		return errors.Join(err, s.manager.Stop(context.Background()))
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンし、全セッションを閉じる
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています")

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("サーバーのシャットダウンに失敗: %w", err))
	}
	if err := s.manager.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("セッションのクローズに失敗: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}
