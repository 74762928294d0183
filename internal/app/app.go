// Package app は設定からサーバーを組み立てて起動する
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"labcamera/internal/config"
	"labcamera/internal/preset"
	"labcamera/internal/sdk"
	"labcamera/internal/sdk/simulated"
	"labcamera/internal/server"
	"labcamera/internal/telemetry"
)

// Run は設定に従ってサーバーを起動し、停止するまでブロックする
func Run(ctx context.Context, cfg *config.Config) error {
	logger := NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
	if err != nil {
		return fmt.Errorf("トレースの初期化に失敗: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("トレースの送信に失敗しました", "error", err)
		}
	}()

	driver, err := NewDriver(cfg.SDK)
	if err != nil {
		return err
	}

	var store *preset.Store
	if cfg.Preset.Path != "" {
		store, err = preset.Open(cfg.Preset.Path)
		if err != nil {
			return fmt.Errorf("プリセットストアのオープンに失敗: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn("プリセットストアのクローズに失敗しました", "error", err)
			}
		}()
	}

	srv, err := server.New(cfg, driver, store, logger)
	if err != nil {
		return fmt.Errorf("サーバーの作成に失敗: %w", err)
	}

	logger.Info("labcamera サーバーを起動します",
		"address", cfg.ServerAddress(),
		"driver", driver.Name(),
		"presets", cfg.Preset.Path != "",
		"recorder", cfg.Recorder.Enabled,
	)
	return srv.Start(ctx)
}

// NewLogger はログ設定から slog.Logger を作成する
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewDriver はSDK設定からドライバーを作成する
//
// 疑似SDKは設定のデバイス一覧を列挙する。それ以外は登録済みドライバーから作成する。
func NewDriver(cfg config.SDKConfig) (sdk.Driver, error) {
	if cfg.Driver != simulated.DriverName || len(cfg.Devices) == 0 {
		return sdk.NewDriver(cfg.Driver)
	}

	specs := make([]simulated.DeviceSpec, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		model := d.Model
		if model == "" {
			model = simulated.DefaultDevice.Model
		}
		specs = append(specs, simulated.DeviceSpec{
			ID:     d.ID,
			Model:  model,
			Width:  d.Width,
			Height: d.Height,
		})
	}
	return simulated.New(simulated.WithDevices(specs...)), nil
}
