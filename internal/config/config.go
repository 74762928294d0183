package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix は環境変数による上書きの接頭辞
const EnvPrefix = "LABCAMERA_"

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server       ServerConfig    `yaml:"server" toml:"server" envPrefix:"SERVER_"`
	SDK          SDKConfig       `yaml:"sdk" toml:"sdk" envPrefix:"SDK_"`
	Sink         SinkConfig      `yaml:"sink" toml:"sink" envPrefix:"SINK_"`
	ScanInterval Duration        `yaml:"scan_interval" toml:"scan_interval" env:"SCAN_INTERVAL" validate:"min=0"`
	Recorder     RecorderConfig  `yaml:"recorder" toml:"recorder" envPrefix:"RECORDER_"`
	Preset       PresetConfig    `yaml:"preset" toml:"preset" envPrefix:"PRESET_"`
	Telemetry    TelemetryConfig `yaml:"telemetry" toml:"telemetry" envPrefix:"TELEMETRY_"`
	Log          LogConfig       `yaml:"log" toml:"log" envPrefix:"LOG_"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host" toml:"host" env:"HOST" validate:"required"`           // リッスンするホスト
	Port int    `yaml:"port" toml:"port" env:"PORT" validate:"min=1,max=65535"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout     Duration `yaml:"read_timeout" toml:"read_timeout" env:"READ_TIMEOUT" validate:"min=0"`
	WriteTimeout    Duration `yaml:"write_timeout" toml:"write_timeout" env:"WRITE_TIMEOUT" validate:"min=0"` // SSE用に0（無効）を許す
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" validate:"min=0"`
}

// SDKConfig はカメラSDKの設定
type SDKConfig struct {
	Driver string `yaml:"driver" toml:"driver" env:"DRIVER" validate:"required"`

	// 疑似SDKで列挙するデバイス（空なら既定の1台）
	Devices []DeviceConfig `yaml:"devices" toml:"devices" validate:"dive"`
}

// DeviceConfig は疑似デバイスの定義
type DeviceConfig struct {
	ID     string `yaml:"id" toml:"id" validate:"required"`
	Model  string `yaml:"model" toml:"model"`
	Width  int    `yaml:"width" toml:"width" validate:"min=1"`
	Height int    `yaml:"height" toml:"height" validate:"min=1"`
}

// SinkConfig はフレームシンクの既定値
type SinkConfig struct {
	Policy         string   `yaml:"policy" toml:"policy" env:"POLICY" validate:"omitempty,oneof=drop_newest drop_oldest bounded_queue"`
	QueueSize      int      `yaml:"queue_size" toml:"queue_size" env:"QUEUE_SIZE" validate:"min=1"`
	EnqueueTimeout Duration `yaml:"enqueue_timeout" toml:"enqueue_timeout" env:"ENQUEUE_TIMEOUT" validate:"min=0"`
	BufferCount    int      `yaml:"buffer_count" toml:"buffer_count" env:"BUFFER_COUNT" validate:"min=0"`
}

// RecorderConfig は静止画レコーダーの設定
type RecorderConfig struct {
	Enabled   bool     `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Interval  Duration `yaml:"interval" toml:"interval" env:"INTERVAL" validate:"required_if=Enabled true"`
	OutputDir string   `yaml:"output_dir" toml:"output_dir" env:"OUTPUT_DIR" validate:"required_if=Enabled true"`
	Format    string   `yaml:"format" toml:"format" env:"FORMAT" validate:"oneof=png jpeg"`
	Quality   int      `yaml:"quality" toml:"quality" env:"QUALITY" validate:"min=1,max=100"` // JPEG品質
}

// PresetConfig はプリセット保存先の設定
type PresetConfig struct {
	Path string `yaml:"path" toml:"path" env:"PATH"` // SQLiteファイル（空なら無効）
}

// TelemetryConfig はトレースの設定
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint" toml:"endpoint" env:"ENDPOINT"` // OTLP/HTTPのURL（空なら無効）
	ServiceName string `yaml:"service_name" toml:"service_name" env:"SERVICE_NAME" validate:"required"`
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `yaml:"level" toml:"level" env:"LEVEL" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" env:"FORMAT" validate:"oneof=text json"`
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     Duration(10 * time.Second),
			WriteTimeout:    0, // ストリーミング用にタイムアウト無効化
			ShutdownTimeout: Duration(5 * time.Second),
		},
		SDK: SDKConfig{
			Driver: "simulated",
		},
		Sink: SinkConfig{
			Policy:         "drop_oldest",
			QueueSize:      8,
			EnqueueTimeout: Duration(5 * time.Millisecond),
			BufferCount:    4,
		},
		ScanInterval: Duration(2 * time.Second),
		Recorder: RecorderConfig{
			Enabled:   false,
			Interval:  Duration(2 * time.Second),
			OutputDir: "recordings",
			Format:    "jpeg",
			Quality:   90,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "labcamera",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load は設定を読み込む
//
// デフォルト値に設定ファイル（path が空でなければ）を重ね、最後に LABCAMERA_* 環境変数で上書きする。
// ファイル形式は拡張子（.yaml/.yml/.toml）で判定する。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("環境変数の読み込みに失敗: %w", err)
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// loadFile は設定ファイルを読み込んで重ねる
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("YAMLの解析に失敗: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("TOMLの解析に失敗: %w", err)
		}
	default:
		return fmt.Errorf("未対応の設定ファイル形式: %s", ext)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
