package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestConfigLoad は設定の読み込みをテストする
func TestConfigLoad(t *testing.T) {
	// 設定を読み込む
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// 基本的な設定値を検証
	if cfg == nil {
		t.Fatal("設定がnilです")
	}

	// サーバー設定の検証
	if cfg.Server.Host == "" {
		t.Error("サーバーホストが設定されていません")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		t.Errorf("無効なポート番号: %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout <= 0 {
		t.Error("読み込みタイムアウトが設定されていません")
	}
	// WriteTimeout は 0（無効）でも正常
	if cfg.Server.WriteTimeout < 0 {
		t.Error("書き込みタイムアウトが負の値です")
	}

	// SDK・シンク設定の検証
	if cfg.SDK.Driver != "simulated" {
		t.Errorf("既定のドライバーが simulated ではありません: %s", cfg.SDK.Driver)
	}
	if cfg.Sink.Policy != "drop_oldest" {
		t.Errorf("既定のポリシーが drop_oldest ではありません: %s", cfg.Sink.Policy)
	}
	if cfg.Sink.QueueSize <= 0 {
		t.Error("キューサイズが設定されていません")
	}
}

// TestConfigValidation は設定の検証をテストする
func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name      string
		modify    func(c *Config)
		expectErr bool
	}{
		{
			name:      "正常な設定",
			modify:    func(c *Config) {},
			expectErr: false,
		},
		{
			name:      "無効なポート番号",
			modify:    func(c *Config) { c.Server.Port = 99999 },
			expectErr: true,
		},
		{
			name:      "ドライバーなし",
			modify:    func(c *Config) { c.SDK.Driver = "" },
			expectErr: true,
		},
		{
			name:      "不明なポリシー",
			modify:    func(c *Config) { c.Sink.Policy = "fifo" },
			expectErr: true,
		},
		{
			name:      "キューサイズ0",
			modify:    func(c *Config) { c.Sink.QueueSize = 0 },
			expectErr: true,
		},
		{
			name: "疑似デバイスIDなし",
			modify: func(c *Config) {
				c.SDK.Devices = []DeviceConfig{{ID: "", Width: 640, Height: 480}}
			},
			expectErr: true,
		},
		{
			name: "レコーダー有効で出力先なし",
			modify: func(c *Config) {
				c.Recorder.Enabled = true
				c.Recorder.OutputDir = ""
			},
			expectErr: true,
		},
		{
			name:      "不明なログ形式",
			modify:    func(c *Config) { c.Log.Format = "xml" },
			expectErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(cfg)

			err := cfg.Validate()
			if tc.expectErr && err == nil {
				t.Error("エラーが期待されましたが、エラーが発生しませんでした")
			}
			if !tc.expectErr && err != nil {
				t.Errorf("予期しないエラーが発生しました: %v", err)
			}
		})
	}
}

// TestServerAddress はサーバーアドレスの生成をテストする
func TestServerAddress(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "192.168.1.100",
			Port: 9090,
		},
	}

	expected := "192.168.1.100:9090"
	actual := cfg.ServerAddress()

	if actual != expected {
		t.Errorf("サーバーアドレスが一致しません: got %s, want %s", actual, expected)
	}
}

// TestLoadFile は拡張子ごとの設定ファイル読み込みをテストする
func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	files := map[string]string{
		"config.yaml": `
server:
  port: 9000
sdk:
  devices:
    - id: SIM-A
      width: 320
      height: 240
sink:
  policy: bounded_queue
  enqueue_timeout: 20ms
`,
		"config.toml": `
[server]
port = 9000

[[sdk.devices]]
id = "SIM-A"
width = 320
height = 240

[sink]
policy = "bounded_queue"
enqueue_timeout = "20ms"
`,
	}

	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatalf("設定ファイルの作成に失敗しました: %v", err)
			}

			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("設定の読み込みに失敗しました: %v", err)
			}

			if cfg.Server.Port != 9000 {
				t.Errorf("ポートが反映されていません: got %d", cfg.Server.Port)
			}
			// ファイルにない項目はデフォルト値のまま
			if cfg.Server.Host != "0.0.0.0" {
				t.Errorf("ホストのデフォルト値が失われました: got %s", cfg.Server.Host)
			}
			if len(cfg.SDK.Devices) != 1 || cfg.SDK.Devices[0].ID != "SIM-A" {
				t.Errorf("デバイス定義が反映されていません: %+v", cfg.SDK.Devices)
			}
			if cfg.Sink.Policy != "bounded_queue" {
				t.Errorf("ポリシーが反映されていません: got %s", cfg.Sink.Policy)
			}
			if cfg.Sink.EnqueueTimeout.Std() != 20*time.Millisecond {
				t.Errorf("タイムアウトが反映されていません: got %s", cfg.Sink.EnqueueTimeout)
			}
		})
	}

	t.Run("未対応の拡張子", func(t *testing.T) {
		path := filepath.Join(dir, "config.json")
		if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Error("エラーが期待されましたが、エラーが発生しませんでした")
		}
	})
}

// TestEnvironmentVariables は環境変数の処理をテストする
// 注意: このテストは環境変数を変更するため、parallelは使わない
func TestEnvironmentVariables(t *testing.T) {
	t.Setenv("LABCAMERA_SERVER_HOST", "test.example.com")
	t.Setenv("LABCAMERA_SERVER_PORT", "9999")
	t.Setenv("LABCAMERA_SINK_QUEUE_SIZE", "64")
	t.Setenv("LABCAMERA_SCAN_INTERVAL", "500ms")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Host != "test.example.com" {
		t.Errorf("環境変数のホストが反映されていません: got %s, want test.example.com", cfg.Server.Host)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("環境変数のポートが反映されていません: got %d, want 9999", cfg.Server.Port)
	}
	if cfg.Sink.QueueSize != 64 {
		t.Errorf("環境変数のキューサイズが反映されていません: got %d, want 64", cfg.Sink.QueueSize)
	}
	if cfg.ScanInterval.Std() != 500*time.Millisecond {
		t.Errorf("環境変数のスキャン間隔が反映されていません: got %s", cfg.ScanInterval)
	}

	t.Setenv("LABCAMERA_SERVER_PORT", "not-a-number")
	if _, err := Load(""); err == nil {
		t.Error("不正な環境変数でエラーが期待されました")
	}
}
