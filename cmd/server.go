// Package main はlabcameraサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"labcamera/internal/app"
	"labcamera/internal/config"
	"labcamera/internal/sdk"
)

func main() {
	// コマンドラインオプション
	var (
		configPath = flag.String("config", os.Getenv("LABCAMERA_CONFIG"), "設定ファイル (.yaml/.yml/.toml)")
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		driver     = flag.String("driver", "", "カメラSDKドライバー (デフォルト: simulated)")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("labcamera")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		fmt.Println()
		fmt.Printf("利用可能なドライバー: %v\n", sdk.Drivers())
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *driver != "" {
		cfg.SDK.Driver = *driver
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("設定が不正です: %v", err)
	}

	if err := app.Run(context.Background(), cfg); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
