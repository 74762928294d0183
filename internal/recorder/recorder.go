// Package recorder はフレームシンクの最新フレームを一定間隔で静止画として保存する
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"labcamera/internal/camera"
)

// Config はレコーダー設定
type Config struct {
	Interval  time.Duration // 保存間隔
	OutputDir string        // 出力先
	Format    string        // "png" または "jpeg"
	Quality   int           // JPEG品質 (1-100)
	Prefix    string        // ファイル名の接頭辞
}

// Image は保存済みの静止画
type Image struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Status はレコーダーの現在状態
type Status struct {
	Running      bool      `json:"running"`
	Written      uint64    `json:"written"`
	LastSequence uint64    `json:"last_sequence"`
	LastWrite    time.Time `json:"last_write"`
}

// Recorder はコンシューマーとして最新フレームを保持し、別ゴルーチンで保存する
type Recorder struct {
	config Config
	logger *slog.Logger

	latest      *camera.Frame
	lastWritten uint64
	lastWrite   time.Time
	written     uint64
	running     bool

	// 制御用
	stopCh chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// New は新しいRecorderを作成する
func New(config Config, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Prefix == "" {
		config.Prefix = "frame"
	}
	return &Recorder{
		config: config,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Consume はシンクのワーカーから呼ばれ、最新フレームを差し替える
func (r *Recorder) Consume(f camera.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latest = &f
}

// Start は定期保存を開始する
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}
	if r.config.Interval <= 0 {
		return fmt.Errorf("保存間隔が設定されていません")
	}

	// 出力ディレクトリを作成
	if err := os.MkdirAll(r.config.OutputDir, 0o755); err != nil {
		return fmt.Errorf("出力ディレクトリの作成に失敗: %w", err)
	}

	r.stopCh = make(chan struct{})
	r.running = true
	r.wg.Add(1)
	go r.loop(ctx, r.stopCh)

	r.logger.Info("レコーダーを開始しました", "output_dir", r.config.OutputDir, "interval", r.config.Interval)
	return nil
}

// Stop は定期保存を停止する
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	close(r.stopCh)
	r.running = false
	r.mu.Unlock()

	// ワーカーゴルーチンの終了を待機
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("レコーダーの停止を中断: %w", ctx.Err())
	}

	r.logger.Info("レコーダーを停止しました", "written", r.Status().Written)
	return nil
}

// loop は一定間隔で最新フレームを保存する
func (r *Recorder) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := r.WriteLatest(); err != nil {
				r.logger.Warn("静止画の保存に失敗しました", "error", err)
			}
		}
	}
}

// WriteLatest は最新フレームを保存してパスを返す。新しいフレームがなければ空文字を返す
func (r *Recorder) WriteLatest() (string, error) {
	r.mu.Lock()
	f := r.latest
	if f == nil || f.Sequence == r.lastWritten {
		r.mu.Unlock()
		return "", nil
	}
	r.mu.Unlock()

	path := filepath.Join(r.config.OutputDir, r.filename(*f))
	if err := r.writeFile(path, *f); err != nil {
		return "", err
	}

	r.mu.Lock()
	r.lastWritten = f.Sequence
	r.lastWrite = time.Now()
	r.written++
	r.mu.Unlock()

	return path, nil
}

func (r *Recorder) writeFile(path string, f camera.Frame) error {
	// 一時ファイルに書いてから置き換える
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("ファイルの作成に失敗: %w", err)
	}

	if err := Encode(file, f, r.config.Format, r.config.Quality); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("ファイルのクローズに失敗: %w", err)
	}
	return os.Rename(tmp, path)
}

// filename は静止画ファイル名を生成する
func (r *Recorder) filename(f camera.Frame) string {
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return fmt.Sprintf("%s_%s_%06d%s", r.config.Prefix, ts.Format("20060102-150405.000"), f.Sequence, Extension(r.config.Format))
}

// Status は現在の状態を取得する
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Status{
		Running:      r.running,
		Written:      r.written,
		LastSequence: r.lastWritten,
		LastWrite:    r.lastWrite,
	}
}

// Images は出力ディレクトリの静止画一覧を新しい順に返す
func (r *Recorder) Images() ([]Image, error) {
	entries, err := os.ReadDir(r.config.OutputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // ディレクトリが存在しない場合は空のリストを返す
		}
		return nil, fmt.Errorf("ディレクトリの読み取りに失敗: %w", err)
	}

	ext := Extension(r.config.Format)
	var images []Image
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ext {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			r.logger.Warn("ファイル情報の取得に失敗しました", "file", entry.Name(), "error", err)
			continue
		}
		images = append(images, Image{
			Path:     filepath.Join(r.config.OutputDir, entry.Name()),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}

	sort.Slice(images, func(i, j int) bool {
		return images[i].Path > images[j].Path
	})
	return images, nil
}
