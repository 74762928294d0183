package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"labcamera/internal/sdk"
)

// Session はマネージャーが保持するオープン済みデバイス
type Session struct {
	ID       uuid.UUID
	DeviceID string
	OpenedAt time.Time
	Device   *Device
}

// ManagerOptions はマネージャーの設定
type ManagerOptions struct {
	// ScanInterval はデバイスの消失を確認する間隔。0 ならバックグラウンドスキャンを行わない
	ScanInterval time.Duration

	// Sink はセッションごとのシンク設定の既定値
	Sink SinkOptions

	Logger *slog.Logger

	// OnClose はセッションが閉じられた後に呼ばれる（消失による自動クローズを含む）
	OnClose func(s *Session)
}

// Manager はドライバー上のセッションを管理する
type Manager struct {
	driver sdk.Driver
	opts   ManagerOptions
	logger *slog.Logger

	sessions map[uuid.UUID]*Session
	mu       sync.RWMutex

	// 制御用
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewManager は新しいManagerを作成する
func NewManager(driver sdk.Driver, opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		driver:   driver,
		opts:     opts,
		logger:   logger,
		sessions: make(map[uuid.UUID]*Session),
		stopCh:   make(chan struct{}),
	}
}

// Driver は使用中のドライバーを返す
func (m *Manager) Driver() sdk.Driver {
	return m.driver
}

// Start はマネージャーを開始する
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}

	// 初期スキャンでドライバーが応答するか確認する
	devices, err := m.driver.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("初期スキャンに失敗: %w", translateSDKError(err))
	}
	m.logger.Info("カメラマネージャーを開始しました", "driver", m.driver.Name(), "devices", len(devices))

	if m.opts.ScanInterval > 0 {
		m.wg.Add(1)
		go m.backgroundScan(ctx, m.stopCh)
	}

	m.started = true
	return nil
}

// Stop はバックグラウンドスキャンを止め、全セッションを閉じる
//
// クローズの失敗はログに記録し、残りのセッションも閉じる。
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		close(m.stopCh)
	}
	m.mu.Unlock()

	// スキャン中のゴルーチンがロックを取るため、ロックの外で待つ
	m.wg.Wait()

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[uuid.UUID]*Session)
	m.stopCh = make(chan struct{})
	m.started = false
	m.mu.Unlock()

	var errs []error
	for id, s := range sessions {
		if err := m.closeSession(s); err != nil {
			errs = append(errs, fmt.Errorf("セッション %s の停止に失敗: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Devices は接続中のデバイスを列挙する
func (m *Manager) Devices(ctx context.Context) ([]sdk.DeviceInfo, error) {
	devices, err := m.driver.Enumerate(ctx)
	if err != nil {
		return nil, fmt.Errorf("デバイスの列挙に失敗: %w", translateSDKError(err))
	}
	return devices, nil
}

// Open はデバイスをオープンしてセッションを作成する
//
// sink の未設定項目はマネージャーの既定値で埋める。
func (m *Manager) Open(ctx context.Context, deviceID string, sink SinkOptions) (*Session, error) {
	id := uuid.New()
	dev, err := Open(ctx, m.driver, deviceID, DeviceOptions{
		Sink:   m.mergeSink(sink),
		Logger: m.logger.With("session", id.String()),
	})
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:       id,
		DeviceID: deviceID,
		OpenedAt: time.Now(),
		Device:   dev,
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	return s, nil
}

// Session は指定IDのセッションを返す
func (m *Manager) Session(id uuid.UUID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	return s, ok
}

// Sessions はオープン順にセッション一覧を返す
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	result := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, s)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].OpenedAt.Before(result[j].OpenedAt)
	})
	return result
}

// Close はセッションを閉じてデバイスを解放する
func (m *Manager) Close(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchSession, id)
	}
	return m.closeSession(s)
}

func (m *Manager) closeSession(s *Session) error {
	err := s.Device.Close()
	if m.opts.OnClose != nil {
		m.opts.OnClose(s)
	}
	return err
}

// mergeSink は未設定項目を既定値で埋める
func (m *Manager) mergeSink(o SinkOptions) SinkOptions {
	d := m.opts.Sink
	if o.Policy == "" {
		o.Policy = d.Policy
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.EnqueueTimeout <= 0 {
		o.EnqueueTimeout = d.EnqueueTimeout
	}
	if o.BufferCount <= 0 {
		o.BufferCount = d.BufferCount
	}
	if o.OnEnd == nil {
		o.OnEnd = d.OnEnd
	}
	return o
}

// scan は列挙から消えたデバイスのセッションを閉じる
func (m *Manager) scan(ctx context.Context) {
	devices, err := m.driver.Enumerate(ctx)
	if err != nil {
		m.logger.Warn("デバイススキャンに失敗しました", "error", err)
		return
	}

	present := make(map[string]bool, len(devices))
	for _, d := range devices {
		present[d.ID] = true
	}

	m.mu.Lock()
	var lost []*Session
	for id, s := range m.sessions {
		if !present[s.DeviceID] {
			lost = append(lost, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range lost {
		m.logger.Warn("デバイスが見つからなくなったためセッションを閉じます", "session", s.ID, "device", s.DeviceID)
		if err := m.closeSession(s); err != nil {
			m.logger.Error("セッションのクローズに失敗しました", "session", s.ID, "error", err)
		}
	}
}

// backgroundScan は定期的なデバイススキャンを実行する
func (m *Manager) backgroundScan(ctx context.Context, stopCh <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}
