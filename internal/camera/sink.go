package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"labcamera/internal/sdk"
)

// SinkAdapter はSDKの配信スレッドからのフレームをコンシューマーへ渡す
//
// SDKのコールバックはフレームをコピーしてキューに入れるだけで、コンシューマーは
// 専用のワーカーゴルーチンで呼ばれる。キューが満杯のときの振る舞いは Policy で決まる。
// コンシューマーからプロパティ操作を呼んでもよいが、Stop を呼んではならない。
type SinkAdapter struct {
	dev  *Device
	opts SinkOptions

	// Start/Stop を直列化する
	lifecycle sync.Mutex
	active    bool // Start 済みで Stop されていない

	// mu はコールバックとキューの開閉を保護する
	mu      sync.RWMutex
	running bool // フレームを受け付けている
	queue   chan Frame
	done    chan struct{}
	ended   atomic.Bool

	seq        atomic.Uint64
	received   atomic.Uint64
	delivered  atomic.Uint64
	dropped    atomic.Uint64
	overruns   atomic.Uint64
	maxLatency atomic.Int64
}

func newSinkAdapter(dev *Device, opts SinkOptions) *SinkAdapter {
	return &SinkAdapter{
		dev:  dev,
		opts: opts.withDefaults(),
	}
}

// Options は有効な設定を返す
func (a *SinkAdapter) Options() SinkOptions {
	return a.opts
}

// Start はSDKにコールバックを登録してフレームの受け取りを開始する
//
// 実行中なら ErrSinkRunning を返す。SDKが取得終了を通知した後は Stop なしで再開できる。
func (a *SinkAdapter) Start(ctx context.Context, consumer func(Frame)) (err error) {
	_, span := startSpan(ctx, "camera.Sink.Start",
		attribute.String("camera.device_id", a.dev.info.ID),
		attribute.String("camera.sink.policy", string(a.opts.Policy)),
		attribute.Int("camera.sink.queue_size", a.opts.QueueSize),
	)
	defer func() { endSpan(span, err) }()

	if consumer == nil {
		return errors.New("コンシューマーが指定されていません")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	if a.active {
		if !a.ended.Load() {
			return ErrSinkRunning
		}
		// 取得終了した前回の実行を片付けてから開始し直す
		if err := a.stopLocked(); err != nil && !errors.Is(err, ErrCallbackOverrun) {
			return err
		}
	}

	// 登録直後のコールバックを取りこぼさないよう、先に受け付け状態にする
	queue := make(chan Frame, a.opts.QueueSize)
	done := make(chan struct{})
	a.resetStats()

	a.mu.Lock()
	a.queue = queue
	a.done = done
	a.running = true
	a.mu.Unlock()

	go a.work(queue, done, consumer)

	err = a.dev.withHandleExclusive(false, func(h sdk.Handle) error {
		return h.RegisterSink(sdk.SinkConfig{BufferCount: a.opts.BufferCount}, a.onFrame)
	})
	if err != nil {
		a.shutdownQueue()
		<-done
		if !errors.Is(err, ErrDeviceClosed) {
			err = translateSDKError(err)
		}
		return fmt.Errorf("シンクの登録に失敗: %w", err)
	}

	a.active = true
	a.dev.logger.Info("フレームシンクを開始しました",
		"policy", a.opts.Policy,
		"queue_size", a.opts.QueueSize,
		"buffer_count", a.opts.BufferCount,
	)
	return nil
}

// Stop はSDKからの登録を解除し、キューに残ったフレームを配信し終えてから戻る
//
// 戻った後にコンシューマーが呼ばれることはない。Start 前や二重の呼び出しでは何もしない。
// BoundedQueue でオーバーランが発生していた場合は ErrCallbackOverrun を返す。
func (a *SinkAdapter) Stop() error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	if !a.active {
		return nil
	}
	return a.stopLocked()
}

// stopLocked は lifecycle を保持した状態で実行中の登録を片付ける
func (a *SinkAdapter) stopLocked() (err error) {
	_, span := startSpan(context.Background(), "camera.Sink.Stop",
		attribute.String("camera.device_id", a.dev.info.ID),
	)
	defer func() { endSpan(span, err) }()

	var errs []error

	// SDKは実行中のコールバックが戻るまでブロックする
	unregErr := a.dev.withHandleExclusive(true, func(h sdk.Handle) error {
		return h.UnregisterSink()
	})
	if unregErr != nil && !errors.Is(unregErr, ErrDeviceClosed) {
		errs = append(errs, fmt.Errorf("シンクの登録解除に失敗: %w", translateSDKError(unregErr)))
	}

	a.mu.Lock()
	done := a.done
	a.mu.Unlock()

	a.shutdownQueue()
	<-done
	a.active = false

	stats := a.Stats()
	if stats.Overruns > 0 {
		errs = append(errs, fmt.Errorf("%w: %d フレーム", ErrCallbackOverrun, stats.Overruns))
	}

	a.dev.logger.Info("フレームシンクを停止しました",
		"received", stats.Received,
		"delivered", stats.Delivered,
		"dropped", stats.Dropped,
		"overruns", stats.Overruns,
	)
	return errors.Join(errs...)
}

// Running はフレームを受け付けているか返す
func (a *SinkAdapter) Running() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// Stats は現在（または直前の実行）の統計を返す
func (a *SinkAdapter) Stats() SinkStats {
	a.mu.RLock()
	running := a.running
	var qlen, qcap int
	if a.queue != nil {
		qlen, qcap = len(a.queue), cap(a.queue)
	}
	a.mu.RUnlock()

	return SinkStats{
		Running:            running,
		Received:           a.received.Load(),
		Delivered:          a.delivered.Load(),
		Dropped:            a.dropped.Load(),
		Overruns:           a.overruns.Load(),
		QueueLen:           qlen,
		QueueCap:           qcap,
		MaxCallbackLatency: time.Duration(a.maxLatency.Load()),
		Policy:             a.opts.Policy,
	}
}

// onFrame はSDKの配信スレッドで呼ばれる
func (a *SinkAdapter) onFrame(buf *sdk.Buffer) {
	if buf == nil {
		a.endOfAcquisition()
		return
	}

	start := time.Now()

	a.mu.RLock()
	defer a.mu.RUnlock()

	// Stop 後に届いたコールバックは捨てる
	if !a.running {
		return
	}

	a.received.Add(1)
	a.enqueue(copyFrame(buf, a.seq.Add(1)))
	a.observeLatency(time.Since(start))
}

// enqueue はポリシーに従ってキューに入れる（読み取りロック取得済み前提）
func (a *SinkAdapter) enqueue(f Frame) {
	switch a.opts.Policy {
	case DropNewest:
		select {
		case a.queue <- f:
		default:
			a.dropped.Add(1)
		}

	case BoundedQueue:
		select {
		case a.queue <- f:
			return
		default:
		}
		timer := time.NewTimer(a.opts.EnqueueTimeout)
		defer timer.Stop()
		select {
		case a.queue <- f:
		case <-timer.C:
			a.dropped.Add(1)
			a.overruns.Add(1)
		}

	default: // DropOldest
		for {
			select {
			case a.queue <- f:
				return
			default:
			}
			select {
			case <-a.queue:
				a.dropped.Add(1)
			default:
			}
		}
	}
}

// endOfAcquisition はSDKからの取得終了通知を処理する
func (a *SinkAdapter) endOfAcquisition() {
	a.mu.Lock()
	wasRunning := a.running
	if wasRunning {
		a.ended.Store(true)
		a.running = false
		close(a.queue)
	}
	a.mu.Unlock()

	if wasRunning {
		a.dev.logger.Warn("SDKが取得終了を通知しました")
	}
}

// shutdownQueue は受け付けを止めてキューを閉じる
func (a *SinkAdapter) shutdownQueue() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		a.running = false
		close(a.queue)
	}
}

// work はキューのフレームをコンシューマーに渡す。キューが閉じられると残りを配信してから終了する
func (a *SinkAdapter) work(queue <-chan Frame, done chan<- struct{}, consumer func(Frame)) {
	defer close(done)

	for f := range queue {
		consumer(f)
		a.delivered.Add(1)
	}

	if a.ended.Load() && a.opts.OnEnd != nil {
		a.opts.OnEnd()
	}
}

func (a *SinkAdapter) observeLatency(d time.Duration) {
	for {
		cur := a.maxLatency.Load()
		if int64(d) <= cur || a.maxLatency.CompareAndSwap(cur, int64(d)) {
			return
		}
	}
}

func (a *SinkAdapter) resetStats() {
	a.seq.Store(0)
	a.received.Store(0)
	a.delivered.Store(0)
	a.dropped.Store(0)
	a.overruns.Store(0)
	a.maxLatency.Store(0)
	a.ended.Store(false)
}
