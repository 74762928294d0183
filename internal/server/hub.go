package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"labcamera/internal/camera"
	"labcamera/internal/recorder"
)

// subscriberBuffer はSSE購読者ごとのイベントバッファ
const subscriberBuffer = 16

// FrameEvent はSSEで配信するフレームのメタデータ
type FrameEvent struct {
	Sequence  uint64    `json:"sequence"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Format    string    `json:"format"`
	Size      int       `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}

// streamEvent はSSEの1イベント
type streamEvent struct {
	name string
	data any
}

// frameHub はセッションのシンクのコンシューマー
//
// 最新フレームを保持し、SSE購読者とレコーダーに配る。
// consume はシンクのワーカーから呼ばれるため、購読者への送信でブロックしない。
type frameHub struct {
	mu       sync.Mutex
	latest   *camera.Frame
	subs     map[chan streamEvent]struct{}
	closed   bool
	recorder *recorder.Recorder // nil なら保存しない
}

func newFrameHub(rec *recorder.Recorder) *frameHub {
	return &frameHub{
		subs:     make(map[chan streamEvent]struct{}),
		recorder: rec,
	}
}

// setRecorder はレコーダーを設定する
func (h *frameHub) setRecorder(rec *recorder.Recorder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recorder = rec
}

// Recorder は設定済みのレコーダーを返す
func (h *frameHub) Recorder() *recorder.Recorder {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recorder
}

// consume はシンクから受け取ったフレームを配る
func (h *frameHub) consume(f camera.Frame) {
	h.mu.Lock()
	rec := h.recorder
	h.latest = &f
	h.broadcastLocked(streamEvent{name: "frame", data: FrameEvent{
		Sequence:  f.Sequence,
		Width:     f.Width,
		Height:    f.Height,
		Format:    string(f.Format),
		Size:      len(f.Data),
		Timestamp: f.Timestamp,
	}})
	h.mu.Unlock()

	if rec != nil {
		rec.Consume(f)
	}
}

// endOfStream はSDKが取得を終了したことを購読者に知らせる
func (h *frameHub) endOfStream() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(streamEvent{name: "end", data: map[string]string{"reason": "acquisition_ended"}})
}

// broadcastLocked は購読者に送る。受け取れない購読者には送らない
func (h *frameHub) broadcastLocked(ev streamEvent) {
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// subscribe は購読を開始する。cancel を呼ぶと購読をやめる
func (h *frameHub) subscribe() (<-chan streamEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan streamEvent, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// Latest は最新フレームを返す
func (h *frameHub) Latest() (camera.Frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest == nil {
		return camera.Frame{}, false
	}
	return *h.latest, true
}

// disconnect は全購読者を切断する
func (h *frameHub) disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnectLocked()
}

func (h *frameHub) disconnectLocked() {
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// close は全購読者を切断し、レコーダーを止める
func (h *frameHub) close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.disconnectLocked()
	rec := h.recorder
	h.mu.Unlock()

	if rec != nil {
		return rec.Stop(ctx)
	}
	return nil
}

// hubRegistry はセッションIDごとの frameHub
type hubRegistry struct {
	mu   sync.Mutex
	hubs map[uuid.UUID]*frameHub
}

func newHubRegistry() *hubRegistry {
	return &hubRegistry{hubs: make(map[uuid.UUID]*frameHub)}
}

func (r *hubRegistry) add(id uuid.UUID, h *frameHub) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hubs[id] = h
}

func (r *hubRegistry) get(id uuid.UUID) (*frameHub, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hubs[id]
	return h, ok
}

func (r *hubRegistry) remove(id uuid.UUID) (*frameHub, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hubs[id]
	delete(r.hubs, id)
	return h, ok
}

func (r *hubRegistry) all() []*frameHub {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]*frameHub, 0, len(r.hubs))
	for _, h := range r.hubs {
		result = append(result, h)
	}
	return result
}
