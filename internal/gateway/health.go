package gateway

import (
	"sync"
	"time"

	"github.com/nao1215/micro/pkg/connmgr"
)

// StatusSource は接続状態とイベントを提供する。*connmgr.Managerが満たす。
type StatusSource interface {
	Status() map[string]connmgr.State
	OnEvent(fn func(connmgr.Event))
}

// EndpointHealth はエンドポイント1つ分のヘルス情報。
type EndpointHealth struct {
	// State は現在の接続状態。
	State string `json:"state"`
	// LastEvent は最後に受け取った接続イベント。
	LastEvent string `json:"last_event,omitempty"`
	// Attempt は最後の接続試行の番号。
	Attempt int `json:"attempt,omitempty"`
	// LastError は最後の失敗の内容。
	LastError string `json:"last_error,omitempty"`
	// Since は最後のイベントの受信時刻。
	Since *time.Time `json:"since,omitempty"`
}

// Health は接続イベントを記録し、エンドポイントごとのヘルス情報を返す。
type Health struct {
	source StatusSource
	now    func() time.Time

	mu   sync.Mutex
	last map[string]connmgr.Event
	at   map[string]time.Time
}

// NewHealth はsourceのイベントを購読するHealthを生成する。
func NewHealth(source StatusSource) *Health {
	h := &Health{
		source: source,
		now:    time.Now,
		last:   make(map[string]connmgr.Event),
		at:     make(map[string]time.Time),
	}
	source.OnEvent(h.record)
	return h
}

// record は接続イベントを記録する。
func (h *Health) record(ev connmgr.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last[ev.Endpoint] = ev
	h.at[ev.Endpoint] = h.now()
}

// Snapshot はエンドポイントごとのヘルス情報を返す。
// すべてのエンドポイントが接続済みか未接続（初回接続前）ならhealthyはtrue。
func (h *Health) Snapshot() (healthy bool, endpoints map[string]EndpointHealth) {
	status := h.source.Status()

	h.mu.Lock()
	defer h.mu.Unlock()

	healthy = true
	endpoints = make(map[string]EndpointHealth, len(status))
	for name, state := range status {
		eh := EndpointHealth{State: state.String()}
		if ev, ok := h.last[name]; ok {
			at := h.at[name]
			eh.LastEvent = string(ev.Kind)
			eh.Attempt = ev.Attempt
			eh.Since = &at
			if ev.Err != nil {
				eh.LastError = ev.Err.Error()
			}
		}
		if state != connmgr.StateConnected && state != connmgr.StateIdle {
			healthy = false
		}
		endpoints[name] = eh
	}
	return healthy, endpoints
}
