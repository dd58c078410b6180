package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Memory はプロセス内で完結するブローカー。
// テストとローカル開発で使用する。Drop/Restoreでブローカー障害を再現できる。
type Memory struct {
	mu sync.Mutex
	// down はブローカーが停止中かどうか。
	down bool
	// conns は生存中の接続。
	conns map[*memoryConn]struct{}
	// subscribers はサブジェクトごとの購読者（全員に配信）。
	subscribers map[string][]*memorySub
	// queues はキューごとの消費者と滞留メッセージ。
	queues map[string]*memoryQueue

	inboxSeq  atomic.Uint64
	dials     atomic.Int64
	published atomic.Int64
}

// memoryQueue はキューの状態。
type memoryQueue struct {
	// durable は消費者がいない間もメッセージを保持するかどうか。
	durable bool
	// consumers は負荷分散対象の消費者。
	consumers []*memorySub
	// next はラウンドロビンの次の位置。
	next int
	// backlog は消費者不在時に滞留したメッセージ。
	backlog []*Message
}

// NewMemory は新しいインメモリブローカーを生成する。
func NewMemory() *Memory {
	return &Memory{
		conns:       make(map[*memoryConn]struct{}),
		subscribers: make(map[string][]*memorySub),
		queues:      make(map[string]*memoryQueue),
	}
}

// Dial はブローカーへの接続を生成する。停止中はErrBrokerDownを返す。
// URLは識別用に保持するだけで接続先の選択には使わない。
func (b *Memory) Dial(ctx context.Context, url string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.dials.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return nil, fmt.Errorf("%s: %w", url, ErrBrokerDown)
	}
	c := &memoryConn{broker: b, url: url, lost: make(chan struct{})}
	b.conns[c] = struct{}{}
	return c, nil
}

// Drop はブローカー停止を再現する。既存の接続はすべて失われ、Restoreまで接続できなくなる。
func (b *Memory) Drop() {
	b.mu.Lock()
	b.down = true
	conns := make([]*memoryConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.terminate()
	}
}

// Restore は停止状態を解除する。
func (b *Memory) Restore() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = false
}

// Dials はこれまでの接続試行回数を返す。
func (b *Memory) Dials() int64 {
	return b.dials.Load()
}

// Published はこれまでに送信されたメッセージ数を返す。
func (b *Memory) Published() int64 {
	return b.published.Load()
}

// Backlog は指定キューに滞留しているメッセージ数を返す。
func (b *Memory) Backlog(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return len(q.backlog)
	}
	return 0
}

// route はメッセージを購読者とキュー消費者に配送する。
func (b *Memory) route(msg *Message) {
	b.mu.Lock()
	targets := append([]*memorySub(nil), b.subscribers[msg.Subject]...)
	if q, ok := b.queues[msg.Subject]; ok {
		if len(q.consumers) > 0 {
			q.next = (q.next + 1) % len(q.consumers)
			targets = append(targets, q.consumers[q.next])
		} else if q.durable {
			q.backlog = append(q.backlog, msg.Clone())
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.push(msg.Clone())
	}
}

// declare はキューを宣言する。一度durableとして宣言されたキューはdurableのまま維持する。
func (b *Memory) declare(queue string, durable bool) *memoryQueue {
	q, ok := b.queues[queue]
	if !ok {
		q = &memoryQueue{}
		b.queues[queue] = q
	}
	q.durable = q.durable || durable
	return q
}

// removeSub は購読を配送先から外す。
func (b *Memory) removeSub(s *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.queue == "" {
		b.subscribers[s.subject] = without(b.subscribers[s.subject], s)
		if len(b.subscribers[s.subject]) == 0 {
			delete(b.subscribers, s.subject)
		}
		return
	}
	if q, ok := b.queues[s.queue]; ok {
		q.consumers = without(q.consumers, s)
		if q.next >= len(q.consumers) {
			q.next = 0
		}
	}
}

// without はスライスから指定要素を除いたスライスを返す。
func without(subs []*memorySub, target *memorySub) []*memorySub {
	out := subs[:0:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// memoryConn はMemoryブローカーへの接続。
type memoryConn struct {
	broker *Memory
	url    string

	mu     sync.Mutex
	subs   []*memorySub
	closed bool

	lost     chan struct{}
	lostOnce sync.Once
}

// Publish はメッセージを送信する。
func (c *memoryConn) Publish(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrConnClosed
	}
	c.broker.published.Add(1)
	c.broker.route(msg)
	return nil
}

// Subscribe はサブジェクトを購読する。
func (c *memoryConn) Subscribe(subject string, h Handler) (Subscription, error) {
	s := newMemorySub(c, subject, "", h)
	if err := c.track(s); err != nil {
		return nil, err
	}

	c.broker.mu.Lock()
	c.broker.subscribers[subject] = append(c.broker.subscribers[subject], s)
	c.broker.mu.Unlock()

	go s.loop()
	return s, nil
}

// Consume はキューの消費者として登録する。滞留メッセージがあれば先に受け取る。
func (c *memoryConn) Consume(ctx context.Context, queue string, durable bool, h Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := newMemorySub(c, queue, queue, h)
	if err := c.track(s); err != nil {
		return nil, err
	}

	c.broker.mu.Lock()
	q := c.broker.declare(queue, durable)
	q.consumers = append(q.consumers, s)
	backlog := q.backlog
	q.backlog = nil
	c.broker.mu.Unlock()

	for _, msg := range backlog {
		s.push(msg)
	}
	go s.loop()
	return s, nil
}

// DeclareQueue はキューを宣言する。
func (c *memoryConn) DeclareQueue(ctx context.Context, queue string, durable bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrConnClosed
	}
	c.broker.mu.Lock()
	c.broker.declare(queue, durable)
	c.broker.mu.Unlock()
	return nil
}

// NewInbox は返信用サブジェクトを生成する。
func (c *memoryConn) NewInbox() string {
	return fmt.Sprintf("_INBOX.memory.%d", c.broker.inboxSeq.Add(1))
}

// Lost は接続喪失時にcloseされるチャネルを返す。
func (c *memoryConn) Lost() <-chan struct{} {
	return c.lost
}

// Close は接続を閉じる。
func (c *memoryConn) Close() error {
	c.terminate()
	return nil
}

// track は購読を接続に紐付ける。
func (c *memoryConn) track(s *memorySub) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.subs = append(c.subs, s)
	return nil
}

// isClosed は接続が閉じられているかを返す。
func (c *memoryConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// terminate は接続を閉じ、全購読を解除してLostを通知する。
func (c *memoryConn) terminate() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}

	c.broker.mu.Lock()
	delete(c.broker.conns, c)
	c.broker.mu.Unlock()

	c.lostOnce.Do(func() { close(c.lost) })
}

// memorySub はMemoryブローカー上の購読。
// 受信メッセージを内部キューに積み、専用goroutineでハンドラへ順に渡す。
type memorySub struct {
	conn    *memoryConn
	subject string
	// queue はキュー消費者の場合のキュー名。通常の購読では空。
	queue   string
	handler Handler

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*Message
	closed  bool
}

// newMemorySub は購読を生成する。
func newMemorySub(c *memoryConn, subject, queue string, h Handler) *memorySub {
	s := &memorySub{conn: c, subject: subject, queue: queue, handler: h}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// push はメッセージを配送待ちに積む。
func (s *memorySub) push(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = append(s.pending, msg)
	s.cond.Signal()
}

// loop は配送待ちのメッセージを順にハンドラへ渡す。
func (s *memorySub) loop() {
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		msg := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		s.handler(msg)
	}
}

// Unsubscribe は購読を解除する。未配送のメッセージは破棄される。
func (s *memorySub) Unsubscribe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pending = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	s.conn.broker.removeSub(s)
	return nil
}
