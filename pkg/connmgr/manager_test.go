package connmgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/micro/pkg/broker"
	"github.com/nao1215/micro/pkg/config"
	"github.com/nao1215/micro/pkg/rpcerr"
)

var testEndpoints = []config.ServiceEndpoint{
	{Name: "users", BrokerURL: "memory://users", Queue: "users_queue", Durable: true},
	{Name: "auth", BrokerURL: "memory://auth", Queue: "auth_queue", Durable: false},
}

// eventRecorder は接続イベントを記録する。
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// newTestManager はインメモリブローカーに接続するマネージャーを生成する。
func newTestManager(t *testing.T, b *broker.Memory, replies broker.Handler, opts ...Option) (*Manager, *eventRecorder) {
	t.Helper()
	if replies == nil {
		replies = func(*broker.Message) {}
	}
	opts = append([]Option{WithBackoff(5*time.Millisecond, 20*time.Millisecond)}, opts...)
	m := New(testEndpoints, b, replies, opts...)
	rec := &eventRecorder{}
	m.OnEvent(rec.record)
	t.Cleanup(func() { _ = m.Close() })
	return m, rec
}

// TestManager_AcquireChannel はチャネル取得を検証する。
func TestManager_AcquireChannel(t *testing.T) {
	t.Parallel()

	t.Run("同時に取得しても接続が1本だけ作られること", func(t *testing.T) {
		t.Parallel()

		b := broker.NewMemory()
		m, rec := newTestManager(t, b, nil)

		var wg sync.WaitGroup
		channels := make([]*Channel, 20)
		for i := range channels {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ch, err := m.AcquireChannel(context.Background(), "users")
				assert.NoError(t, err)
				channels[i] = ch
			}()
		}
		wg.Wait()

		for _, ch := range channels {
			assert.Same(t, channels[0], ch)
		}
		assert.Equal(t, int64(1), b.Dials())
		assert.Equal(t, 1, rec.count(EventConnected))
		assert.Equal(t, StateConnected, m.Status()["users"])
	})

	t.Run("未知のエンドポイントでConnectionErrorが返ること", func(t *testing.T) {
		t.Parallel()

		m, _ := newTestManager(t, broker.NewMemory(), nil)
		_, err := m.AcquireChannel(context.Background(), "billing")
		require.ErrorIs(t, err, rpcerr.ErrConnection)
		assert.ErrorIs(t, err, ErrUnknownEndpoint)
	})

	t.Run("接続時にキューが宣言され受信箱の応答がハンドラに届くこと", func(t *testing.T) {
		t.Parallel()

		b := broker.NewMemory()
		got := make(chan *broker.Message, 1)
		m, _ := newTestManager(t, b, func(msg *broker.Message) { got <- msg })

		ch, err := m.AcquireChannel(context.Background(), "users")
		require.NoError(t, err)
		assert.NotEmpty(t, ch.ReplyTo())
		assert.Equal(t, "users", ch.Endpoint())

		require.NoError(t, ch.Publish(context.Background(), &broker.Message{Subject: "users_queue", Body: []byte("queued")}))
		assert.Equal(t, 1, b.Backlog("users_queue"))

		require.NoError(t, ch.Publish(context.Background(), &broker.Message{
			Subject:       ch.ReplyTo(),
			CorrelationID: "c-1",
			Body:          []byte("reply"),
		}))
		select {
		case msg := <-got:
			assert.Equal(t, "c-1", msg.CorrelationID)
		case <-time.After(time.Second):
			t.Fatal("応答がハンドラに届かなかった")
		}
	})

	t.Run("ブローカー停止中はコンテキスト期限でConnectionErrorになること", func(t *testing.T) {
		t.Parallel()

		b := broker.NewMemory()
		b.Drop()
		m, rec := newTestManager(t, b, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := m.AcquireChannel(ctx, "users")
		require.ErrorIs(t, err, rpcerr.ErrConnection)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Positive(t, rec.count(EventAttemptFailed))
	})

	t.Run("fail-fastでは最初の試行失敗で即座にエラーになること", func(t *testing.T) {
		t.Parallel()

		b := broker.NewMemory()
		b.Drop()
		m, _ := newTestManager(t, b, nil, WithFailFast(true), WithBackoff(time.Second, time.Second))

		start := time.Now()
		_, err := m.AcquireChannel(context.Background(), "users")
		require.ErrorIs(t, err, rpcerr.ErrConnection)
		assert.ErrorIs(t, err, broker.ErrBrokerDown)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})

	t.Run("試行回数を使い切ると断念し次の取得で再開すること", func(t *testing.T) {
		t.Parallel()

		b := broker.NewMemory()
		b.Drop()
		m, rec := newTestManager(t, b, nil, WithMaxAttempts(2))

		_, err := m.AcquireChannel(context.Background(), "users")
		require.ErrorIs(t, err, rpcerr.ErrConnection)
		assert.Equal(t, 1, rec.count(EventGaveUp))
		assert.Equal(t, StateDisconnected, m.Status()["users"])
		assert.Equal(t, int64(2), b.Dials())

		b.Restore()
		ch, err := m.AcquireChannel(context.Background(), "users")
		require.NoError(t, err)
		assert.NotNil(t, ch)
	})
}

// TestManager_Reconnect は接続喪失からの復旧を検証する。
func TestManager_Reconnect(t *testing.T) {
	t.Parallel()

	t.Run("ブローカー復旧後に再起動なしで新しい接続が使えること", func(t *testing.T) {
		t.Parallel()

		b := broker.NewMemory()
		m, rec := newTestManager(t, b, nil)

		first, err := m.AcquireChannel(context.Background(), "users")
		require.NoError(t, err)

		b.Drop()
		select {
		case <-first.Lost():
		case <-time.After(time.Second):
			t.Fatal("接続喪失が通知されなかった")
		}
		assert.Eventually(t, func() bool { return rec.count(EventDisconnected) == 1 }, time.Second, 5*time.Millisecond)

		time.AfterFunc(30*time.Millisecond, b.Restore)

		second, err := m.AcquireChannel(context.Background(), "users")
		require.NoError(t, err)
		assert.NotSame(t, first, second)
		assert.NotEqual(t, first.ReplyTo(), second.ReplyTo())
		assert.Equal(t, StateConnected, m.Status()["users"])
		assert.Equal(t, 2, rec.count(EventConnected))
	})

	t.Run("再接続中はStatusがreconnectingになること", func(t *testing.T) {
		t.Parallel()

		b := broker.NewMemory()
		m, _ := newTestManager(t, b, nil)

		_, err := m.AcquireChannel(context.Background(), "auth")
		require.NoError(t, err)

		b.Drop()
		assert.Eventually(t, func() bool {
			return m.Status()["auth"] == StateReconnecting
		}, time.Second, 5*time.Millisecond)
		b.Restore()
		assert.Eventually(t, func() bool {
			return m.Status()["auth"] == StateConnected
		}, time.Second, 5*time.Millisecond)
	})
}

// TestManager_Connect は起動時の一括接続を検証する。
func TestManager_Connect(t *testing.T) {
	t.Parallel()

	b := broker.NewMemory()
	m, _ := newTestManager(t, b, nil)

	require.NoError(t, m.Connect(context.Background()))
	status := m.Status()
	assert.Equal(t, StateConnected, status["users"])
	assert.Equal(t, StateConnected, status["auth"])
}

// TestManager_OnEvent はイベント通知を検証する。
func TestManager_OnEvent(t *testing.T) {
	t.Parallel()

	t.Run("登録したすべてのコールバックに通知されること", func(t *testing.T) {
		t.Parallel()

		b := broker.NewMemory()
		m, first := newTestManager(t, b, nil)
		second := &eventRecorder{}
		m.OnEvent(second.record)

		require.NoError(t, m.Connect(context.Background()))
		assert.Eventually(t, func() bool {
			return first.count(EventConnected) == 2 && second.count(EventConnected) == 2
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("コールバックの中でコールバックを追加してもデッドロックしないこと", func(t *testing.T) {
		t.Parallel()

		b := broker.NewMemory()
		m, _ := newTestManager(t, b, nil)
		late := &eventRecorder{}
		var once sync.Once
		m.OnEvent(func(Event) {
			once.Do(func() { m.OnEvent(late.record) })
		})

		_, err := m.AcquireChannel(context.Background(), "users")
		require.NoError(t, err)
		_, err = m.AcquireChannel(context.Background(), "auth")
		require.NoError(t, err)
		assert.Eventually(t, func() bool {
			return late.count(EventConnected) >= 1
		}, time.Second, 5*time.Millisecond)
	})
}

// TestManager_Close は終了処理を検証する。
func TestManager_Close(t *testing.T) {
	t.Parallel()

	b := broker.NewMemory()
	m, _ := newTestManager(t, b, nil)

	ch, err := m.AcquireChannel(context.Background(), "users")
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	<-ch.Lost()
	_, err = m.AcquireChannel(context.Background(), "users")
	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.Equal(t, StateClosed, m.Status()["users"])
}
