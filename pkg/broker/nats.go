package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// NATSDialer はNATSサーバーへの接続を確立する。
// 再接続はnats.goに任せず、接続マネージャーが制御するためNoReconnectで接続する。
type NATSDialer struct {
	// Name はNATSサーバーに通知するクライアント名。
	Name string
	// Timeout は接続確立のタイムアウト。
	Timeout time.Duration
	// Token は認証トークン。空なら使用しない。
	Token string
	// Logger はログ出力先。nilなら出力しない。
	Logger *zap.Logger
}

// Dial はNATSサーバーへ接続する。
func (d *NATSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	c := &natsConn{
		lost:    make(chan struct{}),
		durable: make(map[string]bool),
		logger:  logger.With(zap.String("url", url)),
	}

	opts := []nats.Option{
		nats.Timeout(timeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("NATS接続が切断されました", zap.Error(err))
			}
			c.markLost()
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.markLost()
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			c.logger.Warn("NATSの非同期エラー", zap.String("subject", subject), zap.Error(err))
		}),
	}
	if d.Name != "" {
		opts = append(opts, nats.Name(d.Name))
	}
	if d.Token != "" {
		opts = append(opts, nats.Token(d.Token))
	}

	type result struct {
		nc  *nats.Conn
		err error
	}
	done := make(chan result, 1)
	go func() {
		nc, err := nats.Connect(url, opts...)
		done <- result{nc: nc, err: err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		// 接続が後から成立した場合に備えて後始末する
		go func() {
			if late := <-done; late.nc != nil {
				late.nc.Close()
			}
		}()
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, fmt.Errorf("NATSへの接続に失敗: %w", r.err)
	}

	js, err := jetstream.New(r.nc)
	if err != nil {
		r.nc.Close()
		return nil, fmt.Errorf("JetStreamの初期化に失敗: %w", err)
	}
	c.nc = r.nc
	c.js = js
	return c, nil
}

// natsConn はNATSへの接続。durableなキューはJetStreamのワークキューストリームで表現する。
type natsConn struct {
	nc *nats.Conn
	js jetstream.JetStream

	// durable はdurableとして宣言済みのキュー。
	durable map[string]bool
	mu      sync.RWMutex

	lost     chan struct{}
	lostOnce sync.Once
	logger   *zap.Logger
}

// Publish はメッセージを送信する。durableなキュー宛てはJetStreamの受領確認を待つ。
func (c *natsConn) Publish(ctx context.Context, msg *Message) error {
	if c.nc.IsClosed() {
		return ErrConnClosed
	}
	m := toNATS(msg)

	c.mu.RLock()
	durable := c.durable[msg.Subject]
	c.mu.RUnlock()

	if durable {
		if _, err := c.js.PublishMsg(ctx, m); err != nil {
			return fmt.Errorf("JetStreamへの送信に失敗: %w", err)
		}
		return nil
	}
	if err := c.nc.PublishMsg(m); err != nil {
		return fmt.Errorf("NATSへの送信に失敗: %w", err)
	}
	return nil
}

// Subscribe はサブジェクトを購読する。
func (c *natsConn) Subscribe(subject string, h Handler) (Subscription, error) {
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		h(fromNATS(m.Subject, m.Header, m.Data))
	})
	if err != nil {
		return nil, fmt.Errorf("サブジェクト %s の購読に失敗: %w", subject, err)
	}
	return sub, nil
}

// Consume はキューからメッセージを受信する。
// durableならJetStreamの永続コンシューマー、そうでなければキューグループで購読する。
func (c *natsConn) Consume(ctx context.Context, queue string, durable bool, h Handler) (Subscription, error) {
	if !durable {
		sub, err := c.nc.QueueSubscribe(queue, queue, func(m *nats.Msg) {
			h(fromNATS(m.Subject, m.Header, m.Data))
		})
		if err != nil {
			return nil, fmt.Errorf("キュー %s の購読に失敗: %w", queue, err)
		}
		return sub, nil
	}

	if err := c.DeclareQueue(ctx, queue, true); err != nil {
		return nil, err
	}
	name := streamName(queue)
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, name, jetstream.ConsumerConfig{
		Durable:       name,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: queue,
	})
	if err != nil {
		return nil, fmt.Errorf("コンシューマー %s の作成に失敗: %w", name, err)
	}

	cc, err := consumer.Consume(func(m jetstream.Msg) {
		h(fromNATS(m.Subject(), m.Headers(), m.Data()))
		if err := m.Ack(); err != nil {
			c.logger.Warn("メッセージのACKに失敗", zap.String("queue", queue), zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("キュー %s の消費開始に失敗: %w", queue, err)
	}
	return consumeSubscription{cc: cc}, nil
}

// DeclareQueue はキューを宣言する。durableならファイル保存のワークキューストリームを作成する。
func (c *natsConn) DeclareQueue(ctx context.Context, queue string, durable bool) error {
	if !durable {
		return nil
	}
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName(queue),
		Subjects:  []string{queue},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		return fmt.Errorf("ストリーム %s の作成に失敗: %w", streamName(queue), err)
	}

	c.mu.Lock()
	c.durable[queue] = true
	c.mu.Unlock()
	return nil
}

// NewInbox は返信用サブジェクトを生成する。
func (c *natsConn) NewInbox() string {
	return c.nc.NewRespInbox()
}

// Lost は接続喪失時にcloseされるチャネルを返す。
func (c *natsConn) Lost() <-chan struct{} {
	return c.lost
}

// Close は接続を閉じる。
func (c *natsConn) Close() error {
	c.nc.Close()
	c.markLost()
	return nil
}

// markLost は接続喪失を一度だけ通知する。
func (c *natsConn) markLost() {
	c.lostOnce.Do(func() { close(c.lost) })
}

// consumeSubscription はJetStreamの消費をSubscriptionとして扱うためのアダプタ。
type consumeSubscription struct {
	cc jetstream.ConsumeContext
}

// Unsubscribe は消費を停止する。
func (s consumeSubscription) Unsubscribe() error {
	s.cc.Stop()
	return nil
}

// streamNameReplacer はストリーム名に使用できない文字を置換する。
var streamNameReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// streamName はキュー名からJetStreamのストリーム名を導出する。
func streamName(queue string) string {
	return strings.ToUpper(streamNameReplacer.Replace(queue))
}

// toNATS はMessageをNATSメッセージに変換する。
func toNATS(msg *Message) *nats.Msg {
	m := nats.NewMsg(msg.Subject)
	m.Data = msg.Body
	for k, v := range msg.Headers {
		m.Header.Set(k, v)
	}
	if msg.CorrelationID != "" {
		m.Header.Set(HeaderCorrelationID, msg.CorrelationID)
	}
	if msg.ReplyTo != "" {
		m.Header.Set(HeaderReplyTo, msg.ReplyTo)
	}
	if msg.Pattern != "" {
		m.Header.Set(HeaderPattern, msg.Pattern)
	}
	if msg.Failed {
		m.Header.Set(HeaderError, "true")
	}
	return m
}

// fromNATS はNATSメッセージをMessageに変換する。
func fromNATS(subject string, header nats.Header, data []byte) *Message {
	msg := &Message{
		Subject: subject,
		Body:    data,
	}
	for k := range header {
		v := header.Get(k)
		switch k {
		case HeaderCorrelationID:
			msg.CorrelationID = v
		case HeaderReplyTo:
			msg.ReplyTo = v
		case HeaderPattern:
			msg.Pattern = v
		case HeaderError:
			msg.Failed = v == "true"
		default:
			if msg.Headers == nil {
				msg.Headers = make(map[string]string)
			}
			msg.Headers[k] = v
		}
	}
	return msg
}
