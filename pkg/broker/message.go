package broker

import (
	"context"
	"errors"
	"maps"
)

// ワイヤ上でメタデータを運ぶヘッダーキー。
const (
	// HeaderCorrelationID は相関IDを運ぶヘッダー。
	HeaderCorrelationID = "X-Correlation-ID"
	// HeaderReplyTo は返信先を運ぶヘッダー。
	// JetStream経由ではメッセージ本来のReplyがACK用に使われるため、ヘッダーで渡す。
	HeaderReplyTo = "X-Reply-To"
	// HeaderPattern は下流サービスが処理を振り分けるためのパターンを運ぶヘッダー。
	HeaderPattern = "X-Pattern"
	// HeaderError はエラー応答であることを示すヘッダー。
	HeaderError = "X-Error"
	// HeaderUserID は認証済みユーザーIDを下流サービスへ伝播するヘッダー。
	HeaderUserID = "X-User-ID"
)

var (
	// ErrConnClosed は切断済みの接続を使用しようとしたことを示す。
	ErrConnClosed = errors.New("ブローカー接続は既に閉じられています")
	// ErrBrokerDown はブローカーに到達できないことを示す。
	ErrBrokerDown = errors.New("ブローカーに到達できません")
)

// Message はブローカー上を流れるリクエストまたは応答。
type Message struct {
	// Subject は宛先のキュー名またはサブジェクト。
	Subject string
	// CorrelationID はリクエストと応答を対応付ける識別子。
	CorrelationID string
	// ReplyTo は応答の送信先。応答メッセージでは空。
	ReplyTo string
	// Pattern は下流サービス内の処理を選択するためのパターン。
	Pattern string
	// Headers はその他のメタデータ。
	Headers map[string]string
	// Body はメッセージ本体。
	Body []byte
	// Failed は下流サービスがエラーを返したことを示すマーカー。
	Failed bool
}

// Header は指定キーのヘッダー値を返す。存在しなければ空文字列を返す。
func (m *Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// Clone はメッセージの複製を返す。
func (m *Message) Clone() *Message {
	c := *m
	if m.Headers != nil {
		c.Headers = maps.Clone(m.Headers)
	}
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	return &c
}

// Handler は受信したメッセージを処理する関数。
// サブスクリプションごとに専用のgoroutineから順に呼び出される。
type Handler func(msg *Message)

// Subscription は購読を表す。
type Subscription interface {
	// Unsubscribe は購読を解除する。
	Unsubscribe() error
}

// Conn はブローカーへの1本の接続。
// Publishは複数のgoroutineから同時に呼び出してよい。
type Conn interface {
	// Publish はメッセージを送信する。
	Publish(ctx context.Context, msg *Message) error
	// Subscribe はサブジェクトを購読する。返信用の受信箱に使う。
	Subscribe(subject string, h Handler) (Subscription, error)
	// Consume はキューからメッセージを受信する。同じキューの消費者間で負荷分散される。
	Consume(ctx context.Context, queue string, durable bool, h Handler) (Subscription, error)
	// DeclareQueue はキューを宣言する。durableならブローカー再起動後もメッセージが残る。
	DeclareQueue(ctx context.Context, queue string, durable bool) error
	// NewInbox は接続固有の返信用サブジェクトを生成する。
	NewInbox() string
	// Lost は接続が失われた時点でcloseされるチャネルを返す。
	Lost() <-chan struct{}
	// Close は接続を閉じる。
	Close() error
}

// Dialer はブローカーへの接続を確立する。
type Dialer interface {
	// Dial は指定URLのブローカーへ接続する。
	Dial(ctx context.Context, url string) (Conn, error)
}
