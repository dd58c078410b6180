package connmgr

import "time"

// EventKind は接続イベントの種類。
type EventKind string

const (
	// EventConnected は接続が確立したことを示す。
	EventConnected EventKind = "connected"
	// EventDisconnected は接続が失われたことを示す。
	EventDisconnected EventKind = "disconnected"
	// EventAttemptFailed は接続試行が失敗し、再試行を予定していることを示す。
	EventAttemptFailed EventKind = "attempt_failed"
	// EventGaveUp は試行回数を使い切って再接続を断念したことを示す。
	EventGaveUp EventKind = "gave_up"
)

// Event は接続状態の変化や接続試行の結果。
type Event struct {
	// Endpoint はエンドポイント名。
	Endpoint string
	// Kind はイベントの種類。
	Kind EventKind
	// Attempt はループ内での試行番号。接続試行に関するイベントでのみ設定される。
	Attempt int
	// Err は失敗の原因。
	Err error
	// NextRetry は次の試行までの待機時間。EventAttemptFailedでのみ設定される。
	NextRetry time.Duration
}
