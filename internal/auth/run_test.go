package auth

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/micro/pkg/broker"
	"github.com/nao1215/micro/pkg/config"
	"github.com/nao1215/micro/pkg/connmgr"
	"github.com/nao1215/micro/pkg/correlation"
	"github.com/nao1215/micro/pkg/rpc"
)

func TestRun(t *testing.T) {
	t.Parallel()

	t.Run("ブローカー経由でトークンを発行できること", func(t *testing.T) {
		t.Parallel()

		cfg := &config.Config{
			Server: config.ServerConfig{
				JWTSecret:       "test-secret",
				DBPath:          ":memory:",
				AccessTokenTTL:  time.Minute,
				RefreshTokenTTL: time.Hour,
			},
			Broker: config.BrokerConfig{
				InitialBackoff: 5 * time.Millisecond,
				MaxBackoff:     20 * time.Millisecond,
			},
			Auth: config.EndpointConfig{BrokerURL: "memory://local", Queue: "auth_queue"},
		}
		endpoint, ok := cfg.Endpoint(config.ServiceAuth)
		require.True(t, ok)

		mem := broker.NewMemory()
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- Run(ctx, cfg, mem, nil) }()

		registry := correlation.New(correlation.WithSweepInterval(10 * time.Millisecond))
		go registry.Run(ctx)
		mgr := connmgr.New([]config.ServiceEndpoint{endpoint}, mem, rpc.ReplyHandler(registry, nil),
			connmgr.WithBackoff(5*time.Millisecond, 20*time.Millisecond))
		t.Cleanup(func() {
			cancel()
			_ = mgr.Close()
		})

		payload, err := json.Marshal(IssueTokensRequest{UserID: "user-1", Username: "gopher"})
		require.NoError(t, err)
		body, err := rpc.NewClient(mgr, registry).Call(ctx, endpoint.Name, endpoint.Queue, payload, 3*time.Second,
			rpc.WithPattern(PatternIssueTokens))
		require.NoError(t, err)

		var pair TokenPair
		require.NoError(t, json.Unmarshal(body, &pair))
		assert.NotEmpty(t, pair.AccessToken)
		assert.NotEmpty(t, pair.RefreshToken)
		assert.Equal(t, int64(time.Minute/time.Second), pair.ExpiresIn)

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("Runが終了しなかった")
		}
	})
}
