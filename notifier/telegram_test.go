package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"positionwatch/config"
	"positionwatch/internal/errs"
)

type telegramServer struct {
	mu       sync.Mutex
	requests map[string][]sendMessageRequest
	failing  map[string]bool
}

func newTelegramServer(t *testing.T) (*telegramServer, *httptest.Server) {
	ts := &telegramServer{requests: map[string][]sendMessageRequest{}, failing: map[string]bool{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/bot"), "/sendMessage")
		var req sendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		ts.mu.Lock()
		ts.requests[token] = append(ts.requests[token], req)
		fail := ts.failing[token]
		ts.mu.Unlock()

		if fail {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	t.Cleanup(srv.Close)
	return ts, srv
}

func testTelegramConfig(apiURL string) config.TelegramConfig {
	return config.TelegramConfig{
		Enabled:       true,
		APIURL:        apiURL,
		Timeout:       2 * time.Second,
		RatePerSecond: 100,
		Burst:         10,
		Bots: []config.TelegramBot{
			{Name: "primary", Token: "111:aaa", ChatID: "-1001", TopicID: 42},
			{Name: "backup", Token: "222:bbb", ChatID: "-1002"},
		},
	}
}

func TestTelegramDeliversToEveryBot(t *testing.T) {
	ts, srv := newTelegramServer(t)
	sink := NewTelegram(testTelegramConfig(srv.URL))

	require.NoError(t, sink.Deliver(context.Background(), "hello", ""))

	ts.mu.Lock()
	defer ts.mu.Unlock()
	require.Len(t, ts.requests["111:aaa"], 1)
	require.Len(t, ts.requests["222:bbb"], 1)
	assert.Equal(t, "-1001", ts.requests["111:aaa"][0].ChatID)
	assert.Equal(t, 42, ts.requests["111:aaa"][0].MessageThreadID)
	assert.Equal(t, "hello", ts.requests["222:bbb"][0].Text)
}

func TestTelegramSucceedsWhenAnyBotSucceeds(t *testing.T) {
	ts, srv := newTelegramServer(t)
	ts.mu.Lock()
	ts.failing["111:aaa"] = true
	ts.mu.Unlock()
	sink := NewTelegram(testTelegramConfig(srv.URL))

	assert.NoError(t, sink.Deliver(context.Background(), "hello", ""))

	ts.mu.Lock()
	ts.failing["222:bbb"] = true
	ts.mu.Unlock()
	err := sink.Deliver(context.Background(), "hello", "")
	require.Error(t, err)
	assert.True(t, errs.IsDelivery(err))
	assert.Contains(t, err.Error(), "chat not found")
}

func TestTelegramRouteSelectsBot(t *testing.T) {
	ts, srv := newTelegramServer(t)
	sink := NewTelegram(testTelegramConfig(srv.URL))

	require.NoError(t, sink.Deliver(context.Background(), "only backup", "backup"))
	ts.mu.Lock()
	assert.Empty(t, ts.requests["111:aaa"])
	assert.Len(t, ts.requests["222:bbb"], 1)
	ts.mu.Unlock()

	err := sink.Deliver(context.Background(), "nobody", "missing")
	assert.True(t, errs.IsDelivery(err))
}

func TestTelegramErrorDoesNotLeakToken(t *testing.T) {
	cfg := testTelegramConfig("http://127.0.0.1:1")
	cfg.Bots = cfg.Bots[:1]
	err := NewTelegram(cfg).Deliver(context.Background(), "hello", "")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "111:aaa")
}

func TestNewFallsBackToLogSink(t *testing.T) {
	sink := New(config.TelegramConfig{})
	_, ok := sink.(LogSink)
	require.True(t, ok)
	assert.NoError(t, sink.Deliver(context.Background(), "text", ""))
}
