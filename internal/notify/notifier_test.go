package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"governor/internal/config"
	"governor/internal/domain"
	"governor/internal/notify"
)

type memSink struct {
	mu     sync.Mutex
	events []domain.Event
	fail   bool
}

func (s *memSink) Name() string { return "mem" }

func (s *memSink) Deliver(_ context.Context, evt domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	if s.fail {
		return errors.New("sink down")
	}
	return nil
}

func (s *memSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestPublishNeverBlocks(t *testing.T) {
	sink := &memSink{}
	n := notify.New(config.NotifyConfig{QueueSize: 2}, nil, sink)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			n.Publish(domain.Event{ID: int64(i), Type: "approval.created"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full queue")
	}
	assert.Equal(t, 8, n.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.Run(ctx)
	assert.Equal(t, 2, sink.len())
}

func TestRunDeliversAndSurvivesSinkErrors(t *testing.T) {
	bad := &memSink{fail: true}
	good := &memSink{}
	n := notify.New(config.NotifyConfig{RatePerSecond: 1000, Burst: 10}, nil, bad, good)
	ctx, cancel := context.WithCancel(context.Background())
	go n.Run(ctx)
	for i := 0; i < 5; i++ {
		n.Publish(domain.Event{ID: int64(i + 1), Type: "approval.created"})
	}
	require.Eventually(t, func() bool { return good.len() == 5 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-n.Done()
	assert.Equal(t, 5, bad.len())
}

func TestWebhookSink(t *testing.T) {
	var (
		mu       sync.Mutex
		received []map[string]any
		headers  []http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		received = append(received, body)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := notify.NewWebhook(config.WebhookConfig{URL: srv.URL, Secret: "s3cret", Events: []string{"approval.*"}})
	ctx := context.Background()
	require.NoError(t, hook.Deliver(ctx, domain.Event{ID: 7, Type: "approval.created", OrgID: "org-1", EntityKind: "approval", EntityID: "a-1", Payload: `{"risk_tier":"high"}`}))
	require.NoError(t, hook.Deliver(ctx, domain.Event{ID: 8, Type: "message.created"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "approval.created", headers[0].Get("X-Governor-Event"))
	assert.Equal(t, "7", headers[0].Get("X-Governor-Delivery"))
	assert.Equal(t, "s3cret", headers[0].Get("X-Governor-Secret"))
	assert.Equal(t, "high", received[0]["payload"].(map[string]any)["risk_tier"])
}

func TestWebhookSinkReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	err := notify.NewWebhook(config.WebhookConfig{URL: srv.URL}).Deliver(context.Background(), domain.Event{ID: 1, Type: "x"})
	assert.ErrorContains(t, err, "status 502")
}

// Requires a running Redis; skipped otherwise.
func TestRedisSink(t *testing.T) {
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()
	if _, err := client.Ping(ctx).Result(); err != nil {
		t.Skip("redis not available")
	}
	sub := client.Subscribe(ctx, "governor.test")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	sink := notify.NewRedis(config.RedisConfig{Addr: "localhost:6379", Channel: "governor.test"})
	defer sink.Close()
	require.NoError(t, sink.Deliver(ctx, domain.Event{ID: 3, Type: "approval.expired"}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, `"approval.expired"`)
}
