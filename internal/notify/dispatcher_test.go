package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"linkup/internal/db"
	"linkup/internal/models"
	"linkup/internal/observability"
)

type pushed struct {
	userID    string
	eventType string
	payload   interface{}
}

type fakeLive struct {
	mu     sync.Mutex
	online map[string]bool
	pushes []pushed
}

func (f *fakeLive) SendToUser(userID, eventType string, payload interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online[userID] {
		return false
	}
	f.pushes = append(f.pushes, pushed{userID, eventType, payload})
	return true
}

type fakePublisher struct {
	mu       sync.Mutex
	err      error
	messages map[string][][]byte
}

func (f *fakePublisher) Publish(_ context.Context, recipientID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.messages == nil {
		f.messages = make(map[string][][]byte)
	}
	f.messages[recipientID] = append(f.messages[recipientID], data)
	return nil
}

func newStore(t *testing.T) (*db.DB, string) {
	t.Helper()
	store, err := db.NewMemoryDB()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	user := &models.User{Username: "alice", Password: "hash"}
	require.NoError(t, store.CreateUser(context.Background(), user))
	return store, user.ID
}

func TestDispatcherPersistsPushesAndPublishes(t *testing.T) {
	store, recipient := newStore(t)
	live := &fakeLive{online: map[string]bool{recipient: true}}
	publisher := &fakePublisher{}

	d := NewDispatcher(store, publisher, observability.NewCollector("notify_test"), zap.NewNop())
	d.AttachLive(live)

	d.Notify(recipient, "actor", models.ConnectionRequestPayload{RequestID: "req-1", Message: "hi"})
	d.Wait()

	stored, err := store.ListNotifications(context.Background(), recipient, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, models.ConnectionRequestPayload{RequestID: "req-1", Message: "hi"}, stored[0].Payload)
	assert.False(t, stored[0].Read)

	require.Len(t, live.pushes, 1)
	assert.Equal(t, models.EventNotification, live.pushes[0].eventType)

	require.Len(t, publisher.messages[recipient], 1)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(publisher.messages[recipient][0], &decoded))
	assert.Equal(t, "connection_request", decoded["kind"])
	assert.Equal(t, stored[0].ID, decoded["id"])
}

func TestDispatcherWithoutLiveOrPublisher(t *testing.T) {
	store, recipient := newStore(t)
	d := NewDispatcher(store, nil, nil, zap.NewNop())

	d.Notify(recipient, "actor", models.ConnectionAcceptedPayload{ConnectionID: "c-1"})
	d.Wait()

	stored, err := store.ListNotifications(context.Background(), recipient, 10)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestDispatcherFailuresAreCountedNotReturned(t *testing.T) {
	store, recipient := newStore(t)
	metrics := observability.NewCollector("notify_test")
	publisher := &fakePublisher{err: errors.New("redis down")}
	live := &fakeLive{}

	d := NewDispatcher(store, publisher, metrics, zap.NewNop())
	d.AttachLive(live)

	d.Notify(recipient, "actor", models.NewMessagePayload{ConversationID: "c", MessageID: "m", Preview: "hey"})
	// unknown recipient violates the foreign key
	d.Notify("ghost", "actor", models.NewMessagePayload{ConversationID: "c", MessageID: "m"})
	d.Wait()

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.NotificationFailures.WithLabelValues("publish")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.NotificationFailures.WithLabelValues("persist")))
	assert.Empty(t, live.pushes)

	stored, err := store.ListNotifications(context.Background(), recipient, 10)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestRedisPublisherTripsBreaker(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	p := NewRedisPublisher(client, "notify:", zap.NewNop())
	defer p.Close()

	assert.Equal(t, "notify:u1", p.Channel("u1"))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		err := p.Publish(ctx, "u1", []byte(`{}`))
		require.Error(t, err)
		assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}

	assert.Equal(t, gobreaker.StateOpen, p.State())
	err := p.Publish(ctx, "u1", []byte(`{}`))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}
