// Package notify persists notifications and fans them out to live sessions
// and, when configured, to Redis subscribers in other processes.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"linkup/internal/models"
	"linkup/internal/observability"
)

const deliveryTimeout = 5 * time.Second

// Store persists notifications. Implemented by db.DB.
type Store interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
}

// LiveSender pushes an event to every live session of a user. Implemented by
// chat.Service.
type LiveSender interface {
	SendToUser(userID, eventType string, payload interface{}) bool
}

// Publisher forwards an encoded notification to other processes.
type Publisher interface {
	Publish(ctx context.Context, recipientID string, data []byte) error
}

// Dispatcher is fire-and-forget: Notify returns immediately and failures are
// logged and counted, never reported to the caller.
type Dispatcher struct {
	store     Store
	publisher Publisher
	metrics   *observability.Collector
	logger    *zap.Logger
	now       func() time.Time

	mu   sync.RWMutex
	live LiveSender

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher. publisher may be nil.
func NewDispatcher(store Store, publisher Publisher, metrics *observability.Collector, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.Named("notify"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// AttachLive sets the live push target once it exists.
func (d *Dispatcher) AttachLive(live LiveSender) {
	d.mu.Lock()
	d.live = live
	d.mu.Unlock()
}

func (d *Dispatcher) liveSender() LiveSender {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.live
}

func (d *Dispatcher) Notify(recipientID, actorID string, payload models.NotificationPayload) {
	n := &models.Notification{
		RecipientID: recipientID,
		ActorID:     actorID,
		Payload:     payload,
		CreatedAt:   d.now(),
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()
		d.deliver(ctx, n)
	}()
}

// Wait blocks until every notification handed to Notify has been processed.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, n *models.Notification) {
	logger := d.logger.With(
		zap.String("recipient_id", n.RecipientID),
		zap.String("kind", string(n.Kind())))

	if err := d.store.CreateNotification(ctx, n); err != nil {
		d.metrics.RecordNotificationFailure("persist")
		logger.Error("Failed to persist notification", zap.Error(err))
		return
	}

	if live := d.liveSender(); live != nil {
		if live.SendToUser(n.RecipientID, models.EventNotification, n) {
			logger.Debug("Notification pushed", zap.String("notification_id", n.ID))
		}
	}

	if d.publisher == nil {
		return
	}
	data, err := json.Marshal(n)
	if err != nil {
		d.metrics.RecordNotificationFailure("encode")
		logger.Error("Failed to encode notification", zap.Error(err))
		return
	}
	if err := d.publisher.Publish(ctx, n.RecipientID, data); err != nil {
		d.metrics.RecordNotificationFailure("publish")
		logger.Warn("Failed to publish notification", zap.Error(err))
	}
}
