// Package events fans status-change events out to real-time subscribers.
package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/tunnelmesh/fleet/internal/domain"
	"github.com/tunnelmesh/fleet/internal/logger"
	"github.com/tunnelmesh/fleet/internal/metrics"
	"github.com/tunnelmesh/fleet/internal/models"
)

const subscriberBuffer = 64

// Dispatcher delivers each status change to subscribers of the owning user
// and of the instance id. Delivery is non-blocking: a subscriber whose buffer
// is full misses the event (status is last-write-wins state, not a log, so a
// reconnecting consumer re-reads current state anyway).
type Dispatcher struct {
	mu         sync.RWMutex
	byUser     map[string]map[*Subscription]struct{}
	byInstance map[string]map[*Subscription]struct{}
	log        *zap.Logger
}

var _ domain.EventSink = (*Dispatcher)(nil)

// Subscription is one subscriber's event channel.
type Subscription struct {
	C chan models.StatusChange

	dispatcher *Dispatcher
	userID     string
	instanceID string
	once       sync.Once
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		byUser:     make(map[string]map[*Subscription]struct{}),
		byInstance: make(map[string]map[*Subscription]struct{}),
		log:        logger.New("events"),
	}
}

// SubscribeUser registers for all status changes of a user's instances.
func (d *Dispatcher) SubscribeUser(userID string) *Subscription {
	sub := &Subscription{
		C:          make(chan models.StatusChange, subscriberBuffer),
		dispatcher: d,
		userID:     userID,
	}
	d.mu.Lock()
	if d.byUser[userID] == nil {
		d.byUser[userID] = make(map[*Subscription]struct{})
	}
	d.byUser[userID][sub] = struct{}{}
	d.mu.Unlock()
	return sub
}

// SubscribeInstance registers for one instance's status changes.
func (d *Dispatcher) SubscribeInstance(instanceID string) *Subscription {
	sub := &Subscription{
		C:          make(chan models.StatusChange, subscriberBuffer),
		dispatcher: d,
		instanceID: instanceID,
	}
	d.mu.Lock()
	if d.byInstance[instanceID] == nil {
		d.byInstance[instanceID] = make(map[*Subscription]struct{})
	}
	d.byInstance[instanceID][sub] = struct{}{}
	d.mu.Unlock()
	return sub
}

// Close unregisters the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		d := s.dispatcher
		d.mu.Lock()
		if s.userID != "" {
			if subs := d.byUser[s.userID]; subs != nil {
				delete(subs, s)
				if len(subs) == 0 {
					delete(d.byUser, s.userID)
				}
			}
		}
		if s.instanceID != "" {
			if subs := d.byInstance[s.instanceID]; subs != nil {
				delete(subs, s)
				if len(subs) == 0 {
					delete(d.byInstance, s.instanceID)
				}
			}
		}
		d.mu.Unlock()
		close(s.C)
	})
}

// Publish delivers evt to the owning user's subscribers and the instance's
// subscribers.
func (d *Dispatcher) Publish(evt models.StatusChange) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for sub := range d.byUser[evt.UserID] {
		d.send(sub, evt)
	}
	for sub := range d.byInstance[evt.InstanceID] {
		d.send(sub, evt)
	}
}

func (d *Dispatcher) send(sub *Subscription, evt models.StatusChange) {
	select {
	case sub.C <- evt:
		metrics.EventsDispatched.Inc()
	default:
		metrics.EventsDropped.Inc()
		d.log.Debug("Subscriber buffer full, event dropped",
			zap.String("instance_id", evt.InstanceID))
	}
}
