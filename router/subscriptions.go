package router

import "sync"

// subscriberKey identifies one (session, uri) subscription entry, per spec
// §4.5 "Subscriptions".
type subscriberKey struct {
	sessionID string
	uri       string
}

// Notification is one resource-update delivery, carrying the uri it's for
// so a drain loop can build the outbound "notifications/resources/updated"
// params without a second lookup.
type Notification struct {
	URI     string
	Payload any
}

// SubscriptionBus is a publish/subscribe fan-out for resource update
// notifications, grounded on the teacher's domain.EventBus (Sub/Pub/Unsub
// over buffered channels; an update for a subscriber whose buffer is full
// is dropped rather than blocking publishers). Delivery is keyed by (session_id, uri) membership, but each
// session drains through exactly one outbound channel no matter how many
// URIs it subscribes to — a connection runs one send loop per session, not
// one per subscription, so the channel a caller actually drains must be
// per-session.
type SubscriptionBus struct {
	mu           sync.RWMutex
	members      map[subscriberKey]bool
	sessionChans map[string]chan Notification
	bufferSize   int
}

// NewSubscriptionBus builds a SubscriptionBus with the given per-session
// channel buffer size (defaulting to 1).
func NewSubscriptionBus(bufferSize int) *SubscriptionBus {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &SubscriptionBus{
		members:      make(map[subscriberKey]bool),
		sessionChans: make(map[string]chan Notification),
		bufferSize:   bufferSize,
	}
}

// Notifications returns sessionID's outbound channel, creating it if this
// is the first call for that session. Safe to call before any Subscribe —
// a connection drains this as soon as it's accepted, independent of when
// (or whether) the client ever subscribes to anything.
func (b *SubscriptionBus) Notifications(sessionID string) chan Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionChanLocked(sessionID)
}

func (b *SubscriptionBus) sessionChanLocked(sessionID string) chan Notification {
	ch, ok := b.sessionChans[sessionID]
	if !ok {
		ch = make(chan Notification, b.bufferSize)
		b.sessionChans[sessionID] = ch
	}
	return ch
}

// Subscribe installs a (sessionID, uri) membership entry; Publish(uri, ...)
// delivers onto sessionID's Notifications channel from then on.
func (b *SubscriptionBus) Subscribe(sessionID, uri string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.members[subscriberKey{sessionID, uri}] = true
	b.sessionChanLocked(sessionID) // ensure a drainable channel exists
}

// Unsubscribe removes a (sessionID, uri) membership entry, if present. The
// session's Notifications channel stays open regardless — it's shared with
// any other subscription the session holds, and with the connection that's
// draining it.
func (b *SubscriptionBus) Unsubscribe(sessionID, uri string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.members, subscriberKey{sessionID, uri})
}

// TeardownSession removes every subscription entry belonging to sessionID
// and closes its Notifications channel, called on session disconnect (spec
// §4.5 "session teardown removes entries").
func (b *SubscriptionBus) TeardownSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.members {
		if key.sessionID == sessionID {
			delete(b.members, key)
		}
	}
	if ch, ok := b.sessionChans[sessionID]; ok {
		delete(b.sessionChans, sessionID)
		close(ch)
	}
}

// Publish delivers payload to every session subscribed to uri. When a
// session's channel is full the update is dropped for that session (the
// subscription stays) rather than blocking the publisher, matching the
// teacher's EventBus.Pub non-blocking send.
func (b *SubscriptionBus) Publish(uri string, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for key := range b.members {
		if key.uri != uri {
			continue
		}
		ch, ok := b.sessionChans[key.sessionID]
		if !ok {
			continue
		}
		select {
		case ch <- Notification{URI: uri, Payload: payload}:
		default:
		}
	}
}

// Subscribers reports how many sessions currently subscribe to uri, for
// tests and metrics.
func (b *SubscriptionBus) Subscribers(uri string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for key := range b.members {
		if key.uri == uri {
			n++
		}
	}
	return n
}
