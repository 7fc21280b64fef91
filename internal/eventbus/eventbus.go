// Package eventbus implements C11: a process-wide, fire-and-forget fan-out
// of domain events to local subscribers (SSE consumers, the kill switch).
// Modeled on the teacher's observation that cyclic service references
// (KillSwitch <-> KeyStore <-> AppService in the original source) are
// better expressed as publish/subscribe than direct back-references
// (spec.md §9 "Cyclic relationships").
package eventbus

import (
	"sync"
)

// Kind enumerates the event kinds listed in spec.md §6.
type Kind string

const (
	KindConnected       Kind = "connected"
	KindReconnected      Kind = "reconnected"
	KindRequestCreated   Kind = "request:created"
	KindRequestApproved  Kind = "request:approved"
	KindRequestDenied    Kind = "request:denied"
	KindRequestExpired   Kind = "request:expired"
	KindRequestAutoAppr  Kind = "request:auto_approved"
	KindAppConnected     Kind = "app:connected"
	KindAppRevoked       Kind = "app:revoked"
	KindAppUpdated       Kind = "app:updated"
	KindKeyCreated       Kind = "key:created"
	KindKeyUnlocked      Kind = "key:unlocked"
	KindKeyLocked        Kind = "key:locked"
	KindKeyDeleted       Kind = "key:deleted"
	KindKeyRenamed       Kind = "key:renamed"
	KindKeyUpdated       Kind = "key:updated"
	KindStatsUpdated     Kind = "stats:updated"
	KindRelaysUpdated    Kind = "relays:updated"
	KindAdminEvent       Kind = "admin:event"
	KindDeadmanPanic     Kind = "deadman:panic"
	KindDeadmanReset     Kind = "deadman:reset"
	KindDeadmanUpdated   Kind = "deadman:updated"
	KindLogEntry         Kind = "log:entry"
	KindHealthUpdated    Kind = "health:updated"
	KindPing             Kind = "ping"
	KindPoolReset         Kind = "pool-reset"
	KindStatusChange      Kind = "status-change"
	KindSleepDetected     Kind = "sleep-detected"
)

// Event is one message published on the bus.
type Event struct {
	Kind Kind
	Data any
}

// Subscriber receives events. Handle must not block for long: emits are
// fire-and-forget and a slow subscriber must never stall the pipeline.
type Subscriber func(Event)

// Bus is a process-wide publisher. Subscribers are local and synchronous;
// a panic in one subscriber must not affect others, so Publish recovers
// around each call.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]Subscriber
	next int
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]Subscriber)}
}

// Subscribe registers fn and returns an unsubscribe func. Events reach a
// given subscriber in the order Publish was called; order across distinct
// subscribers is not guaranteed.
func (b *Bus) Subscribe(fn Subscriber) (cancel func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish fans Event out to every current subscriber. Never blocks the
// caller beyond running each subscriber's handler; a panicking subscriber
// is recovered and does not prevent delivery to the rest.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		func() {
			defer func() { recover() }()
			fn(ev)
		}()
	}
}

// Emit is shorthand for Publish(Event{Kind: kind, Data: data}).
func (b *Bus) Emit(kind Kind, data any) {
	b.Publish(Event{Kind: kind, Data: data})
}
