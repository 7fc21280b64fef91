package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/mroxso/signet/internal/codec"
)

// SubscriptionManager owns exactly one inbound subscription per key, locked
// or online (kind 24133, #p=keyPubkey, since=now), plus one additional
// subscription per NostrConnect app that specified custom relays, per §4.4.
// It is a thin, stateful layer over Pool: Pool does the reconnect/replay
// work, SubscriptionManager only tracks which subscription id belongs to
// which key/app so it can tear one down on key deletion or app revoke.
type SubscriptionManager struct {
	pool    *Pool
	onEvent func(ctx context.Context, ev *nostr.Event)

	mu      sync.Mutex
	cancels map[string]func()
}

// NewSubscriptionManager constructs a manager. onEvent is RequestPipeline's
// entry point for every inbound NIP-46 event, regardless of which
// subscription delivered it.
func NewSubscriptionManager(pool *Pool, onEvent func(ctx context.Context, ev *nostr.Event)) *SubscriptionManager {
	return &SubscriptionManager{
		pool:    pool,
		onEvent: onEvent,
		cancels: make(map[string]func()),
	}
}

func keySubID(keyName string) string { return "key:" + keyName }
func appSubID(appID int64) string    { return fmt.Sprintf("app:%d", appID) }

// OnKeyActivated opens the inbound subscription for a key; cmd/signetd
// calls it for every key at boot and on key:created, locked or not.
func (m *SubscriptionManager) OnKeyActivated(keyPubkeyHex string, keyName string) {
	id := keySubID(keyName)
	since := nostr.Now()
	filters := nostr.Filters{{
		Kinds: []int{codec.NIP46Kind},
		Tags:  nostr.TagMap{"p": []string{keyPubkeyHex}},
		Since: &since,
	}}
	cancel := m.pool.Subscribe(id, nil, filters, func(ctx context.Context, ev *nostr.Event) {
		m.onEvent(ctx, ev)
	})
	m.mu.Lock()
	m.cancels[id] = cancel
	m.mu.Unlock()
}

// OnKeyLocked tears down the inbound subscription for a key; cmd/signetd
// calls it on key:deleted only, not when a key locks.
func (m *SubscriptionManager) OnKeyLocked(keyName string) {
	id := keySubID(keyName)
	m.mu.Lock()
	cancel, ok := m.cancels[id]
	delete(m.cancels, id)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// OnAppConnected opens the app-scoped subscription for a NostrConnect app
// that specified its own relay set: filter is author=clientPubkey over
// just that app's relays.
func (m *SubscriptionManager) OnAppConnected(appID int64, clientPubkeyHex string, appRelays []string) {
	if len(appRelays) == 0 {
		return
	}
	id := appSubID(appID)
	since := nostr.Now()
	filters := nostr.Filters{{
		Kinds:   []int{codec.NIP46Kind},
		Authors: []string{clientPubkeyHex},
		Since:   &since,
	}}
	cancel := m.pool.Subscribe(id, appRelays, filters, func(ctx context.Context, ev *nostr.Event) {
		m.onEvent(ctx, ev)
	})
	m.mu.Lock()
	m.cancels[id] = cancel
	m.mu.Unlock()
}

// OnAppRevoked tears down an app-scoped subscription, if any.
func (m *SubscriptionManager) OnAppRevoked(appID int64) {
	id := appSubID(appID)
	m.mu.Lock()
	cancel, ok := m.cancels[id]
	delete(m.cancels, id)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}
