// Package relay implements C3 RelayPool and C4 SubscriptionManager: a
// multiplexed set of relay WebSocket connections with lazy connect, status
// tracking, sleep/wake detection, watchdog-driven pool resets, and
// long-lived subscriptions that survive a reset. Grounded on the teacher's
// internal/nostr/relay.go (circuit breaker, Publisher/PublishMany,
// RelayPool/SubMany), generalized from a single fixed author/read-relay
// pair to an arbitrary, runtime-changing set of subscriptions.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mroxso/signet/internal/eventbus"
)

const (
	publishRateLimit = rate.Limit(5)
	publishRateBurst = 10
	publishTimeout    = 15 * time.Second
	eventConcurrency  = 32
)

// Handler processes one inbound relay event for a given subscription.
type Handler func(ctx context.Context, ev *nostr.Event)

// subscription is a persistent spec: Pool replays every registered
// subscription verbatim after a reset, per §4.4 "On pool-reset, all
// subscriptions are rebuilt verbatim".
type subscription struct {
	id      string
	relays  []string
	filters nostr.Filters
	handler Handler
	cancel  context.CancelFunc
}

// Pool manages a fixed set of relay URLs plus any number of long-lived
// subscriptions layered over them.
type Pool struct {
	ctx    context.Context
	bus    *eventbus.Bus
	relays []string

	mu       sync.RWMutex
	circuits map[string]*relayCircuit
	status   map[string]*relayState
	subs     map[string]*subscription
	pool     *nostr.SimplePool

	limiter *rate.Limiter

	heartbeatInterval time.Duration
	watchdogThreshold int
	watchdogCooldown  time.Duration

	watchdogMu       sync.Mutex
	consecutiveFails int
	lastReset        time.Time
}

type relayState struct {
	lastConnected    time.Time
	lastDisconnected time.Time
	lastError        string
}

// New creates a Pool over a fixed relay set. ctx bounds the pool's entire
// lifetime; it is cancelled on daemon shutdown.
func New(ctx context.Context, relays []string, bus *eventbus.Bus, heartbeatInterval time.Duration, watchdogThreshold int, watchdogCooldown time.Duration) *Pool {
	circuits := make(map[string]*relayCircuit, len(relays))
	status := make(map[string]*relayState, len(relays))
	for _, r := range relays {
		circuits[r] = &relayCircuit{}
		status[r] = &relayState{}
	}
	p := &Pool{
		ctx:               ctx,
		bus:               bus,
		relays:            append([]string{}, relays...),
		circuits:          circuits,
		status:            status,
		subs:              make(map[string]*subscription),
		limiter:           rate.NewLimiter(publishRateLimit, publishRateBurst),
		heartbeatInterval: heartbeatInterval,
		watchdogThreshold: watchdogThreshold,
		watchdogCooldown:  watchdogCooldown,
		lastReset:         time.Now(),
	}
	p.pool = nostr.NewSimplePool(ctx)
	return p
}

// Relays returns a copy of the configured relay set.
func (p *Pool) Relays() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string{}, p.relays...)
}

// Statuses returns per-relay connectivity and circuit state for the admin
// HTTP API's relay panel.
func (p *Pool) Statuses() []Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Status, 0, len(p.relays))
	for _, url := range p.relays {
		st := p.status[url]
		cb := p.circuits[url]
		open, failCount, cooldown := cb.snapshot(url)
		out = append(out, Status{
			URL:               url,
			Connected:         st.lastConnected.After(st.lastDisconnected),
			LastConnected:     st.lastConnected,
			LastDisconnected:  st.lastDisconnected,
			LastError:         st.lastError,
			CircuitOpen:       open,
			FailCount:         failCount,
			CooldownRemaining: cooldown,
		})
	}
	return out
}

// RunHeartbeat ticks every heartbeatInterval; a tick-to-tick gap of more
// than 2x the interval is treated as the process having slept (§4.3
// "Heartbeat / sleep detection"). Blocks until ctx is done.
func (p *Pool) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			if t.Sub(last) > 2*p.heartbeatInterval {
				slog.Warn("relay pool: wake from sleep detected", "gap", t.Sub(last))
				p.bus.Emit(eventbus.KindSleepDetected, nil)
				p.ResetPool()
			}
			last = t
		}
	}
}

// recordHealthFailure feeds the watchdog; after watchdogThreshold
// consecutive failures, outside watchdogCooldown since the last reset,
// ResetPool runs (§4.3 Watchdog).
func (p *Pool) recordHealthFailure() {
	p.watchdogMu.Lock()
	defer p.watchdogMu.Unlock()
	p.consecutiveFails++
	if p.consecutiveFails >= p.watchdogThreshold && time.Since(p.lastReset) > p.watchdogCooldown {
		p.consecutiveFails = 0
		go p.ResetPool()
	}
}

func (p *Pool) recordHealthSuccess() {
	p.watchdogMu.Lock()
	p.consecutiveFails = 0
	p.watchdogMu.Unlock()
}

// ResetPool closes all sockets, drops the internal SimplePool, and
// re-subscribes every registered subscription verbatim (§4.3, §4.4, and
// §8's testable property "after resetPool(), every subscription present
// before the reset is present after").
func (p *Pool) ResetPool() {
	p.mu.Lock()
	for _, sub := range p.subs {
		if sub.cancel != nil {
			sub.cancel()
		}
	}
	p.pool = nostr.NewSimplePool(p.ctx)
	specs := make([]*subscription, 0, len(p.subs))
	for _, sub := range p.subs {
		specs = append(specs, sub)
	}
	p.mu.Unlock()

	p.watchdogMu.Lock()
	p.lastReset = time.Now()
	p.watchdogMu.Unlock()

	// Subscriptions are independent of each other, so restarting them after
	// a reset fans out across a bounded errgroup rather than one at a time
	// — a pool with dozens of online keys shouldn't pay serial SubMany
	// setup latency per key.
	var g errgroup.Group
	g.SetLimit(8)
	for _, sub := range specs {
		sub := sub
		g.Go(func() error {
			p.startSubscription(sub)
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("relay pool reset", "subscriptions", len(specs))
	p.bus.Emit(eventbus.KindPoolReset, nil)
	p.bus.Emit(eventbus.KindStatusChange, nil)
}

// Publish fans ev out to every relay whose circuit is currently closed and
// returns once every one of them has answered or publishTimeout has passed;
// it succeeds if at least one relay accepted. It does not return early on
// the first acceptance.
func (p *Pool) Publish(ctx context.Context, ev *nostr.Event) error {
	p.mu.RLock()
	allRelays := append([]string{}, p.relays...)
	p.mu.RUnlock()
	return p.PublishTo(ctx, allRelays, ev)
}

// PublishTo publishes ev to an arbitrary relay set rather than the pool's
// configured relay list, used for NIP-46 replies that must go out on
// relays a remote client named itself (nostrconnect:// pairing, §4.8).
// Circuit-breaker bookkeeping applies per relay URL exactly as in Publish.
func (p *Pool) PublishTo(ctx context.Context, allRelays []string, ev *nostr.Event) error {
	p.mu.RLock()
	pool := p.pool
	p.mu.RUnlock()

	if len(allRelays) == 0 {
		return fmt.Errorf("no relays configured")
	}

	active := make([]string, 0, len(allRelays))
	for _, url := range allRelays {
		if p.circuitFor(url).isOpen() {
			continue
		}
		active = append(active, url)
	}
	if len(active) == 0 {
		return fmt.Errorf("all %d relays have open circuits", len(allRelays))
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("publish rate limit wait: %w", err)
	}

	publishCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-publishCtx.Done():
		}
	}()

	var published, failed int
	for result := range pool.PublishMany(publishCtx, active, *ev) {
		cb := p.circuitFor(result.RelayURL)
		p.recordRelayResult(result.RelayURL, result.Error)
		if result.Error != nil {
			// A policy or PoW rejection means the relay is reachable and
			// spoke back to us — it's a publish-policy mismatch, not a
			// connectivity failure, so it shouldn't trip the circuit
			// breaker the way a timeout or dropped connection should.
			if isPolicyRejection(result.Error) || isPowRequired(result.Error) {
				cb.recordSuccess()
			} else {
				cb.recordFailure()
			}
			failed++
			continue
		}
		cb.recordSuccess()
		published++
	}

	if published == 0 {
		p.recordHealthFailure()
		return fmt.Errorf("no relay acknowledged publish (%d attempted)", failed)
	}
	p.recordHealthSuccess()
	return nil
}

func (p *Pool) circuitFor(url string) *relayCircuit {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok := p.circuits[url]; ok {
		return cb
	}
	cb := &relayCircuit{}
	p.circuits[url] = cb
	return cb
}

func (p *Pool) recordRelayResult(url string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.status[url]
	if !ok {
		st = &relayState{}
		p.status[url] = st
	}
	if err != nil {
		st.lastError = err.Error()
		st.lastDisconnected = time.Now()
		return
	}
	st.lastConnected = time.Now()
}

// Subscribe registers a long-lived filter + handler over relays (falls
// back to the pool's full relay set if relays is empty) and starts it
// immediately. The returned cancel func tears it down permanently — it is
// NOT replayed on a future ResetPool.
func (p *Pool) Subscribe(id string, relays []string, filters nostr.Filters, handler Handler) (cancel func()) {
	if len(relays) == 0 {
		relays = p.Relays()
	}
	sub := &subscription{id: id, relays: relays, filters: filters, handler: handler}

	p.mu.Lock()
	p.subs[id] = sub
	p.mu.Unlock()

	p.startSubscription(sub)

	return func() {
		p.mu.Lock()
		if s, ok := p.subs[id]; ok {
			if s.cancel != nil {
				s.cancel()
			}
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
}

func (p *Pool) startSubscription(sub *subscription) {
	subCtx, cancel := context.WithCancel(p.ctx)

	p.mu.Lock()
	sub.cancel = cancel
	pool := p.pool
	p.mu.Unlock()

	sem := make(chan struct{}, eventConcurrency)
	go func() {
		for ev := range pool.SubMany(subCtx, sub.relays, sub.filters) {
			if ev.Event == nil {
				continue
			}
			// go-nostr's SubMany doesn't surface a separate EOSE signal on
			// this channel, so the first event delivered by a relay is this
			// pool's proxy for it: per §4.3, "on EOSE mark all relays in
			// that subscription connected=true (used because socket-level
			// state is unreliable)". Without this, a relay that's only ever
			// subscribed to — never published through — never has
			// recordRelayResult called for it at all, so it stays
			// Connected=false forever even while it actively streams events.
			if ev.Relay != nil {
				p.recordRelayResult(ev.Relay.URL, nil)
			}
			event := ev.Event
			select {
			case sem <- struct{}{}:
				go func() {
					defer func() { <-sem }()
					defer func() {
						if r := recover(); r != nil {
							slog.Error("panic in relay event handler", "panic", r, "sub", sub.id)
						}
					}()
					sub.handler(subCtx, event)
				}()
			default:
				slog.Warn("relay event dropped: handler backlog full", "sub", sub.id, "id", event.ID)
			}
		}
	}()
}
