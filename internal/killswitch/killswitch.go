// Package killswitch implements C9: DM-driven admin commands delivered
// over each active key's own inbox, in either NIP-04 (kind=4) or NIP-17
// gift-wrapped (kind=1059 -> seal 13 -> rumor 14) form. Grounded on
// spec.md §4.9 and the teacher's nostr.Handler dispatch-by-kind pattern in
// internal/nostr/handler.go, generalized from a single hardcoded local
// identity to "whichever online key the DM was addressed to".
package killswitch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/mroxso/signet/internal/codec"
	"github.com/mroxso/signet/internal/eventbus"
	"github.com/mroxso/signet/internal/keystore"
	"github.com/mroxso/signet/internal/relay"
	"github.com/mroxso/signet/internal/store"
)

const (
	giftWrapKind = 1059
	sealKind     = 13
	rumorKind    = 14
	dmKind       = 4
)

// Service listens for and executes admin DM commands.
type Service struct {
	pool     *relay.Pool
	keystore *keystore.KeyStore
	store    *store.Store
	bus      *eventbus.Bus

	adminPubkeyHex string
	listenerStart  nostr.Timestamp
	dedupTTL       time.Duration

	// onAlive is invoked for the `alive` command, which resets
	// DeadManSwitch's timer without requiring a passphrase (§4.10: "alive
	// resets without a passphrase because it is itself authenticated by
	// the admin's signing key"). Wired by cmd/signetd to deadman.Service.
	onAlive func()

	mu      sync.Mutex
	cancels map[string]func()
	seen    map[string]time.Time
}

// New constructs a Service. adminPubkeyHex is the admin's hex pubkey, already
// decoded from the npub by the caller.
func New(pool *relay.Pool, ks *keystore.KeyStore, st *store.Store, bus *eventbus.Bus, adminPubkeyHex string, dedupTTL time.Duration, onAlive func()) *Service {
	if dedupTTL <= 0 {
		dedupTTL = time.Hour
	}
	return &Service{
		pool:           pool,
		keystore:       ks,
		store:          st,
		bus:            bus,
		adminPubkeyHex: adminPubkeyHex,
		listenerStart:  nostr.Now(),
		dedupTTL:       dedupTTL,
		onAlive:        onAlive,
		cancels:        make(map[string]func()),
		seen:           make(map[string]time.Time),
	}
}

// Sweep evicts dedup entries older than dedupTTL; call periodically.
func (s *Service) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-s.dedupTTL)
	for id, t := range s.seen {
		if t.Before(cutoff) {
			delete(s.seen, id)
		}
	}
}

// OnKeyActivated subscribes to admin DMs addressed to keyPubkeyHex, in
// both NIP-04 and NIP-17 gift-wrap form. NIP-04 DMs are filtered by the
// admin as author; gift wraps are signed by a one-off ephemeral key, so
// they are filtered by recipient only and decodeCommand checks that the
// seal inside is the admin's.
func (s *Service) OnKeyActivated(keyName, keyPubkeyHex string) {
	if s.adminPubkeyHex == "" {
		return
	}
	id := "killswitch:" + keyName
	since := s.listenerStart
	filters := nostr.Filters{
		{
			Kinds:   []int{dmKind},
			Authors: []string{s.adminPubkeyHex},
			Tags:    nostr.TagMap{"p": []string{keyPubkeyHex}},
			Since:   &since,
		},
		{
			Kinds: []int{giftWrapKind},
			Tags:  nostr.TagMap{"p": []string{keyPubkeyHex}},
			Since: &since,
		},
	}
	cancel := s.pool.Subscribe(id, nil, filters, func(ctx context.Context, ev *nostr.Event) {
		s.handleEvent(ctx, keyName, ev)
	})
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()
}

// OnKeyLocked tears down the admin-DM subscription for a key.
func (s *Service) OnKeyLocked(keyName string) {
	id := "killswitch:" + keyName
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	delete(s.cancels, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Service) handleEvent(ctx context.Context, keyName string, ev *nostr.Event) {
	if ev.CreatedAt < s.listenerStart {
		return
	}

	s.mu.Lock()
	if _, dup := s.seen[ev.ID]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[ev.ID] = time.Now()
	s.mu.Unlock()

	ourPrivHex, err := s.keystore.PlaintextFor(keyName)
	if err != nil {
		return
	}

	command, err := s.decodeCommand(ev, ourPrivHex)
	if err != nil {
		slog.Debug("killswitch: failed to decode admin DM", "error", err, "id", ev.ID)
		return
	}
	command = strings.ToLower(strings.TrimSpace(command))

	result := s.execute(command)
	s.recordAdminEvent(keyName, command, result)
	s.replyDM(ctx, keyName, ourPrivHex, ev, result)
}

// decodeCommand handles both admin-DM channel types: a plain NIP-04 kind-4
// event, or a NIP-17 gift wrap whose seal and rumor are themselves NIP-44
// payloads (kind 1059 -> 13 -> 14).
func (s *Service) decodeCommand(ev *nostr.Event, ourPrivHex string) (string, error) {
	if ev.Kind == dmKind {
		return codec.NIP04Decrypt(ev.Content, ourPrivHex, ev.PubKey)
	}
	if ev.Kind != giftWrapKind {
		return "", fmt.Errorf("unexpected kind %d", ev.Kind)
	}

	sealJSON, err := codec.NIP44Decrypt(ev.Content, ourPrivHex, ev.PubKey)
	if err != nil {
		return "", fmt.Errorf("unwrap gift wrap: %w", err)
	}
	var seal nostr.Event
	if err := json.Unmarshal([]byte(sealJSON), &seal); err != nil {
		return "", fmt.Errorf("parse seal: %w", err)
	}
	if seal.Kind != sealKind {
		return "", fmt.Errorf("unexpected seal kind %d", seal.Kind)
	}
	if seal.PubKey != s.adminPubkeyHex {
		return "", fmt.Errorf("seal not authored by admin")
	}

	rumorJSON, err := codec.NIP44Decrypt(seal.Content, ourPrivHex, seal.PubKey)
	if err != nil {
		return "", fmt.Errorf("unseal rumor: %w", err)
	}
	var rumor nostr.Event
	if err := json.Unmarshal([]byte(rumorJSON), &rumor); err != nil {
		return "", fmt.Errorf("parse rumor: %w", err)
	}
	if rumor.Kind != rumorKind {
		return "", fmt.Errorf("unexpected rumor kind %d", rumor.Kind)
	}
	return rumor.Content, nil
}

// replyDM answers over the same channel type the command arrived on.
func (s *Service) replyDM(ctx context.Context, keyName, ourPrivHex string, inbound *nostr.Event, result string) {
	if inbound.Kind == dmKind {
		content, err := codec.NIP04Encrypt(result, ourPrivHex, inbound.PubKey)
		if err != nil {
			slog.Error("killswitch: encrypt reply failed", "error", err)
			return
		}
		reply := &nostr.Event{Kind: dmKind, Content: content, Tags: nostr.Tags{{"p", inbound.PubKey}}}
		if err := codec.Sign(reply, ourPrivHex); err != nil {
			slog.Error("killswitch: sign reply failed", "error", err)
			return
		}
		if err := s.pool.Publish(ctx, reply); err != nil {
			slog.Warn("killswitch: publish reply failed", "error", err)
		}
		return
	}

	reply, err := s.wrapGiftReply(result, ourPrivHex, inbound.PubKey)
	if err != nil {
		slog.Error("killswitch: wrap gift reply failed", "error", err)
		return
	}
	if err := s.pool.Publish(ctx, reply); err != nil {
		slog.Warn("killswitch: publish gift-wrapped reply failed", "error", err)
	}
}

// wrapGiftReply builds a NIP-17-style gift-wrapped reply: rumor (14) ->
// seal (13, nip44-encrypted, signed by the signing key) -> gift wrap (1059,
// nip44-encrypted under a fresh ephemeral key, per Open Question (b)).
func (s *Service) wrapGiftReply(content, ourPrivHex, recipientPubHex string) (*nostr.Event, error) {
	rumor := nostr.Event{Kind: rumorKind, Content: content, CreatedAt: nostr.Now(), Tags: nostr.Tags{{"p", recipientPubHex}}}
	pub, err := codec.PublicKey(ourPrivHex)
	if err != nil {
		return nil, err
	}
	rumor.PubKey = pub
	rumorJSON, err := json.Marshal(rumor)
	if err != nil {
		return nil, err
	}

	sealContent, err := codec.NIP44Encrypt(string(rumorJSON), ourPrivHex, recipientPubHex)
	if err != nil {
		return nil, err
	}
	seal := nostr.Event{Kind: sealKind, Content: sealContent, CreatedAt: nostr.Now()}
	if err := codec.Sign(&seal, ourPrivHex); err != nil {
		return nil, err
	}
	sealJSON, err := json.Marshal(seal)
	if err != nil {
		return nil, err
	}

	ephemeralPrivHex, err := randomPrivHex()
	if err != nil {
		return nil, err
	}
	wrapContent, err := codec.NIP44Encrypt(string(sealJSON), ephemeralPrivHex, recipientPubHex)
	if err != nil {
		return nil, err
	}
	wrap := &nostr.Event{Kind: giftWrapKind, Content: wrapContent, CreatedAt: nostr.Now(), Tags: nostr.Tags{{"p", recipientPubHex}}}
	if err := codec.Sign(wrap, ephemeralPrivHex); err != nil {
		return nil, err
	}
	return wrap, nil
}

// execute runs one command per §4.9's table and returns the plain-text
// reply. Unknown commands get a best-effort "unknown command" reply.
func (s *Service) execute(command string) string {
	switch {
	case command == "panic" || command == "lockall" || command == "killswitch":
		locked, _ := s.keystore.LockAll()
		ids, _ := s.store.SuspendAllApps("")
		return fmt.Sprintf("locked %d key(s), suspended %d app(s)", len(locked), len(ids))

	case command == "lockall keys":
		locked, _ := s.keystore.LockAll()
		return fmt.Sprintf("locked %d key(s)", len(locked))

	case strings.HasPrefix(command, "lock "):
		name := strings.TrimSpace(strings.TrimPrefix(command, "lock "))
		if err := s.keystore.Lock(name); err != nil {
			return fmt.Sprintf("lock %s failed: %v", name, err)
		}
		return fmt.Sprintf("locked %s", name)

	case command == "suspendall apps":
		ids, _ := s.store.SuspendAllApps("")
		return fmt.Sprintf("suspended %d app(s)", len(ids))

	case strings.HasPrefix(command, "suspendall apps for "):
		key := strings.TrimSpace(strings.TrimPrefix(command, "suspendall apps for "))
		ids, _ := s.store.SuspendAllApps(key)
		return fmt.Sprintf("suspended %d app(s) for %s", len(ids), key)

	case strings.HasPrefix(command, "suspend "):
		ref := strings.TrimSpace(strings.TrimPrefix(command, "suspend "))
		return s.suspendOne(ref)

	case command == "resumeall apps":
		ids, _ := s.store.ResumeAllApps("")
		return fmt.Sprintf("resumed %d app(s)", len(ids))

	case strings.HasPrefix(command, "resumeall apps for "):
		key := strings.TrimSpace(strings.TrimPrefix(command, "resumeall apps for "))
		ids, _ := s.store.ResumeAllApps(key)
		return fmt.Sprintf("resumed %d app(s) for %s", len(ids), key)

	case strings.HasPrefix(command, "resume "):
		ref := strings.TrimSpace(strings.TrimPrefix(command, "resume "))
		return s.resumeOne(ref)

	case command == "alive":
		if s.onAlive != nil {
			s.onAlive()
		}
		return "dead-man switch timer reset"

	case command == "status":
		return s.statusReport()

	default:
		return "unknown command"
	}
}

func (s *Service) findApp(ref string) (store.AppRow, bool) {
	apps, err := s.store.ListApps()
	if err != nil {
		return store.AppRow{}, false
	}
	for _, a := range apps {
		if a.Description == ref || strings.HasPrefix(a.ClientPubkey, ref) {
			return a, true
		}
	}
	return store.AppRow{}, false
}

func (s *Service) suspendOne(ref string) string {
	app, ok := s.findApp(ref)
	if !ok {
		return fmt.Sprintf("no app matching %s", ref)
	}
	if err := s.store.SuspendApp(app.ID, ""); err != nil {
		return fmt.Sprintf("suspend %s failed: %v", ref, err)
	}
	return fmt.Sprintf("suspended %s", ref)
}

func (s *Service) resumeOne(ref string) string {
	app, ok := s.findApp(ref)
	if !ok {
		return fmt.Sprintf("no app matching %s", ref)
	}
	if err := s.store.UnsuspendApp(app.ID); err != nil {
		return fmt.Sprintf("resume %s failed: %v", ref, err)
	}
	return fmt.Sprintf("resumed %s", ref)
}

func (s *Service) statusReport() string {
	keys, err := s.keystore.ListKeys()
	if err != nil {
		return "status unavailable: " + err.Error()
	}
	var b strings.Builder
	b.WriteString("signet status\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s (%d apps, %d requests)\n", k.Name, k.Status, k.UserCount, k.RequestCount)
	}
	apps, err := s.store.ListApps()
	if err == nil {
		active := 0
		for _, a := range apps {
			if !a.IsRevoked() {
				active++
			}
		}
		fmt.Fprintf(&b, "%d active app(s) across %d key(s)\n", active, len(keys))
	}
	return b.String()
}

func (s *Service) recordAdminEvent(keyName, command, result string) {
	err := s.store.WriteAdminEvent(store.AdminEvent{
		EventType:     "killswitch_command",
		KeyName:       keyName,
		Command:       command,
		CommandResult: result,
	})
	if err != nil {
		slog.Error("killswitch: record admin event failed", "error", err)
		return
	}
	s.bus.Emit(eventbus.KindAdminEvent, command)
}

// randomPrivHex generates a fresh ephemeral private key for one gift-wrap
// reply, per Open Question (b): the wrap key is never stored or reused.
func randomPrivHex() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
