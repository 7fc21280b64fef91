// Package deadman implements C10: an inactivity timer that, on expiry,
// locks every encrypted key and suspends every app, the same panic
// sequence KillSwitch's `panic` command triggers. Grounded on spec.md
// §4.10 and the teacher's periodic-sweeper goroutine shape.
package deadman

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/mroxso/signet/internal/codec"
	"github.com/mroxso/signet/internal/codeerr"
	"github.com/mroxso/signet/internal/eventbus"
	"github.com/mroxso/signet/internal/keystore"
	"github.com/mroxso/signet/internal/relay"
	"github.com/mroxso/signet/internal/store"
)

const checkInterval = 30 * time.Second

// dmKind is the NIP-04 kind used for the admin warning DM, matching the
// kill switch's own plain-DM channel (internal/killswitch.dmKind).
const dmKind = 4

// Service owns the dead-man switch state machine.
type Service struct {
	store    *store.Store
	keystore *keystore.KeyStore
	pool     *relay.Pool
	bus      *eventbus.Bus

	lockoutAfter   int
	lockoutFor     time.Duration
	adminPubkeyHex string
	warningMessage string
}

// New constructs a Service.
func New(st *store.Store, ks *keystore.KeyStore, pool *relay.Pool, bus *eventbus.Bus, lockoutAfter int, lockoutFor time.Duration, adminPubkeyHex, warningMessage string) *Service {
	if lockoutAfter <= 0 {
		lockoutAfter = 5
	}
	if lockoutFor <= 0 {
		lockoutFor = 15 * time.Minute
	}
	return &Service{
		store:          st,
		keystore:       ks,
		pool:           pool,
		bus:            bus,
		lockoutAfter:   lockoutAfter,
		lockoutFor:     lockoutFor,
		adminPubkeyHex: adminPubkeyHex,
		warningMessage: warningMessage,
	}
}

// Run polls the persisted state every checkInterval and fires Panic on
// expiry. Blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkExpiry(ctx)
		}
	}
}

func (s *Service) checkExpiry(ctx context.Context) {
	d, err := s.store.GetDeadManSwitch()
	if err != nil {
		slog.Error("deadman: read state failed", "error", err)
		return
	}
	if !d.Enabled || d.PanicTriggeredAt.Valid {
		return
	}
	lastReset, err := time.Parse(time.RFC3339Nano, d.LastResetAt)
	if err != nil {
		slog.Error("deadman: bad last_reset_at", "error", err)
		return
	}
	if time.Since(lastReset) <= time.Duration(d.TimeframeSec)*time.Second {
		return
	}
	s.panic(ctx)
}

// panic implements §4.10's four-step expiry sequence.
func (s *Service) panic(ctx context.Context) {
	locked, err := s.keystore.LockAll()
	if err != nil {
		slog.Error("deadman panic: lock all failed", "error", err)
	}
	ids, err := s.store.SuspendAllApps("")
	if err != nil {
		slog.Error("deadman panic: suspend all failed", "error", err)
	}
	if err := s.store.MarkDeadManPanic(); err != nil {
		slog.Error("deadman panic: mark panic failed", "error", err)
	}

	slog.Warn("dead-man switch triggered", "locked_keys", len(locked), "suspended_apps", len(ids))
	s.sendWarningDM(ctx, locked)
	s.bus.Emit(eventbus.KindDeadmanPanic, map[string]any{"locked": locked, "suspended": len(ids)})
}

// sendWarningDM sends the configured warning message to the admin over any
// key that is still online at the moment of panic (best effort — by
// definition every encrypted key is being locked in the same sequence, so
// this typically reaches the admin only via a `none`-encryption key or not
// at all, which callers should treat as informational).
func (s *Service) sendWarningDM(ctx context.Context, justLocked []string) {
	if s.adminPubkeyHex == "" || s.warningMessage == "" {
		return
	}
	rows, err := s.keystore.ListKeys()
	if err != nil {
		return
	}
	for _, k := range rows {
		if k.Status != keystore.StatusOnline {
			continue
		}
		privHex, err := s.keystore.PlaintextFor(k.Name)
		if err != nil {
			continue
		}
		content, err := codec.NIP04Encrypt(s.warningMessage, privHex, s.adminPubkeyHex)
		if err != nil {
			continue
		}
		ev := &nostr.Event{Kind: dmKind, Content: content, Tags: nostr.Tags{{"p", s.adminPubkeyHex}}}
		if err := codec.Sign(ev, privHex); err != nil {
			continue
		}
		if err := s.pool.Publish(ctx, ev); err != nil {
			slog.Warn("deadman: warning dm publish failed", "error", err)
		}
	}
}

// Reset implements §4.10's operator-authenticated reset: the passphrase of
// any encrypted key proves the operator is alive. Failed attempts count
// toward a lockout window.
func (s *Service) Reset(passphrase string) error {
	d, err := s.store.GetDeadManSwitch()
	if err != nil {
		return fmt.Errorf("%w: %v", codeerr.ErrDbError, err)
	}
	if d.LockoutUntil.Valid {
		if until, err := time.Parse(time.RFC3339Nano, d.LockoutUntil.String); err == nil && time.Now().Before(until) {
			return codeerr.ErrTooManyAttempts
		}
	}
	if !s.keystore.VerifyPassphraseAny(passphrase) {
		if _, err := s.store.RecordDeadManFailure(s.lockoutAfter, int(s.lockoutFor.Seconds())); err != nil {
			slog.Error("deadman: record failure failed", "error", err)
		}
		return codeerr.ErrWrongPassphrase
	}
	if err := s.store.ResetDeadManSwitchTimer(); err != nil {
		return fmt.Errorf("%w: %v", codeerr.ErrDbError, err)
	}
	s.bus.Emit(eventbus.KindDeadmanReset, nil)
	return nil
}

// ResetWithoutPassphrase implements the `alive` DM command's exemption:
// the admin's own signing key already authenticated the request, so no
// passphrase challenge is needed (§4.10).
func (s *Service) ResetWithoutPassphrase() {
	if err := s.store.ResetDeadManSwitchTimer(); err != nil {
		slog.Error("deadman: reset via alive command failed", "error", err)
		return
	}
	s.bus.Emit(eventbus.KindDeadmanReset, nil)
}

// TriggerPanic fires the same expiry sequence as a naturally expired timer,
// for the admin API's `POST /dead-man-switch/test-panic` (§6) so operators
// can verify their warning DM and lockout behavior without waiting out the
// real timeframe.
func (s *Service) TriggerPanic(ctx context.Context) {
	s.panic(ctx)
}

// SetConfig changes enabled/timeframeSec. Per §4.10, disabling or lowering
// timeframeSec requires passphrase proof; callers must call Reset (or
// VerifyPassphraseAny) first and only call SetConfig once that succeeds.
func (s *Service) SetConfig(enabled bool, timeframeSec int) error {
	return s.store.SetDeadManSwitchConfig(enabled, timeframeSec)
}

// State returns the current persisted state for the admin HTTP API.
func (s *Service) State() (store.DeadManSwitchRow, error) {
	return s.store.GetDeadManSwitch()
}
