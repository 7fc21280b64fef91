// signetd is a Nostr remote-signing daemon (NIP-46): it holds one or more
// private keys, encrypted at rest, and answers signing/encryption requests
// from remote clients over relays, gated by a per-app, per-method access
// control list and an admin approval queue for anything the list doesn't
// already cover.
//
// Usage:
//
//	export SIGNET_ADMIN_PASSWORD=<password for the local management API>
//	export SIGNET_RELAYS=wss://relay.damus.io,wss://nos.lol
//	export SIGNET_ADMIN_NPUB=<npub that may send kill-switch/dead-man DMs>
//	./signetd
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mroxso/signet/internal/acl"
	"github.com/mroxso/signet/internal/audit"
	"github.com/mroxso/signet/internal/codec"
	"github.com/mroxso/signet/internal/config"
	"github.com/mroxso/signet/internal/connect"
	"github.com/mroxso/signet/internal/deadman"
	"github.com/mroxso/signet/internal/eventbus"
	"github.com/mroxso/signet/internal/httpapi"
	"github.com/mroxso/signet/internal/keystore"
	"github.com/mroxso/signet/internal/killswitch"
	"github.com/mroxso/signet/internal/pipeline"
	"github.com/mroxso/signet/internal/queue"
	"github.com/mroxso/signet/internal/relay"
	"github.com/mroxso/signet/internal/store"
)

func main() {
	// ─── Logging ──────────────────────────────────────────────────────────────
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}

	// ─── Configuration ────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		// Logging isn't wired yet (it wraps the ring buffer below), so this
		// one failure path still goes straight to stderr.
		os.Stderr.WriteString("signetd: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ─── EventBus, wired into logging before anything else runs ──────────────
	bus := eventbus.New()
	ring := audit.NewRingBuffer(os.Stdout, bus)
	slog.SetDefault(slog.New(slog.NewJSONHandler(ring, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("starting signet", "relays", cfg.Relays, "bind", cfg.HTTPBind)

	// ─── Database ─────────────────────────────────────────────────────────────
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err, "url", cfg.DatabaseURL)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	// ─── Core components ──────────────────────────────────────────────────────
	ks := keystore.New(st, bus, cfg.MinPassphraseLen)
	if err := ks.LoadOnBoot(); err != nil {
		slog.Error("keystore boot load failed", "error", err)
		os.Exit(1)
	}

	aclEngine := acl.New(st)
	go runSweepLoop(ctx, cfg.ACLCacheTTL, aclEngine.Sweep)

	pool := relay.New(ctx, cfg.Relays, bus, cfg.HeartbeatInterval, cfg.WatchdogThreshold, cfg.WatchdogCooldown)
	go pool.RunHeartbeat(ctx)

	connectSvc := connect.New(st, aclEngine, ks, pool)
	q := queue.New(st, aclEngine, bus, ks)
	go q.RunSweeper(ctx.Done())

	pl := pipeline.New(ks, aclEngine, q, connectSvc, pool, st, bus, cfg.PendingRequestTTL)
	stopPipeline := pl.Start()
	defer stopPipeline()

	subMgr := relay.NewSubscriptionManager(pool, pl.HandleEvent)

	adminPubkeyHex := ""
	if cfg.AdminNpub != "" {
		if hex, err := codec.DecodeNpub(cfg.AdminNpub); err == nil {
			adminPubkeyHex = hex
		} else {
			slog.Error("invalid SIGNET_ADMIN_NPUB, kill switch and dead man switch disabled", "error", err)
		}
	}

	deadmanSvc := deadman.New(st, ks, pool, bus, cfg.DeadManFailureLockout, cfg.DeadManLockoutFor, adminPubkeyHex, cfg.AdminWarningDM)
	go deadmanSvc.Run(ctx)

	ksw := killswitch.New(pool, ks, st, bus, adminPubkeyHex, cfg.KillSwitchDedupTTL, deadmanSvc.ResetWithoutPassphrase)
	go runSweepLoop(ctx, cfg.KillSwitchDedupTTL, ksw.Sweep)

	// ─── Wire the cyclic key-lifecycle relationships through the bus ────────
	// Neither subMgr nor ksw owns the other, so both listen for key
	// lifecycle events instead of calling into each other directly
	// (spec.md §9 "Cyclic relationships"). The two subscriptions they each
	// own have different lifetimes, though: subMgr's inbound NIP-46
	// subscription only needs the key's *public* half, so it opens as soon
	// as a key exists — locked or online — and stays open until the key is
	// deleted; that's what lets a locked key still receive and enqueue a
	// requiresPassword pending request (§4.6 scenario 3) instead of being
	// silently unreachable. ksw's admin-DM subscription needs the private
	// half to decrypt commands, so it can only run while the key is online.
	bus.Subscribe(func(ev eventbus.Event) {
		data, ok := ev.Data.(map[string]string)
		if !ok {
			return
		}
		name := data["name"]
		if name == "" {
			return
		}
		switch ev.Kind {
		case eventbus.KindKeyCreated:
			if pubHex, err := ks.PublicKeyFor(name); err == nil {
				subMgr.OnKeyActivated(pubHex, name)
			}
		case eventbus.KindKeyDeleted:
			subMgr.OnKeyLocked(name)
		}
		switch ev.Kind {
		case eventbus.KindKeyUnlocked:
			if pubHex, err := ks.PublicKeyFor(name); err == nil {
				ksw.OnKeyActivated(name, pubHex)
			}
		case eventbus.KindKeyLocked, eventbus.KindKeyDeleted:
			ksw.OnKeyLocked(name)
		}
	})

	// A NostrConnect app's per-app subscription (§4.4) is torn down on
	// revoke the same way subMgr's key subscriptions are torn down on
	// delete above; app:revoked carries the app id directly rather than a
	// map, so it gets its own subscriber.
	bus.Subscribe(func(ev eventbus.Event) {
		if ev.Kind != eventbus.KindAppRevoked {
			return
		}
		if id, ok := ev.Data.(int64); ok {
			subMgr.OnAppRevoked(id)
		}
	})

	// Every key already on disk at boot needs subMgr's inbound subscription
	// opened explicitly, locked or not, since none of the lifecycle events
	// above have fired yet; keys already online from LoadOnBoot additionally
	// need ksw's admin-DM subscription opened (LoadOnBoot's KindKeyUnlocked
	// emits fired before this subscriber above existed).
	for _, info := range mustListKeys(ks) {
		pubHex, err := ks.PublicKeyFor(info.Name)
		if err != nil {
			continue
		}
		subMgr.OnKeyActivated(pubHex, info.Name)
		if info.Status == keystore.StatusOnline {
			ksw.OnKeyActivated(info.Name, pubHex)
		}
	}

	// Every still-active NostrConnect app with a custom relay set also needs
	// its per-app subscription reopened at boot (§4.4); none of the above
	// lifecycle events fire for apps that were already connected before
	// this process started.
	if apps, err := st.ListApps(); err == nil {
		for _, app := range apps {
			if app.IsRevoked() {
				continue
			}
			if relays := app.RelayList(); len(relays) > 0 {
				subMgr.OnAppConnected(app.ID, app.ClientPubkey, relays)
			}
		}
	}

	// ─── Local management HTTP+SSE API ───────────────────────────────────────
	srv := httpapi.New(cfg, st, ks, aclEngine, q, connectSvc, deadmanSvc, pool, subMgr, bus, ring)
	srv.Start(ctx) // blocks until ctx is cancelled

	ks.ZeroizeAll()
	slog.Info("signet stopped")
}

func mustListKeys(ks *keystore.KeyStore) []keystore.Info {
	rows, err := ks.ListKeys()
	if err != nil {
		slog.Error("list keys at boot failed", "error", err)
		return nil
	}
	return rows
}

// runSweepLoop calls sweep on a fixed interval until ctx is cancelled, the
// same periodic-cleanup shape acl.Engine and killswitch.Service each expect
// their caller to drive.
func runSweepLoop(ctx context.Context, interval time.Duration, sweep func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
