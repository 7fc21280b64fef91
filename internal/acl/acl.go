// Package acl implements C5: per-(key,app) trust level, explicit
// allow/deny rules, kind-level policy, and a TTL cache over App lookups.
// The decision function itself is grounded directly on spec.md §4.5; the
// TTL-cache shape (bounded map, per-entry expiry, periodic sweeper) is
// grounded on the teacher's db.Store sync.Map caches and §9's "TTL
// caches" design note, generalized from an unbounded sync.Map to an
// explicitly bounded, swept map since the ACL cache must invalidate
// promptly on mutation.
package acl

import (
	"strconv"
	"sync"
	"time"

	"github.com/mroxso/signet/internal/store"
)

// Decision is the verdict ACL returns for one RPC.
type Decision string

const (
	AllowAuto         Decision = "allow_auto"
	AllowManualRecord Decision = "allow_manual_record"
	Deny              Decision = "deny"
	Escalate          Decision = "escalate"
)

// ApprovalType tags how an allow decision was reached.
type ApprovalType string

const (
	ApprovalManual         ApprovalType = "manual"
	ApprovalAutoTrust      ApprovalType = "auto_trust"
	ApprovalAutoPermission ApprovalType = "auto_permission"
)

// SAFE_KINDS / SENSITIVE_KINDS per §4.5 step 6.
var safeKinds = map[int]bool{
	1: true, 6: true, 7: true, 16: true, 1111: true, 30023: true, 30024: true,
	1808: true, 9735: true, 10000: true, 10001: true, 30000: true, 30001: true, 24242: true,
}

var sensitiveKinds = map[int]bool{
	0: true, 3: true, 4: true, 5: true, 10002: true, 22242: true, 24133: true,
	13194: true, 23194: true, 23195: true,
}

// Result bundles the decision with the approval-type tag and, when an App
// exists, its row (callers need the id for logging/CAS).
type Result struct {
	Decision     Decision
	ApprovalType ApprovalType
	App          *store.AppRow
}

const cacheTTL = 60 * time.Second
const cacheMaxEntries = 10000

type cacheEntry struct {
	app             store.AppRow
	hasExplicitDeny bool
	expiresAt       time.Time
}

// Engine evaluates ACL decisions.
type Engine struct {
	store *store.Store

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New constructs an Engine.
func New(st *store.Store) *Engine {
	return &Engine{store: st, cache: make(map[string]cacheEntry)}
}

func cacheKey(keyName, clientPubkey string) string { return keyName + "\x00" + clientPubkey }

// Sweep evicts expired cache entries; call periodically from a background
// goroutine per §9's "periodic sweeper" TTL-cache pattern.
func (e *Engine) Sweep() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	for k, v := range e.cache {
		if now.After(v.expiresAt) {
			delete(e.cache, k)
		}
	}
}

// Invalidate evicts the cached entry for (keyName, clientPubkey), per
// §4.5: "Any permission mutation invalidates the entry".
func (e *Engine) Invalidate(keyName, clientPubkey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cache, cacheKey(keyName, clientPubkey))
}

// InvalidateKey evicts every cached entry for keyName, per §4.5: "any
// key-wide mutation invalidates the prefix".
func (e *Engine) InvalidateKey(keyName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prefix := keyName + "\x00"
	for k := range e.cache {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(e.cache, k)
		}
	}
}

func (e *Engine) lookupApp(keyName, clientPubkey string) (store.AppRow, bool, bool) {
	key := cacheKey(keyName, clientPubkey)
	e.mu.Lock()
	entry, ok := e.cache[key]
	e.mu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.app, entry.hasExplicitDeny, true
	}

	app, err := e.store.GetApp(keyName, clientPubkey)
	if err != nil {
		return store.AppRow{}, false, false
	}
	rules, err := e.store.RulesForApp(app.ID)
	if err != nil {
		return app, false, false
	}
	hasExplicitDeny := false
	for _, r := range rules {
		if r.Method == "*" && !r.Allowed {
			hasExplicitDeny = true
			break
		}
	}

	e.mu.Lock()
	if len(e.cache) < cacheMaxEntries {
		e.cache[key] = cacheEntry{app: app, hasExplicitDeny: hasExplicitDeny, expiresAt: time.Now().Add(cacheTTL)}
	}
	e.mu.Unlock()
	return app, hasExplicitDeny, true
}

// Decide implements §4.5's full decision order for (keyName, clientPubkey,
// method, kind). kind is -1 when the method carries no event kind (every
// method except sign_event).
func (e *Engine) Decide(keyName, clientPubkey, method string, kind int) Result {
	app, hasExplicitDeny, found := e.lookupApp(keyName, clientPubkey)

	// 1. No App: only connect may escalate.
	if !found {
		if method == "connect" {
			return Result{Decision: Escalate}
		}
		return Result{Decision: Deny}
	}

	// 2. Revoked.
	if app.IsRevoked() {
		return Result{Decision: Deny, App: &app}
	}

	// 3. Suspended.
	if app.IsSuspended(time.Now().UTC().Format(time.RFC3339Nano)) {
		return Result{Decision: Deny, App: &app}
	}

	// 4. Explicit wildcard deny.
	if hasExplicitDeny {
		return Result{Decision: Deny, App: &app}
	}

	// 5. Explicit matching rule (method, then method+kind with "all" fallback).
	if rules, err := e.store.RulesForApp(app.ID); err == nil {
		if d, ok := matchRule(rules, method, kind); ok {
			if d {
				return Result{Decision: AllowAuto, ApprovalType: ApprovalAutoPermission, App: &app}
			}
			return Result{Decision: Deny, App: &app}
		}
	}

	// 6. Trust level.
	switch app.TrustLevel {
	case "full":
		go e.store.TouchAppLastUsed(app.ID)
		return Result{Decision: AllowAuto, ApprovalType: ApprovalAutoTrust, App: &app}
	case "reasonable":
		return e.decideReasonable(app, method, kind)
	default: // paranoid, or unrecognized trust levels escalate by default
		return Result{Decision: Escalate, App: &app}
	}
}

func (e *Engine) decideReasonable(app store.AppRow, method string, kind int) Result {
	switch method {
	case "connect", "ping", "get_public_key", "nip44_encrypt", "nip44_decrypt":
		go e.store.TouchAppLastUsed(app.ID)
		return Result{Decision: AllowAuto, ApprovalType: ApprovalAutoTrust, App: &app}
	case "nip04_encrypt", "nip04_decrypt", "encrypt", "decrypt":
		return Result{Decision: Escalate, App: &app}
	case "sign_event":
		if kind < 0 {
			return Result{Decision: Escalate, App: &app}
		}
		if safeKinds[kind] && !sensitiveKinds[kind] {
			go e.store.TouchAppLastUsed(app.ID)
			return Result{Decision: AllowAuto, ApprovalType: ApprovalAutoTrust, App: &app}
		}
		return Result{Decision: Escalate, App: &app}
	default:
		return Result{Decision: Escalate, App: &app}
	}
}

// matchRule implements §4.5 step 5: "Explicit matching rule (by method,
// and for sign_event by kind with "all" fallback)". ok is false when no
// rule matches at all (fall through to trust level).
func matchRule(rules []store.RuleRow, method string, kind int) (allowed bool, ok bool) {
	kindStr := ""
	if kind >= 0 {
		kindStr = strconv.Itoa(kind)
	}
	var allMatch *store.RuleRow
	for i := range rules {
		r := &rules[i]
		if r.Method != method {
			continue
		}
		if method != "sign_event" {
			return r.Allowed, true
		}
		if r.Kind.Valid && r.Kind.String == kindStr {
			return r.Allowed, true
		}
		if r.Kind.Valid && r.Kind.String == "all" {
			allMatch = r
		}
	}
	if allMatch != nil {
		return allMatch.Allowed, true
	}
	return false, false
}

// GrantByTrustLevel implements the connect-time grant in §4.5: creates/
// updates the App with trustLevel and an explicit `allow connect` rule;
// at full trust, also grants nip04_*/nip44_*/sign_event(kind=all).
func (e *Engine) GrantByTrustLevel(keyName, clientPubkey, description, trustLevel string) (int64, error) {
	appID, err := e.store.UpsertApp(keyName, clientPubkey, description, trustLevel)
	if err != nil {
		return 0, err
	}
	if err := e.store.InsertRule(appID, "connect", "", true); err != nil {
		return 0, err
	}
	if trustLevel == "full" {
		for _, m := range []string{"nip04_encrypt", "nip04_decrypt", "nip44_encrypt", "nip44_decrypt"} {
			if err := e.store.InsertRule(appID, m, "", true); err != nil {
				return appID, err
			}
		}
		if err := e.store.InsertRule(appID, "sign_event", "all", true); err != nil {
			return appID, err
		}
	} else {
		// Downgrading away from full: remove previously auto-granted rules
		// so the trust level is the source of truth again (§4.5).
		for _, m := range []string{"nip04_encrypt", "nip04_decrypt", "nip44_encrypt", "nip44_decrypt", "sign_event"} {
			_ = e.store.DeleteRulesFor(appID, m)
		}
	}
	e.Invalidate(keyName, clientPubkey)
	return appID, nil
}

// InstallAlwaysAllowRule installs an allow(method, kind?) rule, used by
// AuthorizationQueue.approve's alwaysAllow option.
func (e *Engine) InstallAlwaysAllowRule(appID int64, keyName, clientPubkey, method, kind string) error {
	if err := e.store.InsertRule(appID, method, kind, true); err != nil {
		return err
	}
	e.Invalidate(keyName, clientPubkey)
	return nil
}
