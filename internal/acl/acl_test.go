package acl

import (
	"testing"

	"github.com/mroxso/signet/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InsertKey(store.KeyRow{Name: "alice", Npub: "npub1x", Encryption: "none", Ciphertext: "deadbeef"}); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	return st
}

func TestDecideNoAppOnlyConnectEscalates(t *testing.T) {
	st := newTestStore(t)
	e := New(st)

	res := e.Decide("alice", "stranger", "connect", -1)
	if res.Decision != Escalate {
		t.Fatalf("expected connect from unknown app to escalate, got %s", res.Decision)
	}

	res = e.Decide("alice", "stranger", "sign_event", 1)
	if res.Decision != Deny {
		t.Fatalf("expected non-connect from unknown app to deny, got %s", res.Decision)
	}
}

func TestDecideRevokedAppAlwaysDenies(t *testing.T) {
	st := newTestStore(t)
	e := New(st)
	appID, err := st.UpsertApp("alice", "client1", "", "full")
	if err != nil {
		t.Fatalf("upsert app: %v", err)
	}
	if err := st.RevokeApp(appID); err != nil {
		t.Fatalf("revoke app: %v", err)
	}

	res := e.Decide("alice", "client1", "ping", -1)
	if res.Decision != Deny {
		t.Fatalf("expected revoked app to deny, got %s", res.Decision)
	}
}

func TestDecideSuspendedAppDenies(t *testing.T) {
	st := newTestStore(t)
	e := New(st)
	appID, err := st.UpsertApp("alice", "client1", "", "full")
	if err != nil {
		t.Fatalf("upsert app: %v", err)
	}
	if err := st.SuspendApp(appID, ""); err != nil {
		t.Fatalf("suspend app: %v", err)
	}

	res := e.Decide("alice", "client1", "ping", -1)
	if res.Decision != Deny {
		t.Fatalf("expected suspended app to deny, got %s", res.Decision)
	}
}

func TestDecideWildcardDenyOverridesTrust(t *testing.T) {
	st := newTestStore(t)
	e := New(st)
	appID, err := st.UpsertApp("alice", "client1", "", "full")
	if err != nil {
		t.Fatalf("upsert app: %v", err)
	}
	if err := st.InsertRule(appID, "*", "", false); err != nil {
		t.Fatalf("insert wildcard deny: %v", err)
	}

	res := e.Decide("alice", "client1", "ping", -1)
	if res.Decision != Deny {
		t.Fatalf("expected wildcard deny to override full trust, got %s", res.Decision)
	}
}

func TestDecideFullTrustAllowsEverything(t *testing.T) {
	st := newTestStore(t)
	e := New(st)
	if _, err := st.UpsertApp("alice", "client1", "", "full"); err != nil {
		t.Fatalf("upsert app: %v", err)
	}

	res := e.Decide("alice", "client1", "sign_event", 4) // kind=4, sensitive
	if res.Decision != AllowAuto || res.ApprovalType != ApprovalAutoTrust {
		t.Fatalf("expected full trust to allow_auto, got %s/%s", res.Decision, res.ApprovalType)
	}
}

func TestDecideParanoidAlwaysEscalates(t *testing.T) {
	st := newTestStore(t)
	e := New(st)
	if _, err := st.UpsertApp("alice", "client1", "", "paranoid"); err != nil {
		t.Fatalf("upsert app: %v", err)
	}

	res := e.Decide("alice", "client1", "ping", -1)
	if res.Decision != Escalate {
		t.Fatalf("expected paranoid trust to escalate, got %s", res.Decision)
	}
}

func TestDecideReasonableSafeKindAllowsSensitiveEscalates(t *testing.T) {
	st := newTestStore(t)
	e := New(st)
	if _, err := st.UpsertApp("alice", "client1", "", "reasonable"); err != nil {
		t.Fatalf("upsert app: %v", err)
	}

	res := e.Decide("alice", "client1", "sign_event", 1) // kind=1, safe
	if res.Decision != AllowAuto {
		t.Fatalf("expected safe kind to allow_auto at reasonable trust, got %s", res.Decision)
	}

	res = e.Decide("alice", "client1", "sign_event", 4) // kind=4, sensitive
	if res.Decision != Escalate {
		t.Fatalf("expected sensitive kind to escalate at reasonable trust, got %s", res.Decision)
	}

	res = e.Decide("alice", "client1", "sign_event", 99999) // unknown kind
	if res.Decision != Escalate {
		t.Fatalf("expected unknown kind to escalate at reasonable trust, got %s", res.Decision)
	}
}

func TestDecideReasonableNip04Escalates(t *testing.T) {
	st := newTestStore(t)
	e := New(st)
	if _, err := st.UpsertApp("alice", "client1", "", "reasonable"); err != nil {
		t.Fatalf("upsert app: %v", err)
	}

	if res := e.Decide("alice", "client1", "nip04_encrypt", -1); res.Decision != Escalate {
		t.Fatalf("expected nip04_encrypt to escalate at reasonable trust, got %s", res.Decision)
	}
	if res := e.Decide("alice", "client1", "nip44_encrypt", -1); res.Decision != AllowAuto {
		t.Fatalf("expected nip44_encrypt to allow_auto at reasonable trust, got %s", res.Decision)
	}
}

func TestExplicitRuleOverridesTrustLevel(t *testing.T) {
	st := newTestStore(t)
	e := New(st)
	appID, err := st.UpsertApp("alice", "client1", "", "paranoid")
	if err != nil {
		t.Fatalf("upsert app: %v", err)
	}
	if err := st.InsertRule(appID, "ping", "", true); err != nil {
		t.Fatalf("insert rule: %v", err)
	}

	res := e.Decide("alice", "client1", "ping", -1)
	if res.Decision != AllowAuto || res.ApprovalType != ApprovalAutoPermission {
		t.Fatalf("expected explicit allow rule to win over paranoid trust, got %s/%s", res.Decision, res.ApprovalType)
	}
}

func TestSignEventRuleKindFallbackToAll(t *testing.T) {
	st := newTestStore(t)
	e := New(st)
	appID, err := st.UpsertApp("alice", "client1", "", "paranoid")
	if err != nil {
		t.Fatalf("upsert app: %v", err)
	}
	if err := st.InsertRule(appID, "sign_event", "all", true); err != nil {
		t.Fatalf("insert rule: %v", err)
	}

	res := e.Decide("alice", "client1", "sign_event", 42)
	if res.Decision != AllowAuto {
		t.Fatalf("expected kind=all rule to fall back and allow, got %s", res.Decision)
	}
}

func TestCacheInvalidation(t *testing.T) {
	st := newTestStore(t)
	e := New(st)
	appID, err := st.UpsertApp("alice", "client1", "", "paranoid")
	if err != nil {
		t.Fatalf("upsert app: %v", err)
	}

	if res := e.Decide("alice", "client1", "ping", -1); res.Decision != Escalate {
		t.Fatalf("expected paranoid escalate before rule, got %s", res.Decision)
	}

	if err := st.InsertRule(appID, "ping", "", true); err != nil {
		t.Fatalf("insert rule: %v", err)
	}
	e.Invalidate("alice", "client1")

	if res := e.Decide("alice", "client1", "ping", -1); res.Decision != AllowAuto {
		t.Fatalf("expected cache invalidation to surface new rule, got %s", res.Decision)
	}
}

func TestGrantByTrustLevelFullGrantsAndDowngradeRevokes(t *testing.T) {
	st := newTestStore(t)
	e := New(st)

	appID, err := e.GrantByTrustLevel("alice", "client1", "my app", "full")
	if err != nil {
		t.Fatalf("grant full: %v", err)
	}
	rules, err := st.RulesForApp(appID)
	if err != nil {
		t.Fatalf("rules for app: %v", err)
	}
	if len(rules) < 5 {
		t.Fatalf("expected connect + 4 nip0x/nip44 + sign_event(all) rules, got %d: %+v", len(rules), rules)
	}

	if _, err := e.GrantByTrustLevel("alice", "client1", "my app", "reasonable"); err != nil {
		t.Fatalf("downgrade: %v", err)
	}
	rules, err = st.RulesForApp(appID)
	if err != nil {
		t.Fatalf("rules for app after downgrade: %v", err)
	}
	for _, r := range rules {
		if r.Method != "connect" {
			t.Fatalf("expected downgrade to remove auto-granted rules, still present: %+v", r)
		}
	}
}
