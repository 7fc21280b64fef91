package store

import "testing"

// newTestStore opens a fresh in-memory SQLite database with migrations
// applied, used by this package's tests that need a *Store.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open("file:" + t.Name() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestKeyCRUD(t *testing.T) {
	st := newTestStore(t)

	if err := st.InsertKey(KeyRow{Name: "alice", Npub: "npub1x", Encryption: "none", Ciphertext: "deadbeef", Metadata: "{}"}); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	if err := st.InsertKey(KeyRow{Name: "alice", Npub: "npub1x", Encryption: "none", Ciphertext: "deadbeef", Metadata: "{}"}); err == nil {
		t.Fatal("expected duplicate name to fail")
	}

	row, err := st.GetKey("alice")
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	if row.Npub != "npub1x" {
		t.Fatalf("unexpected npub: %s", row.Npub)
	}

	if err := st.RenameKey("alice", "alice2"); err != nil {
		t.Fatalf("rename key: %v", err)
	}
	if _, err := st.GetKey("alice"); err == nil {
		t.Fatal("expected old name to be gone after rename")
	}
	if _, err := st.GetKey("alice2"); err != nil {
		t.Fatalf("expected renamed key to exist: %v", err)
	}

	if err := st.DeleteKey("alice2"); err != nil {
		t.Fatalf("delete key: %v", err)
	}
	if _, err := st.GetKey("alice2"); err == nil {
		t.Fatal("expected key to be gone after delete")
	}
}

func TestAppAndRuleLifecycle(t *testing.T) {
	st := newTestStore(t)
	if err := st.InsertKey(KeyRow{Name: "alice", Npub: "npub1x", Encryption: "none", Ciphertext: "deadbeef"}); err != nil {
		t.Fatalf("insert key: %v", err)
	}

	appID, err := st.UpsertApp("alice", "clientpub", "test app", "reasonable")
	if err != nil {
		t.Fatalf("upsert app: %v", err)
	}

	if err := st.InsertRule(appID, "connect", "", true); err != nil {
		t.Fatalf("insert rule: %v", err)
	}
	rules, err := st.RulesForApp(appID)
	if err != nil {
		t.Fatalf("rules for app: %v", err)
	}
	if len(rules) != 1 || rules[0].Method != "connect" || !rules[0].Allowed {
		t.Fatalf("unexpected rules: %+v", rules)
	}

	if err := st.SuspendApp(appID, ""); err != nil {
		t.Fatalf("suspend app: %v", err)
	}
	app, err := st.GetAppByID(appID)
	if err != nil {
		t.Fatalf("get app by id: %v", err)
	}
	if !app.IsSuspended(now()) {
		t.Fatal("expected app to be suspended")
	}

	if err := st.UnsuspendApp(appID); err != nil {
		t.Fatalf("unsuspend app: %v", err)
	}
	app, _ = st.GetAppByID(appID)
	if app.IsSuspended(now()) {
		t.Fatal("expected app to no longer be suspended")
	}

	if err := st.RevokeApp(appID); err != nil {
		t.Fatalf("revoke app: %v", err)
	}
	app, _ = st.GetAppByID(appID)
	if !app.IsRevoked() {
		t.Fatal("expected app to be revoked")
	}
}

func TestRequestCASResolvesExactlyOnce(t *testing.T) {
	st := newTestStore(t)
	if err := st.InsertKey(KeyRow{Name: "alice", Npub: "npub1x", Encryption: "none", Ciphertext: "deadbeef"}); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	req := RequestRow{
		ID: "event1", KeyName: "alice", Method: "sign_event", Params: "[]",
		RemotePubkey: "clientpub", CreatedAt: now(), ExpiresAt: addSeconds(now(), 300),
	}
	if err := st.InsertRequest(req); err != nil {
		t.Fatalf("insert request: %v", err)
	}

	ok1, err := st.TryResolveRequest("event1", true)
	if err != nil {
		t.Fatalf("resolve 1: %v", err)
	}
	ok2, err := st.TryResolveRequest("event1", false)
	if err != nil {
		t.Fatalf("resolve 2: %v", err)
	}
	if !ok1 || ok2 {
		t.Fatalf("expected exactly one winner, got ok1=%v ok2=%v", ok1, ok2)
	}

	got, err := st.GetRequest("event1")
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != "approved" || !got.Allowed.Valid || !got.Allowed.Bool {
		t.Fatalf("expected approved/allowed=true, got %+v", got)
	}
}

func TestExpirePending(t *testing.T) {
	st := newTestStore(t)
	if err := st.InsertKey(KeyRow{Name: "alice", Npub: "npub1x", Encryption: "none", Ciphertext: "deadbeef"}); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	past := addSeconds(now(), -10)
	req := RequestRow{
		ID: "stale1", KeyName: "alice", Method: "ping", Params: "[]",
		RemotePubkey: "clientpub", CreatedAt: past, ExpiresAt: past,
	}
	if err := st.InsertRequest(req); err != nil {
		t.Fatalf("insert request: %v", err)
	}

	ids, err := st.ExpirePending(now())
	if err != nil {
		t.Fatalf("expire pending: %v", err)
	}
	if len(ids) != 1 || ids[0] != "stale1" {
		t.Fatalf("expected stale1 to expire, got %v", ids)
	}

	got, err := st.GetRequest("stale1")
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != "expired" {
		t.Fatalf("expected expired status, got %s", got.Status)
	}
}
