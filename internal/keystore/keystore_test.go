package keystore

import (
	"testing"

	"github.com/mroxso/signet/internal/eventbus"
	"github.com/mroxso/signet/internal/store"
)

func newTestKeyStore(t *testing.T) (*KeyStore, *store.Store) {
	t.Helper()
	st, err := store.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, eventbus.New(), 8), st
}

func TestCreateUnencryptedKeyIsOnlineImmediately(t *testing.T) {
	ks, _ := newTestKeyStore(t)
	info, err := ks.Create(CreateInput{Name: "alice", Encryption: EncryptionNone})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if info.Status != StatusOnline {
		t.Fatalf("expected unencrypted key to be online, got %s", info.Status)
	}
	if !ks.IsOnline("alice") {
		t.Fatal("expected IsOnline to report true")
	}
}

func TestCreateEncryptedKeyStartsLocked(t *testing.T) {
	ks, _ := newTestKeyStore(t)
	info, err := ks.Create(CreateInput{
		Name: "bob", Passphrase: "correcthorsebattery", Confirm: "correcthorsebattery", Encryption: EncryptionNIP49,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if info.Status != StatusLocked {
		t.Fatalf("expected encrypted key to start locked, got %s", info.Status)
	}
	if ks.IsOnline("bob") {
		t.Fatal("expected locked key to not be online")
	}
}

func TestCreateRejectsWeakPassphraseAndMismatch(t *testing.T) {
	ks, _ := newTestKeyStore(t)
	if _, err := ks.Create(CreateInput{Name: "weak", Passphrase: "123", Confirm: "123", Encryption: EncryptionNIP49}); err == nil {
		t.Fatal("expected weak passphrase to fail")
	}
	if _, err := ks.Create(CreateInput{Name: "mismatch", Passphrase: "longenoughpass", Confirm: "different", Encryption: EncryptionNIP49}); err == nil {
		t.Fatal("expected mismatched confirmation to fail")
	}
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	ks, _ := newTestKeyStore(t)
	if _, err := ks.Create(CreateInput{Name: "dup", Encryption: EncryptionNone}); err != nil {
		t.Fatalf("create first: %v", err)
	}
	if _, err := ks.Create(CreateInput{Name: "dup", Encryption: EncryptionNone}); err == nil {
		t.Fatal("expected duplicate name to fail")
	}
}

func TestUnlockLockRoundTrip(t *testing.T) {
	ks, _ := newTestKeyStore(t)
	if _, err := ks.Create(CreateInput{
		Name: "carol", Passphrase: "averyverysecretpass", Confirm: "averyverysecretpass", Encryption: EncryptionNIP49,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := ks.Unlock("carol", "wrongpass"); err == nil {
		t.Fatal("expected wrong passphrase to fail unlock")
	}
	if err := ks.Unlock("carol", "averyverysecretpass"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if !ks.IsOnline("carol") {
		t.Fatal("expected key to be online after unlock")
	}
	priv, err := ks.PlaintextFor("carol")
	if err != nil || priv == "" {
		t.Fatalf("expected plaintext to be available while online: %v", err)
	}

	if err := ks.Lock("carol"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if ks.IsOnline("carol") {
		t.Fatal("expected key to be offline after lock")
	}
	if _, err := ks.PlaintextFor("carol"); err == nil {
		t.Fatal("expected plaintext access to fail once locked")
	}
}

func TestUnencryptedKeyCannotBeLocked(t *testing.T) {
	ks, _ := newTestKeyStore(t)
	if _, err := ks.Create(CreateInput{Name: "plain", Encryption: EncryptionNone}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := ks.Lock("plain"); err == nil {
		t.Fatal("expected locking an unencrypted key to fail")
	}
}

func TestLockAllLocksOnlyEncryptedOnlineKeys(t *testing.T) {
	ks, _ := newTestKeyStore(t)
	if _, err := ks.Create(CreateInput{Name: "plain", Encryption: EncryptionNone}); err != nil {
		t.Fatalf("create plain: %v", err)
	}
	if _, err := ks.Create(CreateInput{
		Name: "enc", Passphrase: "longenoughpassphrase", Confirm: "longenoughpassphrase", Encryption: EncryptionNIP49,
	}); err != nil {
		t.Fatalf("create enc: %v", err)
	}
	if err := ks.Unlock("enc", "longenoughpassphrase"); err != nil {
		t.Fatalf("unlock enc: %v", err)
	}

	locked, err := ks.LockAll()
	if err != nil {
		t.Fatalf("lock all: %v", err)
	}
	if len(locked) != 1 || locked[0] != "enc" {
		t.Fatalf("expected only 'enc' to be locked, got %v", locked)
	}
	if !ks.IsOnline("plain") {
		t.Fatal("expected unencrypted key to remain online")
	}
}

func TestExportRequiresOnlineKey(t *testing.T) {
	ks, _ := newTestKeyStore(t)
	if _, err := ks.Create(CreateInput{
		Name: "dave", Passphrase: "longenoughpassphrase", Confirm: "longenoughpassphrase", Encryption: EncryptionNIP49,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := ks.Export("dave", ""); err == nil {
		t.Fatal("expected export of locked key to fail")
	}
	if err := ks.Unlock("dave", "longenoughpassphrase"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	res, err := ks.Export("dave", "")
	if err != nil {
		t.Fatalf("export nsec: %v", err)
	}
	if res.Nsec == "" {
		t.Fatal("expected nsec export to be populated")
	}

	res, err = ks.Export("dave", "exportpass")
	if err != nil {
		t.Fatalf("export ncryptsec: %v", err)
	}
	if res.Ncryptsec == "" {
		t.Fatal("expected ncryptsec export to be populated")
	}
}

func TestDeleteCascadesAndZeroizes(t *testing.T) {
	ks, st := newTestKeyStore(t)
	if _, err := ks.Create(CreateInput{Name: "eve", Encryption: EncryptionNone}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.UpsertApp("eve", "client1", "", "full"); err != nil {
		t.Fatalf("upsert app: %v", err)
	}

	if err := ks.Delete("eve"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ks.IsOnline("eve") {
		t.Fatal("expected deleted key to not be online")
	}
	if _, err := st.GetApp("eve", "client1"); err == nil {
		t.Fatal("expected dependent app to be cascade-deleted")
	}
}
