package codec

import (
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func generateTestKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func TestSignVerifyRoundTrip(t *testing.T) {
	privHex, err := generateTestKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ev := &nostr.Event{Kind: 1, Content: "hello"}
	if err := Sign(ev, privHex); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := Verify(ev); err != nil {
		t.Fatalf("verify signed event: %v", err)
	}

	ev.Content = "tampered"
	if err := Verify(ev); err == nil {
		t.Fatal("expected verify to fail after tampering with content")
	}
}

func TestNIP04RequestReplyRoundTrip(t *testing.T) {
	ourPriv, err := generateTestKey()
	if err != nil {
		t.Fatalf("generate our key: %v", err)
	}
	theirPriv, err := generateTestKey()
	if err != nil {
		t.Fatalf("generate their key: %v", err)
	}
	theirPub, err := PublicKey(theirPriv)
	if err != nil {
		t.Fatalf("derive pubkey: %v", err)
	}

	req := Request{ID: "1", Method: "ping", Params: nil}
	ev, err := EncodeRequest(req, ourPriv, theirPub)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}

	decoded, err := DecodeRequest(ev, theirPriv)
	if err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if decoded.ID != req.ID || decoded.Method != req.Method {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded, req)
	}
}

func TestNIP44EncryptDecryptRoundTrip(t *testing.T) {
	alice, err := generateTestKey()
	if err != nil {
		t.Fatalf("generate alice key: %v", err)
	}
	bob, err := generateTestKey()
	if err != nil {
		t.Fatalf("generate bob key: %v", err)
	}
	bobPub, err := PublicKey(bob)
	if err != nil {
		t.Fatalf("derive bob pubkey: %v", err)
	}
	alicePub, err := PublicKey(alice)
	if err != nil {
		t.Fatalf("derive alice pubkey: %v", err)
	}

	ct, err := NIP44Encrypt("hello nostr", alice, bobPub)
	if err != nil {
		t.Fatalf("nip44 encrypt: %v", err)
	}
	pt, err := NIP44Decrypt(ct, bob, alicePub)
	if err != nil {
		t.Fatalf("nip44 decrypt: %v", err)
	}
	if pt != "hello nostr" {
		t.Fatalf("nip44 round trip mismatch: got %q", pt)
	}
}

func TestNpubRoundTrip(t *testing.T) {
	priv, err := generateTestKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub, err := PublicKey(priv)
	if err != nil {
		t.Fatalf("derive pubkey: %v", err)
	}
	npub, err := EncodeNpub(pub)
	if err != nil {
		t.Fatalf("encode npub: %v", err)
	}
	decoded, err := DecodeNpub(npub)
	if err != nil {
		t.Fatalf("decode npub: %v", err)
	}
	if decoded != pub {
		t.Fatalf("npub round trip mismatch: got %s want %s", decoded, pub)
	}
}

func TestNcryptsecRoundTripAndWrongPassphrase(t *testing.T) {
	priv, err := generateTestKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	enc, err := EncryptNcryptsec(priv, "correct horse battery staple", 4)
	if err != nil {
		t.Fatalf("encrypt ncryptsec: %v", err)
	}
	decoded, err := DecryptNcryptsec(enc, "correct horse battery staple")
	if err != nil {
		t.Fatalf("decrypt ncryptsec: %v", err)
	}
	if decoded != priv {
		t.Fatalf("ncryptsec round trip mismatch: got %s want %s", decoded, priv)
	}

	if _, err := DecryptNcryptsec(enc, "wrong passphrase"); err == nil {
		t.Fatal("expected wrong passphrase to fail decryption")
	}
}

func TestDecodeNsecAcceptsHexAndBech32(t *testing.T) {
	priv, err := generateTestKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	fromHex, err := DecodeNsec(priv)
	if err != nil {
		t.Fatalf("decode hex nsec: %v", err)
	}
	if fromHex != priv {
		t.Fatalf("hex decode mismatch")
	}

	nsec, err := EncodeNsec(priv)
	if err != nil {
		t.Fatalf("encode nsec: %v", err)
	}
	fromBech32, err := DecodeNsec(nsec)
	if err != nil {
		t.Fatalf("decode bech32 nsec: %v", err)
	}
	if fromBech32 != priv {
		t.Fatalf("bech32 decode mismatch")
	}
}
