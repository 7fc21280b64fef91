// Package codec implements C1: Nostr event construction and signing, the
// NIP-04/NIP-44 payload transports used by the NIP-46 wire protocol, and
// the NIP-19/NIP-49 bech32 encodings used for key import/export and
// at-rest encryption. Grounded on the teacher's internal/nostr/signer.go,
// generalized from a single fixed local identity to an arbitrary signing
// key supplied by the caller (KeyStore holds the plaintext, codec never
// does).
package codec

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/nbd-wtf/go-nostr/nip44"
	"github.com/nbd-wtf/go-nostr/nip49"

	"github.com/mroxso/signet/internal/codeerr"
)

// NIP46Kind is the event kind carrying NIP-46 remote-signing requests and
// replies (spec.md §6 "NIP-46 transport").
const NIP46Kind = 24133

// Request is the decoded body of an inbound NIP-46 event's content field.
type Request struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// Response is the decoded body of an outbound NIP-46 reply's content field.
type Response struct {
	ID     string `json:"id"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// PublicKey returns the hex-encoded public key for a hex private key.
func PublicKey(privHex string) (string, error) {
	pub, err := nostr.GetPublicKey(privHex)
	if err != nil {
		return "", fmt.Errorf("derive public key: %w", err)
	}
	return pub, nil
}

// Sign finalizes ev (sets PubKey, CreatedAt if zero, ID, Sig) using privHex.
// Mirrors the teacher's Signer.Sign, generalized to any caller-supplied key
// rather than one process-wide local identity.
func Sign(ev *nostr.Event, privHex string) error {
	pub, err := nostr.GetPublicKey(privHex)
	if err != nil {
		return fmt.Errorf("%w: %v", codeerr.ErrBadSignature, err)
	}
	ev.PubKey = pub
	if ev.CreatedAt == 0 {
		ev.CreatedAt = nostr.Now()
	}
	if err := ev.Sign(privHex); err != nil {
		return fmt.Errorf("%w: %v", codeerr.ErrBadSignature, err)
	}
	return nil
}

// Verify checks an event's id and signature.
func Verify(ev *nostr.Event) error {
	ok, err := ev.CheckSignature()
	if err != nil || !ok {
		return codeerr.ErrBadSignature
	}
	return nil
}

// EncodeRequest builds the encrypted NIP-46 request envelope sent to a
// client-controlled signer, the inverse of DecodeRequest; only the codec
// tests call it.
func EncodeRequest(req Request, ourPrivHex, theirPubHex string) (*nostr.Event, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", codeerr.ErrMalformedEvent, err)
	}
	content, err := nip04.Encrypt(string(payload), sharedSecret(ourPrivHex, theirPubHex))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", codeerr.ErrCiphertextCorrupt, err)
	}
	ev := &nostr.Event{
		Kind:    NIP46Kind,
		Content: content,
		Tags:    nostr.Tags{{"p", theirPubHex}},
	}
	if err := Sign(ev, ourPrivHex); err != nil {
		return nil, err
	}
	return ev, nil
}

// DecodeRequest decrypts an inbound NIP-46 event's content using our
// private key and the event author's public key, per spec.md §6: "content
// = NIP04_Encrypt(theirPub, json({id, method, params:[...]}))".
func DecodeRequest(ev *nostr.Event, ourPrivHex string) (Request, error) {
	var req Request
	plain, err := nip04.Decrypt(ev.Content, sharedSecret(ourPrivHex, ev.PubKey))
	if err != nil {
		return req, fmt.Errorf("%w: %v", codeerr.ErrMalformedEvent, err)
	}
	if err := json.Unmarshal([]byte(plain), &req); err != nil {
		return req, fmt.Errorf("%w: %v", codeerr.ErrMalformedEvent, err)
	}
	return req, nil
}

// EncodeReply builds and signs the outbound NIP-46 reply event.
func EncodeReply(resp Response, ourPrivHex, clientPubHex string) (*nostr.Event, error) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", codeerr.ErrMalformedEvent, err)
	}
	content, err := nip04.Encrypt(string(payload), sharedSecret(ourPrivHex, clientPubHex))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", codeerr.ErrCiphertextCorrupt, err)
	}
	ev := &nostr.Event{
		Kind:    NIP46Kind,
		Content: content,
		Tags:    nostr.Tags{{"p", clientPubHex}},
	}
	if err := Sign(ev, ourPrivHex); err != nil {
		return nil, err
	}
	return ev, nil
}

func sharedSecret(ourPrivHex, theirPubHex string) []byte {
	secret, err := nip04.ComputeSharedSecret(theirPubHex, ourPrivHex)
	if err != nil {
		// ourPrivHex/theirPubHex are always validated upstream (event
		// signature check, key store format check); a failure here means
		// a caller bypassed validation.
		panic(fmt.Sprintf("codec: compute shared secret: %v", err))
	}
	return secret
}

// NIP44Encrypt encrypts plaintext to recipientPubHex under the NIP-44 v2
// scheme, used for the nip44_encrypt RPC method.
func NIP44Encrypt(plaintext, ourPrivHex, recipientPubHex string) (string, error) {
	key, err := nip44.GenerateConversationKey(recipientPubHex, ourPrivHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", codeerr.ErrCiphertextCorrupt, err)
	}
	ct, err := nip44.Encrypt(plaintext, key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", codeerr.ErrCiphertextCorrupt, err)
	}
	return ct, nil
}

// NIP44Decrypt decrypts a NIP-44 v2 payload sent from senderPubHex.
func NIP44Decrypt(ciphertext, ourPrivHex, senderPubHex string) (string, error) {
	key, err := nip44.GenerateConversationKey(senderPubHex, ourPrivHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", codeerr.ErrCiphertextCorrupt, err)
	}
	pt, err := nip44.Decrypt(ciphertext, key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", codeerr.ErrCiphertextCorrupt, err)
	}
	return pt, nil
}

// NIP04Encrypt mirrors EncodeRequest's inner step but exposes it directly
// for the nip04_encrypt RPC method, independent of event construction.
func NIP04Encrypt(plaintext, ourPrivHex, recipientPubHex string) (string, error) {
	ct, err := nip04.Encrypt(plaintext, sharedSecret(ourPrivHex, recipientPubHex))
	if err != nil {
		return "", fmt.Errorf("%w: %v", codeerr.ErrCiphertextCorrupt, err)
	}
	return ct, nil
}

// NIP04Decrypt is the nip04_decrypt RPC method's primitive.
func NIP04Decrypt(ciphertext, ourPrivHex, senderPubHex string) (string, error) {
	pt, err := nip04.Decrypt(ciphertext, sharedSecret(ourPrivHex, senderPubHex))
	if err != nil {
		return "", fmt.Errorf("%w: %v", codeerr.ErrCiphertextCorrupt, err)
	}
	return pt, nil
}

// EncodeNpub / DecodeNpub implement the bech32 public-key encoding used by
// the HTTP API and admin DM parsing (grounded on the teacher's
// nip19.EncodePublicKey call in internal/config/config.go).
func EncodeNpub(pubHex string) (string, error) {
	npub, err := nip19.EncodePublicKey(pubHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", codeerr.ErrInvalidEncoding, err)
	}
	return npub, nil
}

// EncodeNsec encodes a hex private key as bech32 nsec, used by
// KeyStore.Export's plaintext export path.
func EncodeNsec(privHex string) (string, error) {
	nsec, err := nip19.EncodePrivateKey(privHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", codeerr.ErrInvalidEncoding, err)
	}
	return nsec, nil
}

func DecodeNpub(npub string) (string, error) {
	prefix, val, err := nip19.Decode(npub)
	if err != nil || prefix != "npub" {
		return "", codeerr.ErrInvalidEncoding
	}
	pubHex, ok := val.(string)
	if !ok {
		return "", codeerr.ErrInvalidEncoding
	}
	return pubHex, nil
}

// DecodeNsec accepts either a raw hex private key or a bech32 nsec and
// returns the hex form, per §4.2 Create's "optional nsec or ncryptsec".
func DecodeNsec(s string) (string, error) {
	if isHex64(s) {
		return s, nil
	}
	prefix, val, err := nip19.Decode(s)
	if err != nil || prefix != "nsec" {
		return "", codeerr.ErrInvalidEncoding
	}
	privHex, ok := val.(string)
	if !ok {
		return "", codeerr.ErrInvalidEncoding
	}
	return privHex, nil
}

// EncryptNcryptsec wraps a hex private key as a NIP-49 ncryptsec string at
// the given scrypt log-n difficulty, used by KeyStore's Encrypt/Migrate.
func EncryptNcryptsec(privHex, passphrase string, logN uint8) (string, error) {
	enc, err := nip49.Encrypt(privHex, passphrase, logN, 0x00)
	if err != nil {
		return "", fmt.Errorf("%w: %v", codeerr.ErrKdfFailure, err)
	}
	return enc, nil
}

// DecryptNcryptsec reverses EncryptNcryptsec. A wrong passphrase yields
// ErrWrongPassphrase, matching the auth-kind error taxonomy in §7.
func DecryptNcryptsec(ncryptsec, passphrase string) (string, error) {
	privHex, err := nip49.Decrypt(ncryptsec, passphrase)
	if err != nil {
		return "", fmt.Errorf("%w: %v", codeerr.ErrWrongPassphrase, err)
	}
	return privHex, nil
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
