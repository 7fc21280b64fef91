// Package keystore implements C2: persistent, passphrase-encrypted key
// material, an in-memory "active" key table, at-rest format migration, and
// zeroization. Grounded on the teacher's internal/nostr/signer.go (the
// active-key-handle pattern) generalized from one fixed local identity to
// many named keys, each independently lockable.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/mroxso/signet/internal/codec"
	"github.com/mroxso/signet/internal/codeerr"
	"github.com/mroxso/signet/internal/eventbus"
	"github.com/mroxso/signet/internal/store"
)

// Status mirrors §3's Key.status.
type Status string

const (
	StatusOffline Status = "offline"
	StatusLocked  Status = "locked"
	StatusOnline  Status = "online"
)

// Encryption mirrors §3's Key.encryption.
type Encryption string

const (
	EncryptionNone   Encryption = "none"
	EncryptionNIP49  Encryption = "scrypt_xchacha20_poly1305"
	EncryptionLegacy Encryption = "legacy_pbkdf2_aes256gcm"
)

// scryptLogN is the NIP-49 KDF difficulty Signet writes for new envelopes.
// §4.1 requires honoring whatever log_n is recorded in an existing
// envelope, even if it's higher than this default.
const scryptLogN = 16

// Info is the public projection of a key, safe to hand to the HTTP layer.
type Info struct {
	Name         string
	Npub         string
	Status       Status
	Encryption   Encryption
	UserCount    int
	RequestCount int
	LastUsedAt   string
}

// activeKey holds plaintext only while Status == online. privHex is a
// []byte, not a string, specifically so zeroize() scrubs the same backing
// array every reader saw — a string's backing bytes are immutable and a
// []byte(s) conversion only zeroes a fresh copy, leaving the original
// behind in memory for GC to reclaim on its own schedule. Holding it as a
// []byte the whole time it's active is what lets zeroize() actually clear
// it in place on lock/delete/shutdown, per §8's "plaintext buffer is
// absent from memory whenever status != online".
type activeKey struct {
	privHex []byte
}

func (k *activeKey) zeroize() {
	if k == nil {
		return
	}
	for i := range k.privHex {
		k.privHex[i] = 0
	}
	k.privHex = nil
}

// KeyStore manages every Key's persisted configuration and in-memory
// active-key table.
type KeyStore struct {
	store *store.Store
	bus   *eventbus.Bus

	minPassphraseLen int

	mu     sync.RWMutex
	active map[string]*activeKey
}

// New constructs a KeyStore.
func New(st *store.Store, bus *eventbus.Bus, minPassphraseLen int) *KeyStore {
	return &KeyStore{
		store:            st,
		bus:              bus,
		minPassphraseLen: minPassphraseLen,
		active:           make(map[string]*activeKey),
	}
}

// LoadOnBoot activates every key whose persisted encryption is `none`, per
// §4.2 Create: "if encryption=none, key is written plaintext and
// considered online automatically at boot".
func (ks *KeyStore) LoadOnBoot() error {
	rows, err := ks.store.ListKeys()
	if err != nil {
		return fmt.Errorf("%w: %v", codeerr.ErrDbError, err)
	}
	for _, row := range rows {
		if Encryption(row.Encryption) != EncryptionNone {
			continue
		}
		ks.mu.Lock()
		ks.active[row.Name] = &activeKey{privHex: []byte(row.Ciphertext)}
		ks.mu.Unlock()
		ks.bus.Emit(eventbus.KindKeyUnlocked, map[string]string{"name": row.Name})
	}
	return nil
}

// CreateInput is the parameter bundle for Create (§4.2).
type CreateInput struct {
	Name       string
	Passphrase string
	Confirm    string
	Nsec       string // raw hex or bech32; empty means generate
	Ncryptsec  string // bech32 ncryptsec1...; mutually exclusive with Nsec
	Encryption Encryption
}

// Create generates or imports a key per §4.2.
func (ks *KeyStore) Create(in CreateInput) (Info, error) {
	if _, err := ks.store.GetKey(in.Name); err == nil {
		return Info{}, codeerr.ErrNameInUse
	}

	var privHex string
	var err error
	switch {
	case in.Ncryptsec != "":
		if in.Passphrase == "" {
			return Info{}, codeerr.ErrWrongPassphrase
		}
		privHex, err = codec.DecryptNcryptsec(in.Ncryptsec, in.Passphrase)
		if err != nil {
			return Info{}, err
		}
		in.Confirm = in.Passphrase // imported ncryptsec: "no confirmation is asked"
	case in.Nsec != "":
		privHex, err = codec.DecodeNsec(in.Nsec)
		if err != nil {
			return Info{}, err
		}
	default:
		privHex, err = generatePrivHex()
		if err != nil {
			return Info{}, fmt.Errorf("%w: %v", codeerr.ErrUnexpected, err)
		}
	}

	if in.Encryption != EncryptionNone {
		if in.Passphrase != in.Confirm {
			return Info{}, codeerr.ErrPassphraseMismatch
		}
		if len(in.Passphrase) < ks.minPassphraseLen {
			return Info{}, codeerr.ErrWeakPassphrase
		}
	}

	pubHex, err := codec.PublicKey(privHex)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", codeerr.ErrInvalidEncoding, err)
	}
	npub, err := codec.EncodeNpub(pubHex)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", codeerr.ErrInvalidEncoding, err)
	}

	row := store.KeyRow{Name: in.Name, Npub: npub, Metadata: "{}"}
	status := StatusLocked
	switch in.Encryption {
	case EncryptionNone, "":
		row.Encryption = string(EncryptionNone)
		row.Ciphertext = privHex
		status = StatusOnline
	case EncryptionLegacy:
		return Info{}, fmt.Errorf("%w: new keys may not be created directly in the legacy format", codeerr.ErrInvalidEncoding)
	default:
		ciphertext, err := codec.EncryptNcryptsec(privHex, in.Passphrase, scryptLogN)
		if err != nil {
			return Info{}, err
		}
		row.Encryption = string(EncryptionNIP49)
		row.Ciphertext = ciphertext
	}

	if err := ks.store.InsertKey(row); err != nil {
		return Info{}, fmt.Errorf("%w: %v", codeerr.ErrDbError, err)
	}

	if status == StatusOnline {
		ks.mu.Lock()
		ks.active[in.Name] = &activeKey{privHex: []byte(privHex)}
		ks.mu.Unlock()
	}

	ks.bus.Emit(eventbus.KindKeyCreated, map[string]string{"name": in.Name, "npub": npub})
	return Info{Name: in.Name, Npub: npub, Status: status, Encryption: Encryption(row.Encryption)}, nil
}

// Unlock decrypts a key at rest and activates it (§4.2 Unlock).
func (ks *KeyStore) Unlock(name, passphrase string) error {
	row, err := ks.store.GetKey(name)
	if err != nil {
		return err
	}
	if Encryption(row.Encryption) == EncryptionNone {
		return codeerr.ErrNotEncrypted
	}
	var privHex string
	switch Encryption(row.Encryption) {
	case EncryptionNIP49:
		privHex, err = codec.DecryptNcryptsec(row.Ciphertext, passphrase)
	default:
		privHex, err = decryptLegacy(row.Ciphertext, passphrase)
	}
	if err != nil {
		return err
	}

	ks.mu.Lock()
	ks.active[name] = &activeKey{privHex: []byte(privHex)}
	ks.mu.Unlock()

	ks.bus.Emit(eventbus.KindKeyUnlocked, map[string]string{"name": name})
	return nil
}

// Lock zeroizes a key's plaintext, per §4.2 Lock. Unencrypted keys cannot
// be locked — they are always online while present.
func (ks *KeyStore) Lock(name string) error {
	row, err := ks.store.GetKey(name)
	if err != nil {
		return err
	}
	if Encryption(row.Encryption) == EncryptionNone {
		return fmt.Errorf("%w: key is unencrypted and cannot be locked", codeerr.ErrInvalidEncoding)
	}

	ks.mu.Lock()
	if ak, ok := ks.active[name]; ok {
		ak.zeroize()
		delete(ks.active, name)
	}
	ks.mu.Unlock()

	ks.bus.Emit(eventbus.KindKeyLocked, map[string]string{"name": name})
	return nil
}

// LockAll locks every encrypted key currently online and returns the names
// actually locked. Used directly by DeadManSwitch and KillSwitch panic.
func (ks *KeyStore) LockAll() ([]string, error) {
	rows, err := ks.store.ListKeys()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", codeerr.ErrDbError, err)
	}
	var locked []string
	for _, row := range rows {
		if Encryption(row.Encryption) == EncryptionNone {
			continue
		}
		ks.mu.Lock()
		_, online := ks.active[row.Name]
		if online {
			ks.active[row.Name].zeroize()
			delete(ks.active, row.Name)
		}
		ks.mu.Unlock()
		if online {
			locked = append(locked, row.Name)
			ks.bus.Emit(eventbus.KindKeyLocked, map[string]string{"name": row.Name})
		}
	}
	return locked, nil
}

// VerifyPassphraseAny reports whether passphrase decrypts any encrypted
// key's at-rest ciphertext, without unlocking it (no change to the active
// table). Used by DeadManSwitch.Reset, which accepts proof-of-life via the
// passphrase of *any* encrypted key (§4.10).
func (ks *KeyStore) VerifyPassphraseAny(passphrase string) bool {
	rows, err := ks.store.ListKeys()
	if err != nil {
		return false
	}
	for _, row := range rows {
		switch Encryption(row.Encryption) {
		case EncryptionNIP49:
			if _, err := codec.DecryptNcryptsec(row.Ciphertext, passphrase); err == nil {
				return true
			}
		case EncryptionLegacy:
			if _, err := decryptLegacy(row.Ciphertext, passphrase); err == nil {
				return true
			}
		}
	}
	return false
}

// SetPassphrase encrypts a previously plaintext (`none`) key in place.
func (ks *KeyStore) SetPassphrase(name, passphrase, confirm string) error {
	if passphrase != confirm {
		return codeerr.ErrPassphraseMismatch
	}
	if len(passphrase) < ks.minPassphraseLen {
		return codeerr.ErrWeakPassphrase
	}
	row, err := ks.store.GetKey(name)
	if err != nil {
		return err
	}
	if Encryption(row.Encryption) != EncryptionNone {
		return fmt.Errorf("%w: key is already encrypted", codeerr.ErrInvalidEncoding)
	}
	ciphertext, err := codec.EncryptNcryptsec(row.Ciphertext, passphrase, scryptLogN)
	if err != nil {
		return err
	}
	if err := ks.store.UpdateKeyEncryption(name, string(EncryptionNIP49), ciphertext); err != nil {
		return fmt.Errorf("%w: %v", codeerr.ErrDbError, err)
	}
	ks.bus.Emit(eventbus.KindKeyUpdated, map[string]string{"name": name, "encryption": string(EncryptionNIP49)})
	return nil
}

// Migrate re-encrypts a legacy-format key as NIP-49, using the same
// passphrase (§4.2 Migrate).
func (ks *KeyStore) Migrate(name, passphrase string) error {
	row, err := ks.store.GetKey(name)
	if err != nil {
		return err
	}
	if Encryption(row.Encryption) != EncryptionLegacy {
		return fmt.Errorf("%w: key is not in legacy format", codeerr.ErrInvalidEncoding)
	}
	privHex, err := decryptLegacy(row.Ciphertext, passphrase)
	if err != nil {
		return err
	}
	ciphertext, err := codec.EncryptNcryptsec(privHex, passphrase, scryptLogN)
	if err != nil {
		return err
	}
	if err := ks.store.UpdateKeyEncryption(name, string(EncryptionNIP49), ciphertext); err != nil {
		return fmt.Errorf("%w: %v", codeerr.ErrDbError, err)
	}
	ks.bus.Emit(eventbus.KindKeyUpdated, map[string]string{"name": name, "encryption": string(EncryptionNIP49)})
	return nil
}

// ExportResult holds one of the two export shapes §4.2 Export allows.
type ExportResult struct {
	Nsec      string
	Ncryptsec string
}

// Export returns nsec (no passphrase needed) or, if exportPassphrase is
// set, an ncryptsec wrapped with it. Only valid while the key is online.
func (ks *KeyStore) Export(name, exportPassphrase string) (ExportResult, error) {
	privHex, err := ks.PlaintextFor(name)
	if err != nil {
		return ExportResult{}, err
	}
	nsec, err := codec.EncodeNsec(privHex)
	if err != nil {
		return ExportResult{}, err
	}
	if exportPassphrase == "" {
		return ExportResult{Nsec: nsec}, nil
	}
	ncryptsec, err := codec.EncryptNcryptsec(privHex, exportPassphrase, scryptLogN)
	if err != nil {
		return ExportResult{}, err
	}
	return ExportResult{Ncryptsec: ncryptsec}, nil
}

// Rename changes a key's name, cascading in the store and the active table.
func (ks *KeyStore) Rename(oldName, newName string) error {
	if err := ks.store.RenameKey(oldName, newName); err != nil {
		return fmt.Errorf("%w: %v", codeerr.ErrDbError, err)
	}
	ks.mu.Lock()
	if ak, ok := ks.active[oldName]; ok {
		delete(ks.active, oldName)
		ks.active[newName] = ak
	}
	ks.mu.Unlock()
	ks.bus.Emit(eventbus.KindKeyRenamed, map[string]string{"old": oldName, "new": newName})
	return nil
}

// Delete purges a key's plaintext, ciphertext, and cascades to its apps
// and rules (§3 Key lifecycle).
func (ks *KeyStore) Delete(name string) error {
	ks.mu.Lock()
	if ak, ok := ks.active[name]; ok {
		ak.zeroize()
		delete(ks.active, name)
	}
	ks.mu.Unlock()

	if err := ks.store.DeleteKey(name); err != nil {
		return fmt.Errorf("%w: %v", codeerr.ErrDbError, err)
	}
	ks.bus.Emit(eventbus.KindKeyDeleted, map[string]string{"name": name})
	return nil
}

// ListKeys projects (name, status, npub, encryption, userCount,
// requestCount, lastUsedAt) per §4.2 ListKeys.
func (ks *KeyStore) ListKeys() ([]Info, error) {
	rows, err := ks.store.ListKeys()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", codeerr.ErrDbError, err)
	}
	out := make([]Info, 0, len(rows))
	for _, row := range rows {
		usage, err := ks.store.KeyUsageFor(row.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", codeerr.ErrDbError, err)
		}
		out = append(out, Info{
			Name:         row.Name,
			Npub:         row.Npub,
			Status:       ks.statusFor(row),
			Encryption:   Encryption(row.Encryption),
			UserCount:    usage.UserCount,
			RequestCount: usage.RequestCount,
			LastUsedAt:   usage.LastUsedAt,
		})
	}
	return out, nil
}

func (ks *KeyStore) statusFor(row store.KeyRow) Status {
	if Encryption(row.Encryption) == EncryptionNone {
		return StatusOnline
	}
	ks.mu.RLock()
	_, online := ks.active[row.Name]
	ks.mu.RUnlock()
	if online {
		return StatusOnline
	}
	return StatusLocked
}

// PlaintextFor returns the hex private key for an online key. Callers must
// not retain the string beyond the immediate signing/encryption operation;
// the handle becomes invalid the instant the key is locked.
func (ks *KeyStore) PlaintextFor(name string) (string, error) {
	ks.mu.RLock()
	ak, ok := ks.active[name]
	ks.mu.RUnlock()
	if !ok {
		return "", codeerr.ErrKeyLocked
	}
	return string(ak.privHex), nil
}

// PublicKeyFor returns the hex public key for name regardless of lock
// status (derivable from npub without touching plaintext).
func (ks *KeyStore) PublicKeyFor(name string) (string, error) {
	row, err := ks.store.GetKey(name)
	if err != nil {
		return "", err
	}
	return codec.DecodeNpub(row.Npub)
}

// NameForPubkey resolves a hex public key back to its key name, used by
// RequestPipeline's resolve_key step when an inbound event's `p` tag names
// the key by pubkey rather than by name.
func (ks *KeyStore) NameForPubkey(pubkeyHex string) (string, bool) {
	rows, err := ks.store.ListKeys()
	if err != nil {
		return "", false
	}
	for _, row := range rows {
		if hex, err := codec.DecodeNpub(row.Npub); err == nil && hex == pubkeyHex {
			return row.Name, true
		}
	}
	return "", false
}

// IsOnline reports whether name is currently active in memory.
func (ks *KeyStore) IsOnline(name string) bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	_, ok := ks.active[name]
	return ok
}

// ZeroizeAll is called on shutdown to scrub every active key from memory.
func (ks *KeyStore) ZeroizeAll() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	for name, ak := range ks.active {
		ak.zeroize()
		delete(ks.active, name)
	}
}

func generatePrivHex() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// legacyEnvelope is the internal, non-portable at-rest format documented
// in spec.md §6: "AES-256-GCM(PBKDF2(passphrase, salt, iter))". Retained
// only so existing legacy ciphertexts can be decrypted and migrated;
// Signet never writes new legacy envelopes.
type legacyEnvelope struct {
	Salt string `json:"salt"`
	IV   string `json:"iv"`
	Data string `json:"data"`
	Iter int    `json:"iter"`
}

const legacyPBKDF2KeyLen = 32

func decryptLegacy(ciphertext, passphrase string) (string, error) {
	var env legacyEnvelope
	if err := json.Unmarshal([]byte(ciphertext), &env); err != nil {
		return "", fmt.Errorf("%w: %v", codeerr.ErrCiphertextCorrupt, err)
	}
	salt, err := hex.DecodeString(env.Salt)
	if err != nil {
		return "", codeerr.ErrCiphertextCorrupt
	}
	iv, err := hex.DecodeString(env.IV)
	if err != nil {
		return "", codeerr.ErrCiphertextCorrupt
	}
	data, err := hex.DecodeString(env.Data)
	if err != nil {
		return "", codeerr.ErrCiphertextCorrupt
	}

	key := pbkdf2.Key([]byte(passphrase), salt, env.Iter, legacyPBKDF2KeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", codeerr.ErrKdfFailure, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", codeerr.ErrKdfFailure, err)
	}
	plain, err := gcm.Open(nil, iv, data, nil)
	if err != nil {
		return "", codeerr.ErrWrongPassphrase
	}
	return string(plain), nil
}
