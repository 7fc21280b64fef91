// Package connect implements C8 ConnectionService: minting bunker:// URIs
// backed by one-time connection tokens, consuming them on the `connect`
// RPC, and parsing nostrconnect:// URIs offered by clients that initiate
// the pairing themselves. Grounded on spec.md §4.6 and NIP-46's two
// pairing flows.
package connect

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mroxso/signet/internal/acl"
	"github.com/mroxso/signet/internal/codec"
	"github.com/mroxso/signet/internal/codeerr"
	"github.com/mroxso/signet/internal/keystore"
	"github.com/mroxso/signet/internal/relay"
	"github.com/mroxso/signet/internal/store"
)

const defaultTokenTTL = 5 * time.Minute

// Service mints and consumes connection tokens, and drives the
// client-initiated (NostrConnect) pairing flow to completion.
type Service struct {
	store    *store.Store
	acl      *acl.Engine
	keystore *keystore.KeyStore
	pool     *relay.Pool
}

// New constructs a Service.
func New(st *store.Store, aclEngine *acl.Engine, ks *keystore.KeyStore, pool *relay.Pool) *Service {
	return &Service{store: st, acl: aclEngine, keystore: ks, pool: pool}
}

// BunkerURI is the result of minting a new connection token: a
// `bunker://<keyPubkey>?relay=...&secret=<token>` URI per §4.6.
type BunkerURI struct {
	URI     string
	Token   string
	KeyName string
}

// MintBunkerURI creates a fresh one-time token for keyName and formats the
// bunker:// URI the admin UI displays for pairing.
func (s *Service) MintBunkerURI(keyName, keyPubkeyHex string, relays []string, ttl time.Duration) (BunkerURI, error) {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	token, err := randomToken()
	if err != nil {
		return BunkerURI{}, fmt.Errorf("mint connection token: %w", err)
	}
	expiresAt := time.Now().Add(ttl).UTC().Format(time.RFC3339Nano)
	if err := s.store.InsertConnectionToken(token, keyName, expiresAt); err != nil {
		return BunkerURI{}, err
	}

	q := url.Values{}
	for _, r := range relays {
		q.Add("relay", r)
	}
	q.Set("secret", token)
	uri := fmt.Sprintf("bunker://%s?%s", keyPubkeyHex, q.Encode())
	return BunkerURI{URI: uri, Token: token, KeyName: keyName}, nil
}

// ConsumeToken atomically redeems a bunker-flow secret presented in a
// `connect` RPC's params, per §4.6: the token must exist, be unused, and
// be unexpired; redemption is single-use via the store's CAS update.
func (s *Service) ConsumeToken(token string) (store.ConnectionTokenRow, error) {
	return s.store.ConsumeConnectionToken(token)
}

// NostrConnectURI is a parsed client-initiated pairing request: a
// `nostrconnect://<clientPubkey>?relay=...&secret=...&perms=...&name=...
// &url=...` URI the client publishes and the signer discovers by
// subscribing with author=clientPubkey (§4.6 / §4.4).
type NostrConnectURI struct {
	ClientPubkey string
	Relays       []string
	Secret       string
	Perms        []Permission
	Name         string
	URL          string
}

// Permission is one entry of the `perms` query param: either a bare
// method ("get_public_key") or "sign_event:<kind>".
type Permission struct {
	Method string
	Kind   string // empty unless Method == "sign_event"
}

// ParseNostrConnectURI parses a nostrconnect:// URI into its fields.
func ParseNostrConnectURI(raw string) (NostrConnectURI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return NostrConnectURI{}, fmt.Errorf("parse nostrconnect uri: %w", err)
	}
	if u.Scheme != "nostrconnect" {
		return NostrConnectURI{}, fmt.Errorf("not a nostrconnect uri: %w", codeerr.ErrBadParams)
	}
	clientPubkey := u.Host
	if clientPubkey == "" {
		clientPubkey = strings.TrimPrefix(u.Opaque, "")
	}
	if len(clientPubkey) != 64 {
		return NostrConnectURI{}, fmt.Errorf("invalid client pubkey in nostrconnect uri: %w", codeerr.ErrBadParams)
	}

	q := u.Query()
	out := NostrConnectURI{
		ClientPubkey: clientPubkey,
		Relays:       q["relay"],
		Secret:       q.Get("secret"),
		Name:         q.Get("name"),
		URL:          q.Get("url"),
	}
	for _, p := range q["perms"] {
		for _, entry := range strings.Split(p, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			if idx := strings.Index(entry, ":"); idx >= 0 {
				out.Perms = append(out.Perms, Permission{Method: entry[:idx], Kind: entry[idx+1:]})
			} else {
				out.Perms = append(out.Perms, Permission{Method: entry})
			}
		}
	}
	return out, nil
}

// ApproveNostrConnect completes a client-initiated pairing (§4.8 /
// scenario 5): it grants the chosen trust level (which creates the App row
// and the standing `allow connect` rule, same as the bunker flow's first
// `connect` approval), persists the client's advertised relay set so
// SubscriptionManager's per-app subscription (§4.4) survives a restart,
// then publishes a NIP-46 `connect` reply to those relays, encrypted to
// the client's pubkey and signed by keyName's key. keyName must be online.
// Returns the created/updated App's id, which the caller needs to open the
// per-app subscription via SubscriptionManager.OnAppConnected.
func (s *Service) ApproveNostrConnect(ctx context.Context, uri NostrConnectURI, keyName, trustLevel, description string) (int64, error) {
	appID, err := s.acl.GrantByTrustLevel(keyName, uri.ClientPubkey, description, trustLevel)
	if err != nil {
		return 0, fmt.Errorf("grant by trust level: %w", err)
	}
	if len(uri.Relays) > 0 {
		if err := s.store.SetAppRelays(appID, uri.Relays); err != nil {
			return appID, fmt.Errorf("persist nostrconnect relays: %w", err)
		}
	}

	ourPrivHex, err := s.keystore.PlaintextFor(keyName)
	if err != nil {
		return appID, err
	}
	resp := codec.Response{ID: uri.Secret, Result: "ack"}
	ev, err := codec.EncodeReply(resp, ourPrivHex, uri.ClientPubkey)
	if err != nil {
		return appID, fmt.Errorf("encode connect reply: %w", err)
	}
	var publishErr error
	if len(uri.Relays) == 0 {
		publishErr = s.pool.Publish(ctx, ev)
	} else {
		publishErr = s.pool.PublishTo(ctx, uri.Relays, ev)
	}
	if publishErr != nil {
		return appID, fmt.Errorf("%w: %v", codeerr.ErrPublishNoAck, publishErr)
	}
	return appID, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
