// Package pipeline implements C6 RequestPipeline: the per-event state
// machine that turns an inbound NIP-46 event into a decrypted Request,
// resolves which key it addresses, asks C5 for a decision, executes or
// enqueues it, and answers with an encrypted Response. Input that addresses
// none of our keys or cannot be decrypted is dropped silently, and a
// denial of a request that arrived while its key was locked is recorded
// without a reply (see resumeLocked). Grounded on
// spec.md §4.6 and the teacher's request-handling flow in
// internal/server/inbox.go (decode -> validate -> act -> reply -> log).
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/mroxso/signet/internal/acl"
	"github.com/mroxso/signet/internal/codec"
	"github.com/mroxso/signet/internal/codeerr"
	"github.com/mroxso/signet/internal/connect"
	"github.com/mroxso/signet/internal/eventbus"
	"github.com/mroxso/signet/internal/keystore"
	"github.com/mroxso/signet/internal/queue"
	"github.com/mroxso/signet/internal/relay"
	"github.com/mroxso/signet/internal/store"
)

// Pipeline wires together every component a single inbound event needs.
type Pipeline struct {
	keystore *keystore.KeyStore
	acl      *acl.Engine
	queue    *queue.Queue
	connect  *connect.Service
	pool     *relay.Pool
	store    *store.Store
	bus      *eventbus.Bus

	requestTTL time.Duration

	autoLogMu    sync.Mutex
	autoLogSeen  map[string]time.Time
}

const autoLogDedupWindow = 5 * time.Second

// New constructs a Pipeline.
func New(ks *keystore.KeyStore, aclEngine *acl.Engine, q *queue.Queue, connectSvc *connect.Service, pool *relay.Pool, st *store.Store, bus *eventbus.Bus, requestTTL time.Duration) *Pipeline {
	if requestTTL <= 0 {
		requestTTL = 5 * time.Minute
	}
	return &Pipeline{
		keystore:    ks,
		acl:         aclEngine,
		queue:       q,
		connect:     connectSvc,
		pool:        pool,
		store:       st,
		bus:         bus,
		requestTTL:  requestTTL,
		autoLogSeen: make(map[string]time.Time),
	}
}

// Start subscribes to the admin's eventual approve/deny of an escalated
// request so the pipeline can finish the job it parked: execute (or skip)
// the method and publish the reply. Returns an unsubscribe func.
func (p *Pipeline) Start() (cancel func()) {
	return p.bus.Subscribe(func(ev eventbus.Event) {
		id, ok := ev.Data.(string)
		if !ok {
			return
		}
		switch ev.Kind {
		case eventbus.KindRequestApproved:
			go p.resume(context.Background(), id, true)
		case eventbus.KindRequestDenied:
			go p.resume(context.Background(), id, false)
		}
	})
}

// resume completes a PendingRequest that was escalated, once an admin (or
// the kill switch / queue API) has resolved it.
func (p *Pipeline) resume(ctx context.Context, id string, allowed bool) {
	row, err := p.store.GetRequest(id)
	if err != nil {
		slog.Error("resume pending request: lookup failed", "id", id, "error", err)
		return
	}

	// Method is blank only for requests enqueued while their key was
	// locked (§4.6 scenario 3): resolve_key couldn't decrypt the content
	// to learn method/params, so Params holds the raw relay event instead
	// of a wireEnvelope.
	if row.Method == "" {
		p.resumeLocked(ctx, row, allowed)
		return
	}

	var env wireEnvelope
	if err := json.Unmarshal([]byte(row.Params), &env); err != nil {
		slog.Error("resume pending request: bad params envelope", "id", id, "error", err)
		return
	}
	req := codec.Request{ID: env.RPCID, Method: row.Method, Params: env.Params}

	ourPrivHex, err := p.keystore.PlaintextFor(row.KeyName)
	if err != nil {
		slog.Warn("resume pending request: key no longer online", "id", id, "key", row.KeyName)
		return
	}

	if !allowed {
		p.reply(ctx, id, row.KeyName, ourPrivHex, row.RemotePubkey, req.ID, "", fmt.Sprintf("denied: %v", codeerr.ErrPermissionDeny))
		p.logDecision(row.KeyName, row.RemotePubkey, row.Method, -1, "denial", "")
		p.queue.NotifyResumed(id)
		return
	}

	result, execErr := p.execute(ctx, row.KeyName, ourPrivHex, row.RemotePubkey, req)
	if execErr != nil {
		p.reply(ctx, id, row.KeyName, ourPrivHex, row.RemotePubkey, req.ID, "", execErr.Error())
	} else {
		p.reply(ctx, id, row.KeyName, ourPrivHex, row.RemotePubkey, req.ID, result, "")
	}
	p.logDecision(row.KeyName, row.RemotePubkey, row.Method, -1, "approval", "")
	p.queue.NotifyResumed(id)
}

// resumeLocked finishes a PendingRequest whose content could not be
// decrypted at enqueue time because its key was locked. Denying needs no
// passphrase and nothing more can happen: with no plaintext there is also
// no key material to encrypt an error reply with, so the denial is
// recorded with no wire reply sent — the same no-retry, partial-success
// shape §4.6/§9(c) already accepts for failed publishes. Approving implies
// Queue.Approve already unlocked the key with the supplied passphrase
// before emitting request:approved, so the raw event can finally be
// decrypted here, and only then do we learn its real method.
func (p *Pipeline) resumeLocked(ctx context.Context, row store.RequestRow, allowed bool) {
	if !allowed {
		p.logDecision(row.KeyName, row.RemotePubkey, "(locked)", -1, "denial", "")
		p.queue.NotifyResumed(row.ID)
		return
	}

	ourPrivHex, err := p.keystore.PlaintextFor(row.KeyName)
	if err != nil {
		slog.Warn("resume locked pending request: key still not online", "id", row.ID, "key", row.KeyName)
		return
	}

	var ev nostr.Event
	if err := json.Unmarshal([]byte(row.Params), &ev); err != nil {
		slog.Error("resume locked pending request: bad raw event", "id", row.ID, "error", err)
		return
	}
	req, err := codec.DecodeRequest(&ev, ourPrivHex)
	if err != nil {
		slog.Error("resume locked pending request: decrypt failed", "id", row.ID, "error", err)
		return
	}
	if err := p.store.SetRequestMethod(row.ID, req.Method); err != nil {
		slog.Error("resume locked pending request: record method failed", "id", row.ID, "error", err)
	}

	kind := p.methodKind(req)
	result, execErr := p.execute(ctx, row.KeyName, ourPrivHex, row.RemotePubkey, req)
	if execErr != nil {
		p.reply(ctx, row.ID, row.KeyName, ourPrivHex, row.RemotePubkey, req.ID, "", execErr.Error())
	} else {
		p.reply(ctx, row.ID, row.KeyName, ourPrivHex, row.RemotePubkey, req.ID, result, "")
	}
	p.logDecision(row.KeyName, row.RemotePubkey, req.Method, kind, "approval", "")
	p.queue.NotifyResumed(row.ID)
}

// wireEnvelope is the on-disk shape of RequestRow.Params: it carries the
// original NIP-46 rpc id alongside the method params so a reply sent after
// admin approval can still echo the client's own request id.
type wireEnvelope struct {
	RPCID  string   `json:"rpcId"`
	Params []string `json:"params"`
}

// HandleEvent is the entry point SubscriptionManager calls for every
// inbound kind-24133 event regardless of which subscription delivered it.
func (p *Pipeline) HandleEvent(ctx context.Context, ev *nostr.Event) {
	keyName, found := p.resolveKeyName(ev)
	if !found {
		slog.Debug("dropping event: no matching key", "id", ev.ID)
		return
	}

	ourPrivHex, err := p.keystore.PlaintextFor(keyName)
	if err != nil {
		// Key is locked: resolve_key cannot decrypt content to learn the
		// method, so the request is enqueued as-is and ACL is deferred
		// until the admin supplies the passphrase (§4.6 scenario 3).
		p.enqueueLocked(keyName, ev)
		return
	}

	plain, err := codec.NIP04Decrypt(ev.Content, ourPrivHex, ev.PubKey)
	if err != nil {
		slog.Debug("dropping event: decrypt failed", "id", ev.ID, "error", err)
		return
	}
	var req codec.Request
	if err := json.Unmarshal([]byte(plain), &req); err != nil {
		slog.Debug("malformed request", "id", ev.ID, "error", err)
		p.reply(ctx, "", keyName, ourPrivHex, ev.PubKey, "", "", codeerr.ErrMalformedEvent.Error())
		return
	}

	kind := p.methodKind(req)
	decision := p.acl.Decide(keyName, ev.PubKey, req.Method, kind)

	switch decision.Decision {
	case acl.Escalate:
		p.enqueue(ev.ID, keyName, ev.PubKey, req)
	case acl.Deny:
		p.reply(ctx, "", keyName, ourPrivHex, ev.PubKey, req.ID, "", fmt.Sprintf("denied: %v", codeerr.ErrPermissionDeny))
		p.logDecision(keyName, ev.PubKey, req.Method, kind, "denial", "")
	default: // AllowAuto / AllowManualRecord
		result, execErr := p.execute(ctx, keyName, ourPrivHex, ev.PubKey, req)
		if execErr != nil {
			p.reply(ctx, "", keyName, ourPrivHex, ev.PubKey, req.ID, "", execErr.Error())
		} else {
			p.reply(ctx, "", keyName, ourPrivHex, ev.PubKey, req.ID, result, "")
		}
		p.logAutoApproval(keyName, ev.PubKey, req.Method, kind, decision.ApprovalType)
	}
}

// resolveKeyName finds which of our keys an event addresses via its `p`
// tag, regardless of whether that key is currently online or locked.
func (p *Pipeline) resolveKeyName(ev *nostr.Event) (keyName string, ok bool) {
	var pubkeyHex string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			pubkeyHex = tag[1]
			break
		}
	}
	if pubkeyHex == "" {
		return "", false
	}
	return p.keystore.NameForPubkey(pubkeyHex)
}

// methodKind extracts an event kind from sign_event's first param, or -1
// for every other method (§4.5's ACL decision needs this for SAFE_KINDS /
// SENSITIVE_KINDS classification).
func (p *Pipeline) methodKind(req codec.Request) int {
	if req.Method != "sign_event" || len(req.Params) == 0 {
		return -1
	}
	var partial struct {
		Kind int `json:"kind"`
	}
	if err := json.Unmarshal([]byte(req.Params[0]), &partial); err != nil {
		return -1
	}
	return partial.Kind
}

// enqueue persists an escalated request. Its id is the relay event id
// (§3 PendingRequest: "id (relay event id)"), which doubles as the
// dedup key a replayed delivery of the same event collides against.
func (p *Pipeline) enqueue(eventID, keyName, clientPubkey string, req codec.Request) {
	envelope, _ := json.Marshal(wireEnvelope{RPCID: req.ID, Params: req.Params})
	row := store.RequestRow{
		ID:           eventID,
		KeyName:      keyName,
		Method:       req.Method,
		Params:       string(envelope),
		RemotePubkey: clientPubkey,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339Nano),
		ExpiresAt:    time.Now().Add(p.requestTTL).UTC().Format(time.RFC3339Nano),
	}
	if err := p.store.InsertRequest(row); err != nil {
		slog.Debug("enqueue pending request failed (likely a replayed relay event)", "id", eventID, "error", err)
		return
	}
	p.bus.Emit(eventbus.KindRequestCreated, row)
}

// enqueueLocked persists a request whose key was locked at receive time:
// its method and params are still encrypted, so Params carries the raw
// relay event and Method is left blank until resumeLocked decrypts it.
func (p *Pipeline) enqueueLocked(keyName string, ev *nostr.Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		slog.Error("enqueue locked pending request: marshal event failed", "id", ev.ID, "error", err)
		return
	}
	row := store.RequestRow{
		ID:               ev.ID,
		KeyName:          keyName,
		Method:           "",
		Params:           string(raw),
		RemotePubkey:     ev.PubKey,
		CreatedAt:        time.Now().UTC().Format(time.RFC3339Nano),
		ExpiresAt:        time.Now().Add(p.requestTTL).UTC().Format(time.RFC3339Nano),
		RequiresPassword: true,
	}
	if err := p.store.InsertRequest(row); err != nil {
		slog.Debug("enqueue locked pending request failed (likely a replayed relay event)", "id", ev.ID, "error", err)
		return
	}
	p.bus.Emit(eventbus.KindRequestCreated, row)
}

// execute runs the RPC method, returning the JSON-RPC `result` string.
func (p *Pipeline) execute(ctx context.Context, keyName, ourPrivHex, clientPubkey string, req codec.Request) (string, error) {
	switch req.Method {
	case "connect":
		return p.doConnect(keyName, clientPubkey, req)
	case "get_public_key":
		return codec.PublicKey(ourPrivHex)
	case "ping":
		return "pong", nil
	case "sign_event":
		return p.doSignEvent(ourPrivHex, req)
	case "nip04_encrypt":
		return twoParamCall(req, func(theirPub, plaintext string) (string, error) {
			return codec.NIP04Encrypt(plaintext, ourPrivHex, theirPub)
		})
	case "nip04_decrypt":
		return twoParamCall(req, func(theirPub, ciphertext string) (string, error) {
			return codec.NIP04Decrypt(ciphertext, ourPrivHex, theirPub)
		})
	case "nip44_encrypt":
		return twoParamCall(req, func(theirPub, plaintext string) (string, error) {
			return codec.NIP44Encrypt(plaintext, ourPrivHex, theirPub)
		})
	case "nip44_decrypt":
		return twoParamCall(req, func(theirPub, ciphertext string) (string, error) {
			return codec.NIP44Decrypt(ciphertext, ourPrivHex, theirPub)
		})
	case "encrypt": // legacy alias for nip04_encrypt
		return twoParamCall(req, func(theirPub, plaintext string) (string, error) {
			return codec.NIP04Encrypt(plaintext, ourPrivHex, theirPub)
		})
	case "decrypt": // legacy alias for nip04_decrypt
		return twoParamCall(req, func(theirPub, ciphertext string) (string, error) {
			return codec.NIP04Decrypt(ciphertext, ourPrivHex, theirPub)
		})
	default:
		return "", fmt.Errorf("%s: %w", req.Method, codeerr.ErrUnknownMethod)
	}
}

func twoParamCall(req codec.Request, fn func(a, b string) (string, error)) (string, error) {
	if len(req.Params) < 2 {
		return "", fmt.Errorf("%s: %w", req.Method, codeerr.ErrBadParams)
	}
	return fn(req.Params[0], req.Params[1])
}

func (p *Pipeline) doSignEvent(ourPrivHex string, req codec.Request) (string, error) {
	if len(req.Params) < 1 {
		return "", fmt.Errorf("sign_event: %w", codeerr.ErrBadParams)
	}
	var ev nostr.Event
	if err := json.Unmarshal([]byte(req.Params[0]), &ev); err != nil {
		return "", fmt.Errorf("sign_event: %w", codeerr.ErrBadParams)
	}
	if err := codec.Sign(&ev, ourPrivHex); err != nil {
		return "", fmt.Errorf("sign_event: %w", err)
	}
	out, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("sign_event: %w", codeerr.ErrUnexpected)
	}
	return string(out), nil
}

// doConnect redeems a bunker-flow secret if present (a failed redemption is
// only logged) and acks. It grants nothing itself: connect escalates in ACL
// absent an App, and the trust-level grant is made by Queue.Approve, so
// reaching here means an admin (or an auto-allow rule) already approved it.
func (p *Pipeline) doConnect(keyName, clientPubkey string, req codec.Request) (string, error) {
	if len(req.Params) >= 2 && req.Params[1] != "" {
		if _, err := p.connect.ConsumeToken(req.Params[1]); err != nil {
			slog.Debug("connect token consume failed", "error", err)
		}
	}
	return "ack", nil
}

// reply encrypts and publishes a NIP-46 response. requestRowID, when
// non-empty, names the PendingRequest row this reply resolves so a total
// publish failure can be recorded as connectResponseSent=false (§4.6, §8).
func (p *Pipeline) reply(ctx context.Context, requestRowID, keyName, ourPrivHex, clientPubkey, id, result, errStr string) {
	resp := codec.Response{ID: id, Result: result, Error: errStr}
	ev, err := codec.EncodeReply(resp, ourPrivHex, clientPubkey)
	if err != nil {
		slog.Error("encode reply failed", "error", err)
		return
	}
	sent := true
	if err := p.pool.Publish(ctx, ev); err != nil {
		slog.Warn("publish reply failed", "error", err, "key", keyName)
		sent = false
	}
	if requestRowID != "" {
		if err := p.store.MarkReplySent(requestRowID, sent); err != nil {
			slog.Error("mark reply sent failed", "error", err, "id", requestRowID)
		}
	}
}

func (p *Pipeline) logDecision(keyName, clientPubkey, method string, kind int, typ, appName string) {
	entry := store.LogEntry{
		Type:       typ,
		Method:     method,
		KeyName:    keyName,
		UserPubkey: clientPubkey,
		AppName:    appName,
	}
	if kind >= 0 {
		entry.EventKind.Int64 = int64(kind)
		entry.EventKind.Valid = true
	}
	if err := p.store.WriteLog(entry); err != nil {
		slog.Error("write activity log failed", "error", err)
	}
}

// logAutoApproval logs an auto-approved request, rate limited to at most
// one entry per (clientPubkey, method) every autoLogDedupWindow so a
// chatty always-allowed client doesn't flood the activity log (§4.6).
func (p *Pipeline) logAutoApproval(keyName, clientPubkey, method string, kind int, approval acl.ApprovalType) {
	key := clientPubkey + "\x00" + method
	p.autoLogMu.Lock()
	last, seen := p.autoLogSeen[key]
	now := time.Now()
	if seen && now.Sub(last) < autoLogDedupWindow {
		p.autoLogMu.Unlock()
		return
	}
	p.autoLogSeen[key] = now
	p.autoLogMu.Unlock()

	entry := store.LogEntry{
		Type:         "auto_approved",
		Method:       method,
		KeyName:      keyName,
		UserPubkey:   clientPubkey,
		AutoApproved: true,
		ApprovalType: string(approval),
	}
	if kind >= 0 {
		entry.EventKind.Int64 = int64(kind)
		entry.EventKind.Valid = true
	}
	if err := p.store.WriteLog(entry); err != nil {
		slog.Error("write activity log failed", "error", err)
	}
	p.bus.Emit(eventbus.KindRequestAutoAppr, entry)
}
