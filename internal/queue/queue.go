// Package queue implements C7 AuthorizationQueue: the pending-request
// list/approve/deny/batch-approve surface the admin HTTP API and the
// kill-switch drive, plus the background sweepers that expire stale
// requests and purge old history. Grounded on spec.md §4.7 and the
// teacher's periodic-sweeper goroutines in cmd/klistr/main.go.
package queue

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mroxso/signet/internal/acl"
	"github.com/mroxso/signet/internal/codeerr"
	"github.com/mroxso/signet/internal/eventbus"
	"github.com/mroxso/signet/internal/keystore"
	"github.com/mroxso/signet/internal/store"
)

const (
	expireSweepInterval   = time.Minute
	requestRetention      = 24 * time.Hour
	logRetention          = 30 * 24 * time.Hour
	adminEventRetention   = 30 * 24 * time.Hour
	batchApproveMax       = 50
)

// Queue is the authorization queue.
type Queue struct {
	store    *store.Store
	acl      *acl.Engine
	bus      *eventbus.Bus
	keystore *keystore.KeyStore

	oneShotMu sync.Mutex
	oneShot   map[string]string // requestID -> keyName, pending a post-resume re-lock
}

// New constructs a Queue.
func New(st *store.Store, aclEngine *acl.Engine, bus *eventbus.Bus, ks *keystore.KeyStore) *Queue {
	return &Queue{store: st, acl: aclEngine, bus: bus, keystore: ks, oneShot: make(map[string]string)}
}

// List returns pending/processed requests for the admin API's `GET /requests`.
// RequiresPassword is computed live from whether the request's key is
// currently online rather than stored, since a key can lock or unlock at
// any point between enqueue and approval (§4.6 scenario 3).
func (q *Queue) List(status string, limit, offset int) ([]store.RequestRow, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := q.store.ListRequests(status, limit, offset)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if rows[i].Status == "pending" {
			rows[i].RequiresPassword = !q.keystore.IsOnline(rows[i].KeyName)
		}
	}
	return rows, nil
}

// ApproveOptions carries the optional fields an admin approval may set,
// per §4.7: password (for requiresPassword requests), trustLevel (for
// connect approvals), alwaysAllow (install a standing rule), allowKind
// (sign_event kind scope for alwaysAllow), appName (connect description).
// Persist controls whether a passphrase-driven unlock performed as part of
// this approval stays online afterward; it defaults to true (the documented
// default behavior), matching SPEC_FULL's resolution of Open Question (a).
// Setting it false makes the unlock one-shot: the key is re-locked once the
// pipeline finishes replying to this specific request.
type ApproveOptions struct {
	Password    string
	TrustLevel  string
	AlwaysAllow bool
	AllowKind   string
	AppName     string
	Persist     *bool
}

// Approve resolves a pending request as allowed, performing the CAS via
// store.TryResolveRequest so a duplicate approval (double click, concurrent
// kill-switch command) is a no-op rather than a double-grant. If the
// request's key is currently locked, a passphrase must be supplied to
// unlock it before the approval can proceed (§4.6 scenario 3); the key
// remains online afterward unless opts.Persist is false, in which case it
// is re-locked once the pipeline has replied (see NotifyResumed).
func (q *Queue) Approve(id string, opts ApproveOptions) (store.RequestRow, error) {
	req, err := q.store.GetRequest(id)
	if err != nil {
		return req, err
	}
	if req.Status != "pending" {
		return req, fmt.Errorf("request %s already %s: %w", id, req.Status, codeerr.ErrPermissionDeny)
	}

	if !q.keystore.IsOnline(req.KeyName) {
		if opts.Password == "" {
			return req, codeerr.ErrPasswordRequired
		}
		if err := q.keystore.Unlock(req.KeyName, opts.Password); err != nil {
			return req, err
		}
		if opts.Persist != nil && !*opts.Persist {
			q.oneShotMu.Lock()
			q.oneShot[id] = req.KeyName
			q.oneShotMu.Unlock()
		}
	}

	ok, err := q.store.TryResolveRequest(id, true)
	if err != nil {
		return req, err
	}
	if !ok {
		// Someone else resolved it first; re-read and return that outcome.
		return q.store.GetRequest(id)
	}

	if req.Method == "connect" {
		trustLevel := opts.TrustLevel
		if trustLevel == "" {
			trustLevel = "reasonable"
		}
		if _, err := q.acl.GrantByTrustLevel(req.KeyName, req.RemotePubkey, opts.AppName, trustLevel); err != nil {
			slog.Error("grant by trust level failed", "request", id, "error", err)
		}
	} else if opts.AlwaysAllow {
		app, err := q.store.GetApp(req.KeyName, req.RemotePubkey)
		if err == nil {
			if err := q.acl.InstallAlwaysAllowRule(app.ID, req.KeyName, req.RemotePubkey, req.Method, opts.AllowKind); err != nil {
				slog.Error("install always-allow rule failed", "request", id, "error", err)
			}
		}
	}

	q.bus.Emit(eventbus.KindRequestApproved, id)
	return q.store.GetRequest(id)
}

// Deny resolves a pending request as denied.
func (q *Queue) Deny(id string) (store.RequestRow, error) {
	req, err := q.store.GetRequest(id)
	if err != nil {
		return req, err
	}
	if req.Status != "pending" {
		return req, fmt.Errorf("request %s already %s: %w", id, req.Status, codeerr.ErrPermissionDeny)
	}
	ok, err := q.store.TryResolveRequest(id, false)
	if err != nil {
		return req, err
	}
	if !ok {
		// Someone else resolved it first; re-read and return that outcome.
		return q.store.GetRequest(id)
	}
	q.bus.Emit(eventbus.KindRequestDenied, id)
	return q.store.GetRequest(id)
}

// BatchResult is one item's outcome within a BatchApprove call.
type BatchResult struct {
	ID    string
	OK    bool
	Error string
}

// BatchApprove approves up to batchApproveMax requests, one CAS per item,
// and reports a result per id rather than failing the whole batch on one
// bad id (§4.7: "batch approve caps at 50, returns a per-item result").
func (q *Queue) BatchApprove(ids []string, opts ApproveOptions) []BatchResult {
	if len(ids) > batchApproveMax {
		ids = ids[:batchApproveMax]
	}
	results := make([]BatchResult, 0, len(ids))
	for _, id := range ids {
		if _, err := q.Approve(id, opts); err != nil {
			results = append(results, BatchResult{ID: id, OK: false, Error: err.Error()})
			continue
		}
		results = append(results, BatchResult{ID: id, OK: true})
	}
	return results
}

// NotifyResumed is called by the pipeline once it has finished replying to
// a resumed (escalated) request, whether the reply succeeded or not. If
// this request's approval was a one-shot unlock (Persist:false), the key is
// re-locked now that the single operation it was unlocked for is done.
func (q *Queue) NotifyResumed(id string) {
	q.oneShotMu.Lock()
	keyName, ok := q.oneShot[id]
	if ok {
		delete(q.oneShot, id)
	}
	q.oneShotMu.Unlock()
	if !ok {
		return
	}
	if err := q.keystore.Lock(keyName); err != nil {
		slog.Error("one-shot re-lock failed", "key", keyName, "request", id, "error", err)
	}
}

// RunSweeper runs the background expiry/retention sweeps until done is
// closed, per §4.7's 1-minute expiry check and 24h/30d retention purges.
func (q *Queue) RunSweeper(done <-chan struct{}) {
	ticker := time.NewTicker(expireSweepInterval)
	defer ticker.Stop()
	lastPurge := time.Time{}
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			ids, err := q.store.ExpirePending(now.UTC().Format(time.RFC3339Nano))
			if err != nil {
				slog.Error("expire pending requests failed", "error", err)
			} else if len(ids) > 0 {
				slog.Info("expired pending requests", "count", len(ids))
				for _, id := range ids {
					q.bus.Emit(eventbus.KindRequestExpired, id)
				}
			}

			if now.Sub(lastPurge) < time.Hour {
				continue
			}
			lastPurge = now
			if n, err := q.store.PurgeProcessedRequests(now.Add(-requestRetention).UTC().Format(time.RFC3339Nano)); err != nil {
				slog.Error("purge processed requests failed", "error", err)
			} else if n > 0 {
				slog.Info("purged processed requests", "count", n)
			}
			if n, err := q.store.PurgeLogsOlderThan(now.Add(-logRetention).UTC().Format(time.RFC3339Nano)); err != nil {
				slog.Error("purge logs failed", "error", err)
			} else if n > 0 {
				slog.Info("purged activity logs", "count", n)
			}
			if n, err := q.store.PurgeAdminEventsOlderThan(now.Add(-adminEventRetention).UTC().Format(time.RFC3339Nano)); err != nil {
				slog.Error("purge admin events failed", "error", err)
			} else if n > 0 {
				slog.Info("purged admin events", "count", n)
			}
		}
	}
}
