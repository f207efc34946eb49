// Package registry implements C4, the in-memory client registry: the
// UidName<->ClientId bijection, each client's token (callback handle,
// readiness flag), and the four single-locked operations register,
// unregister, report_task_done and confirm_ready_for_shutdown (§4.4).
//
// Registry does not own C5/C6 directly — rather than import them and
// risk a dependency cycle with the dispatcher that wires all of C4-C9
// together, it calls a small set of hooks supplied at construction,
// mirroring the teacher's habit of passing callback funcs into a manager
// instead of a concrete collaborator type (e.g. client.Client's
// updateNodeFromFingerprint callback wiring).
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/lineageos/carservice-remotetaskd/internal/collab"
	"github.com/lineageos/carservice-remotetaskd/internal/idgen"
	"github.com/lineageos/carservice-remotetaskd/internal/identity"
	"github.com/lineageos/carservice-remotetaskd/internal/rtderr"
	"github.com/lineageos/carservice-remotetaskd/internal/serverless"
	"github.com/lineageos/carservice-remotetaskd/internal/types"
)

// Hooks are the registry's outbound calls into the rest of the dispatch
// core. The dispatcher sets these after constructing every component
// (§9 "keep the graph a tree").
type Hooks struct {
	// Redispatch re-runs delivery for any tasks already queued for
	// clientID, as the final step of a completed registration (§4.4,
	// §5 "Registration completion is observed before dispatch").
	Redispatch func(clientID types.ClientId)
	// ClearActiveTasks drops clientID's active-task accounting on the
	// owning supervisor, used by unregister (§4.4).
	ClearActiveTasks func(clientID types.ClientId)
	// RemoveActive removes one task from clientID's active set and
	// reports whether it was present, used by report_task_done (§4.4).
	RemoveActive func(clientID types.ClientId, taskID types.TaskId) bool
	// ScheduleShutdownReeval asks C7 to re-check maybe_shutdown(false)
	// after delay, used by unregister and report_task_done (§4.4).
	ScheduleShutdownReeval func(delay time.Duration)
	// TriggerWrapUp asks C7 to run the bounded wrap-up sequence
	// immediately, used when every live client confirms readiness
	// (§4.4, §GLOSSARY "Wrap-up").
	TriggerWrapUp func()
}

// Registry is C4. All exported operations take the single lock mu;
// suspension points (DB writes, the registration callback invocation)
// are issued with the lock released, per §5.
type Registry struct {
	mu sync.Mutex

	byUID   map[types.UidName]*types.ClientToken
	uidByID map[types.ClientId]types.UidName

	store      *identity.Store
	serverless *serverless.Registry
	ids        *idgen.Generator
	death      collab.DeathWatcher
	post       func(func())
	unbindDelay time.Duration
	hooks      Hooks
	log        hclog.Logger
}

// New constructs an empty Registry. Callers should follow with Restore
// to repopulate regular-client tokens from the identity store at boot.
func New(store *identity.Store, sl *serverless.Registry, ids *idgen.Generator, death collab.DeathWatcher, post func(func()), unbindDelay time.Duration, hooks Hooks, log hclog.Logger) *Registry {
	return &Registry{
		byUID:       make(map[types.UidName]*types.ClientToken),
		uidByID:     make(map[types.ClientId]types.UidName),
		store:       store,
		serverless:  sl,
		ids:         ids,
		death:       death,
		post:        post,
		unbindDelay: unbindDelay,
		hooks:       hooks,
		log:         log,
	}
}

// Restore loads every persisted (non-serverless) row from the identity
// store into memory at boot, without a live callback (§3 Lifecycle).
func (r *Registry) Restore(ctx context.Context) error {
	entries, err := r.store.ListAll(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		r.byUID[e.UidName] = &types.ClientToken{
			ClientID:         e.ClientID,
			IDCreationTimeMs: e.IDCreationTimeMs,
		}
		r.uidByID[e.ClientID] = e.UidName
	}
	return nil
}

// Register implements register(callback) (§4.4). pkg is the caller's
// package name, used to resolve serverless entries; uid is the caller's
// resolved UidName.
func (r *Registry) Register(ctx context.Context, uid types.UidName, pkg string, callback types.ClientCallback) (types.RegistrationInfo, error) {
	r.mu.Lock()

	serverlessID, isServerless := r.serverless.ClientIDForPackage(pkg)

	existing := r.byUID[uid]
	if isServerless {
		if existing != nil && !existing.IsServerless {
			// Purge the old non-serverless token before issuing the
			// serverless one (§4.4).
			delete(r.uidByID, existing.ClientID)
			r.mu.Unlock()
			if err := r.store.Delete(ctx, uid); err != nil && r.log != nil {
				r.log.Warn("failed to purge superseded token", "uid_name", uid, "error", err)
			}
			r.mu.Lock()
		}
		token := &types.ClientToken{ClientID: serverlessID, IsServerless: true}
		r.byUID[uid] = token
		r.uidByID[serverlessID] = uid
	} else if existing != nil {
		// reuse
	} else {
		cid, err := r.ids.Next()
		if err != nil {
			r.mu.Unlock()
			return types.RegistrationInfo{}, rtderr.Wrap(rtderr.KindPersistenceFailed, "generate client id", err)
		}
		token := &types.ClientToken{ClientID: cid, IDCreationTimeMs: nowMs()}
		r.byUID[uid] = token
		r.uidByID[cid] = uid

		entry := identity.Entry{UidName: uid, ClientID: cid, IDCreationTimeMs: token.IDCreationTimeMs}
		r.mu.Unlock()
		if err := r.store.Upsert(ctx, entry); err != nil && r.log != nil {
			// Non-fatal: the in-memory token is still used for this run
			// (§4.1 Failure semantics).
			r.log.Warn("failed to persist new client identity", "uid_name", uid, "error", err)
		}
		r.mu.Lock()
	}

	token := r.byUID[uid]
	info := types.RegistrationInfo{ClientID: token.ClientID, IsServerless: token.IsServerless}
	r.mu.Unlock()

	// Notify the caller before the callback handle is stored, so that a
	// task dispatched concurrently with registration never observes a
	// half-initialized client (§4.4, §5).
	if err := callback.OnClientRegistrationUpdated(info); err != nil {
		return types.RegistrationInfo{}, err
	}

	r.mu.Lock()
	token.Callback = callback
	clientID := token.ClientID
	r.mu.Unlock()

	if r.death != nil {
		r.death.WatchDeath(callback, func() { r.post(func() { r.clearDeadCallback(uid, callback) }) })
	}

	if r.hooks.Redispatch != nil {
		r.hooks.Redispatch(clientID)
	}
	return info, nil
}

func (r *Registry) clearDeadCallback(uid types.UidName, callback types.ClientCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.byUID[uid]
	if !ok || token.Callback != callback {
		return
	}
	token.Callback = nil
}

// Unregister implements unregister(callback) (§4.4): idempotent, only
// clears the callback if it matches the one on file.
func (r *Registry) Unregister(uid types.UidName, callback types.ClientCallback) {
	r.mu.Lock()
	token, ok := r.byUID[uid]
	if !ok || token.Callback != callback {
		r.mu.Unlock()
		return
	}
	token.Callback = nil
	clientID := token.ClientID
	r.mu.Unlock()

	if r.hooks.ClearActiveTasks != nil {
		r.hooks.ClearActiveTasks(clientID)
	}
	if r.hooks.ScheduleShutdownReeval != nil {
		r.hooks.ScheduleShutdownReeval(r.unbindDelay)
	}
}

// ReportTaskDone implements report_task_done(client_id, task_id) (§4.4).
func (r *Registry) ReportTaskDone(uid types.UidName, clientID types.ClientId, taskID types.TaskId) error {
	r.mu.Lock()
	token, ok := r.byUID[uid]
	if !ok || token.ClientID != clientID {
		r.mu.Unlock()
		return rtderr.New(rtderr.KindInvalidArgument, "client_id does not match caller")
	}
	r.mu.Unlock()

	if r.hooks.RemoveActive == nil || !r.hooks.RemoveActive(clientID, taskID) {
		return rtderr.New(rtderr.KindInvalidArgument, "unknown task_id")
	}
	if r.hooks.ScheduleShutdownReeval != nil {
		r.hooks.ScheduleShutdownReeval(r.unbindDelay)
	}
	return nil
}

// ConfirmReadyForShutdown implements confirm_ready_for_shutdown(client_id)
// (§4.4): if every token with a live callback is now ready, wrap up.
func (r *Registry) ConfirmReadyForShutdown(uid types.UidName, clientID types.ClientId) error {
	r.mu.Lock()
	token, ok := r.byUID[uid]
	if !ok || token.ClientID != clientID {
		r.mu.Unlock()
		return rtderr.New(rtderr.KindInvalidArgument, "client_id does not match caller")
	}
	token.ReadyForShutdown = true

	allReady := true
	for _, t := range r.byUID {
		if t.HasLiveCallback() && !t.ReadyForShutdown {
			allReady = false
			break
		}
	}
	r.mu.Unlock()

	if allReady && r.hooks.TriggerWrapUp != nil {
		r.hooks.TriggerWrapUp()
	}
	return nil
}

// SetHooks wires the registry's outbound hooks after construction,
// letting the dispatcher build itself, the registry and its hooks in
// one pass without a construction-order cycle (§9 "keep the graph a
// tree").
func (r *Registry) SetHooks(h Hooks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = h
}

// EnsureServerlessToken pre-populates the UidName<->ClientId bijection
// for a serverless package as soon as it is discovered, without waiting
// for that client to call register() (§4.4, §4.8 step 3): a serverless
// client_id is fully known from static config the moment its package is
// found, unlike a regular client's generated id.
func (r *Registry) EnsureServerlessToken(uid types.UidName, clientID types.ClientId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byUID[uid]; ok {
		return
	}
	r.byUID[uid] = &types.ClientToken{ClientID: clientID, IsServerless: true}
	r.uidByID[clientID] = uid
}

// LiveCallbacks returns every currently-connected client's callback, used
// by C7 to fan out on_shutdown_starting (§4.7).
func (r *Registry) LiveCallbacks() []types.ClientCallback {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.ClientCallback
	for _, t := range r.byUID {
		if t.HasLiveCallback() {
			out = append(out, t.Callback)
		}
	}
	return out
}

// UidFor resolves clientID back to its UidName, for components (C8, C9)
// that receive a client_id from an RPC call and need the internal key.
func (r *Registry) UidFor(clientID types.ClientId) (types.UidName, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	uid, ok := r.uidByID[clientID]
	return uid, ok
}

// Token returns a copy of the token for uid, if known.
func (r *Registry) Token(uid types.UidName) (types.ClientToken, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byUID[uid]
	if !ok {
		return types.ClientToken{}, false
	}
	return *t, true
}

// Known reports whether clientID has either a serverless entry or a
// persisted/in-memory token (§4.8 step 2 "client is unknown").
func (r *Registry) Known(clientID types.ClientId) bool {
	if r.serverless.IsServerless(clientID) {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.uidByID[clientID]
	return ok
}

func nowMs() int64 { return time.Now().UnixMilli() }
