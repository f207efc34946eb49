// Package serverless implements C3: the static package -> client_id
// table loaded once at init from the declarative config in
// internal/config. Duplicate packages/client_ids are a fatal config
// error caught at load time (internal/config.LoadServerlessConfig); a
// parse failure disables serverless behavior for the session while
// regular clients keep working (§4.3).
package serverless

import (
	"sync"

	"github.com/hashicorp/go-set/v3"

	"github.com/lineageos/carservice-remotetaskd/internal/config"
	"github.com/lineageos/carservice-remotetaskd/internal/rtderr"
	"github.com/lineageos/carservice-remotetaskd/internal/types"
)

// Registry answers client_id_for_package and is_serverless (§4.3). Its
// methods dereference the receiver, so a nil *Registry panics;
// session-disabled serverless behavior is a Registry built by Disabled(),
// which answers both queries as "not serverless".
type Registry struct {
	mu        sync.RWMutex
	byPackage map[string]types.ClientId
	ids       *set.Set[types.ClientId]
	enabled   bool
}

// New builds a Registry from a validated config. Pass nil cfg (or call
// Disabled) to represent a session where serverless config failed to
// parse.
func New(cfg *config.ServerlessConfig) *Registry {
	if cfg == nil {
		return Disabled()
	}
	byPackage := make(map[string]types.ClientId, len(cfg.Entries))
	ids := set.New[types.ClientId](len(cfg.Entries))
	for _, e := range cfg.Entries {
		cid := types.ClientId(e.ClientID)
		byPackage[e.Package] = cid
		ids.Insert(cid)
	}
	return &Registry{byPackage: byPackage, ids: ids, enabled: true}
}

// Disabled returns a Registry that treats every package/client_id as
// non-serverless, for the "parse failure disables serverless for the
// session" path (§4.3).
func Disabled() *Registry {
	return &Registry{byPackage: map[string]types.ClientId{}, ids: set.New[types.ClientId](0), enabled: false}
}

func (r *Registry) Enabled() bool { return r.enabled }

// ClientIDForPackage returns the configured client_id for pkg, if any.
func (r *Registry) ClientIDForPackage(pkg string) (types.ClientId, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cid, ok := r.byPackage[pkg]
	return cid, ok
}

// IsServerless reports whether clientID is one of the configured
// serverless identities.
func (r *Registry) IsServerless(clientID types.ClientId) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ids.Contains(clientID)
}

// AddPackage implements the privileged add_serverless_remote_task_client
// RPC (§6): registers pkg -> clientID at runtime. Rejects a package that
// is already serverless or a client_id already in use (scenario 5, §8).
func (r *Registry) AddPackage(pkg string, clientID types.ClientId) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byPackage[pkg]; exists {
		return rtderr.New(rtderr.KindInvalidArgument, "package already serverless")
	}
	if r.ids.Contains(clientID) {
		return rtderr.New(rtderr.KindInvalidArgument, "client_id already in use")
	}
	r.byPackage[pkg] = clientID
	r.ids.Insert(clientID)
	r.enabled = true
	return nil
}

// RemovePackage implements remove_serverless_remote_task_client (§6).
// Unknown packages are a no-op, matching the idempotent style of
// unregister in C4.
func (r *Registry) RemovePackage(pkg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cid, ok := r.byPackage[pkg]
	if !ok {
		return
	}
	delete(r.byPackage, pkg)
	r.ids.Remove(cid)
}
