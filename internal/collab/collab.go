// Package collab names the external collaborators spec.md §1 treats as
// out of scope but with named interfaces: the power-management service
// and the on-device package/user manager. Everything here is an
// interface plus event types; real implementations live outside this
// repo, fakes for tests live in internal/pkgmon and internal/power's test
// files.
package collab

import (
	"context"

	"github.com/lineageos/carservice-remotetaskd/internal/types"
)

// PowerController is the power-management service collaborator: it
// drives state-change notifications into the coordinator and accepts a
// shutdown request back out (§4.7, §6).
type PowerController interface {
	// RequestShutdown asks the platform to transition into nextState,
	// optionally running Garage Mode first.
	RequestShutdown(ctx context.Context, nextState types.PowerState, runGarageMode bool) error
	// NextPowerState reports what the platform intends to transition to
	// next; used by maybe_shutdown and the dispatcher's task_max_duration
	// computation (§4.8).
	NextPowerState(ctx context.Context) (types.PowerState, error)
	// VehicleInUse reports whether the vehicle is currently in use,
	// which vetoes shutdown regardless of active task count (§4.7).
	VehicleInUse(ctx context.Context) (bool, error)
	// Acknowledge confirms completion of a state change that demanded one
	// (ApStateEffect.NeedsComplete, §4.7) back to the platform, distinct
	// from NextPowerState's read-only query.
	Acknowledge(ctx context.Context, state types.PowerState) error
}

// PackageEventKind distinguishes discovery from uninstall events.
type PackageEventKind int

const (
	PackageDiscovered PackageEventKind = iota
	PackageRemoved
	PackageUserUnlocked
)

// PackageEvent is one event from the package/user manager collaborator.
type PackageEvent struct {
	Kind             PackageEventKind
	UidName          types.UidName
	PackageName      string
	ComponentAddress string
}

// ServiceBinder abstracts the platform's bind/unbind-a-service primitive
// (Android's bindService/unbindService equivalent) that the supervisor
// (C6) drives to start and stop a client worker process. Binding and
// unbinding are suspension points (§5): never call these while holding
// any registry lock.
type ServiceBinder interface {
	Bind(ctx context.Context, info *types.ServiceInfo) error
	Unbind(ctx context.Context, info *types.ServiceInfo) error
}

// DeathWatcher abstracts the platform's binder-death notifier (§9 Design
// notes: "a single trait: subscribe-once notification that a remote
// handle has become invalid, fired on the event loop"). The Client
// Registry (C4) uses it to clear a token's callback field when the
// client process dies without calling unregister.
type DeathWatcher interface {
	// WatchDeath arranges for onDead to be invoked at most once, posted
	// onto the event loop, if callback's remote handle becomes invalid.
	WatchDeath(callback types.ClientCallback, onDead func())
}

// PackageManager is the on-device package/user manager collaborator: it
// enumerates candidate client packages and reports user-unlock and
// uninstall events (§1, §4.6, §4.9).
type PackageManager interface {
	// Events returns a channel of package lifecycle events. The channel
	// is closed when ctx is done.
	Events(ctx context.Context) (<-chan PackageEvent, error)
	// IsUserUnlocked reports whether the user owning uid is unlocked,
	// consulted by the supervisor before leaving WaitingUserUnlock (§4.6).
	IsUserUnlocked(uid types.UidName) bool
	// TriggerSearch asks the platform to re-enumerate installed packages
	// and emit PackageDiscovered for any not yet surfaced over Events, the
	// one-shot post-boot search the dispatcher schedules after
	// PACKAGE_SEARCH_DELAY_MS (+jitter) (§6, §4.8 step 3).
	TriggerSearch(ctx context.Context) error
}
