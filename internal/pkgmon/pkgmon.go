// Package pkgmon is the fake package/user manager collaborator: the real
// Android package manager is explicitly out of scope (spec.md §1), but
// the dispatcher and scheduling proxy both need something that satisfies
// collab.PackageManager to drive discovery, unlock and uninstall events
// in tests and in a single-process deployment.
package pkgmon

import (
	"context"
	"sync"

	"github.com/lineageos/carservice-remotetaskd/internal/collab"
	"github.com/lineageos/carservice-remotetaskd/internal/types"
)

// Fake is an in-memory collab.PackageManager. Tests and the standalone
// binary drive it directly via Discover/Unlock/Remove.
type Fake struct {
	mu        sync.Mutex
	unlocked  map[types.UidName]bool
	ch        chan collab.PackageEvent
	installed []collab.PackageEvent
}

func NewFake() *Fake {
	return &Fake{
		unlocked: make(map[types.UidName]bool),
		ch:       make(chan collab.PackageEvent, 64),
	}
}

// Events returns the fake's single shared event channel. The fake never
// closes it, including after ctx is done.
func (f *Fake) Events(ctx context.Context) (<-chan collab.PackageEvent, error) {
	go func() {
		<-ctx.Done()
	}()
	return f.ch, nil
}

func (f *Fake) IsUserUnlocked(uid types.UidName) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unlocked[uid]
}

// InstallPreboot registers pkg as already present on the device before the
// dispatcher started, simulating a package the live Events stream will
// never announce on its own. TriggerSearch is what surfaces it.
func (f *Fake) InstallPreboot(uid types.UidName, pkg, component string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed = append(f.installed, collab.PackageEvent{Kind: collab.PackageDiscovered, UidName: uid, PackageName: pkg, ComponentAddress: component})
}

// TriggerSearch emits a discovered event for every package registered via
// InstallPreboot, modeling the real package manager's one-shot post-boot
// enumeration (§4.8 step 3, driven by PACKAGE_SEARCH_DELAY_MS).
func (f *Fake) TriggerSearch(ctx context.Context) error {
	f.mu.Lock()
	pending := f.installed
	f.installed = nil
	f.mu.Unlock()
	for _, ev := range pending {
		f.ch <- ev
	}
	return nil
}

// Discover injects a package-discovered event, as the delayed
// post-boot package search would (§4.8 step 3).
func (f *Fake) Discover(uid types.UidName, pkg, component string) {
	f.ch <- collab.PackageEvent{Kind: collab.PackageDiscovered, UidName: uid, PackageName: pkg, ComponentAddress: component}
}

// Unlock marks uid's user as unlocked and emits the corresponding event.
func (f *Fake) Unlock(uid types.UidName) {
	f.mu.Lock()
	f.unlocked[uid] = true
	f.mu.Unlock()
	f.ch <- collab.PackageEvent{Kind: collab.PackageUserUnlocked, UidName: uid}
}

// Remove emits a package-removed event (triggers unschedule_all for
// serverless clients, §4.9).
func (f *Fake) Remove(uid types.UidName, pkg string) {
	f.ch <- collab.PackageEvent{Kind: collab.PackageRemoved, UidName: uid, PackageName: pkg}
}
