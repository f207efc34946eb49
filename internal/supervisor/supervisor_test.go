package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/shoenig/test/wait"

	"github.com/lineageos/carservice-remotetaskd/internal/citest"
	"github.com/lineageos/carservice-remotetaskd/internal/collab"
	"github.com/lineageos/carservice-remotetaskd/internal/log"
	"github.com/lineageos/carservice-remotetaskd/internal/types"
)

func inlinePost(f func()) { f() }

type fakeBinder struct {
	mu      sync.Mutex
	bindErr error
	bound   int
	unbound int
}

func (f *fakeBinder) Bind(ctx context.Context, info *types.ServiceInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bindErr != nil {
		return f.bindErr
	}
	f.bound++
	return nil
}

func (f *fakeBinder) Unbind(ctx context.Context, info *types.ServiceInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unbound++
	return nil
}

func (f *fakeBinder) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bound, f.unbound
}

// unlockedPkgman is a minimal collab.PackageManager fake; internal/pkgmon's
// Fake is exercised elsewhere, this one just toggles a single uid's lock
// state for the supervisor's own unit tests.
type unlockedPkgman struct {
	unlocked bool
}

func (u *unlockedPkgman) Events(ctx context.Context) (<-chan collab.PackageEvent, error) {
	return nil, nil
}

func (u *unlockedPkgman) IsUserUnlocked(uid types.UidName) bool {
	return u.unlocked
}

func (u *unlockedPkgman) TriggerSearch(ctx context.Context) error { return nil }

var errTest = &testErr{}

type testErr struct{}

func (e *testErr) Error() string { return "bind failed" }

func TestSupervisor_BindWhenUnlocked(t *testing.T) {
	citest.Parallel(t)

	binder := &fakeBinder{}
	pm := &unlockedPkgman{unlocked: true}
	s := New("u0", "pkg/Component", binder, pm, inlinePost, time.Hour, time.Minute, log.NoopForTest())

	s.BindAndExtend(context.Background(), time.Now().Add(time.Hour))
	must.Eq(t, types.BindBound, s.State())
	bound, _ := binder.counts()
	must.Eq(t, 1, bound)
}

func TestSupervisor_WaitsForUnlock(t *testing.T) {
	citest.Parallel(t)

	binder := &fakeBinder{}
	pm := &unlockedPkgman{unlocked: false}
	s := New("u1", "pkg/Component", binder, pm, inlinePost, time.Hour, time.Minute, log.NoopForTest())

	s.BindAndExtend(context.Background(), time.Now().Add(time.Hour))
	must.Eq(t, types.BindWaitingUserUnlock, s.State())
	bound, _ := binder.counts()
	must.Eq(t, 0, bound)

	pm.unlocked = true
	s.HandleUserUnlocked(context.Background())
	must.Eq(t, types.BindBound, s.State())
	bound, _ = binder.counts()
	must.Eq(t, 1, bound)
}

func TestSupervisor_BindFailureRevertsToInit(t *testing.T) {
	citest.Parallel(t)

	binder := &fakeBinder{bindErr: errTest}
	pm := &unlockedPkgman{unlocked: true}
	s := New("u2", "pkg/Component", binder, pm, inlinePost, time.Hour, time.Minute, log.NoopForTest())

	s.BindAndExtend(context.Background(), time.Now().Add(time.Hour))
	must.Eq(t, types.BindInit, s.State())
}

func TestSupervisor_IdleUnbindAfterDeadline(t *testing.T) {
	citest.Parallel(t)

	binder := &fakeBinder{}
	pm := &unlockedPkgman{unlocked: true}
	s := New("u3", "pkg/Component", binder, pm, inlinePost, 10*time.Millisecond, 10*time.Millisecond, log.NoopForTest())

	s.BindAndExtend(context.Background(), time.Now().Add(10*time.Millisecond))
	must.Eq(t, types.BindBound, s.State())

	must.Wait(t, wait.InitialSuccess(
		wait.Timeout(time.Second),
		wait.Gap(5*time.Millisecond),
		wait.BoolFunc(func() bool { return s.State() == types.BindInit }),
	))
	_, unbound := binder.counts()
	must.Eq(t, 1, unbound)
}

func TestSupervisor_ActiveTaskAccounting(t *testing.T) {
	citest.Parallel(t)

	binder := &fakeBinder{}
	pm := &unlockedPkgman{unlocked: true}
	s := New("u4", "pkg/Component", binder, pm, inlinePost, time.Hour, time.Millisecond, log.NoopForTest())

	s.BindAndExtend(context.Background(), time.Now().Add(time.Hour))
	s.AddActive([]types.TaskId{"t1", "t2"})
	must.Eq(t, 2, s.ActiveCount())

	must.True(t, s.RemoveActive("t1"))
	must.Eq(t, 1, s.ActiveCount())
	must.False(t, s.RemoveActive("t1"))
}

func TestSupervisor_ForceUnbindClearsActive(t *testing.T) {
	citest.Parallel(t)

	binder := &fakeBinder{}
	pm := &unlockedPkgman{unlocked: true}
	s := New("u5", "pkg/Component", binder, pm, inlinePost, time.Hour, time.Hour, log.NoopForTest())

	s.BindAndExtend(context.Background(), time.Now().Add(time.Hour))
	s.AddActive([]types.TaskId{"t1"})
	s.Unbind(context.Background(), true)

	must.Eq(t, types.BindInit, s.State())
	must.Eq(t, 0, s.ActiveCount())
	_, unbound := binder.counts()
	must.Eq(t, 1, unbound)
}
