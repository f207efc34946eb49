package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/shoenig/test/wait"

	"github.com/lineageos/carservice-remotetaskd/internal/citest"
	"github.com/lineageos/carservice-remotetaskd/internal/config"
	"github.com/lineageos/carservice-remotetaskd/internal/hal"
	"github.com/lineageos/carservice-remotetaskd/internal/identity"
	"github.com/lineageos/carservice-remotetaskd/internal/log"
	"github.com/lineageos/carservice-remotetaskd/internal/pkgmon"
	"github.com/lineageos/carservice-remotetaskd/internal/types"
)

func testKey() []byte { return []byte("0123456789abcdef0123456789abcdef")[:32] }

func openStore(t *testing.T) *identity.Store {
	t.Helper()
	dsn := t.TempDir() + "/identity.db"
	s, err := identity.Open(dsn, testKey(), log.NoopForTest())
	must.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fakeBinder implements collab.ServiceBinder in-process; Bind always
// succeeds synchronously.
type fakeBinder struct {
	mu     sync.Mutex
	bound  map[types.UidName]bool
}

func newFakeBinder() *fakeBinder { return &fakeBinder{bound: make(map[types.UidName]bool)} }

func (b *fakeBinder) Bind(ctx context.Context, info *types.ServiceInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bound[info.UidName] = true
	return nil
}

func (b *fakeBinder) Unbind(ctx context.Context, info *types.ServiceInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bound[info.UidName] = false
	return nil
}

func (b *fakeBinder) isBound(uid types.UidName) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bound[uid]
}

// fakeController implements collab.PowerController, always reporting the
// vehicle in use and the platform staying ON unless overridden.
type fakeController struct {
	mu         sync.Mutex
	next       types.PowerState
	inUse      bool
	requests   int
	lastNext   types.PowerState
	lastGarage bool
}

func newFakeController() *fakeController {
	return &fakeController{next: types.PowerStateOn, inUse: true}
}

func (c *fakeController) RequestShutdown(ctx context.Context, nextState types.PowerState, runGarageMode bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests++
	c.lastNext = nextState
	c.lastGarage = runGarageMode
	return nil
}

func (c *fakeController) NextPowerState(ctx context.Context) (types.PowerState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next, nil
}

func (c *fakeController) VehicleInUse(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inUse, nil
}

func (c *fakeController) Acknowledge(ctx context.Context, state types.PowerState) error {
	return nil
}

func (c *fakeController) set(next types.PowerState, inUse bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = next
	c.inUse = inUse
}

// fakeClientCallback records deliveries; it can be toggled to simulate a
// transport error (delivery failure).
type fakeClientCallback struct {
	mu        sync.Mutex
	delivered []types.TaskId
	attempts  int
	regInfo   types.RegistrationInfo
	fail      bool
	shutdowns int
}

func (f *fakeClientCallback) OnRemoteTaskRequested(clientID types.ClientId, taskID types.TaskId, data []byte, maxDurationSec int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.fail {
		return errTest
	}
	f.delivered = append(f.delivered, taskID)
	return nil
}

func (f *fakeClientCallback) OnClientRegistrationUpdated(info types.RegistrationInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regInfo = info
	return nil
}

func (f *fakeClientCallback) OnShutdownStarting() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return nil
}

func (f *fakeClientCallback) deliveredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func (f *fakeClientCallback) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

type testErr string

func (e testErr) Error() string { return string(e) }

const errTest = testErr("simulated transport error")

// serialLoop is a minimal single-goroutine event loop for tests: post
// queues fn and a drain pumps the queue until empty, so assertions can
// run deterministically between posted callbacks.
type serialLoop struct {
	mu    sync.Mutex
	queue []func()
}

func (l *serialLoop) post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
}

func (l *serialLoop) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()
		fn()
	}
}

type harness struct {
	t          *testing.T
	disp       *Dispatcher
	loop       *serialLoop
	binder     *fakeBinder
	pkgman     *pkgmon.Fake
	controller *fakeController
	halFake    *hal.Fake
}

func newHarness(t *testing.T, serverless []config.ServerlessEntry) *harness {
	t.Helper()
	store := openStore(t)
	loop := &serialLoop{}
	binder := newFakeBinder()
	pkgman := pkgmon.NewFake()
	controller := newFakeController()
	halFake := hal.NewFake()

	tunables := config.DefaultTunables()
	tunables.MaxTaskPendingMs = 200
	tunables.AllowedTimeForClientInitMs = 50
	tunables.TaskUnbindDelayMs = 10
	tunables.ShutdownWarningMarginMs = 5
	tunables.AllowedSystemUptimeMs = 30_000

	disp := New(Deps{
		Store:      store,
		ServConfig: &config.ServerlessConfig{Entries: serverless},
		Tunables:   tunables,
		Hal:        halFake,
		Binder:     binder,
		PkgMan:     pkgman,
		Controller: controller,
		Death:      nil,
		Post:       loop.post,
		BootTime:   time.Now(),
		Log:        log.NoopForTest(),
	})

	must.NoError(t, disp.Run(context.Background()))

	return &harness{t: t, disp: disp, loop: loop, binder: binder, pkgman: pkgman, controller: controller, halFake: halFake}
}

// discover injects a discovery event and immediately unlocks the user,
// since most scenarios here are not exercising the unlock-wait path
// (that is covered by internal/supervisor's own tests).
func (h *harness) discover(uid types.UidName, pkg, addr string) {
	h.pkgman.Discover(uid, pkg, addr)
	h.pumpEvents()
	h.pkgman.Unlock(uid)
	h.pumpEvents()
}

func (h *harness) remove(uid types.UidName, pkg string) {
	h.pkgman.Remove(uid, pkg)
	h.pumpEvents()
}

// pumpEvents waits briefly for the Run goroutine to post the event onto
// the loop, then drains it. The channel->post hop happens on a separate
// goroutine, so a short real sleep is unavoidable here.
func (h *harness) pumpEvents() {
	time.Sleep(15 * time.Millisecond)
	h.loop.drain()
}

// waitFor drains the loop until cond is true or the deadline passes.
// Task delivery is offloaded to a real goroutine (§5 suspension point),
// so its completion is not visible the instant the triggering event is
// drained.
func (h *harness) waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	must.Wait(t, wait.InitialSuccess(
		wait.Timeout(2*time.Second),
		wait.Gap(10*time.Millisecond),
		wait.BoolFunc(func() bool {
			h.loop.drain()
			return cond()
		}),
	))
}

// TestDispatch_HappyPath covers discovery, registration and delivery of
// a single task in arrival order (§8 scenario 1).
func TestDispatch_HappyPath(t *testing.T) {
	citest.Parallel(t)

	h := newHarness(t, nil)
	h.discover("uid-1", "com.example.app", "com.example.app/.RemoteTaskService")
	must.True(t, h.binder.isBound("uid-1"))

	cb := &fakeClientCallback{}
	info, err := h.disp.Registry.Register(context.Background(), "uid-1", "com.example.app", cb)
	must.NoError(t, err)
	must.False(t, info.IsServerless)

	h.halFake.Deliver(info.ClientID, []byte{0x01})
	h.waitFor(t, func() bool { return cb.deliveredCount() == 1 })
}

// TestDispatch_RaceWithRegistration covers a task arriving before the
// client has registered: it must queue, then be delivered once register
// completes (§8 scenario 2).
func TestDispatch_RaceWithRegistration(t *testing.T) {
	citest.Parallel(t)

	// A client_id cannot exist before registration for a regular client,
	// so this scenario is exercised via a serverless identity instead,
	// whose client_id is known from static config the moment the
	// package is discovered (§4.8 step 3, §9 EnsureServerlessToken).
	h := newHarness(t, []config.ServerlessEntry{{Package: "com.example.sl", ClientID: "cid-sl"}})
	h.discover("uid-sl", "com.example.sl", "com.example.sl/.RemoteTaskService")

	h.halFake.Deliver("cid-sl", []byte{0x02})
	h.loop.drain()

	cb := &fakeClientCallback{}
	_, err := h.disp.Registry.Register(context.Background(), "uid-sl", "com.example.sl", cb)
	must.NoError(t, err)
	h.waitFor(t, func() bool { return cb.deliveredCount() == 1 })
}

// TestDispatch_PendingTimeout covers a task that expires in the queue
// before any callback ever drains it (§8 scenario 3).
func TestDispatch_PendingTimeout(t *testing.T) {
	citest.Parallel(t)

	h := newHarness(t, []config.ServerlessEntry{{Package: "com.example.sl", ClientID: "cid-sl"}})
	// No discovery: the supervisor never exists, so the task sits only
	// in the queue and must expire on its own timer.
	h.halFake.Deliver("cid-sl", []byte{0x03})
	h.loop.drain()

	must.Eq(t, 1, h.disp.Queue.Len("cid-sl"))

	must.Wait(t, wait.InitialSuccess(
		wait.Timeout(2*time.Second),
		wait.Gap(10*time.Millisecond),
		wait.BoolFunc(func() bool {
			h.loop.drain()
			return h.disp.Queue.Len("cid-sl") == 0
		}),
	))
}

// TestDispatch_DeliveryFailure covers a transport error from the client
// callback: the task is dropped from the active set and never retried
// (§8 scenario 4, §4.10).
func TestDispatch_DeliveryFailure(t *testing.T) {
	citest.Parallel(t)

	h := newHarness(t, nil)
	h.discover("uid-4", "com.example.app", "com.example.app/.RemoteTaskService")

	cb := &fakeClientCallback{fail: true}
	info, err := h.disp.Registry.Register(context.Background(), "uid-4", "com.example.app", cb)
	must.NoError(t, err)

	h.halFake.Deliver(info.ClientID, []byte{0x04})
	h.waitFor(t, func() bool { return cb.attemptCount() == 1 })

	must.Eq(t, 0, cb.deliveredCount())
	_, ok := h.disp.Registry.Token("uid-4")
	must.True(t, ok)
}

// TestDispatch_ServerlessDuplicate covers add_serverless_remote_task_client
// rejecting a package or client_id already in use (§8 scenario 5).
func TestDispatch_ServerlessDuplicate(t *testing.T) {
	citest.Parallel(t)

	h := newHarness(t, []config.ServerlessEntry{{Package: "com.example.sl", ClientID: "cid-sl"}})

	must.Error(t, h.disp.Serverless.AddPackage("com.example.sl", "cid-other"))
	must.Error(t, h.disp.Serverless.AddPackage("com.example.other", "cid-sl"))
	must.NoError(t, h.disp.Serverless.AddPackage("com.example.new", "cid-new"))
}

// TestDispatch_ShutdownPrepareForceUnbinds covers a SHUTDOWN_PREPARE power
// event force-unbinding every supervisor regardless of active tasks (§8
// scenario 6, §4.7).
func TestDispatch_ShutdownPrepareForceUnbinds(t *testing.T) {
	citest.Parallel(t)

	h := newHarness(t, nil)
	h.discover("uid-6", "com.example.app", "com.example.app/.RemoteTaskService")
	must.True(t, h.binder.isBound("uid-6"))

	cb := &fakeClientCallback{}
	info, err := h.disp.Registry.Register(context.Background(), "uid-6", "com.example.app", cb)
	must.NoError(t, err)
	h.halFake.Deliver(info.ClientID, []byte{0x06})
	h.waitFor(t, func() bool { return cb.deliveredCount() == 1 })

	err = h.disp.Power.HandlePowerStateChange(context.Background(), types.PowerStateShutdownPrepare)
	must.NoError(t, err)
	h.loop.drain()

	must.False(t, h.binder.isBound("uid-6"))
}

// TestDispatch_SetPostTaskPowerStateOverridesShutdownTarget covers
// set_post_task_power_state (§6): a client pins the power state and
// garage-mode flag request_shutdown's scenario-1 request_shutdown(NEXT_OFF,
// ...) depends on, overriding whatever the platform's power controller
// would otherwise report through NextPowerState.
func TestDispatch_SetPostTaskPowerStateOverridesShutdownTarget(t *testing.T) {
	citest.Parallel(t)

	h := newHarness(t, nil)
	h.controller.set(types.PowerStateOther, false)

	h.disp.SetPostTaskPowerState(types.PowerStatePostShutdownEnter, true)
	must.True(t, h.disp.IsVehicleInUseSupported())
	must.True(t, h.disp.IsShutdownRequestSupported())

	must.True(t, h.disp.Power.MaybeShutdown(context.Background(), true))

	must.Eq(t, 1, h.controller.requests)
	must.Eq(t, types.PowerStatePostShutdownEnter, h.controller.lastNext)
	must.True(t, h.controller.lastGarage)
}
