// Package dispatch implements C8, the glue component (§4.8): on every
// HAL task callback it routes through C5 (enqueue), C6 (ensure bound)
// and C4 (the live callback), and reacts to package lifecycle events by
// creating, unlocking and tearing down supervisors. It is also where the
// otherwise-separate C1-C9 components are wired together into one
// object graph, per the ownership note in §9 ("keep the graph a tree").
package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/lineageos/carservice-remotetaskd/internal/collab"
	"github.com/lineageos/carservice-remotetaskd/internal/config"
	"github.com/lineageos/carservice-remotetaskd/internal/hal"
	"github.com/lineageos/carservice-remotetaskd/internal/idgen"
	"github.com/lineageos/carservice-remotetaskd/internal/identity"
	"github.com/lineageos/carservice-remotetaskd/internal/loop"
	"github.com/lineageos/carservice-remotetaskd/internal/power"
	"github.com/lineageos/carservice-remotetaskd/internal/registry"
	"github.com/lineageos/carservice-remotetaskd/internal/schedule"
	"github.com/lineageos/carservice-remotetaskd/internal/serverless"
	"github.com/lineageos/carservice-remotetaskd/internal/supervisor"
	"github.com/lineageos/carservice-remotetaskd/internal/taskqueue"
	"github.com/lineageos/carservice-remotetaskd/internal/types"
)

// Dispatcher is C8 and the object graph root for C1-C9.
type Dispatcher struct {
	Registry  *registry.Registry
	Queue     *taskqueue.Queue
	Power     *power.Coordinator
	Schedule  *schedule.Proxy
	Serverless *serverless.Registry

	hal        hal.Adapter
	binder     collab.ServiceBinder
	pkgman     collab.PackageManager
	controller *overridableController
	tunables   config.Tunables
	post       func(func())
	log        hclog.Logger

	taskIDs *idgen.Generator
	offload *loop.OffloadPool

	mu          sync.Mutex
	supervisors map[types.UidName]*supervisor.Supervisor

	shutdownAt time.Time
}

// Deps bundles the collaborators and infrastructure a Dispatcher needs.
// All of it is constructed by the caller (cmd/remotetaskd); Dispatcher
// does not reach for globals.
type Deps struct {
	Store      *identity.Store
	ServConfig *config.ServerlessConfig
	Tunables   config.Tunables
	Hal        hal.Adapter
	Binder     collab.ServiceBinder
	PkgMan     collab.PackageManager
	Controller collab.PowerController
	Death      collab.DeathWatcher
	Post       func(func())
	BootTime   time.Time
	Log        hclog.Logger
}

// overridableController wraps the platform's collab.PowerController so
// that set_post_task_power_state (§6) can pin the next wake cycle's
// target and garage-mode flag, overriding what the platform would
// otherwise report via NextPowerState. VehicleInUse and RequestShutdown
// are promoted straight through the embedded interface.
type overridableController struct {
	collab.PowerController

	mu         sync.Mutex
	next       *types.PowerState
	garageMode bool
}

func (c *overridableController) NextPowerState(ctx context.Context) (types.PowerState, error) {
	c.mu.Lock()
	next := c.next
	c.mu.Unlock()
	if next != nil {
		return *next, nil
	}
	return c.PowerController.NextPowerState(ctx)
}

func (c *overridableController) setPostTaskPowerState(next types.PowerState, runGarageMode bool) {
	c.mu.Lock()
	c.next = &next
	c.garageMode = runGarageMode
	c.mu.Unlock()
}

func (c *overridableController) shouldRunGarageMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.garageMode
}

// New wires every component together: it constructs C3, C4, C5, C7 and
// C9 around the C1 store and C2 adapter supplied in Deps, and binds their
// hooks to each other. C6 supervisors are created later, one per
// discovered package.
func New(d Deps) *Dispatcher {
	sl := serverless.New(d.ServConfig)
	ctrl := &overridableController{PowerController: d.Controller}

	disp := &Dispatcher{
		Serverless:  sl,
		hal:         d.Hal,
		binder:      d.Binder,
		pkgman:      d.PkgMan,
		controller:  ctrl,
		tunables:    d.Tunables,
		post:        d.Post,
		log:         d.Log,
		taskIDs:     idgen.New("task-"),
		offload:     loop.NewOffloadPool(8),
		supervisors: make(map[types.UidName]*supervisor.Supervisor),
		shutdownAt:  d.BootTime.Add(d.Tunables.AllowedSystemUptime()),
	}

	disp.Registry = registry.New(d.Store, sl, idgen.New("rtc-"), d.Death, d.Post, d.Tunables.TaskUnbindDelay(), registry.Hooks{}, d.Log)
	disp.Registry.SetHooks(registry.Hooks{
		Redispatch:             disp.redispatch,
		ClearActiveTasks:       disp.clearActiveTasks,
		RemoveActive:           disp.removeActive,
		ScheduleShutdownReeval: disp.scheduleShutdownReeval,
		TriggerWrapUp:          disp.triggerWrapUp,
	})

	disp.Queue = taskqueue.New(d.Post, disp.onTaskExpired)
	disp.Schedule = schedule.New(d.Hal, sl, d.Log)
	disp.Power = power.New(ctrl, power.Hooks{
		NotifyApStateChange:       disp.notifyApState,
		ForceUnbindAllSupervisors: disp.forceUnbindAllSupervisors,
		ActiveTaskCount:           disp.activeTaskCount,
		LiveCallbacks:             disp.Registry.LiveCallbacks,
		ShouldRunGarageMode:       ctrl.shouldRunGarageMode,
	}, d.Post, d.Tunables.NotifyApStateMaxRetry, d.Tunables.NotifyApStateRetrySleep(),
		d.Tunables.AllowedSystemUptime(), d.Tunables.ShutdownWarningMargin(), d.BootTime, d.Log)

	d.Hal.SetTaskHandler(func(clientID types.ClientId, data []byte) {
		d.Post(func() { disp.OnRemoteTaskRequested(context.Background(), clientID, data) })
	})

	return disp
}

// Run starts consuming package lifecycle events; each event is handled
// on the event loop (§5). Run itself returns once the subscription is
// established; events are processed until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ch, err := d.pkgman.Events(ctx)
	if err != nil {
		return err
	}
	go func() {
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				d.post(func() { d.handlePackageEvent(ctx, ev) })
			case <-ctx.Done():
				return
			}
		}
	}()

	// One-shot post-boot search (§4.8 step 3): a package already installed
	// when this core started never produces its own discovery event, so a
	// task enqueued against it would wait forever without this. Delayed by
	// PACKAGE_SEARCH_DELAY_MS plus up to 25% jitter so a fleet reboot
	// doesn't thunder against the package manager all at once.
	delay := d.tunables.PackageSearchDelay()
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	time.AfterFunc(delay+jitter, func() {
		d.post(func() { d.runDelayedPackageSearch(ctx) })
	})

	return nil
}

func (d *Dispatcher) runDelayedPackageSearch(ctx context.Context) {
	if err := d.pkgman.TriggerSearch(ctx); err != nil && d.log != nil {
		d.log.Warn("delayed package search failed", "error", err)
	}
}

func (d *Dispatcher) handlePackageEvent(ctx context.Context, ev collab.PackageEvent) {
	switch ev.Kind {
	case collab.PackageDiscovered:
		d.mu.Lock()
		if _, exists := d.supervisors[ev.UidName]; exists {
			d.mu.Unlock()
			return
		}
		sup := supervisor.New(ev.UidName, ev.ComponentAddress, d.binder, d.pkgman, d.post,
			d.tunables.AllowedTimeForClientInit(), d.tunables.TaskUnbindDelay(), d.log)
		d.supervisors[ev.UidName] = sup
		d.mu.Unlock()

		// A newly discovered package is bound right away with the init
		// grace so its client can start and register (§4.6 "Init grace").
		sup.BindAndExtend(ctx, time.Now().Add(d.tunables.AllowedTimeForClientInit()))

		if cid, ok := d.Serverless.ClientIDForPackage(ev.PackageName); ok {
			d.Registry.EnsureServerlessToken(ev.UidName, cid)
		}
		if tok, ok := d.Registry.Token(ev.UidName); ok {
			d.drainAndDeliver(ctx, tok.ClientID, ev.UidName, sup)
		}

	case collab.PackageUserUnlocked:
		d.mu.Lock()
		sup := d.supervisors[ev.UidName]
		d.mu.Unlock()
		if sup != nil {
			sup.HandleUserUnlocked(ctx)
		}

	case collab.PackageRemoved:
		d.mu.Lock()
		sup, ok := d.supervisors[ev.UidName]
		delete(d.supervisors, ev.UidName)
		d.mu.Unlock()
		if ok {
			sup.Unbind(ctx, true)
		}
		d.Schedule.HandlePackageRemoved(ctx, ev.PackageName)
	}
}

// OnRemoteTaskRequested implements §4.8 steps 1-4.
func (d *Dispatcher) OnRemoteTaskRequested(ctx context.Context, clientID types.ClientId, data []byte) {
	maxDuration := d.computeTaskMaxDuration(ctx)
	if maxDuration <= 0 {
		d.Queue.DropAll(clientID)
		return
	}

	if !d.Registry.Known(clientID) {
		d.Queue.DropAll(clientID)
		return
	}

	uid, ok := d.Registry.UidFor(clientID)

	taskID, err := d.taskIDs.Next()
	if err != nil {
		if d.log != nil {
			d.log.Error("failed to generate task id, dropping", "client_id", clientID, "error", err)
		}
		return
	}

	d.Queue.Push(types.Task{
		TaskID:          types.TaskId(taskID),
		ClientID:        clientID,
		Payload:         data,
		PendingDeadline: time.Now().Add(d.tunables.MaxTaskPending()),
	})

	if !ok {
		// A serverless client_id whose package has not been discovered
		// yet has no UidName: the task waits in the queue until discovery
		// or its pending deadline (§4.8 step 3).
		return
	}

	d.mu.Lock()
	sup := d.supervisors[uid]
	d.mu.Unlock()
	if sup == nil {
		// Discovery has not yet found this package; the task waits in
		// the queue until it does (§4.8 step 3).
		return
	}

	sup.BindAndExtend(ctx, time.Now().Add(maxDuration))
	d.drainAndDeliver(ctx, clientID, uid, sup)
}

// drainAndDeliver drains every pending task for clientID and invokes the
// client's live callback, in arrival order (§5 "Ordering guarantees").
// It is a no-op if no callback is connected yet.
func (d *Dispatcher) drainAndDeliver(ctx context.Context, clientID types.ClientId, uid types.UidName, sup *supervisor.Supervisor) {
	tok, ok := d.Registry.Token(uid)
	if !ok || !tok.HasLiveCallback() {
		return
	}
	drained := d.Queue.Drain(clientID)
	if len(drained) == 0 {
		return
	}

	ids := make([]types.TaskId, len(drained))
	for i, t := range drained {
		ids[i] = t.TaskID
	}
	if sup != nil {
		sup.AddActive(ids)
	}

	maxDuration := d.computeTaskMaxDuration(ctx)

	// Each delivery is a blocking RPC to the client process, a
	// suspension point (§5): it runs off the loop goroutine via the
	// offload pool, and its continuation (cleanup + logging) is posted
	// back onto the loop so it never races with other loop-owned state.
	var deliveryErrs *multierror.Error
	pending := len(drained)
	for _, t := range drained {
		t := t
		d.offload.Run(ctx, d.post,
			func(ctx context.Context) error {
				return tok.Callback.OnRemoteTaskRequested(clientID, t.TaskID, t.Payload, int64(maxDuration.Seconds()))
			},
			func(err error) {
				pending--
				if err != nil {
					if sup != nil {
						sup.RemoveActive(t.TaskID)
					}
					deliveryErrs = multierror.Append(deliveryErrs, fmt.Errorf("task %s: %w", t.TaskID, err))
				}
				if pending == 0 && deliveryErrs.ErrorOrNil() != nil && d.log != nil {
					d.log.Warn("task delivery transport error, not retrying", "client_id", clientID, "errors", deliveryErrs)
				}
			})
	}
}

// computeTaskMaxDuration implements §4.8 step 1.
func (d *Dispatcher) computeTaskMaxDuration(ctx context.Context) time.Duration {
	next, err := d.controller.NextPowerState(ctx)
	if err != nil {
		if d.log != nil {
			d.log.Warn("failed to read next power state, assuming ON", "error", err)
		}
		next = types.PowerStateOn
	}
	inUse, err := d.controller.VehicleInUse(ctx)
	if err != nil {
		if d.log != nil {
			d.log.Warn("failed to read vehicle-in-use, assuming true", "error", err)
		}
		inUse = true
	}
	if inUse || next == types.PowerStateOn {
		return d.tunables.AllowedSystemUptime()
	}
	return time.Until(d.shutdownAt)
}

func (d *Dispatcher) onTaskExpired(clientID types.ClientId, taskID types.TaskId) {
	if d.log != nil {
		d.log.Debug("pending task expired, dropping silently", "client_id", clientID, "task_id", taskID)
	}
}

func (d *Dispatcher) redispatch(clientID types.ClientId) {
	uid, ok := d.Registry.UidFor(clientID)
	if !ok {
		return
	}
	d.mu.Lock()
	sup := d.supervisors[uid]
	d.mu.Unlock()
	d.drainAndDeliver(context.Background(), clientID, uid, sup)
}

func (d *Dispatcher) clearActiveTasks(clientID types.ClientId) {
	uid, ok := d.Registry.UidFor(clientID)
	if !ok {
		return
	}
	d.mu.Lock()
	sup := d.supervisors[uid]
	d.mu.Unlock()
	if sup == nil {
		return
	}
	for _, id := range sup.ActiveTaskIDs().Slice() {
		sup.RemoveActive(id)
	}
}

func (d *Dispatcher) removeActive(clientID types.ClientId, taskID types.TaskId) bool {
	uid, ok := d.Registry.UidFor(clientID)
	if !ok {
		return false
	}
	d.mu.Lock()
	sup := d.supervisors[uid]
	d.mu.Unlock()
	if sup == nil {
		return false
	}
	return sup.RemoveActive(taskID)
}

func (d *Dispatcher) scheduleShutdownReeval(delay time.Duration) {
	time.AfterFunc(delay, func() {
		d.post(func() { d.Power.MaybeShutdown(context.Background(), false) })
	})
}

func (d *Dispatcher) triggerWrapUp() {
	d.Power.MaybeShutdown(context.Background(), true)
}

func (d *Dispatcher) forceUnbindAllSupervisors(ctx context.Context) {
	d.mu.Lock()
	sups := make([]*supervisor.Supervisor, 0, len(d.supervisors))
	for _, s := range d.supervisors {
		sups = append(sups, s)
	}
	d.mu.Unlock()
	for _, s := range sups {
		s.Unbind(ctx, true)
	}
}

func (d *Dispatcher) activeTaskCount() int {
	d.mu.Lock()
	sups := make([]*supervisor.Supervisor, 0, len(d.supervisors))
	for _, s := range d.supervisors {
		sups = append(sups, s)
	}
	d.mu.Unlock()
	total := 0
	for _, s := range sups {
		total += s.ActiveCount()
	}
	return total
}

func (d *Dispatcher) notifyApState(ctx context.Context, readyForTask, wakeupRequired bool) (bool, error) {
	return d.hal.NotifyApStateChange(ctx, readyForTask, wakeupRequired)
}

// SetPostTaskPowerState implements set_post_task_power_state (§6): a
// client pins the power state and garage-mode flag the next
// maybe_shutdown call should request, overriding whatever the power
// controller would otherwise report.
func (d *Dispatcher) SetPostTaskPowerState(next types.PowerState, runGarageMode bool) {
	d.controller.setPostTaskPowerState(next, runGarageMode)
}

// IsVehicleInUseSupported implements is_vehicle_in_use_supported (§6):
// collab.PowerController always implements VehicleInUse, so this core
// always supports the query.
func (d *Dispatcher) IsVehicleInUseSupported() bool { return true }

// IsShutdownRequestSupported implements is_shutdown_request_supported
// (§6): collab.PowerController always implements RequestShutdown, so
// this core always supports it.
func (d *Dispatcher) IsShutdownRequestSupported() bool { return true }
