// Package power implements C7: reacts to power-manager state changes by
// relaying an AP-state notification to HAL, and owns the wake-window
// budget that eventually forces shutdown (§4.7).
package power

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/lineageos/carservice-remotetaskd/internal/collab"
	"github.com/lineageos/carservice-remotetaskd/internal/retry"
	"github.com/lineageos/carservice-remotetaskd/internal/types"
)

// errHalRejected is returned by the retried notify attempt when HAL
// reports the AP state change was rejected, so retry.Do keeps retrying
// the same way it would on a transport error (§4.7, §7).
var errHalRejected = errors.New("hal rejected ap state change")

// Hooks are the coordinator's outbound calls into the rest of the core,
// following the same dependency-injection style as internal/registry.
type Hooks struct {
	// NotifyApStateChange is C2's notify_ap_state_change, returning
	// HAL's accept/reject bool.
	NotifyApStateChange func(ctx context.Context, readyForTask, wakeupRequired bool) (bool, error)
	// ForceUnbindAllSupervisors force-unbinds every C6 supervisor
	// (SHUTDOWN_PREPARE and wrap-up, §4.7).
	ForceUnbindAllSupervisors func(ctx context.Context)
	// ActiveTaskCount reports the current global active-task count,
	// used by maybe_shutdown's non-forced refusal rule (§4.7, P5).
	ActiveTaskCount func() int
	// LiveCallbacks returns every currently-connected client callback,
	// used to fan out on_shutdown_starting at the warning margin.
	LiveCallbacks func() []types.ClientCallback
	// ShouldRunGarageMode reports whether request_shutdown should ask
	// for a Garage Mode run first; defaults to false if unset (no
	// scheduled ENTER_GARAGE_MODE task is pending).
	ShouldRunGarageMode func() bool
}

// Coordinator is C7.
type Coordinator struct {
	mu sync.Mutex

	controller collab.PowerController
	hooks      Hooks
	post       func(func())
	log        hclog.Logger

	maxRetry   int
	retrySleep time.Duration

	budget        time.Duration
	warningMargin time.Duration

	warningTimer *time.Timer
	budgetTimer  *time.Timer
	wrappedUp    bool
}

// New constructs a Coordinator and arms the wake-window budget timers
// against bootTime (§4.7 "At init the coordinator arms two timers").
func New(controller collab.PowerController, hooks Hooks, post func(func()), maxRetry int, retrySleep, budget, warningMargin time.Duration, bootTime time.Time, log hclog.Logger) *Coordinator {
	c := &Coordinator{
		controller:    controller,
		hooks:         hooks,
		post:          post,
		log:           log,
		maxRetry:      maxRetry,
		retrySleep:    retrySleep,
		budget:        budget,
		warningMargin: warningMargin,
	}
	c.armBudgetTimers(bootTime)
	return c
}

func (c *Coordinator) armBudgetTimers(bootTime time.Time) {
	warnAt := bootTime.Add(c.budget - c.warningMargin)
	budgetAt := bootTime.Add(c.budget)

	warnWait := time.Until(warnAt)
	if warnWait < 0 {
		warnWait = 0
	}
	budgetWait := time.Until(budgetAt)
	if budgetWait < 0 {
		budgetWait = 0
	}

	c.warningTimer = time.AfterFunc(warnWait, func() {
		c.post(func() { c.notifyShutdownStarting() })
	})
	c.budgetTimer = time.AfterFunc(budgetWait, func() {
		c.post(func() { c.MaybeShutdown(context.Background(), true) })
	})
}

func (c *Coordinator) notifyShutdownStarting() {
	if c.hooks.LiveCallbacks == nil {
		return
	}
	for _, cb := range c.hooks.LiveCallbacks() {
		if err := cb.OnShutdownStarting(); err != nil && c.log != nil {
			c.log.Warn("on_shutdown_starting delivery failed", "error", err)
		}
	}
}

// HandlePowerStateChange implements the §4.7 state table: maps state to
// an ApStateEffect, relays it to HAL with bounded retry, force-unbinds
// supervisors for SHUTDOWN_PREPARE, and acknowledges the power
// controller when the effect requires completion. Power state callbacks
// must be processed strictly in arrival order (§5) — callers must invoke
// this only from the event loop.
func (c *Coordinator) HandlePowerStateChange(ctx context.Context, state types.PowerState) error {
	if state == types.PowerStateOther {
		return nil
	}
	effect := state.Effect()

	if effect.ForceUnbindAll && c.hooks.ForceUnbindAllSupervisors != nil {
		c.hooks.ForceUnbindAllSupervisors(ctx)
	}

	err := c.notifyApState(ctx, effect.ReadyForTask, effect.WakeupRequired)
	if err != nil && c.log != nil {
		c.log.Error("notify_ap_state_change exhausted retries", "state", state, "error", err)
	}

	if effect.NeedsComplete {
		// The power controller is acknowledged regardless of the notify
		// outcome: a HAL-side rejection is not the power controller's
		// concern, and §7 says a retry-cap failure "logs a critical
		// error but does not crash" rather than blocking completion.
		if ackErr := c.controller.Acknowledge(ctx, state); ackErr != nil && c.log != nil {
			c.log.Warn("failed to acknowledge power controller", "error", ackErr)
		}
	}
	return err
}

func (c *Coordinator) notifyApState(ctx context.Context, readyForTask, wakeupRequired bool) error {
	if c.hooks.NotifyApStateChange == nil {
		return nil
	}
	return retry.Do(ctx, c.maxRetry, c.retrySleep, func() error {
		ok, err := c.hooks.NotifyApStateChange(ctx, readyForTask, wakeupRequired)
		if err != nil {
			return err
		}
		if !ok {
			return errHalRejected
		}
		return nil
	})
}

// MaybeShutdown implements maybe_shutdown(force) (§4.7). It refuses if
// the next power state is ON, the vehicle is in use, or (non-forced) any
// task is active anywhere; otherwise it force-unbinds every supervisor
// and requests shutdown.
func (c *Coordinator) MaybeShutdown(ctx context.Context, force bool) bool {
	c.mu.Lock()
	if c.wrappedUp {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	next, err := c.controller.NextPowerState(ctx)
	if err != nil {
		if c.log != nil {
			c.log.Warn("failed to read next power state", "error", err)
		}
		return false
	}
	if next == types.PowerStateOn {
		return false
	}

	inUse, err := c.controller.VehicleInUse(ctx)
	if err != nil {
		if c.log != nil {
			c.log.Warn("failed to read vehicle-in-use", "error", err)
		}
		return false
	}
	if inUse {
		return false
	}

	if !force && c.hooks.ActiveTaskCount != nil && c.hooks.ActiveTaskCount() > 0 {
		return false
	}

	if c.hooks.ForceUnbindAllSupervisors != nil {
		c.hooks.ForceUnbindAllSupervisors(ctx)
	}

	runGarageMode := false
	if c.hooks.ShouldRunGarageMode != nil {
		runGarageMode = c.hooks.ShouldRunGarageMode()
	}

	if err := c.controller.RequestShutdown(ctx, next, runGarageMode); err != nil {
		if c.log != nil {
			c.log.Error("request_shutdown failed", "error", err)
		}
		return false
	}

	c.mu.Lock()
	c.wrappedUp = true
	if c.warningTimer != nil {
		c.warningTimer.Stop()
	}
	if c.budgetTimer != nil {
		c.budgetTimer.Stop()
	}
	c.mu.Unlock()
	return true
}

// Stop cancels both budget timers, used on release (§5 Cancellation).
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.warningTimer != nil {
		c.warningTimer.Stop()
	}
	if c.budgetTimer != nil {
		c.budgetTimer.Stop()
	}
}
