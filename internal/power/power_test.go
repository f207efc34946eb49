package power

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/shoenig/test/wait"

	"github.com/lineageos/carservice-remotetaskd/internal/citest"
	"github.com/lineageos/carservice-remotetaskd/internal/log"
	"github.com/lineageos/carservice-remotetaskd/internal/types"
)

func inlinePost(f func()) { f() }

type fakeController struct {
	mu            sync.Mutex
	next          types.PowerState
	inUse         bool
	shutdownCalls int
	lastNext      types.PowerState
	lastGarage    bool
	ackCalls      int
	lastAck       types.PowerState
}

func (f *fakeController) RequestShutdown(ctx context.Context, nextState types.PowerState, runGarageMode bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdownCalls++
	f.lastNext = nextState
	f.lastGarage = runGarageMode
	return nil
}

func (f *fakeController) NextPowerState(ctx context.Context) (types.PowerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next, nil
}

func (f *fakeController) VehicleInUse(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inUse, nil
}

func (f *fakeController) Acknowledge(ctx context.Context, state types.PowerState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ackCalls++
	f.lastAck = state
	return nil
}

func farFutureBudget() (time.Duration, time.Duration, time.Time) {
	return time.Hour, 5 * time.Minute, time.Now()
}

func TestCoordinator_ShutdownPrepareForceUnbindsAndNotifies(t *testing.T) {
	citest.Parallel(t)

	var notified []bool
	var unbound int
	ctrl := &fakeController{next: types.PowerStateOther}
	budget, margin, boot := farFutureBudget()
	c := New(ctrl, Hooks{
		NotifyApStateChange: func(ctx context.Context, ready, wakeup bool) (bool, error) {
			notified = append(notified, ready, wakeup)
			return true, nil
		},
		ForceUnbindAllSupervisors: func(ctx context.Context) { unbound++ },
	}, inlinePost, 10, time.Millisecond, budget, margin, boot, log.NoopForTest())
	defer c.Stop()

	must.NoError(t, c.HandlePowerStateChange(context.Background(), types.PowerStateShutdownPrepare))
	must.Eq(t, 1, unbound)
	must.Eq(t, []bool{false, false}, notified)
	must.Eq(t, 1, ctrl.ackCalls)
	must.Eq(t, types.PowerStateShutdownPrepare, ctrl.lastAck)
}

func TestCoordinator_NotifyRetriesThenSucceeds(t *testing.T) {
	citest.Parallel(t)

	attempts := 0
	ctrl := &fakeController{next: types.PowerStateOther}
	budget, margin, boot := farFutureBudget()
	c := New(ctrl, Hooks{
		NotifyApStateChange: func(ctx context.Context, ready, wakeup bool) (bool, error) {
			attempts++
			if attempts < 3 {
				return false, errors.New("transient")
			}
			return true, nil
		},
	}, inlinePost, 10, time.Millisecond, budget, margin, boot, log.NoopForTest())
	defer c.Stop()

	must.NoError(t, c.HandlePowerStateChange(context.Background(), types.PowerStateWaitForVHAL))
	must.Eq(t, 3, attempts)
}

func TestCoordinator_MaybeShutdownRefusesWhenVehicleInUse(t *testing.T) {
	citest.Parallel(t)

	ctrl := &fakeController{next: types.PowerStateOther, inUse: true}
	budget, margin, boot := farFutureBudget()
	c := New(ctrl, Hooks{}, inlinePost, 10, time.Millisecond, budget, margin, boot, log.NoopForTest())
	defer c.Stop()

	must.False(t, c.MaybeShutdown(context.Background(), false))
	must.Eq(t, 0, ctrl.shutdownCalls)
}

func TestCoordinator_MaybeShutdownRefusesWithActiveTasksUnlessForced(t *testing.T) {
	citest.Parallel(t)

	ctrl := &fakeController{next: types.PowerStateOther}
	budget, margin, boot := farFutureBudget()
	c := New(ctrl, Hooks{ActiveTaskCount: func() int { return 2 }}, inlinePost, 10, time.Millisecond, budget, margin, boot, log.NoopForTest())
	defer c.Stop()

	must.False(t, c.MaybeShutdown(context.Background(), false))
	must.True(t, c.MaybeShutdown(context.Background(), true))
	must.Eq(t, 1, ctrl.shutdownCalls)
}

func TestCoordinator_BudgetTimerForcesShutdown(t *testing.T) {
	citest.Parallel(t)

	ctrl := &fakeController{next: types.PowerStateOther}
	c := New(ctrl, Hooks{}, inlinePost, 10, time.Millisecond, 20*time.Millisecond, 10*time.Millisecond, time.Now(), log.NoopForTest())
	defer c.Stop()

	must.Wait(t, wait.InitialSuccess(
		wait.Timeout(time.Second),
		wait.Gap(5*time.Millisecond),
		wait.BoolFunc(func() bool { return ctrl.shutdownCalls == 1 }),
	))
}

func TestCoordinator_WarningMarginNotifiesLiveClients(t *testing.T) {
	citest.Parallel(t)

	var mu sync.Mutex
	notifiedCount := 0
	ctrl := &fakeController{next: types.PowerStateOther}
	c := New(ctrl, Hooks{
		LiveCallbacks: func() []types.ClientCallback {
			mu.Lock()
			notifiedCount++
			mu.Unlock()
			return nil
		},
	}, inlinePost, 10, time.Millisecond, 10*time.Millisecond, 5*time.Millisecond, time.Now(), log.NoopForTest())
	defer c.Stop()

	must.Wait(t, wait.InitialSuccess(
		wait.Timeout(time.Second),
		wait.Gap(5*time.Millisecond),
		wait.BoolFunc(func() bool {
			mu.Lock()
			defer mu.Unlock()
			return notifiedCount > 0
		}),
	))
}
