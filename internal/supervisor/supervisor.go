// Package supervisor implements C6: one state machine per discovered
// client package, covering discovery, user-unlock wait, bind, active-task
// accounting and idle-unbind (§4.6).
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-set/v3"

	"github.com/lineageos/carservice-remotetaskd/internal/collab"
	"github.com/lineageos/carservice-remotetaskd/internal/types"
)

// Supervisor drives one ServiceInfo's ServiceConnection through the
// Init -> WaitingUserUnlock -> Binding -> Bound -> Init cycle. All state
// mutation happens under mu; Bind/Unbind calls to the ServiceBinder are
// suspension points and must never be made while mu is held (§5) — the
// binder call is issued outside the lock with state snapshotted first.
type Supervisor struct {
	uid    types.UidName
	info   *types.ServiceInfo
	binder collab.ServiceBinder
	pkgman collab.PackageManager
	post   func(func())
	log    hclog.Logger

	initGrace       time.Duration
	taskUnbindDelay time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// New constructs a Supervisor for uid/componentAddress. post is the
// event loop's posting function (§5): the deadline timer fires on its
// own goroutine and re-enters the loop before touching state.
func New(uid types.UidName, componentAddress string, binder collab.ServiceBinder, pkgman collab.PackageManager, post func(func()), initGrace, taskUnbindDelay time.Duration, log hclog.Logger) *Supervisor {
	return &Supervisor{
		uid:    uid,
		binder: binder,
		pkgman: pkgman,
		post:   post,
		log:    log,
		info: &types.ServiceInfo{
			UidName:          uid,
			ComponentAddress: componentAddress,
			Conn: &types.ServiceConnection{
				State:       types.BindInit,
				ActiveTasks: make(map[types.TaskId]struct{}),
			},
		},
		initGrace:       initGrace,
		taskUnbindDelay: taskUnbindDelay,
	}
}

func (s *Supervisor) State() types.BindState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.Conn.State
}

// BindAndExtend sets the connection's deadline to max(current, deadline)
// and, if not already bound or binding, kicks off a bind (§4.6). The
// actual platform Bind call happens outside the lock.
func (s *Supervisor) BindAndExtend(ctx context.Context, deadline time.Time) {
	s.mu.Lock()
	if deadline.After(s.info.Conn.TaskDeadline) {
		s.info.Conn.TaskDeadline = deadline
	}
	needsBind := s.info.Conn.State == types.BindInit
	if needsBind {
		if s.pkgman.IsUserUnlocked(s.uid) {
			s.info.Conn.State = types.BindBinding
		} else {
			s.info.Conn.State = types.BindWaitingUserUnlock
		}
	}
	s.armTimerLocked()
	state := s.info.Conn.State
	s.mu.Unlock()

	if needsBind && state == types.BindBinding {
		s.doBind(ctx)
	}
}

// HandleUserUnlocked advances WaitingUserUnlock -> Binding on an unlock
// event for this supervisor's uid.
func (s *Supervisor) HandleUserUnlocked(ctx context.Context) {
	s.mu.Lock()
	if s.info.Conn.State != types.BindWaitingUserUnlock {
		s.mu.Unlock()
		return
	}
	s.info.Conn.State = types.BindBinding
	s.mu.Unlock()

	s.doBind(ctx)
}

func (s *Supervisor) doBind(ctx context.Context) {
	err := s.binder.Bind(ctx, s.info)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.log != nil {
			s.log.Warn("bind failed, reverting to init", "uid_name", s.uid, "error", err)
		}
		s.info.Conn.State = types.BindInit
		return
	}
	s.info.Conn.State = types.BindBound
	// First bind gets at least the init grace period to complete
	// registration and first callback (§4.6).
	floor := time.Now().Add(s.initGrace)
	if floor.After(s.info.Conn.TaskDeadline) {
		s.info.Conn.TaskDeadline = floor
	}
	s.armTimerLocked()
}

// armTimerLocked (re)schedules the unbind-check timer. Caller holds mu.
func (s *Supervisor) armTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	wait := time.Until(s.info.Conn.TaskDeadline)
	if wait < 0 {
		wait = 0
	}
	s.timer = time.AfterFunc(wait, func() {
		s.post(func() { s.onTimerFired(context.Background()) })
	})
}

func (s *Supervisor) onTimerFired(ctx context.Context) {
	s.mu.Lock()
	if time.Now().Before(s.info.Conn.TaskDeadline) {
		// Deadline was extended after this timer was armed; a fresh
		// timer is already running for the new deadline (§4.6).
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.Unbind(ctx, false)
}

// AddActive adds taskIDs to the connection's active set (§4.6).
func (s *Supervisor) AddActive(taskIDs []types.TaskId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range taskIDs {
		s.info.Conn.ActiveTasks[id] = struct{}{}
	}
}

// RemoveActive removes taskID from the active set, returning whether it
// was present. When the set becomes empty, the deadline is extended by
// taskUnbindDelay to absorb a burst of follow-up tasks (§4.6).
func (s *Supervisor) RemoveActive(taskID types.TaskId) bool {
	s.mu.Lock()
	_, ok := s.info.Conn.ActiveTasks[taskID]
	if ok {
		delete(s.info.Conn.ActiveTasks, taskID)
	}
	empty := len(s.info.Conn.ActiveTasks) == 0
	if ok && empty {
		deadline := time.Now().Add(s.taskUnbindDelay)
		if deadline.After(s.info.Conn.TaskDeadline) {
			s.info.Conn.TaskDeadline = deadline
		}
		s.armTimerLocked()
	}
	s.mu.Unlock()
	return ok
}

// ActiveCount returns the size of the connection's active-task set.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.info.Conn.ActiveTasks)
}

// Unbind tears down the binding. A forced unbind clears active tasks,
// cancels the timer and dissolves the binding regardless of state; a
// non-forced unbind is the timer-driven idle path (§4.6).
func (s *Supervisor) Unbind(ctx context.Context, force bool) {
	s.mu.Lock()
	if s.info.Conn.State == types.BindInit && !force {
		s.mu.Unlock()
		return
	}
	wasBound := s.info.Conn.State == types.BindBound
	if force {
		s.info.Conn.ActiveTasks = make(map[types.TaskId]struct{})
		if s.timer != nil {
			s.timer.Stop()
		}
	}
	s.info.Conn.State = types.BindInit
	s.mu.Unlock()

	if wasBound || force {
		if err := s.binder.Unbind(ctx, s.info); err != nil && s.log != nil {
			s.log.Warn("unbind failed", "uid_name", s.uid, "error", err)
		}
	}
}

// ActiveTaskIDs returns a snapshot of the active task set, using
// go-set/v3 the way C3/serverless does for its id collision checks.
func (s *Supervisor) ActiveTaskIDs() *set.Set[types.TaskId] {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := set.New[types.TaskId](len(s.info.Conn.ActiveTasks))
	for id := range s.info.Conn.ActiveTasks {
		out.Insert(id)
	}
	return out
}
