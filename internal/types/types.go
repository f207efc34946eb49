// Package types holds the data model shared across the remote task
// dispatch core: client identities, tokens, tasks and per-package service
// state (spec §3).
package types

import "time"

// ClientId is the opaque short string identifying a remote task client.
// Regular clients get one generated on first registration; serverless
// clients get one from static configuration and never persist it.
type ClientId string

// UidName is the stable OS-assigned principal of a calling package. It is
// the internal key for everything in C4; ClientId <-> UidName is bijective.
type UidName string

// TaskId identifies a single task delivery.
type TaskId string

// BindState is where a ServiceConnection sits in the C6 state machine.
type BindState int

const (
	BindInit BindState = iota
	BindWaitingUserUnlock
	BindBinding
	BindBound
)

func (s BindState) String() string {
	switch s {
	case BindInit:
		return "init"
	case BindWaitingUserUnlock:
		return "waiting_user_unlock"
	case BindBinding:
		return "binding"
	case BindBound:
		return "bound"
	default:
		return "unknown"
	}
}

// ClientCallback is the client's event channel handle (§3). Once bound it
// is used to deliver on_remote_task_requested/on_shutdown_starting/etc;
// a nil handle means the client has not connected since boot (or died).
type ClientCallback interface {
	// OnRemoteTaskRequested delivers one task to the client. A non-nil
	// error is a delivery transport error (§4.10): the caller removes the
	// task from the active set and never retries.
	OnRemoteTaskRequested(clientID ClientId, taskID TaskId, data []byte, maxDurationSec int64) error
	// OnClientRegistrationUpdated is sent exactly once, synchronously,
	// as part of register() completing.
	OnClientRegistrationUpdated(info RegistrationInfo) error
	// OnShutdownStarting notifies a live client that the wake window is
	// about to close.
	OnShutdownStarting() error
}

// RegistrationInfo is what register() hands back to the caller. The
// registry fills ClientID and IsServerless only; WakeupServiceName,
// VehicleID and ProcessorID are left empty for every client.
type RegistrationInfo struct {
	ClientID          ClientId
	IsServerless      bool
	WakeupServiceName string
	VehicleID         string
	ProcessorID       string
}

// ClientToken is the per-UidName registration record (§3).
type ClientToken struct {
	ClientID         ClientId
	IDCreationTimeMs int64
	IsServerless     bool
	Callback         ClientCallback
	ReadyForShutdown bool
}

// HasLiveCallback reports whether the client is currently connected.
func (t *ClientToken) HasLiveCallback() bool {
	return t != nil && t.Callback != nil
}

// MaxTaskPayloadBytes is the implementation cap spec.md §3 leaves open;
// see DESIGN.md "Open Question resolutions". No code path checks task
// payload lengths against it.
const MaxTaskPayloadBytes = 64 * 1024

// Task is a unit of work delivered once from HAL to a client callback.
type Task struct {
	TaskID          TaskId
	ClientID        ClientId
	Payload         []byte
	PendingDeadline time.Time
}

// ServiceConnection aggregates a discovered package's bind state, active
// task set and unbind deadline (§3). At most one exists per UidName
// (invariant P3).
type ServiceConnection struct {
	State        BindState
	ActiveTasks  map[TaskId]struct{}
	TaskDeadline time.Time
}

// ServiceInfo is the per-discovered-package record the supervisor keys
// its ServiceConnection under.
type ServiceInfo struct {
	UidName          UidName
	ComponentAddress string
	Conn             *ServiceConnection
}

// PowerState is the subset of power-manager states the coordinator reacts
// to (§4.7). The richer POST_* set is implemented per spec.md §9.
type PowerState int

const (
	PowerStateOther PowerState = iota
	PowerStateShutdownPrepare
	PowerStateWaitForVHAL
	PowerStateSuspendExit
	PowerStateHibernationExit
	PowerStatePostShutdownEnter
	PowerStatePostSuspendEnter
	PowerStatePostHibernationEnter
	PowerStateOn
)

// ApStateEffect is the (ready, wakeup, complete, force-unbind) set of
// effects a power state maps to, per the table in §4.7.
type ApStateEffect struct {
	ReadyForTask    bool
	WakeupRequired  bool
	NeedsComplete   bool
	ForceUnbindAll  bool
}

// Effect returns the effect of transitioning into s.
func (s PowerState) Effect() ApStateEffect {
	switch s {
	case PowerStateShutdownPrepare:
		return ApStateEffect{ReadyForTask: false, WakeupRequired: false, NeedsComplete: true, ForceUnbindAll: true}
	case PowerStateWaitForVHAL, PowerStateSuspendExit, PowerStateHibernationExit:
		return ApStateEffect{ReadyForTask: true, WakeupRequired: false, NeedsComplete: false}
	case PowerStatePostShutdownEnter, PowerStatePostSuspendEnter, PowerStatePostHibernationEnter:
		return ApStateEffect{ReadyForTask: false, WakeupRequired: true, NeedsComplete: true}
	default:
		return ApStateEffect{}
	}
}

// TaskType is the HAL task-scheduling type a serverless client may request
// (§4.9).
type TaskType int

const (
	TaskTypeCustom TaskType = iota
	TaskTypeEnterGarageMode
)

// ScheduleInfo is the validated, client-facing schedule request (§6).
type ScheduleInfo struct {
	ScheduleID    string
	ClientID      ClientId
	Count         int32
	StartTimeUnix int64
	PeriodicSec   int64
	TaskType      TaskType
}
