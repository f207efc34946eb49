// Package rpc implements the client-facing transport named in §6: one
// TCP connection per client process, multiplexed with yamux so that
// inbound calls (register, report_task_done, schedule_task, ...) and
// outbound callback deliveries (on_remote_task_requested, ...) share a
// single socket, the same pairing the teacher uses for its RPC pool
// (command/agent_endpoint_test.go dials a single TCP conn, writes a
// mode byte, then runs net/rpc over a msgpackrpc codec).
package rpc

import (
	"context"

	"github.com/lineageos/carservice-remotetaskd/internal/types"
)

// RegisterArgs/RegisterReply etc. are the wire argument/reply pairs for
// every inbound method (§4.4, §6, §4.9). UidName stands in for the
// platform's binder-supplied caller UID, which is out of scope here
// (§1) — callers supply it directly; see DESIGN.md's Open Question
// resolution for the trust boundary this implies.
type RegisterArgs struct {
	UidName string
	Package string
}

type RegisterReply struct {
	Info types.RegistrationInfo
}

type UnregisterArgs struct {
	UidName string
}

type UnregisterReply struct{}

type ReportTaskDoneArgs struct {
	UidName  string
	ClientID types.ClientId
	TaskID   types.TaskId
}

type ReportTaskDoneReply struct{}

type ConfirmReadyForShutdownArgs struct {
	UidName  string
	ClientID types.ClientId
}

type ConfirmReadyForShutdownReply struct{}

type ScheduleArgs struct {
	Info types.ScheduleInfo
}

type ScheduleReply struct{}

type UnscheduleArgs struct {
	ClientID   types.ClientId
	ScheduleID string
}

type UnscheduleReply struct{}

type UnscheduleAllArgs struct {
	ClientID types.ClientId
}

type UnscheduleAllReply struct{}

type IsScheduledArgs struct {
	ClientID   types.ClientId
	ScheduleID string
}

type IsScheduledReply struct {
	Scheduled bool
}

type ListScheduledArgs struct {
	ClientID types.ClientId
}

type ListScheduledReply struct {
	Schedules []types.ScheduleInfo
}

type IsTaskScheduleSupportedArgs struct{}

type IsTaskScheduleSupportedReply struct {
	Supported bool
}

// SetPostTaskPowerStateArgs backs set_post_task_power_state (§6): a
// client pins the power state and garage-mode flag the next
// maybe_shutdown should request.
type SetPostTaskPowerStateArgs struct {
	NextState     types.PowerState
	RunGarageMode bool
}

type SetPostTaskPowerStateReply struct{}

type IsVehicleInUseSupportedArgs struct{}

type IsVehicleInUseSupportedReply struct {
	Supported bool
}

type IsShutdownRequestSupportedArgs struct{}

type IsShutdownRequestSupportedReply struct {
	Supported bool
}

// AddServerlessClientArgs/RemoveServerlessClientArgs back the two
// privileged operations (§6). Authorization (who may call these) is out
// of scope (§1); a production deployment would gate these behind the
// platform's own permission check before reaching this package.
type AddServerlessClientArgs struct {
	Package  string
	ClientID types.ClientId
}

type AddServerlessClientReply struct{}

type RemoveServerlessClientArgs struct {
	Package string
}

type RemoveServerlessClientReply struct{}

// Outbound call argument/reply pairs, delivered over a stream the
// server opens on the client's multiplexed session.
type OnRemoteTaskRequestedArgs struct {
	ClientID       types.ClientId
	TaskID         types.TaskId
	Data           []byte
	MaxDurationSec int64
}

type OnRemoteTaskRequestedReply struct{}

type OnClientRegistrationUpdatedArgs struct {
	Info types.RegistrationInfo
}

type OnClientRegistrationUpdatedReply struct{}

type OnShutdownStartingArgs struct{}

type OnShutdownStartingReply struct{}

// callCodec is the minimal surface remoteCallback needs from a yamux
// session: open a fresh stream per outbound call. Kept as an interface
// so tests can substitute an in-process pipe instead of real yamux.
type callCodec interface {
	call(ctx context.Context, method string, args, reply interface{}) error
}
