// Package hal implements C2: a typed adapter over the vehicle wakeup HAL
// (§4.2), plus an out-of-process plugin boundary for it modeled on the
// teacher's net/rpc device-plugin pattern (client/devicemanager).
package hal

import (
	"context"

	"github.com/lineageos/carservice-remotetaskd/internal/types"
)

// TaskCallback is the inbound direction (§4.2 "Receives an inbound
// on_remote_task_requested(client_id, data) callback"). The dispatcher
// (C8) implements this and registers it with Adapter.SetTaskHandler.
type TaskCallback func(clientID types.ClientId, data []byte)

// Adapter is the typed HAL surface the rest of the core calls against
// (§4.2). A production deployment runs the real implementation
// out-of-process behind the go-plugin boundary in rpc.go; tests and a
// single-process deployment use Fake.
type Adapter interface {
	Init(ctx context.Context) error
	Release(ctx context.Context) error

	// NotifyApStateChange reports HAL's accept/reject of the requested
	// AP state (§4.7); C7 wraps this call in retry.Do.
	NotifyApStateChange(ctx context.Context, readyForTask, wakeupRequired bool) (bool, error)

	GetWakeupServiceName(ctx context.Context) (string, error)
	GetVehicleID(ctx context.Context) (string, error)
	GetProcessorID(ctx context.Context) (string, error)

	IsTaskScheduleSupported(ctx context.Context) (bool, error)
	Schedule(ctx context.Context, info types.ScheduleInfo) error
	Unschedule(ctx context.Context, clientID types.ClientId, scheduleID string) error
	UnscheduleAll(ctx context.Context, clientID types.ClientId) error
	IsScheduled(ctx context.Context, clientID types.ClientId, scheduleID string) (bool, error)
	ListScheduled(ctx context.Context, clientID types.ClientId) ([]types.ScheduleInfo, error)
	SupportedTaskTypes(ctx context.Context) ([]types.TaskType, error)

	// SetTaskHandler registers the single handler invoked whenever HAL
	// delivers on_remote_task_requested. Must be called before Init in
	// a real deployment; Fake accepts it at any time.
	SetTaskHandler(handler TaskCallback)
}
