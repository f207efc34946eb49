package hal

import (
	"context"
	"sync"

	"github.com/hashicorp/go-set/v3"

	"github.com/lineageos/carservice-remotetaskd/internal/rtderr"
	"github.com/lineageos/carservice-remotetaskd/internal/types"
)

// Fake is an in-process Adapter for tests and single-process
// deployments. Deliver injects an inbound task the way the real HAL
// would over the plugin boundary.
type Fake struct {
	mu        sync.Mutex
	handler   TaskCallback
	scheduled map[types.ClientId]map[string]types.ScheduleInfo
	rejectAP  bool

	WakeupServiceName string
	VehicleID         string
	ProcessorID       string
}

func NewFake() *Fake {
	return &Fake{scheduled: make(map[types.ClientId]map[string]types.ScheduleInfo)}
}

func (f *Fake) Init(ctx context.Context) error    { return nil }
func (f *Fake) Release(ctx context.Context) error { return nil }

func (f *Fake) NotifyApStateChange(ctx context.Context, readyForTask, wakeupRequired bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.rejectAP, nil
}

// SetRejectAPState toggles whether NotifyApStateChange reports
// rejection, for retry tests.
func (f *Fake) SetRejectAPState(reject bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectAP = reject
}

func (f *Fake) GetWakeupServiceName(ctx context.Context) (string, error) { return f.WakeupServiceName, nil }
func (f *Fake) GetVehicleID(ctx context.Context) (string, error)         { return f.VehicleID, nil }
func (f *Fake) GetProcessorID(ctx context.Context) (string, error)       { return f.ProcessorID, nil }

func (f *Fake) IsTaskScheduleSupported(ctx context.Context) (bool, error) { return true, nil }

func (f *Fake) Schedule(ctx context.Context, info types.ScheduleInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	byClient, ok := f.scheduled[info.ClientID]
	if !ok {
		byClient = make(map[string]types.ScheduleInfo)
		f.scheduled[info.ClientID] = byClient
	}
	byClient[info.ScheduleID] = info
	return nil
}

func (f *Fake) Unschedule(ctx context.Context, clientID types.ClientId, scheduleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	byClient, ok := f.scheduled[clientID]
	if !ok {
		return rtderr.New(rtderr.KindInvalidArgument, "unknown schedule_id")
	}
	if _, ok := byClient[scheduleID]; !ok {
		return rtderr.New(rtderr.KindInvalidArgument, "unknown schedule_id")
	}
	delete(byClient, scheduleID)
	return nil
}

func (f *Fake) UnscheduleAll(ctx context.Context, clientID types.ClientId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.scheduled, clientID)
	return nil
}

func (f *Fake) IsScheduled(ctx context.Context, clientID types.ClientId, scheduleID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byClient, ok := f.scheduled[clientID]
	if !ok {
		return false, nil
	}
	_, ok = byClient[scheduleID]
	return ok, nil
}

func (f *Fake) ListScheduled(ctx context.Context, clientID types.ClientId) ([]types.ScheduleInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byClient := f.scheduled[clientID]
	out := make([]types.ScheduleInfo, 0, len(byClient))
	for _, s := range byClient {
		out = append(out, s)
	}
	return out, nil
}

func (f *Fake) SupportedTaskTypes(ctx context.Context) ([]types.TaskType, error) {
	return []types.TaskType{types.TaskTypeCustom, types.TaskTypeEnterGarageMode}, nil
}

func (f *Fake) SetTaskHandler(handler TaskCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

// Deliver simulates HAL invoking on_remote_task_requested.
func (f *Fake) Deliver(clientID types.ClientId, data []byte) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(clientID, data)
	}
}

// ScheduleIDSet is a small helper built on go-set/v3 for tests asserting
// on the set of schedule ids currently registered for a client.
func (f *Fake) ScheduleIDSet(clientID types.ClientId) *set.Set[string] {
	f.mu.Lock()
	defer f.mu.Unlock()
	byClient := f.scheduled[clientID]
	ids := set.New[string](len(byClient))
	for id := range byClient {
		ids.Insert(id)
	}
	return ids
}
