// Package schedule implements C9: validates and forwards
// schedule/unschedule/list calls from serverless clients to HAL, and
// reacts to package-removed events with unschedule_all (§4.9).
package schedule

import (
	"context"

	"github.com/hashicorp/go-hclog"

	"github.com/lineageos/carservice-remotetaskd/internal/hal"
	"github.com/lineageos/carservice-remotetaskd/internal/rtderr"
	"github.com/lineageos/carservice-remotetaskd/internal/serverless"
	"github.com/lineageos/carservice-remotetaskd/internal/types"
)

// Proxy is C9.
type Proxy struct {
	adapter    hal.Adapter
	serverless *serverless.Registry
	log        hclog.Logger
}

func New(adapter hal.Adapter, sl *serverless.Registry, log hclog.Logger) *Proxy {
	return &Proxy{adapter: adapter, serverless: sl, log: log}
}

// IsSupported forwards is_task_schedule_supported (§6).
func (p *Proxy) IsSupported(ctx context.Context) (bool, error) {
	return p.adapter.IsTaskScheduleSupported(ctx)
}

// Schedule implements schedule_task (§4.9). clientID must already be
// known as serverless; only serverless clients may schedule (§6
// "Exposed to callers authenticated as serverless").
func (p *Proxy) Schedule(ctx context.Context, info types.ScheduleInfo) error {
	if !p.serverless.IsServerless(info.ClientID) {
		return rtderr.New(rtderr.KindPermissionDenied, "only serverless clients may schedule tasks")
	}
	if info.ScheduleID == "" {
		return rtderr.New(rtderr.KindInvalidArgument, "schedule_id is required")
	}
	if info.Count < 0 {
		return rtderr.New(rtderr.KindInvalidArgument, "count must be >= 0")
	}
	if info.StartTimeUnix <= 0 {
		return rtderr.New(rtderr.KindInvalidArgument, "start_time_epoch_s must be > 0")
	}
	if info.PeriodicSec < 0 {
		return rtderr.New(rtderr.KindInvalidArgument, "periodic_s must be >= 0")
	}
	switch info.TaskType {
	case types.TaskTypeCustom, types.TaskTypeEnterGarageMode:
	default:
		return rtderr.New(rtderr.KindInvalidArgument, "unsupported task_type")
	}

	if err := p.adapter.Schedule(ctx, info); err != nil {
		return rtderr.Wrap(rtderr.KindHalUnavailable, "hal schedule", err)
	}
	return nil
}

// Unschedule implements unschedule_task (§6).
func (p *Proxy) Unschedule(ctx context.Context, clientID types.ClientId, scheduleID string) error {
	if !p.serverless.IsServerless(clientID) {
		return rtderr.New(rtderr.KindPermissionDenied, "only serverless clients may unschedule tasks")
	}
	if err := p.adapter.Unschedule(ctx, clientID, scheduleID); err != nil {
		return rtderr.Wrap(rtderr.KindHalUnavailable, "hal unschedule", err)
	}
	return nil
}

// UnscheduleAll implements unschedule_all (§6, §4.9 package-removed path).
func (p *Proxy) UnscheduleAll(ctx context.Context, clientID types.ClientId) error {
	if err := p.adapter.UnscheduleAll(ctx, clientID); err != nil {
		return rtderr.Wrap(rtderr.KindHalUnavailable, "hal unschedule_all", err)
	}
	return nil
}

// IsScheduled implements is_task_scheduled (§6).
func (p *Proxy) IsScheduled(ctx context.Context, clientID types.ClientId, scheduleID string) (bool, error) {
	if !p.serverless.IsServerless(clientID) {
		return false, rtderr.New(rtderr.KindPermissionDenied, "only serverless clients may query schedules")
	}
	ok, err := p.adapter.IsScheduled(ctx, clientID, scheduleID)
	if err != nil {
		return false, rtderr.Wrap(rtderr.KindHalUnavailable, "hal is_scheduled", err)
	}
	return ok, nil
}

// ListScheduled implements get_all_pending_scheduled_tasks (§6). Schedule
// entries HAL reports with an unrecognized task type are mapped to
// CUSTOM with a logged warning (§4.9 "maps unknown HAL task types to
// CUSTOM with a warning").
func (p *Proxy) ListScheduled(ctx context.Context, clientID types.ClientId) ([]types.ScheduleInfo, error) {
	if !p.serverless.IsServerless(clientID) {
		return nil, rtderr.New(rtderr.KindPermissionDenied, "only serverless clients may list schedules")
	}
	list, err := p.adapter.ListScheduled(ctx, clientID)
	if err != nil {
		return nil, rtderr.Wrap(rtderr.KindHalUnavailable, "hal list_scheduled", err)
	}
	for i, s := range list {
		switch s.TaskType {
		case types.TaskTypeCustom, types.TaskTypeEnterGarageMode:
		default:
			if p.log != nil {
				p.log.Warn("hal reported unrecognized task type, mapping to custom",
					"client_id", clientID, "schedule_id", s.ScheduleID)
			}
			list[i].TaskType = types.TaskTypeCustom
		}
	}
	return list, nil
}

// HandlePackageRemoved invokes unschedule_all for the client_id bound to
// a removed package, if that package was serverless (§4.9).
func (p *Proxy) HandlePackageRemoved(ctx context.Context, pkg string) {
	clientID, ok := p.serverless.ClientIDForPackage(pkg)
	if !ok {
		return
	}
	if err := p.UnscheduleAll(ctx, clientID); err != nil && p.log != nil {
		p.log.Warn("unschedule_all on package removal failed", "package", pkg, "error", err)
	}
}
