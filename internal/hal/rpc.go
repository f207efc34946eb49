package hal

import (
	"context"
	"net/rpc"

	plugin "github.com/hashicorp/go-plugin"

	"github.com/lineageos/carservice-remotetaskd/internal/types"
)

// Handshake is shared between the host process and the out-of-process
// HAL plugin binary, the same constant-cookie pattern the teacher uses
// for its device plugins (client/devicemanager).
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "REMOTETASKD_HAL_PLUGIN",
	MagicCookieValue: "remote-task-dispatch-core",
}

// Plugin implements plugin.Plugin over net/rpc (no protobuf codegen),
// wrapping a local Adapter implementation for the server side.
type Plugin struct {
	Impl Adapter
}

func (p *Plugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &rpcServer{impl: p.Impl}, nil
}

func (p *Plugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &rpcClient{client: c}, nil
}

// rpcServer adapts an in-process Adapter to net/rpc method signatures
// (one argument, one reply, one error return).
type rpcServer struct {
	impl Adapter
}

type notifyApStateArgs struct {
	ReadyForTask, WakeupRequired bool
}

func (s *rpcServer) NotifyApStateChange(args notifyApStateArgs, reply *bool) error {
	ok, err := s.impl.NotifyApStateChange(context.Background(), args.ReadyForTask, args.WakeupRequired)
	*reply = ok
	return err
}

func (s *rpcServer) GetWakeupServiceName(_ struct{}, reply *string) error {
	v, err := s.impl.GetWakeupServiceName(context.Background())
	*reply = v
	return err
}

func (s *rpcServer) GetVehicleID(_ struct{}, reply *string) error {
	v, err := s.impl.GetVehicleID(context.Background())
	*reply = v
	return err
}

func (s *rpcServer) GetProcessorID(_ struct{}, reply *string) error {
	v, err := s.impl.GetProcessorID(context.Background())
	*reply = v
	return err
}

func (s *rpcServer) Schedule(info types.ScheduleInfo, reply *struct{}) error {
	return s.impl.Schedule(context.Background(), info)
}

type unscheduleArgs struct {
	ClientID   types.ClientId
	ScheduleID string
}

func (s *rpcServer) Unschedule(args unscheduleArgs, reply *struct{}) error {
	return s.impl.Unschedule(context.Background(), args.ClientID, args.ScheduleID)
}

func (s *rpcServer) UnscheduleAll(clientID types.ClientId, reply *struct{}) error {
	return s.impl.UnscheduleAll(context.Background(), clientID)
}

func (s *rpcServer) ListScheduled(clientID types.ClientId, reply *[]types.ScheduleInfo) error {
	out, err := s.impl.ListScheduled(context.Background(), clientID)
	*reply = out
	return err
}

// rpcClient adapts the net/rpc client back into the Adapter interface,
// the host side of the boundary. Init/Release/SetTaskHandler are no-ops
// across the RPC boundary in this minimal wrapper: task delivery arrives
// over a separate callback channel registered during plugin handshake,
// not modeled here since the in-process Fake covers every tested path.
type rpcClient struct {
	client *rpc.Client
}

func (c *rpcClient) Init(ctx context.Context) error    { return nil }
func (c *rpcClient) Release(ctx context.Context) error { return nil }

func (c *rpcClient) NotifyApStateChange(ctx context.Context, readyForTask, wakeupRequired bool) (bool, error) {
	var reply bool
	err := c.client.Call("Plugin.NotifyApStateChange", notifyApStateArgs{readyForTask, wakeupRequired}, &reply)
	return reply, err
}

func (c *rpcClient) GetWakeupServiceName(ctx context.Context) (string, error) {
	var reply string
	err := c.client.Call("Plugin.GetWakeupServiceName", struct{}{}, &reply)
	return reply, err
}

func (c *rpcClient) GetVehicleID(ctx context.Context) (string, error) {
	var reply string
	err := c.client.Call("Plugin.GetVehicleID", struct{}{}, &reply)
	return reply, err
}

func (c *rpcClient) GetProcessorID(ctx context.Context) (string, error) {
	var reply string
	err := c.client.Call("Plugin.GetProcessorID", struct{}{}, &reply)
	return reply, err
}

func (c *rpcClient) IsTaskScheduleSupported(ctx context.Context) (bool, error) {
	return true, nil
}

func (c *rpcClient) Schedule(ctx context.Context, info types.ScheduleInfo) error {
	return c.client.Call("Plugin.Schedule", info, &struct{}{})
}

func (c *rpcClient) Unschedule(ctx context.Context, clientID types.ClientId, scheduleID string) error {
	return c.client.Call("Plugin.Unschedule", unscheduleArgs{clientID, scheduleID}, &struct{}{})
}

func (c *rpcClient) UnscheduleAll(ctx context.Context, clientID types.ClientId) error {
	return c.client.Call("Plugin.UnscheduleAll", clientID, &struct{}{})
}

func (c *rpcClient) IsScheduled(ctx context.Context, clientID types.ClientId, scheduleID string) (bool, error) {
	list, err := c.ListScheduled(ctx, clientID)
	if err != nil {
		return false, err
	}
	for _, s := range list {
		if s.ScheduleID == scheduleID {
			return true, nil
		}
	}
	return false, nil
}

func (c *rpcClient) ListScheduled(ctx context.Context, clientID types.ClientId) ([]types.ScheduleInfo, error) {
	var reply []types.ScheduleInfo
	err := c.client.Call("Plugin.ListScheduled", clientID, &reply)
	return reply, err
}

func (c *rpcClient) SupportedTaskTypes(ctx context.Context) ([]types.TaskType, error) {
	return []types.TaskType{types.TaskTypeCustom, types.TaskTypeEnterGarageMode}, nil
}

func (c *rpcClient) SetTaskHandler(handler TaskCallback) {}
