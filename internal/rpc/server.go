package rpc

import (
	"context"
	"fmt"
	"net"
	"net/rpc"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/yamux"

	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"

	"github.com/lineageos/carservice-remotetaskd/internal/registry"
	"github.com/lineageos/carservice-remotetaskd/internal/schedule"
	"github.com/lineageos/carservice-remotetaskd/internal/serverless"
	"github.com/lineageos/carservice-remotetaskd/internal/types"
)

// PowerOps is the subset of the dispatcher's power-related surface the
// RPC service exposes to clients: set_post_task_power_state and the two
// capability queries (§6). A narrow interface rather than a
// *dispatch.Dispatcher dependency keeps this package's only inbound
// dependency duck-typed, the same hooks-style seam registry/supervisor
// already use for their own collaborators.
type PowerOps interface {
	SetPostTaskPowerState(next types.PowerState, runGarageMode bool)
	IsVehicleInUseSupported() bool
	IsShutdownRequestSupported() bool
}

// Server accepts one TCP connection per client process and multiplexes
// it with yamux: a single control stream carries inbound calls, and
// additional streams are opened on demand to deliver callbacks (§6).
type Server struct {
	ln         net.Listener
	registry   *registry.Registry
	schedule   *schedule.Proxy
	serverless *serverless.Registry
	power      PowerOps
	log        hclog.Logger
}

func NewServer(ln net.Listener, reg *registry.Registry, sched *schedule.Proxy, sl *serverless.Registry, power PowerOps, log hclog.Logger) *Server {
	return &Server{ln: ln, registry: reg, schedule: sched, serverless: sl, power: power, log: log}
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed. Each connection is handled on its own goroutine; a failure on
// one connection never affects another (§5).
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("rpc: accept: %w", err)
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	session, err := yamux.Server(conn, yamux.DefaultConfig())
	if err != nil {
		if s.log != nil {
			s.log.Warn("failed to establish multiplexed session", "error", err)
		}
		conn.Close()
		return
	}
	defer session.Close()

	stream, err := session.Accept()
	if err != nil {
		if s.log != nil {
			s.log.Debug("client closed before opening control stream", "error", err)
		}
		return
	}
	defer stream.Close()

	svc := &service{
		registry:   s.registry,
		schedule:   s.schedule,
		serverless: s.serverless,
		power:      s.power,
		callback:   newRemoteCallback(session),
		log:        s.log,
	}

	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName("Service", svc); err != nil {
		if s.log != nil {
			s.log.Error("failed to register rpc service", "error", err)
		}
		return
	}

	codec := msgpackrpc.NewCodec(stream)
	rpcServer.ServeCodec(codec)
}

// service is the net/rpc-visible method set for one client connection.
// Every method is a thin forward into the owning component; argument
// validation lives there, not here.
type service struct {
	registry   *registry.Registry
	schedule   *schedule.Proxy
	serverless *serverless.Registry
	power      PowerOps
	callback   *remoteCallback
	log        hclog.Logger
}

func (s *service) Register(args *RegisterArgs, reply *RegisterReply) error {
	info, err := s.registry.Register(context.Background(), types.UidName(args.UidName), args.Package, s.callback)
	if err != nil {
		return err
	}
	reply.Info = info
	return nil
}

func (s *service) Unregister(args *UnregisterArgs, reply *UnregisterReply) error {
	s.registry.Unregister(types.UidName(args.UidName), s.callback)
	return nil
}

func (s *service) ReportTaskDone(args *ReportTaskDoneArgs, reply *ReportTaskDoneReply) error {
	return s.registry.ReportTaskDone(types.UidName(args.UidName), args.ClientID, args.TaskID)
}

func (s *service) ConfirmReadyForShutdown(args *ConfirmReadyForShutdownArgs, reply *ConfirmReadyForShutdownReply) error {
	return s.registry.ConfirmReadyForShutdown(types.UidName(args.UidName), args.ClientID)
}

func (s *service) ScheduleTask(args *ScheduleArgs, reply *ScheduleReply) error {
	return s.schedule.Schedule(context.Background(), args.Info)
}

func (s *service) UnscheduleTask(args *UnscheduleArgs, reply *UnscheduleReply) error {
	return s.schedule.Unschedule(context.Background(), args.ClientID, args.ScheduleID)
}

func (s *service) UnscheduleAll(args *UnscheduleAllArgs, reply *UnscheduleAllReply) error {
	return s.schedule.UnscheduleAll(context.Background(), args.ClientID)
}

func (s *service) IsTaskScheduled(args *IsScheduledArgs, reply *IsScheduledReply) error {
	ok, err := s.schedule.IsScheduled(context.Background(), args.ClientID, args.ScheduleID)
	reply.Scheduled = ok
	return err
}

func (s *service) ListScheduledTasks(args *ListScheduledArgs, reply *ListScheduledReply) error {
	list, err := s.schedule.ListScheduled(context.Background(), args.ClientID)
	reply.Schedules = list
	return err
}

func (s *service) IsTaskScheduleSupported(args *IsTaskScheduleSupportedArgs, reply *IsTaskScheduleSupportedReply) error {
	ok, err := s.schedule.IsSupported(context.Background())
	reply.Supported = ok
	return err
}

func (s *service) AddServerlessClient(args *AddServerlessClientArgs, reply *AddServerlessClientReply) error {
	return s.serverless.AddPackage(args.Package, args.ClientID)
}

func (s *service) RemoveServerlessClient(args *RemoveServerlessClientArgs, reply *RemoveServerlessClientReply) error {
	s.serverless.RemovePackage(args.Package)
	return nil
}

func (s *service) SetPostTaskPowerState(args *SetPostTaskPowerStateArgs, reply *SetPostTaskPowerStateReply) error {
	s.power.SetPostTaskPowerState(args.NextState, args.RunGarageMode)
	return nil
}

func (s *service) IsVehicleInUseSupported(args *IsVehicleInUseSupportedArgs, reply *IsVehicleInUseSupportedReply) error {
	reply.Supported = s.power.IsVehicleInUseSupported()
	return nil
}

func (s *service) IsShutdownRequestSupported(args *IsShutdownRequestSupportedArgs, reply *IsShutdownRequestSupportedReply) error {
	reply.Supported = s.power.IsShutdownRequestSupported()
	return nil
}
