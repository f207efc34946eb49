package rpc

import (
	"context"
	"fmt"

	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"
	"github.com/hashicorp/yamux"

	"github.com/lineageos/carservice-remotetaskd/internal/types"
)

// sessionCodec opens one yamux stream per outbound call, the server's
// half of the multiplexed connection (§5, §6 "outbound callback
// deliveries share the client's socket").
type sessionCodec struct {
	session *yamux.Session
}

func (c *sessionCodec) call(ctx context.Context, method string, args, reply interface{}) error {
	stream, err := c.session.Open()
	if err != nil {
		return fmt.Errorf("rpc: open outbound stream for %s: %w", method, err)
	}
	defer stream.Close()

	codec := msgpackrpc.NewCodec(stream)
	return msgpackrpc.CallWithCodec(codec, method, args, reply)
}

// remoteCallback implements types.ClientCallback over a callCodec,
// giving the registry (C4) a handle it can invoke without knowing
// anything about transport.
type remoteCallback struct {
	codec callCodec
}

func newRemoteCallback(session *yamux.Session) *remoteCallback {
	return &remoteCallback{codec: &sessionCodec{session: session}}
}

func (r *remoteCallback) OnRemoteTaskRequested(clientID types.ClientId, taskID types.TaskId, data []byte, maxDurationSec int64) error {
	args := &OnRemoteTaskRequestedArgs{ClientID: clientID, TaskID: taskID, Data: data, MaxDurationSec: maxDurationSec}
	var reply OnRemoteTaskRequestedReply
	return r.codec.call(context.Background(), "ClientCallback.OnRemoteTaskRequested", args, &reply)
}

func (r *remoteCallback) OnClientRegistrationUpdated(info types.RegistrationInfo) error {
	args := &OnClientRegistrationUpdatedArgs{Info: info}
	var reply OnClientRegistrationUpdatedReply
	return r.codec.call(context.Background(), "ClientCallback.OnClientRegistrationUpdated", args, &reply)
}

func (r *remoteCallback) OnShutdownStarting() error {
	var reply OnShutdownStartingReply
	return r.codec.call(context.Background(), "ClientCallback.OnShutdownStarting", &OnShutdownStartingArgs{}, &reply)
}
