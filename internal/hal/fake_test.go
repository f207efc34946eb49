package hal

import (
	"context"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/lineageos/carservice-remotetaskd/internal/citest"
	"github.com/lineageos/carservice-remotetaskd/internal/rtderr"
	"github.com/lineageos/carservice-remotetaskd/internal/types"
)

func TestFake_DeliverInvokesRegisteredHandler(t *testing.T) {
	citest.Parallel(t)

	f := NewFake()
	var gotClient types.ClientId
	var gotData []byte
	f.SetTaskHandler(func(clientID types.ClientId, data []byte) {
		gotClient = clientID
		gotData = data
	})

	f.Deliver("c1", []byte{0xAA, 0xBB})
	must.Eq(t, types.ClientId("c1"), gotClient)
	must.Eq(t, []byte{0xAA, 0xBB}, gotData)
}

func TestFake_ScheduleUnscheduleRoundTrip(t *testing.T) {
	citest.Parallel(t)

	f := NewFake()
	ctx := context.Background()
	info := types.ScheduleInfo{ScheduleID: "s1", ClientID: "c1", StartTimeUnix: 1000}

	must.NoError(t, f.Schedule(ctx, info))
	ok, err := f.IsScheduled(ctx, "c1", "s1")
	must.NoError(t, err)
	must.True(t, ok)

	must.NoError(t, f.Unschedule(ctx, "c1", "s1"))
	ok, err = f.IsScheduled(ctx, "c1", "s1")
	must.NoError(t, err)
	must.False(t, ok)
}

func TestFake_UnscheduleUnknownIsInvalidArgument(t *testing.T) {
	citest.Parallel(t)

	f := NewFake()
	err := f.Unschedule(context.Background(), "c-unknown", "s1")
	must.Error(t, err)
	must.ErrorIs(t, err, rtderr.InvalidArgument)
}

func TestFake_NotifyApStateChangeRespectsRejectToggle(t *testing.T) {
	citest.Parallel(t)

	f := NewFake()
	ok, err := f.NotifyApStateChange(context.Background(), true, false)
	must.NoError(t, err)
	must.True(t, ok)

	f.SetRejectAPState(true)
	ok, err = f.NotifyApStateChange(context.Background(), true, false)
	must.NoError(t, err)
	must.False(t, ok)
}
