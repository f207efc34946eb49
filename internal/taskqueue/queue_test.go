package taskqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/lineageos/carservice-remotetaskd/internal/citest"
	"github.com/lineageos/carservice-remotetaskd/internal/types"
	"github.com/shoenig/test/must"
	"github.com/shoenig/test/wait"
)

func inlinePost(f func()) { f() }

func TestQueue_PushDrainPreservesOrder(t *testing.T) {
	citest.Parallel(t)

	q := New(inlinePost, nil)
	deadline := time.Now().Add(time.Hour)
	q.Push(types.Task{TaskID: "t1", ClientID: "c1", PendingDeadline: deadline})
	q.Push(types.Task{TaskID: "t2", ClientID: "c1", PendingDeadline: deadline})

	drained := q.Drain("c1")
	must.Len(t, 2, drained)
	must.Eq(t, types.TaskId("t1"), drained[0].TaskID)
	must.Eq(t, types.TaskId("t2"), drained[1].TaskID)
	must.Eq(t, 0, q.Len("c1"))
}

func TestQueue_ExpiryDropsSilently(t *testing.T) {
	citest.Parallel(t)

	var mu sync.Mutex
	var expired []types.TaskId

	q := New(inlinePost, func(clientID types.ClientId, taskID types.TaskId) {
		mu.Lock()
		defer mu.Unlock()
		expired = append(expired, taskID)
	})

	q.Push(types.Task{TaskID: "t1", ClientID: "c1", PendingDeadline: time.Now().Add(10 * time.Millisecond)})

	must.Wait(t, wait.InitialSuccess(
		wait.Timeout(time.Second),
		wait.Gap(5*time.Millisecond),
		wait.BoolFunc(func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(expired) == 1
		}),
	))
	must.Eq(t, 0, q.Len("c1"))
}

func TestQueue_DropAllCancelsTimers(t *testing.T) {
	citest.Parallel(t)

	fired := false
	q := New(inlinePost, func(types.ClientId, types.TaskId) { fired = true })
	q.Push(types.Task{TaskID: "t1", ClientID: "c1", PendingDeadline: time.Now().Add(5 * time.Millisecond)})
	q.DropAll("c1")

	time.Sleep(20 * time.Millisecond)
	must.False(t, fired)
}
