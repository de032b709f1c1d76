package lan

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lanmode/lanmode-go/pkg/lanerr"
	"github.com/lanmode/lanmode-go/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTasksDispatchInOrder(t *testing.T) {
	h := newHarness(t, func(c *ModuleConfig) { c.MaxCommandsPerPoll = 1 })
	h.activate()

	var mu sync.Mutex
	var order []string
	record := func(name string) func(*Task) {
		return func(*Task) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	a1, a2 := GetPropertyCommand("a1"), GetPropertyCommand("a2")
	b1 := GetPropertyCommand("b1")
	taskA := NewTask(a1, a2)
	taskA.OnSuccess = record("A")
	taskB := NewTask(b1)
	taskB.OnSuccess = record("B")
	require.NoError(t, h.m.AddTask(taskA))
	require.NoError(t, h.m.AddTask(taskB))

	assert.Less(t, a1.ID, a2.ID)
	assert.Less(t, a2.ID, b1.ID)

	resp, data := h.side.poll()
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	require.Len(t, data.Cmds, 1)
	assert.Equal(t, a1.ID, data.Cmds[0].Cmd.CmdID)

	resp, data = h.side.poll()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, data.Cmds, 1)
	assert.Equal(t, a2.ID, data.Cmds[0].Cmd.CmdID)

	// Task B waits until task A resolves; nothing is re-sent.
	resp, data = h.side.poll()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, data.Len())
	assert.False(t, b1.Dispatched())

	h.side.respond(a2.ID, http.StatusOK, wire.Property{Name: "a2", Value: json.RawMessage(`2`)})
	h.side.respond(a1.ID, http.StatusOK, wire.Property{Name: "a1", Value: json.RawMessage(`1`)})
	require.NoError(t, taskA.Wait(waitCtx(t)))

	_, data = h.side.poll()
	require.Len(t, data.Cmds, 1)
	assert.Equal(t, b1.ID, data.Cmds[0].Cmd.CmdID)
	h.side.respond(b1.ID, http.StatusOK, wire.Property{Name: "b1", Value: json.RawMessage(`3`)})
	require.NoError(t, taskB.Wait(waitCtx(t)))

	h.sync()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "B"}, order)
}

func TestPollBatchesCommands(t *testing.T) {
	h := newHarness(t, func(c *ModuleConfig) { c.MaxCommandsPerPoll = 2 })
	h.activate()

	task := NewTask(GetPropertyCommand("a"), GetPropertyCommand("b"), GetPropertyCommand("c"))
	require.NoError(t, h.m.AddTask(task))

	resp, data := h.side.poll()
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Len(t, data.Cmds, 2)

	resp, data = h.side.poll()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, data.Cmds, 1)
}

func TestTaskTimeoutDiscardsLateResponse(t *testing.T) {
	h := newHarness(t, nil)
	h.activate()

	cmd := GetPropertyCommand("temp")
	task := NewTask(cmd)
	task.Timeout = 50 * time.Millisecond

	var successes, failures, completions atomic.Int32
	task.OnSuccess = func(*Task) { successes.Add(1) }
	task.OnFailure = func(*Task, error) { failures.Add(1) }
	cmd.OnComplete = func(*Command, json.RawMessage, error) { completions.Add(1) }

	start := time.Now()
	require.NoError(t, h.m.AddTask(task))
	_, data := h.side.poll()
	require.Len(t, data.Cmds, 1)

	err := task.Wait(waitCtx(t))
	elapsed := time.Since(start)
	assert.True(t, errors.Is(err, lanerr.TimedOut))
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)

	resp := h.side.respond(cmd.ID, http.StatusOK, wire.Property{Name: "temp", Value: json.RawMessage(`1`)})
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	h.sync()
	assert.Equal(t, int32(0), successes.Load())
	assert.Equal(t, int32(1), failures.Load())
	assert.Equal(t, int32(1), completions.Load())
	assert.Nil(t, cmd.Response())
	assert.True(t, errors.Is(cmd.Err(), lanerr.TimedOut))
	assert.Equal(t, StateActive, h.m.State(), "timeouts are scoped to the task")
}

func TestTaskCancel(t *testing.T) {
	h := newHarness(t, nil)
	h.activate()

	dispatched := GetPropertyCommand("a")
	pending := GetPropertyCommand("b")
	task := NewTask(dispatched, pending)
	require.NoError(t, h.m.AddTask(task))

	_, data := h.side.poll()
	require.Len(t, data.Cmds, 2)

	task.Cancel()
	err := task.Wait(waitCtx(t))
	assert.True(t, errors.Is(err, lanerr.Cancelled))
	assert.True(t, dispatched.Cancelled())

	h.side.respond(dispatched.ID, http.StatusOK, wire.Property{Name: "a", Value: json.RawMessage(`1`)})
	h.sync()
	assert.Nil(t, dispatched.Response())
	assert.Equal(t, 0, h.m.PendingTasks())
}

func TestTaskCancelledBeforeAdd(t *testing.T) {
	h := newHarness(t, nil)
	h.activate()

	cmd := GetPropertyCommand("a")
	task := NewTask(cmd)
	task.Cancel()
	require.NoError(t, h.m.AddTask(task))

	assert.True(t, errors.Is(task.Err(), lanerr.Cancelled))
	_, data := h.side.poll()
	assert.Equal(t, 0, data.Len())
	assert.False(t, cmd.Dispatched())
}

func TestTaskAddedTwice(t *testing.T) {
	h := newHarness(t, nil)
	h.activate()

	task := NewTask(GetPropertyCommand("a"))
	require.NoError(t, h.m.AddTask(task))
	err := h.m.AddTask(task)
	assert.True(t, errors.Is(err, lanerr.LibraryInvalidParam))
	assert.ErrorIs(t, err, ErrTaskReused)
}

func TestAddTaskInvalid(t *testing.T) {
	h := newHarness(t, nil)
	assert.True(t, errors.Is(h.m.AddTask(nil), lanerr.LibraryInvalidParam))
	assert.True(t, errors.Is(h.m.AddTask(NewTask()), lanerr.LibraryInvalidParam))
	assert.True(t, errors.Is(h.m.AddTask(NewTask(nil)), lanerr.LibraryInvalidParam))
}

func TestAddTaskWhenNotOpen(t *testing.T) {
	h := newHarness(t, nil)

	task := NewTask(GetPropertyCommand("a"))
	failed := make(chan error, 1)
	task.OnFailure = func(_ *Task, err error) { failed <- err }

	err := h.m.AddTask(task)
	assert.True(t, errors.Is(err, lanerr.LanNotEnabled))
	select {
	case err := <-failed:
		assert.True(t, errors.Is(err, lanerr.LanNotEnabled))
	case <-time.After(time.Second):
		t.Fatal("no failure callback")
	}
}

func TestDeviceErrorFailsTaskOnly(t *testing.T) {
	h := newHarness(t, nil)
	h.activate()

	first, second := GetPropertyCommand("missing"), GetPropertyCommand("other")
	task := NewTask(first, second)
	require.NoError(t, h.m.AddTask(task))
	h.side.poll()

	h.side.respond(first.ID, http.StatusNotFound, map[string]string{})
	err := task.Wait(waitCtx(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, lanerr.DeviceResponseError))

	var lerr *lanerr.Error
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, http.StatusNotFound, lerr.Status)
	assert.Equal(t, first.ID, lerr.CommandID)

	assert.True(t, second.Done(), "remaining commands fail with the task")
	assert.Equal(t, StateActive, h.m.State())
}

func TestFireAndForgetCompletesOnDispatch(t *testing.T) {
	h := newHarness(t, nil)
	h.activate()

	cmd := StopAPCommand()
	var progress atomic.Int32
	cmd.OnProgress = func(_ *Command, dispatched bool) {
		if dispatched {
			progress.Add(1)
		}
	}
	task := NewTask(cmd)
	require.NoError(t, h.m.AddTask(task))

	_, data := h.side.poll()
	require.Len(t, data.Cmds, 1)
	require.NoError(t, task.Wait(waitCtx(t)))

	h.sync()
	assert.Equal(t, int32(1), progress.Load())
}

func TestNextTaskSignalledAfterFireAndForget(t *testing.T) {
	h := newHarness(t, nil)
	h.activate()

	require.NoError(t, h.m.AddTask(NewTask(StopAPCommand())))
	next := NewTask(GetPropertyCommand("a"))
	require.NoError(t, h.m.AddTask(next))

	resp, data := h.side.poll()
	assert.Equal(t, 1, data.Len())
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode, "next task is ready")

	_, data = h.side.poll()
	require.Len(t, data.Cmds, 1)
	assert.Equal(t, "property.json?name=a", data.Cmds[0].Cmd.Resource)
}

func TestSetPropertyResolvedByAck(t *testing.T) {
	h := newHarness(t, nil)
	h.activate()

	cmd := SetPropertyCommand(wire.Property{Name: "power", BaseType: "boolean", Value: json.RawMessage(`1`)}, "ack-1")
	task := NewTask(cmd)
	require.NoError(t, h.m.AddTask(task))

	_, data := h.side.poll()
	require.Len(t, data.Properties, 1)
	p := data.Properties[0].Property
	assert.Equal(t, "power", p.Name)
	assert.Equal(t, "ack-1", p.ID)
	assert.Empty(t, data.Cmds)

	resp := h.side.post(wire.PathDatapointAck, wire.DatapointAck{ID: "ack-1", Status: http.StatusOK, AckStatus: 1})
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, task.Wait(waitCtx(t)))

	h.sync()
	_, _, _, messages := h.rec.counts()
	assert.Equal(t, 1, messages)
}

func TestSetPropertyAckFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.activate()

	task := NewTask(SetNodePropertyCommand("node-1", wire.Property{Name: "power", Value: json.RawMessage(`0`)}, "ack-2"))
	require.NoError(t, h.m.AddTask(task))

	_, data := h.side.poll()
	require.Len(t, data.Properties, 1)
	assert.Equal(t, "node-1", data.Properties[0].Property.DSN)

	h.side.post(wire.PathNodeDatapointAck, wire.DatapointAck{ID: "ack-2", Status: http.StatusInternalServerError})
	err := task.Wait(waitCtx(t))
	assert.True(t, errors.Is(err, lanerr.DeviceResponseError))
}

func TestPropertyUpdatesNotMixedWithCommands(t *testing.T) {
	h := newHarness(t, nil)
	h.activate()

	task := NewTask(
		SetPropertyCommand(wire.Property{Name: "p", Value: json.RawMessage(`1`)}, ""),
		GetPropertyCommand("q"),
	)
	require.NoError(t, h.m.AddTask(task))

	resp, data := h.side.poll()
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Len(t, data.Properties, 1)
	assert.Empty(t, data.Cmds)

	_, data = h.side.poll()
	assert.Len(t, data.Cmds, 1)
	assert.Empty(t, data.Properties)
}

func TestUnknownCallbackDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	h.activate()

	resp := h.side.respond(999, http.StatusOK, map[string]int{"x": 1})
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	h.sync()

	_, _, _, messages := h.rec.counts()
	assert.Equal(t, 0, messages)
	assert.Equal(t, StateActive, h.m.State())
}
