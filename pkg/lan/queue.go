package lan

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/lanmode/lanmode-go/pkg/lanerr"
	"github.com/lanmode/lanmode-go/pkg/log"
	"github.com/lanmode/lanmode-go/pkg/router"
	"github.com/lanmode/lanmode-go/pkg/wire"
)

// AddTask queues t behind all earlier tasks. The result is delivered through
// the task callbacks and Done; a session that is not open fails the task
// immediately and the error is also returned.
func (m *Module) AddTask(t *Task) error {
	if t == nil || len(t.Commands) == 0 {
		return lanerr.New(lanerr.LibraryInvalidParam, "add task: no commands")
	}
	for _, c := range t.Commands {
		if c == nil {
			return lanerr.New(lanerr.LibraryInvalidParam, "add task: nil command")
		}
	}
	cancelled, err := t.attach(m)
	if err != nil {
		return lanerr.Wrap(lanerr.LibraryInvalidParam, "add task", err)
	}

	var res error
	if cerr := m.call(func() { res = m.addTask(t, cancelled) }); cerr != nil {
		// The callback queue is gone with the module, so report inline.
		err := lanerr.Wrap(lanerr.Cancelled, "add task", cerr)
		if t.resolve(err) && t.OnFailure != nil {
			t.OnFailure(t, err)
		}
		return cerr
	}
	return res
}

func (m *Module) addTask(t *Task, cancelled bool) error {
	if cancelled {
		m.failTask(t, lanerr.New(lanerr.Cancelled, "task cancelled before add"))
		return nil
	}
	if !m.state.Open() {
		err := lanerr.New(lanerr.LanNotEnabled, "add task: session "+m.state.String())
		m.failTask(t, err)
		return err
	}

	for _, c := range t.Commands {
		m.nextCmdID++
		c.ID = m.nextCmdID
		c.task = t
		if c.Type == CommandProperty && c.NeedsResponse && c.Identifier == "" {
			c.Identifier = strconv.FormatUint(uint64(c.ID), 10)
		}
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = m.config.TaskTimeout
	}
	t.setTimer(time.AfterFunc(timeout, func() {
		m.post(func() { m.timeoutTask(t) })
	}))

	m.tasks = append(m.tasks, t)
	m.logTask(t, "QUEUED", nil)

	if m.state == StateActive && len(m.tasks) == 1 {
		m.sendRegistration(1)
	}
	return nil
}

// PendingTasks returns the number of queued tasks.
func (m *Module) PendingTasks() int {
	n := 0
	_ = m.call(func() { n = len(m.tasks) })
	return n
}

func (m *Module) handleRequest(req *router.Request) *router.Response {
	if !m.state.Open() {
		return nil
	}

	var dec wire.Decrypter
	if m.enc != nil {
		dec = m.enc
	}
	msg, err := wire.MessageFromRequest(req, dec)
	if err != nil {
		if errors.Is(err, wire.ErrNoSession) {
			// Sealed traffic before a key exchange: ask the device to rekey.
			return router.EmptyResponse(http.StatusPreconditionFailed)
		}
		m.fail(err)
		return nil
	}
	m.logMessage(req, log.DirectionIn, msg.Type, msg.CmdID(), msg.Status(), 0, msg.JSON)

	switch msg.Type {
	case wire.TypeKeyExchange:
		return m.handleKeyExchange(req, msg)
	case wire.TypeCommands:
		return m.handlePoll(req)
	}

	if m.enc == nil {
		return router.EmptyResponse(http.StatusPreconditionFailed)
	}
	switch {
	case msg.Type == wire.TypeDatapointAck:
		if err := m.handleAck(msg); err != nil {
			m.fail(err)
			return nil
		}
	case msg.IsCallback():
		m.handleCallback(msg)
	default:
		m.emit(func(d Delegate) { d.DidReceiveMessage(m, msg) })
	}
	return router.EmptyResponse(http.StatusOK)
}

// handlePoll answers a device poll with the next commands of the head task.
func (m *Module) handlePoll(req *router.Request) *router.Response {
	if m.enc == nil {
		return router.EmptyResponse(http.StatusPreconditionFailed)
	}
	if m.keepalive != nil {
		m.keepalive.PollReceived()
	}
	if m.state == StateOpening {
		m.setState(StateActive, "first poll")
		m.startKeepAlive()
		m.emit(func(d Delegate) { d.DidEstablishSession(m) })
	}

	data, more := m.nextCommands()
	status := http.StatusOK
	if more {
		status = http.StatusPartialContent
	}
	if data.Len() == 0 {
		m.logMessage(req, log.DirectionOut, wire.TypeCommands, 0, status, 0, nil)
		return router.EmptyResponse(status)
	}

	body, err := wire.CommandToRequestBody(data, m.enc)
	if err != nil {
		m.fail(err)
		return nil
	}
	payload, _ := json.Marshal(data)
	m.logMessage(req, log.DirectionOut, wire.TypeCommands, 0, status, data.Len(), payload)
	return router.JSONResponse(status, body)
}

// nextCommands dispatches up to MaxCommandsPerPoll undispatched commands of
// the head task. Commands and property updates are never mixed in one
// response. more reports whether the device can fetch further commands.
func (m *Module) nextCommands() (data wire.PollData, more bool) {
	head := m.head()
	if head == nil {
		return data, false
	}

	pending := head.undispatched()
	n := 0
	for _, c := range pending {
		if n == m.config.MaxCommandsPerPoll || (n > 0 && c.pollKind() != pending[0].pollKind()) {
			break
		}
		m.dispatch(c, &data)
		n++
	}

	more = len(pending) > n
	if head.resolved() && m.head() != nil {
		more = true
	}
	return data, more
}

func (m *Module) dispatch(c *Command, data *wire.PollData) {
	c.markDispatched()
	c.pollEntry(data)

	if cb := c.OnProgress; cb != nil {
		m.callbacks.push(func() { cb(c, true) })
	}
	if c.NeedsResponse {
		m.inflight[c.ID] = c
		return
	}
	m.completeCommand(c, nil, nil)
}

func (m *Module) head() *Task {
	if len(m.tasks) == 0 {
		return nil
	}
	return m.tasks[0]
}

// handleCallback correlates a device response with its in-flight command.
// Responses for unknown, timed out or cancelled commands are dropped.
func (m *Module) handleCallback(msg *wire.Message) {
	id := msg.CmdID()
	c, ok := m.inflight[id]
	if !ok {
		m.debugLog("lan: discarding response", "dsn", m.device.DSN(), "cmd_id", id)
		return
	}

	if st := msg.Status(); st >= http.StatusBadRequest {
		e := lanerr.New(lanerr.DeviceResponseError, "command")
		e.Status = st
		e.CommandID = id
		m.completeCommand(c, msg.JSON, e)
		return
	}
	m.completeCommand(c, msg.JSON, nil)
}

// handleAck resolves the property update a datapoint ack refers to.
func (m *Module) handleAck(msg *wire.Message) error {
	var ack wire.DatapointAck
	if err := msg.Decode(&ack); err != nil {
		return err
	}

	var target *Command
	for _, c := range m.inflight {
		if c.Identifier != "" && c.Identifier == ack.ID {
			target = c
			break
		}
	}
	if target != nil {
		var err error
		if ack.Status >= http.StatusBadRequest {
			e := lanerr.New(lanerr.DeviceResponseError, "datapoint ack")
			e.Status = ack.Status
			e.CommandID = target.ID
			err = e
		}
		m.completeCommand(target, msg.JSON, err)
	} else {
		m.debugLog("lan: unmatched datapoint ack", "dsn", m.device.DSN(), "id", ack.ID)
	}

	m.emit(func(d Delegate) { d.DidReceiveMessage(m, msg) })
	return nil
}

// completeCommand records a command result and settles its task.
func (m *Module) completeCommand(c *Command, resp json.RawMessage, err error) {
	if !c.finish(resp, err, false) {
		return
	}
	delete(m.inflight, c.ID)
	if cb := c.OnComplete; cb != nil {
		m.callbacks.push(func() { cb(c, resp, err) })
	}

	t := c.task
	if t == nil || t.resolved() {
		return
	}
	if err != nil {
		m.failTask(t, err)
		return
	}
	if t.complete() {
		m.resolveTask(t, nil)
	}
}

func (m *Module) timeoutTask(t *Task) {
	if t.resolved() {
		return
	}
	m.debugLog("lan: task timed out", "dsn", m.device.DSN())
	m.failTask(t, lanerr.New(lanerr.TimedOut, "task"))
}

func (m *Module) cancelTask(t *Task, err error) {
	if t.resolved() {
		return
	}
	m.failTask(t, err)
}

// failTask fails every unfinished command of t and then t itself.
func (m *Module) failTask(t *Task, err error) {
	cancelled := lanerr.CodeOf(err) == lanerr.Cancelled
	for _, c := range t.Commands {
		if c.task == t {
			delete(m.inflight, c.ID)
		}
		if c.finish(nil, err, cancelled) {
			if cb := c.OnComplete; cb != nil {
				m.callbacks.push(func() { cb(c, nil, err) })
			}
		}
	}
	m.resolveTask(t, err)
}

func (m *Module) resolveTask(t *Task, err error) {
	if !t.resolve(err) {
		return
	}
	wasHead := m.head() == t
	m.removeTask(t)

	if err != nil {
		m.logTask(t, "FAILED", err)
		if cb := t.OnFailure; cb != nil {
			m.callbacks.push(func() { cb(t, err) })
		}
	} else {
		m.logTask(t, "SUCCEEDED", nil)
		if cb := t.OnSuccess; cb != nil {
			m.callbacks.push(func() { cb(t) })
		}
	}

	if wasHead && m.state == StateActive && len(m.tasks) > 0 {
		m.sendRegistration(1)
	}
}

func (m *Module) removeTask(t *Task) {
	for i, cur := range m.tasks {
		if cur == t {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			return
		}
	}
}
