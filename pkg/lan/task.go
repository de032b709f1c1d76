package lan

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lanmode/lanmode-go/pkg/lanerr"
)

// DefaultTaskTimeout bounds a task that sets no timeout.
const DefaultTaskTimeout = 5 * time.Second

// ErrTaskReused is returned when a task is added twice.
var ErrTaskReused = errors.New("task already added")

// Task is an ordered group of commands that succeeds when every command
// has completed and fails on the first command failure, timeout or
// cancellation. Exactly one of OnSuccess and OnFailure is called.
type Task struct {
	Commands []*Command

	// Timeout bounds the task from the moment it is added.
	// Zero selects the module default.
	Timeout time.Duration

	OnSuccess func(t *Task)
	OnFailure func(t *Task, err error)

	once sync.Once
	done chan struct{}
	err  error

	mu        sync.Mutex
	module    *Module
	added     bool
	cancelled bool
	timer     *time.Timer
}

// NewTask creates a task for the given commands.
func NewTask(cmds ...*Command) *Task {
	return &Task{Commands: cmds, done: make(chan struct{})}
}

func (t *Task) init() {
	t.mu.Lock()
	if t.done == nil {
		t.done = make(chan struct{})
	}
	t.mu.Unlock()
}

// Done is closed once the task has a terminal result.
func (t *Task) Done() <-chan struct{} {
	t.init()
	return t.done
}

// Err returns the terminal failure, or nil on success or while running.
func (t *Task) Err() error {
	select {
	case <-t.Done():
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.Done():
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel fails the task with Cancelled. Responses arriving afterwards are
// discarded.
func (t *Task) Cancel() {
	t.mu.Lock()
	m := t.module
	if m == nil {
		t.cancelled = true
	}
	t.mu.Unlock()

	if m != nil {
		m.post(func() { m.cancelTask(t, lanerr.New(lanerr.Cancelled, "cancel task")) })
	}
}

// attach binds the task to m. It fails if the task was added before.
func (t *Task) attach(m *Module) (cancelled bool, err error) {
	t.init()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.added {
		return false, ErrTaskReused
	}
	t.added = true
	t.module = m
	return t.cancelled, nil
}

// resolve records the terminal result. Only the first call has effect.
func (t *Task) resolve(err error) bool {
	first := false
	t.once.Do(func() {
		first = true
		t.err = err
		t.mu.Lock()
		if t.timer != nil {
			t.timer.Stop()
		}
		t.mu.Unlock()
		close(t.done)
	})
	return first
}

func (t *Task) resolved() bool {
	select {
	case <-t.Done():
		return true
	default:
		return false
	}
}

func (t *Task) setTimer(timer *time.Timer) {
	t.mu.Lock()
	t.timer = timer
	t.mu.Unlock()
}

// complete reports whether every command has completed.
func (t *Task) complete() bool {
	for _, c := range t.Commands {
		if !c.Done() {
			return false
		}
	}
	return true
}

// undispatched returns the commands not yet handed to the device, in order.
func (t *Task) undispatched() []*Command {
	var out []*Command
	for _, c := range t.Commands {
		if !c.Dispatched() {
			out = append(out, c)
		}
	}
	return out
}
