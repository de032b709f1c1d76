package lan

import (
	"sync"

	"github.com/lanmode/lanmode-go/pkg/wire"
)

// Delegate receives session lifecycle and unsolicited device messages.
// Calls are made from a single goroutine per module, in event order, and
// never while the module holds internal state.
type Delegate interface {
	DidEstablishSession(m *Module)
	DidReceiveMessage(m *Module, msg *wire.Message)
	DidFail(m *Module, err error)
	DidDisableSession(m *Module)
}

// Observers fans delegate calls out to any number of registered delegates.
// The zero value is ready to use.
type Observers struct {
	mu        sync.RWMutex
	delegates []Delegate
}

// Add registers d.
func (o *Observers) Add(d Delegate) {
	if d == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delegates = append(o.delegates, d)
}

// Remove unregisters d. Delegates that are compared by Remove must be
// comparable, such as pointers.
func (o *Observers) Remove(d Delegate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, cur := range o.delegates {
		if cur == d {
			o.delegates = append(o.delegates[:i], o.delegates[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered delegates.
func (o *Observers) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.delegates)
}

func (o *Observers) snapshot() []Delegate {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]Delegate(nil), o.delegates...)
}

// DidEstablishSession notifies every delegate registered at call time.
func (o *Observers) DidEstablishSession(m *Module) {
	for _, d := range o.snapshot() {
		d.DidEstablishSession(m)
	}
}

// DidReceiveMessage forwards msg to every delegate.
func (o *Observers) DidReceiveMessage(m *Module, msg *wire.Message) {
	for _, d := range o.snapshot() {
		d.DidReceiveMessage(m, msg)
	}
}

// DidFail forwards err to every delegate.
func (o *Observers) DidFail(m *Module, err error) {
	for _, d := range o.snapshot() {
		d.DidFail(m, err)
	}
}

// DidDisableSession notifies every delegate.
func (o *Observers) DidDisableSession(m *Module) {
	for _, d := range o.snapshot() {
		d.DidDisableSession(m)
	}
}

var _ Delegate = (*Observers)(nil)

// DelegateFuncs adapts plain functions to Delegate. Nil fields are skipped.
type DelegateFuncs struct {
	Established func(m *Module)
	Message     func(m *Module, msg *wire.Message)
	Failed      func(m *Module, err error)
	Disabled    func(m *Module)
}

// DidEstablishSession calls Established.
func (f DelegateFuncs) DidEstablishSession(m *Module) {
	if f.Established != nil {
		f.Established(m)
	}
}

// DidReceiveMessage calls Message.
func (f DelegateFuncs) DidReceiveMessage(m *Module, msg *wire.Message) {
	if f.Message != nil {
		f.Message(m, msg)
	}
}

// DidFail calls Failed.
func (f DelegateFuncs) DidFail(m *Module, err error) {
	if f.Failed != nil {
		f.Failed(m, err)
	}
}

// DidDisableSession calls Disabled.
func (f DelegateFuncs) DidDisableSession(m *Module) {
	if f.Disabled != nil {
		f.Disabled(m)
	}
}

var _ Delegate = DelegateFuncs{}

// callbackQueue runs callbacks in order on its own goroutine. Pushing never
// blocks.
type callbackQueue struct {
	mu      sync.Mutex
	pending []func()
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newCallbackQueue() *callbackQueue {
	q := &callbackQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *callbackQueue) push(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close drains the queued callbacks and stops the goroutine.
func (q *callbackQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
}

func (q *callbackQueue) run() {
	defer close(q.done)
	for range q.wake {
		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				closed := q.closed
				q.mu.Unlock()
				if closed {
					return
				}
				break
			}
			fn := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mu.Unlock()
			fn()
		}
	}
}
