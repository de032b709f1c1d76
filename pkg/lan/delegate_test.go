package lan

import (
	"sync"
	"testing"

	"github.com/lanmode/lanmode-go/pkg/wire"
	"github.com/stretchr/testify/assert"
)

func TestObserversRemoveDuringNotify(t *testing.T) {
	var obs Observers
	var calls []string

	second := &DelegateFuncs{Failed: func(*Module, error) { calls = append(calls, "second") }}
	first := &DelegateFuncs{Failed: func(*Module, error) {
		calls = append(calls, "first")
		obs.Remove(second)
	}}

	obs.Add(first)
	obs.Add(second)
	obs.Add(nil)
	assert.Equal(t, 2, obs.Len())

	obs.DidFail(nil, assert.AnError)
	assert.Equal(t, []string{"first", "second"}, calls, "removal applies from the next notification")

	calls = nil
	obs.DidFail(nil, assert.AnError)
	assert.Equal(t, []string{"first"}, calls)
}

func TestDelegateFuncsSkipNil(t *testing.T) {
	var f DelegateFuncs
	f.DidEstablishSession(nil)
	f.DidReceiveMessage(nil, &wire.Message{})
	f.DidFail(nil, assert.AnError)
	f.DidDisableSession(nil)
}

func TestCallbackQueueOrder(t *testing.T) {
	q := newCallbackQueue()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		q.push(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	q.close()
	q.push(func() { t.Error("callback after close") })

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}
