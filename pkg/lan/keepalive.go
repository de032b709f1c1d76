package lan

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxMissedPolls is the number of keepalive ticks without a device
// poll after which the session is considered lost.
const DefaultMaxMissedPolls = 1

// KeepAliveConfig configures session liveness monitoring.
type KeepAliveConfig struct {
	// Interval between keepalive ticks.
	Interval time.Duration

	// MaxMissedPolls is the number of consecutive ticks without a poll
	// before onTimeout fires.
	MaxMissedPolls int
}

// KeepAlive watches device polls. On every tick it either refreshes the
// registration (a poll was seen since the previous tick) or counts a miss.
type KeepAlive struct {
	config KeepAliveConfig

	refresh   func(seq uint32)
	onTimeout func()

	sequence atomic.Uint32
	pollSeen atomic.Bool

	mu           sync.Mutex
	missedPolls  int
	lastTick     time.Time
	lastPollTime time.Time
	running      bool
	stopCh       chan struct{}
}

// NewKeepAlive creates a keepalive monitor.
func NewKeepAlive(config KeepAliveConfig, refresh func(seq uint32), onTimeout func()) *KeepAlive {
	if config.Interval <= 0 {
		config.Interval = DefaultKeepAlive
	}
	if config.MaxMissedPolls <= 0 {
		config.MaxMissedPolls = DefaultMaxMissedPolls
	}
	return &KeepAlive{
		config:    config,
		refresh:   refresh,
		onTimeout: onTimeout,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the monitoring loop.
func (ka *KeepAlive) Start(ctx context.Context) {
	ka.mu.Lock()
	if ka.running {
		ka.mu.Unlock()
		return
	}
	ka.running = true
	ka.stopCh = make(chan struct{})
	ka.missedPolls = 0
	stop := ka.stopCh
	ka.mu.Unlock()

	ka.pollSeen.Store(false)
	go ka.loop(ctx, stop)
}

// Stop stops monitoring. It is safe to call more than once.
func (ka *KeepAlive) Stop() {
	ka.mu.Lock()
	defer ka.mu.Unlock()

	if !ka.running {
		return
	}
	ka.running = false
	close(ka.stopCh)
}

// PollReceived records a device poll.
func (ka *KeepAlive) PollReceived() {
	ka.pollSeen.Store(true)
	ka.mu.Lock()
	ka.lastPollTime = time.Now()
	ka.mu.Unlock()
}

// IsRunning reports whether monitoring is active.
func (ka *KeepAlive) IsRunning() bool {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return ka.running
}

// KeepAliveStats contains keepalive statistics.
type KeepAliveStats struct {
	LastTick     time.Time
	LastPollTime time.Time
	MissedPolls  int
	CurrentSeq   uint32
}

// Stats returns current keepalive statistics.
func (ka *KeepAlive) Stats() KeepAliveStats {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return KeepAliveStats{
		LastTick:     ka.lastTick,
		LastPollTime: ka.lastPollTime,
		MissedPolls:  ka.missedPolls,
		CurrentSeq:   ka.sequence.Load(),
	}
}

func (ka *KeepAlive) loop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(ka.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if !ka.handleTick() {
				return
			}
		}
	}
}

// handleTick returns false once the session has timed out.
func (ka *KeepAlive) handleTick() bool {
	seen := ka.pollSeen.Swap(false)

	ka.mu.Lock()
	ka.lastTick = time.Now()
	if !seen {
		ka.missedPolls++
		if ka.missedPolls >= ka.config.MaxMissedPolls {
			ka.running = false
			close(ka.stopCh)
			ka.mu.Unlock()
			if ka.onTimeout != nil {
				ka.onTimeout()
			}
			return false
		}
		ka.mu.Unlock()
		return true
	}
	ka.missedPolls = 0
	ka.mu.Unlock()

	if ka.refresh != nil {
		ka.refresh(ka.sequence.Add(1))
	}
	return true
}
