package arrivals

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tidbyt.dev/arrivals/downloader"
	"tidbyt.dev/arrivals/model"
)

const (
	DefaultCheckPeriod      = 15 * time.Second
	DefaultWorkPeriod       = 30 * time.Second
	DefaultFailureThreshold = 2
)

// Reports whether the live feed is reachable. Must apply its own
// timeout.
type HealthProbe func(ctx context.Context) bool

// One fetch-and-decode cycle of the live feed. A returned error (or
// panic) counts as one work failure.
type RefreshWork func(ctx context.Context) error

type ListenerID uuid.UUID

func (id ListenerID) String() string {
	return uuid.UUID(id).String()
}

type ConnectionOptions struct {
	CheckPeriod time.Duration
	WorkPeriod  time.Duration

	// Consecutive failures of either the probe or the work
	// before going OFFLINE.
	FailureThreshold int

	TimeNow func() time.Time
}

type connectionListener struct {
	id ListenerID
	fn func(model.ConnectionState)
}

// Decides from health signals whether the live feed can be trusted,
// and drives the refresh cadence.
//
// The manager goes OFFLINE after FailureThreshold consecutive health
// probe failures, or as many consecutive work failures. A single
// probe success brings it back ONLINE. Work only runs while ONLINE.
type ConnectionManager struct {
	probe  HealthProbe
	work   RefreshWork
	opts   ConnectionOptions
	logger *zap.Logger

	state      atomic.Int32
	nextWorkAt atomic.Int64

	// Each counter is owned by its task's goroutine.
	healthFailures int
	workFailures   int

	// Serializes swap + notify so listeners see transitions in
	// order.
	transitionMutex sync.Mutex

	listenerMutex sync.Mutex
	listeners     []connectionListener

	lifecycleMutex sync.Mutex
	started        bool
	stopped        bool
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

// Creates a manager in the OFFLINE state. Zero valued options get
// defaults.
func NewConnectionManager(
	probe HealthProbe,
	work RefreshWork,
	opts ConnectionOptions,
	logger *zap.Logger,
) *ConnectionManager {
	if opts.CheckPeriod <= 0 {
		opts.CheckPeriod = DefaultCheckPeriod
	}
	if opts.WorkPeriod <= 0 {
		opts.WorkPeriod = DefaultWorkPeriod
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.TimeNow == nil {
		opts.TimeNow = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &ConnectionManager{
		probe:  probe,
		work:   work,
		opts:   opts,
		logger: logger,
	}
	m.state.Store(int32(model.Offline))

	return m
}

// Wraps downloader.Ping as a HealthProbe.
func NewHTTPHealthProbe(url string, headers map[string]string, timeout time.Duration) HealthProbe {
	return func(ctx context.Context) bool {
		return downloader.Ping(ctx, url, headers, timeout) == nil
	}
}

// Launches the health and work loops. Each runs once right away.
// Calling Start more than once, or after Stop, does nothing.
func (m *ConnectionManager) Start() {
	m.lifecycleMutex.Lock()
	defer m.lifecycleMutex.Unlock()

	if m.started || m.stopped {
		return
	}
	m.started = true

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(2)
	go m.loop(ctx, m.opts.CheckPeriod, m.checkHealth)
	go m.loop(ctx, m.opts.WorkPeriod, m.runWork)
}

// Stops both loops from re-arming. In-flight probe and work calls
// run to completion. Doesn't block; see Wait.
func (m *ConnectionManager) Stop() {
	m.lifecycleMutex.Lock()
	defer m.lifecycleMutex.Unlock()

	m.stopped = true
	if m.cancel != nil {
		m.cancel()
	}
}

// Blocks until both loops have exited.
func (m *ConnectionManager) Wait() {
	m.wg.Wait()
}

func (m *ConnectionManager) State() model.ConnectionState {
	return model.ConnectionState(m.state.Load())
}

// When the work task is next due. Updated on every tick, also while
// OFFLINE. Zero before the first tick.
func (m *ConnectionManager) NextWorkAt() time.Time {
	nanos := m.nextWorkAt.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Registers fn to be called with the new state on every transition.
func (m *ConnectionManager) AddListener(fn func(model.ConnectionState)) ListenerID {
	id := ListenerID(uuid.New())

	m.listenerMutex.Lock()
	defer m.listenerMutex.Unlock()

	m.listeners = append(m.listeners, connectionListener{id: id, fn: fn})
	return id
}

// Returns false if no such listener was registered.
func (m *ConnectionManager) RemoveListener(id ListenerID) bool {
	m.listenerMutex.Lock()
	defer m.listenerMutex.Unlock()

	for i, l := range m.listeners {
		if l.id == id {
			m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (m *ConnectionManager) loop(ctx context.Context, period time.Duration, task func(context.Context)) {
	defer m.wg.Done()

	// Stop must not abort the task itself.
	taskCtx := context.WithoutCancel(ctx)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		task(taskCtx)

		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *ConnectionManager) checkHealth(ctx context.Context) {
	if m.callProbe(ctx) {
		m.healthFailures = 0
		m.setState(model.Online)
		return
	}

	m.healthFailures++
	m.logger.Debug(
		"health check failed",
		zap.Int("consecutive", m.healthFailures),
		zap.Int("threshold", m.opts.FailureThreshold),
	)
	if m.healthFailures >= m.opts.FailureThreshold {
		m.setState(model.Offline)
	}
}

func (m *ConnectionManager) runWork(ctx context.Context) {
	m.nextWorkAt.Store(m.opts.TimeNow().Add(m.opts.WorkPeriod).UnixNano())

	if m.State() != model.Online {
		return
	}

	err := m.callWork(ctx)
	if err == nil {
		m.workFailures = 0
		return
	}

	m.workFailures++
	m.logger.Warn(
		"refresh failed",
		zap.Error(err),
		zap.Int("consecutive", m.workFailures),
		zap.Int("threshold", m.opts.FailureThreshold),
	)
	if m.workFailures >= m.opts.FailureThreshold {
		m.setState(model.Offline)
	}
}

func (m *ConnectionManager) callProbe(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health probe panicked", zap.Any("panic", r))
			ok = false
		}
	}()
	return m.probe(ctx)
}

func (m *ConnectionManager) callWork(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("work panicked: %v", r)
		}
	}()
	return m.work(ctx)
}

// Listeners only hear about actual changes.
func (m *ConnectionManager) setState(state model.ConnectionState) {
	m.transitionMutex.Lock()
	defer m.transitionMutex.Unlock()

	old := model.ConnectionState(m.state.Swap(int32(state)))
	if old == state {
		return
	}

	m.logger.Info(
		"connection state changed",
		zap.String("from", old.String()),
		zap.String("state", state.String()),
	)

	m.listenerMutex.Lock()
	listeners := make([]connectionListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenerMutex.Unlock()

	for _, l := range listeners {
		m.notify(l, state)
	}
}

func (m *ConnectionManager) notify(l connectionListener, state model.ConnectionState) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("listener panicked", zap.String("listener", l.id.String()), zap.Any("panic", r))
		}
	}()
	l.fn(state)
}
