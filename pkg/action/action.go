// Package action is the Action Execution Manager (spec.md §4.8): a
// poller that pulls pending action runs from the portal, a global queue
// plus one queue per partition key, and a round-robin worker pool that
// gives parallel execution across partitions (and the global queue)
// while serializing runs that share a partition key.
//
// Grounded on the teacher's pkg/diff.go Syncer.Run worker-pool shape
// (wg-tracked goroutines draining a channel, backoff-free here since
// retries are the executor's concern, not the manager's) generalized
// from one flat channel to a global channel plus one channel per
// partition key, with a round-robin claim loop enforcing exclusive
// access to a partition's channel while a worker holds it.
package action

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/port-labs/ocean-core/pkg/entity"
)

// Executor is an adapter-provided action implementation (spec.md §4.8).
type Executor interface {
	ActionName() string
	PartitionKey(run *entity.ActionRun) *string
	IsCloseToRateLimit(ctx context.Context) bool
	RemainingSecondsUntilRateLimit(ctx context.Context) float64
	Execute(ctx context.Context, run *entity.ActionRun) error
}

// StatusReporter is the subset of pkg/portal.Client the manager needs to
// report a failed run (a successful run is patched by the executor
// itself, per spec.md §4.8).
type StatusReporter interface {
	PatchRun(ctx context.Context, runID, status string, summary map[string]interface{}) error
}

// RunSource is the subset of pkg/portal.Client the poller needs.
type RunSource interface {
	PollActionRuns(ctx context.Context, integrationID string, since *time.Time) ([]*entity.ActionRun, error)
}

// RateLimitSleepCap bounds how long the manager ever sleeps for a single
// rate-limit check, regardless of what the executor reports (spec.md
// §4.8, SPEC_FULL §9 Open Question resolution).
const RateLimitSleepCap = 10 * time.Second

// Config configures a Manager. Zero values fall back to the documented
// spec.md §4.8 defaults.
type Config struct {
	IntegrationID           string
	WorkersCount            int
	PollCheckInterval       time.Duration
	RunsBufferHighWatermark int
	MaxWaitBeforeShutdown   time.Duration
}

const (
	defaultWorkersCount            = 4
	defaultPollCheckInterval       = 5 * time.Second
	defaultRunsBufferHighWatermark = 200
	defaultMaxWaitBeforeShutdown   = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.WorkersCount <= 0 {
		c.WorkersCount = defaultWorkersCount
	}
	if c.PollCheckInterval <= 0 {
		c.PollCheckInterval = defaultPollCheckInterval
	}
	if c.RunsBufferHighWatermark <= 0 {
		c.RunsBufferHighWatermark = defaultRunsBufferHighWatermark
	}
	if c.MaxWaitBeforeShutdown <= 0 {
		c.MaxWaitBeforeShutdown = defaultMaxWaitBeforeShutdown
	}
	return c
}

const globalLane = ""

// Manager dispatches action runs to registered executors. The zero value
// is not ready to use; construct with New.
type Manager struct {
	executors map[string]Executor
	reporter  StatusReporter
	source    RunSource
	cfg       Config

	mu              sync.Mutex
	cond            *sync.Cond
	globalQueue     []*entity.ActionRun
	partitionQueues map[string][]*entity.ActionRun
	busy            map[string]bool
	tracked         map[string]bool // dedup: run IDs currently queued or in-progress
	rrCursor        int

	since        *time.Time
	stopPoll     chan struct{}
	shuttingDown bool

	wg sync.WaitGroup
}

// New constructs a Manager. executors is keyed by Executor.ActionName.
func New(executors []Executor, reporter StatusReporter, source RunSource, cfg Config) *Manager {
	byName := make(map[string]Executor, len(executors))
	for _, e := range executors {
		byName[e.ActionName()] = e
	}
	m := &Manager{
		executors:       byName,
		reporter:        reporter,
		source:          source,
		cfg:             cfg.withDefaults(),
		partitionQueues: map[string][]*entity.ActionRun{},
		busy:            map[string]bool{},
		tracked:         map[string]bool{},
		stopPoll:        make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Start launches the poller and the worker pool. It returns immediately;
// call Shutdown to stop.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.pollLoop(ctx)

	for i := 0; i < m.cfg.WorkersCount; i++ {
		m.wg.Add(1)
		go m.workerLoop(ctx)
	}
}

func (m *Manager) pollLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PollCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopPoll:
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

func (m *Manager) pollOnce(ctx context.Context) {
	if m.pendingCount() >= m.cfg.RunsBufferHighWatermark {
		return
	}

	runs, err := m.source.PollActionRuns(ctx, m.cfg.IntegrationID, m.since)
	if err != nil {
		return
	}
	now := time.Now()
	m.since = &now

	for _, run := range runs {
		m.Enqueue(run)
	}
}

// pendingCount sums runs sitting in every queue plus runs currently
// in-progress (tracked but not queued).
func (m *Manager) pendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracked)
}

// Enqueue adds run to the global queue, or to its partition's queue if
// its executor assigns one. Runs already tracked (queued or in-progress)
// are skipped (spec.md §4.8 poller dedup).
func (m *Manager) Enqueue(run *entity.ActionRun) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tracked[run.ID] {
		return
	}
	m.tracked[run.ID] = true

	exec, ok := m.executors[run.ActionName]
	var key string
	if ok {
		if pk := exec.PartitionKey(run); pk != nil {
			key = *pk
		}
	}

	if key == globalLane {
		m.globalQueue = append(m.globalQueue, run)
	} else {
		m.partitionQueues[key] = append(m.partitionQueues[key], run)
	}
	m.cond.Broadcast()
}

// lanes returns the global lane followed by every partition key that has
// ever been enqueued (empty queues included), sorted for deterministic
// round-robin ordering in tests.
func (m *Manager) lanes() []string {
	keys := make([]string, 0, len(m.partitionQueues))
	for k := range m.partitionQueues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return append([]string{globalLane}, keys...)
}

// claim picks the next eligible lane starting from the round-robin
// cursor, pops one run off it, and (for a partition lane) marks it busy
// so no other worker touches it concurrently. Returns ok=false if no
// lane currently has claimable work.
func (m *Manager) claim() (lane string, run *entity.ActionRun, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lanes := m.lanes()
	if len(lanes) == 0 {
		return "", nil, false
	}

	for i := 0; i < len(lanes); i++ {
		idx := (m.rrCursor + i) % len(lanes)
		candidate := lanes[idx]

		if candidate == globalLane {
			if len(m.globalQueue) == 0 {
				continue
			}
			run = m.globalQueue[0]
			m.globalQueue = m.globalQueue[1:]
			m.rrCursor = idx + 1
			return globalLane, run, true
		}

		if m.busy[candidate] || len(m.partitionQueues[candidate]) == 0 {
			continue
		}
		q := m.partitionQueues[candidate]
		run = q[0]
		m.partitionQueues[candidate] = q[1:]
		m.busy[candidate] = true
		m.rrCursor = idx + 1
		return candidate, run, true
	}

	return "", nil, false
}

func (m *Manager) release(lane string) {
	m.mu.Lock()
	if lane != globalLane {
		m.busy[lane] = false
	}
	m.mu.Unlock()
	m.cond.Broadcast()
}

func (m *Manager) untrack(runID string) {
	m.mu.Lock()
	delete(m.tracked, runID)
	m.mu.Unlock()
}

// QueueDepths returns how many runs are currently queued (not yet
// claimed) per lane, keyed the same way pkg/metrics expects: the global
// lane under the empty string, every other lane under its partition key.
// Exposed so a metrics ticker in the composition root can sample it
// without reaching into Manager's unexported fields.
func (m *Manager) QueueDepths() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	depths := make(map[string]int, len(m.partitionQueues)+1)
	depths[globalLane] = len(m.globalQueue)
	for key, q := range m.partitionQueues {
		depths[key] = len(q)
	}
	return depths
}

func (m *Manager) isShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}

// Healthy reports whether the manager is still accepting and executing
// runs, for pkg/httpserver's /health endpoint.
func (m *Manager) Healthy() bool {
	return !m.isShuttingDown()
}

func (m *Manager) workerLoop(ctx context.Context) {
	defer m.wg.Done()

	for {
		lane, run, ok := m.claim()
		if !ok {
			if m.isShuttingDown() {
				return
			}
			m.waitForWork(ctx)
			if ctx.Err() != nil {
				return
			}
			continue
		}

		m.execute(ctx, run)
		m.release(lane)
		m.untrack(run.ID)

		if m.isShuttingDown() {
			return
		}
	}
}

// waitForWork blocks until the manager broadcasts (new work enqueued or a
// lane released) or ctx is canceled.
func (m *Manager) waitForWork(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		m.mu.Lock()
		m.cond.Wait()
		m.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Wake the waiting goroutine so it doesn't leak; workerLoop checks
		// ctx.Err() as soon as this returns.
		m.cond.Broadcast()
		<-done
	case <-time.After(m.cfg.PollCheckInterval):
		m.cond.Broadcast()
		<-done
	}
}

func (m *Manager) execute(ctx context.Context, run *entity.ActionRun) {
	exec, ok := m.executors[run.ActionName]
	if !ok {
		_ = m.reporter.PatchRun(ctx, run.ID, string(entity.ActionFailure), map[string]interface{}{
			"error": fmt.Sprintf("no executor registered for action %q", run.ActionName),
		})
		return
	}

	for exec.IsCloseToRateLimit(ctx) {
		wait := time.Duration(math.Min(exec.RemainingSecondsUntilRateLimit(ctx), RateLimitSleepCap.Seconds())) * time.Second
		if wait <= 0 {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}

	if err := exec.Execute(ctx, run); err != nil {
		_ = m.reporter.PatchRun(ctx, run.ID, string(entity.ActionFailure), map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// Shutdown stops the poller and asks every worker to finish its current
// run and exit, waiting up to cfg.MaxWaitBeforeShutdown before abandoning
// whatever hasn't finished (spec.md §4.8).
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shuttingDown = true
	m.mu.Unlock()
	close(m.stopPoll)
	m.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(m.cfg.MaxWaitBeforeShutdown):
	}
}
