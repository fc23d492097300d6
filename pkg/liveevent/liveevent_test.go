package liveevent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/port-labs/ocean-core/pkg/entity"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	applied []HandleResult
	err     error
}

func (s *recordingSink) ApplyTargeted(_ context.Context, _ *entity.ResourceConfig, result HandleResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.applied = append(s.applied, result)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

type stubProcessor struct {
	should     bool
	kinds      []string
	authOK     bool
	validateOK bool
	handle     func(ev *Event, rc *entity.ResourceConfig) (HandleResult, error)
}

func (p *stubProcessor) ShouldProcessEvent(_ context.Context, _ *Event) bool { return p.should }
func (p *stubProcessor) GetMatchingKinds(_ context.Context, _ *Event) []string {
	return p.kinds
}
func (p *stubProcessor) Authenticate(_ context.Context, _ *Event) bool    { return p.authOK }
func (p *stubProcessor) ValidatePayload(_ context.Context, _ *Event) bool { return p.validateOK }
func (p *stubProcessor) HandleEvent(_ context.Context, ev *Event, rc *entity.ResourceConfig) (HandleResult, error) {
	return p.handle(ev, rc)
}

func rcFor(kind string) *entity.ResourceConfig {
	return &entity.ResourceConfig{Kind: kind}
}

func TestEnqueueAndHandleAppliesResult(t *testing.T) {
	require := require.New(t)

	sink := &recordingSink{}
	rc := rcFor("project")
	rt := New(sink, map[string][]*entity.ResourceConfig{"project": {rc}}, RetryPolicy{})

	proc := &stubProcessor{
		should: true, kinds: []string{"project"}, authOK: true, validateOK: true,
		handle: func(ev *Event, rc *entity.ResourceConfig) (HandleResult, error) {
			return HandleResult{Updated: []entity.RawRecord{{"id": "p1"}}}, nil
		},
	}
	rt.RegisterProcessor("/webhooks/project", proc)

	require.NoError(rt.Enqueue(&Event{Path: "/webhooks/project", Payload: map[string]interface{}{}}))

	require.Eventually(func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)
	rt.Shutdown(time.Second)
}

func TestEnqueueRejectsUnregisteredPath(t *testing.T) {
	require := require.New(t)

	rt := New(&recordingSink{}, nil, RetryPolicy{})
	err := rt.Enqueue(&Event{Path: "/nope"})
	require.ErrorIs(err, ErrUnregisteredPath)
}

func TestShouldProcessEventFalseSkipsHandling(t *testing.T) {
	require := require.New(t)

	sink := &recordingSink{}
	rc := rcFor("project")
	rt := New(sink, map[string][]*entity.ResourceConfig{"project": {rc}}, RetryPolicy{})

	proc := &stubProcessor{should: false}
	rt.RegisterProcessor("/webhooks/project", proc)

	require.NoError(rt.Enqueue(&Event{Path: "/webhooks/project"}))
	time.Sleep(20 * time.Millisecond)
	require.Equal(0, sink.count())
	rt.Shutdown(time.Second)
}

func TestAuthenticateFalseDropsEvent(t *testing.T) {
	require := require.New(t)

	sink := &recordingSink{}
	rc := rcFor("project")
	rt := New(sink, map[string][]*entity.ResourceConfig{"project": {rc}}, RetryPolicy{})

	proc := &stubProcessor{should: true, kinds: []string{"project"}, authOK: false}
	rt.RegisterProcessor("/webhooks/project", proc)

	require.NoError(rt.Enqueue(&Event{Path: "/webhooks/project"}))
	time.Sleep(20 * time.Millisecond)
	require.Equal(0, sink.count())
	rt.Shutdown(time.Second)
}

func TestValidatePayloadFalseDropsEvent(t *testing.T) {
	require := require.New(t)

	sink := &recordingSink{}
	rc := rcFor("project")
	rt := New(sink, map[string][]*entity.ResourceConfig{"project": {rc}}, RetryPolicy{})

	proc := &stubProcessor{should: true, kinds: []string{"project"}, authOK: true, validateOK: false}
	rt.RegisterProcessor("/webhooks/project", proc)

	require.NoError(rt.Enqueue(&Event{Path: "/webhooks/project"}))
	time.Sleep(20 * time.Millisecond)
	require.Equal(0, sink.count())
	rt.Shutdown(time.Second)
}

func TestHandleEventRetriesThenSucceeds(t *testing.T) {
	require := require.New(t)

	sink := &recordingSink{}
	rc := rcFor("project")
	rt := New(sink, map[string][]*entity.ResourceConfig{"project": {rc}}, RetryPolicy{
		MaxRetries:      3,
		InitialDelay:    time.Millisecond,
		ExponentialBase: 2,
		MaxDelay:        10 * time.Millisecond,
	})

	var attempts int
	var mu sync.Mutex
	proc := &stubProcessor{
		should: true, kinds: []string{"project"}, authOK: true, validateOK: true,
		handle: func(ev *Event, rc *entity.ResourceConfig) (HandleResult, error) {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n < 2 {
				return HandleResult{}, errors.New("transient")
			}
			return HandleResult{Updated: []entity.RawRecord{{"id": "p1"}}}, nil
		},
	}
	rt.RegisterProcessor("/webhooks/project", proc)

	require.NoError(rt.Enqueue(&Event{Path: "/webhooks/project"}))
	require.Eventually(func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)

	mu.Lock()
	require.Equal(2, attempts)
	mu.Unlock()
	rt.Shutdown(time.Second)
}

func TestOrderingPreservedPerPath(t *testing.T) {
	require := require.New(t)

	sink := &recordingSink{}
	rc := rcFor("project")
	rt := New(sink, map[string][]*entity.ResourceConfig{"project": {rc}}, RetryPolicy{})

	var order []string
	var mu sync.Mutex
	proc := &stubProcessor{
		should: true, kinds: []string{"project"}, authOK: true, validateOK: true,
		handle: func(ev *Event, rc *entity.ResourceConfig) (HandleResult, error) {
			mu.Lock()
			order = append(order, ev.EventID)
			mu.Unlock()
			return HandleResult{}, nil
		},
	}
	rt.RegisterProcessor("/webhooks/project", proc)

	for _, id := range []string{"e1", "e2", "e3"} {
		require.NoError(rt.Enqueue(&Event{Path: "/webhooks/project", EventID: id}))
	}

	require.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	require.Equal([]string{"e1", "e2", "e3"}, order)
	mu.Unlock()
	rt.Shutdown(time.Second)
}

func TestQueueDepthsReportsPerPath(t *testing.T) {
	require := require.New(t)

	sink := &recordingSink{}
	rc := rcFor("project")
	rt := New(sink, map[string][]*entity.ResourceConfig{"project": {rc}}, RetryPolicy{})

	block := make(chan struct{})
	proc := &stubProcessor{
		should: true, kinds: []string{"project"}, authOK: true, validateOK: true,
		handle: func(ev *Event, rc *entity.ResourceConfig) (HandleResult, error) {
			<-block
			return HandleResult{}, nil
		},
	}
	rt.RegisterProcessor("/webhooks/project", proc)

	require.NoError(rt.Enqueue(&Event{Path: "/webhooks/project", EventID: "e1"}))
	require.NoError(rt.Enqueue(&Event{Path: "/webhooks/project", EventID: "e2"}))

	require.Eventually(func() bool {
		return rt.QueueDepths()["/webhooks/project"] == 1
	}, time.Second, time.Millisecond)

	close(block)
	rt.Shutdown(time.Second)
}

func TestShutdownRejectsFurtherEnqueues(t *testing.T) {
	require := require.New(t)

	rt := New(&recordingSink{}, nil, RetryPolicy{})
	rt.RegisterProcessor("/webhooks/project", &stubProcessor{})
	rt.Shutdown(time.Second)

	err := rt.Enqueue(&Event{Path: "/webhooks/project"})
	require.ErrorIs(err, ErrShuttingDown)
}
