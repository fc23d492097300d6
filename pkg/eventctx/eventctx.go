// Package eventctx implements the Event Context & Abort Machinery of
// spec.md §4.1: ambient per-event state, scoped caches, and cooperative
// cancellation that lets a new resync supersede an in-flight one.
//
// Per the Design Notes in spec.md §9 ("pass these explicitly through call
// sites, or provide a thread-local/task-local stack discipline with
// explicit push/pop at context boundaries"), this package chooses the
// explicit route: a Handle is threaded through call sites via
// context.Context, Go's native carrier for request/task-scoped values and
// cancellation. "Closing" an event is implicit: once a function returns
// the context it was given, the caller's own (parent) context is back in
// scope — there is no global stack to restore.
package eventctx

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/port-labs/ocean-core/pkg/entity"
)

// ErrNoActiveEvent is returned by Current when ctx carries no Handle.
var ErrNoActiveEvent = fmt.Errorf("eventctx: no active event on this context")

type ctxKey struct{}

// abortTree propagates aborts from an event to all of its descendants,
// including ones opened after the abort fires against an ancestor.
type abortTree struct {
	mu       sync.Mutex
	aborted  bool
	children []*abortTree
}

func newAbortTree(parent *abortTree) *abortTree {
	t := &abortTree{}
	if parent == nil {
		return t
	}
	parent.mu.Lock()
	defer parent.mu.Unlock()
	t.aborted = parent.aborted
	parent.children = append(parent.children, t)
	return t
}

func (t *abortTree) IsAborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

func (t *abortTree) Abort() {
	t.mu.Lock()
	t.aborted = true
	children := make([]*abortTree, len(t.children))
	copy(children, t.children)
	t.mu.Unlock()

	for _, c := range children {
		c.Abort()
	}
}

// Handle is the ambient state of one event. It is never constructed
// directly; use WithEvent.
type Handle struct {
	EventID     string
	Type        entity.EventType
	Trigger     entity.TriggerType
	ResourceConfig *entity.ResourceConfig
	AppConfig   *entity.AppConfig
	Attributes  map[string]interface{}
	Parent      *Handle

	attrMu *sync.Mutex
	abort  *abortTree
}

// Option configures a new Handle in WithEvent.
type Option func(*Handle)

// WithResourceConfig binds the resource config currently being processed.
func WithResourceConfig(rc *entity.ResourceConfig) Option {
	return func(h *Handle) { h.ResourceConfig = rc }
}

// WithAppConfig binds the app config snapshot for this event.
func WithAppConfig(ac *entity.AppConfig) Option {
	return func(h *Handle) { h.AppConfig = ac }
}

// Isolated gives the new event a fresh, empty attributes map instead of
// inheriting the parent's by reference.
func Isolated() Option {
	return func(h *Handle) {
		h.Attributes = map[string]interface{}{}
		h.attrMu = &sync.Mutex{}
	}
}

// WithEvent opens a new event context nested inside whatever event (if any)
// ctx already carries. Each call assigns a fresh event_id. Children inherit
// the parent's abort signal and attributes map by reference unless Isolated
// is passed.
func WithEvent(ctx context.Context, typ entity.EventType, trigger entity.TriggerType, opts ...Option) (context.Context, *Handle) {
	parent, _ := Current(ctx)

	h := &Handle{
		EventID: uuid.NewString(),
		Type:    typ,
		Trigger: trigger,
		Parent:  parent,
	}

	if parent != nil {
		h.Attributes = parent.Attributes
		h.attrMu = parent.attrMu
		h.abort = newAbortTree(parent.abort)
		if h.ResourceConfig == nil {
			h.ResourceConfig = parent.ResourceConfig
		}
		if h.AppConfig == nil {
			h.AppConfig = parent.AppConfig
		}
	} else {
		h.Attributes = map[string]interface{}{}
		h.attrMu = &sync.Mutex{}
		h.abort = newAbortTree(nil)
	}

	for _, opt := range opts {
		opt(h)
	}

	return context.WithValue(ctx, ctxKey{}, h), h
}

// Current returns the Handle carried by ctx, or ErrNoActiveEvent if none.
func Current(ctx context.Context) (*Handle, error) {
	h, ok := ctx.Value(ctxKey{}).(*Handle)
	if !ok {
		return nil, ErrNoActiveEvent
	}
	return h, nil
}

// Abort marks the event carried by ctx, and all of its descendants
// (including ones opened later), as aborted.
func Abort(ctx context.Context) error {
	h, err := Current(ctx)
	if err != nil {
		return err
	}
	h.abort.Abort()
	return nil
}

// IsAborted is the cooperative check long-running loops poll at safe
// points: between batches, before each upsert batch, before each kind.
func IsAborted(ctx context.Context) bool {
	h, err := Current(ctx)
	if err != nil {
		return false
	}
	return h.abort.IsAborted()
}

// GetAttribute reads a key from the event's scratch/cache map.
func (h *Handle) GetAttribute(key string) (interface{}, bool) {
	h.attrMu.Lock()
	defer h.attrMu.Unlock()
	v, ok := h.Attributes[key]
	return v, ok
}

// SetAttribute writes a key to the event's scratch/cache map. Because the
// map is shared by reference with ancestors/descendants (unless Isolated
// was used), the write is visible across the whole subtree.
func (h *Handle) SetAttribute(key string, value interface{}) {
	h.attrMu.Lock()
	defer h.attrMu.Unlock()
	h.Attributes[key] = value
}
