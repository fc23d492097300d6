package entity

import "time"

// EventType is the kind of an Event. See spec.md §3.
type EventType string

const (
	EventResync      EventType = "resync"
	EventStart       EventType = "start"
	EventHTTPRequest EventType = "http_request"
	EventLiveEvent   EventType = "live_event"
)

// TriggerType names what caused an Event to fire.
type TriggerType string

const (
	TriggerManual  TriggerType = "manual"
	TriggerMachine TriggerType = "machine"
	TriggerRequest TriggerType = "request"
)

// ActionStatus is the lifecycle status of an ActionRun.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionInProgress ActionStatus = "in-progress"
	ActionSuccess    ActionStatus = "success"
	ActionFailure    ActionStatus = "failure"
	ActionCanceled   ActionStatus = "canceled"
)

// ActionRun is a portal-initiated command dispatched to the integration.
type ActionRun struct {
	ID           string                 `json:"id"`
	ActionName   string                 `json:"actionName"`
	Payload      map[string]interface{} `json:"payload"`
	Status       ActionStatus           `json:"status"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
	PartitionKey *string                `json:"partitionKey,omitempty"`
}

// LiveEvent is an inbound HTTP notification delivered to the Live Event
// Processor Runtime.
type LiveEvent struct {
	EventID   string              `json:"eventId"`
	Path      string              `json:"path"`
	Method    string              `json:"method"`
	Headers   map[string][]string `json:"headers"`
	Payload   map[string]interface{} `json:"payload"`
	ArrivedAt time.Time           `json:"arrivedAt"`
}

// ResyncState is the state object the orchestrator reports to the portal
// after each resync event, per spec.md §7 "User-visible behavior".
type ResyncState struct {
	Status         string    `json:"status"`
	LastResyncStart time.Time `json:"lastResyncStart"`
	LastResyncEnd   time.Time `json:"lastResyncEnd"`
	Errors          []string  `json:"errors"`
	NextResync      *time.Time `json:"nextResync,omitempty"`
}
