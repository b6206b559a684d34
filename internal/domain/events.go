package domain

import "time"

// EventKind labels a registry lifecycle event.
type EventKind string

const (
	EventAdded       EventKind = "added"
	EventUpdated     EventKind = "updated"
	EventDeleted     EventKind = "deleted"
	EventActivated   EventKind = "activated"
	EventDeactivated EventKind = "deactivated"
)

// Event is published after a registry mutation commits. Delivery is
// best-effort; a slow subscriber never blocks the mutation.
type Event struct {
	Kind      EventKind `json:"kind"`
	GatewayID string    `json:"gatewayId"`
	Name      string    `json:"name"`
	Scope     string    `json:"scope"`
	Time      time.Time `json:"time"`
}

// Notifier publishes registry events to subscribers.
type Notifier interface {
	Publish(event Event)
}
