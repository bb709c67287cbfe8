package dispatch

import "fmt"

// Role identifies which side of a pickup a notification targets.
type Role string

const (
	RoleRequester Role = "requester"
	RoleWorker    Role = "worker"
)

// EventType is the typed notification kind delivered to clients.
type EventType string

const (
	EventNewPickup        EventType = "new_pickup"
	EventPickupInProgress EventType = "pickup_in_progress"
	EventPickupCompleted  EventType = "pickup_completed"
	EventPickupCancelled  EventType = "pickup_cancelled"
	EventNewReview        EventType = "new_review"
	EventPriceDrop        EventType = "price_drop"
)

// Event is one notification. Data always carries enough identifiers for the
// receiving client to deep-link straight to the relevant record.
type Event struct {
	Type  EventType      `json:"type"`
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data"`
}

// NewPickupEvent tells the chosen worker a job was created for them.
func NewPickupEvent(pickupID, requesterID, requesterName, workerID string) Event {
	return Event{
		Type:  EventNewPickup,
		Title: "New Pickup Request",
		Body:  fmt.Sprintf("You have a new pickup request from %s", requesterName),
		Data: map[string]any{
			"type":         string(EventNewPickup),
			"pickup_id":    pickupID,
			"requester_id": requesterID,
			"worker_id":    workerID,
			"screen":       "/worker/pickups/" + pickupID,
		},
	}
}

// PickupInProgressEvent tells the requester their job was accepted.
func PickupInProgressEvent(pickupID, workerName string) Event {
	return Event{
		Type:  EventPickupInProgress,
		Title: "Pickup in Progress",
		Body:  fmt.Sprintf("Your pickup has been accepted by %s", workerName),
		Data:  pickupData(EventPickupInProgress, pickupID),
	}
}

// PickupCompletedEvent tells the requester the job finished and asks for a
// rating.
func PickupCompletedEvent(pickupID, workerName string) Event {
	return Event{
		Type:  EventPickupCompleted,
		Title: "Pickup Completed",
		Body:  fmt.Sprintf("Thanks for choosing us. Rate %s", workerName),
		Data:  pickupData(EventPickupCompleted, pickupID),
	}
}

// PickupCancelledEvent tells the requester the job was cancelled, whether by
// the worker or by expiry.
func PickupCancelledEvent(pickupID string) Event {
	return Event{
		Type:  EventPickupCancelled,
		Title: "Pickup Cancelled",
		Body:  "Your pickup has been cancelled, sorry for the inconvenience.",
		Data:  pickupData(EventPickupCancelled, pickupID),
	}
}

// NewReviewEvent tells a worker they received a rating.
func NewReviewEvent(pickupID, requesterName string, rating int) Event {
	return Event{
		Type:  EventNewReview,
		Title: "New Review Received",
		Body:  fmt.Sprintf("You received a %d-star review from %s", rating, requesterName),
		Data:  pickupData(EventNewReview, pickupID),
	}
}

// PriceDropEvent tells a nearby requester a worker lowered their price.
func PriceDropEvent(workerID, workerName string, newPrice int64) Event {
	return Event{
		Type:  EventPriceDrop,
		Title: "Price Drop Nearby!",
		Body:  fmt.Sprintf("%s lowered their price to %d per item", workerName, newPrice),
		Data: map[string]any{
			"type":      string(EventPriceDrop),
			"worker_id": workerID,
			"new_price": newPrice,
			"screen":    "/workers/" + workerID,
		},
	}
}

func pickupData(t EventType, pickupID string) map[string]any {
	return map[string]any{
		"type":      string(t),
		"pickup_id": pickupID,
		"screen":    "/pickups/" + pickupID,
	}
}
