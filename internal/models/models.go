package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// JobType classifies what kind of waste a pickup collects. The factor
// scales the per-item base price.
type JobType string

const (
	JobStandard   JobType = "standard"
	JobRecyclable JobType = "recyclable"
	JobHazardous  JobType = "hazardous"
	JobOrganic    JobType = "organic"
)

var jobTypeFactors = map[JobType]float64{
	JobStandard:   1.0,
	JobRecyclable: 0.8,
	JobHazardous:  1.5,
	JobOrganic:    0.9,
}

// Factor returns the pricing factor for the job type and whether the
// type is known.
func (j JobType) Factor() (float64, bool) {
	f, ok := jobTypeFactors[j]
	return f, ok
}

// Status is the pickup lifecycle state. pending -> in-progress -> completed,
// or pending -> cancelled. Both completed and cancelled are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Pickup is one requested collection job. The price is computed once at
// creation time and never touched again; startedAt/completedAt are written
// only by their respective transitions.
type Pickup struct {
	ID               string     `json:"id"`
	RequesterID      string     `json:"requester_id"`
	RequesterName    string     `json:"requester_name"`
	RequesterContact string     `json:"requester_contact"`
	WorkerID         string     `json:"worker_id"`
	WorkerName       string     `json:"worker_name"`
	PickupLocation   Coord      `json:"pickup_location"`
	WorkerLocation   Coord      `json:"worker_location_at_request"`
	ItemCount        int        `json:"item_count"`
	JobType          JobType    `json:"job_type"`
	DistanceKm       float64    `json:"distance_km"`
	Price            int64      `json:"price"`
	Status           Status     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	Rating           *int       `json:"rating,omitempty"`
	ReviewText       *string    `json:"review_text,omitempty"`
}

// LocationStamp is a reported position plus when the device reported it.
type LocationStamp struct {
	Coord
	Timestamp time.Time `json:"timestamp"`
}

// Worker is a field worker profile. The location is owned by the worker's
// device and overwritten on every update; the completion counters are
// mutated only when a pickup completes.
type Worker struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Contact          string         `json:"contact"`
	BasePricePerItem int64          `json:"base_price_per_item"`
	Available        bool           `json:"is_available"`
	LastLocation     *LocationStamp `json:"last_known_location,omitempty"`
	CompletedJobs    int64          `json:"total_completed_jobs"`
	TotalEarnings    int64          `json:"total_earnings"`
	RatingSum        int64          `json:"rating_sum"`
	RatingCount      int64          `json:"rating_count"`
	PushToken        string         `json:"push_token,omitempty"`
}

// Requester is the slice of a requester profile the dispatch core reads:
// identity, contact, push token and the last location their device reported
// (used for the nearby price-drop fanout).
type Requester struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Contact      string         `json:"contact"`
	PushToken    string         `json:"push_token,omitempty"`
	LastLocation *LocationStamp `json:"last_known_location,omitempty"`
}

// LocationUpdate is the message published to the location feed whenever a
// worker's device reports a position.
type LocationUpdate struct {
	WorkerID  string    `json:"worker_id"`
	Location  Coord     `json:"location"`
	Available bool      `json:"is_available"`
	BasePrice int64     `json:"base_price_per_item"`
	Timestamp time.Time `json:"timestamp"`
}
