package domain

import (
	"time"

	"github.com/google/uuid"
)

// Collector availability. Only online collectors are eligible for new offers.
const (
	AvailabilityOnline  = "online"
	AvailabilityBusy    = "busy"
	AvailabilityOffline = "offline"
)

// Collector represents a field data collector. Collectors are never deleted, only
// deactivated (Active = false).
type Collector struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	Name              string     `json:"name" db:"name"`
	StateID           string     `json:"state_id" db:"state_id"`
	LocalityID        string     `json:"locality_id" db:"locality_id"`
	Availability      string     `json:"availability" db:"availability"`
	Active            bool       `json:"active" db:"active"`
	Latitude          *float64   `json:"latitude,omitempty" db:"latitude"`
	Longitude         *float64   `json:"longitude,omitempty" db:"longitude"`
	LocationUpdatedAt *time.Time `json:"location_updated_at,omitempty" db:"location_updated_at"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

// Candidate pairs a collector with its current open-task count, as read from the
// store in a single query. Workload counts non-terminal assigned tasks only.
type Candidate struct {
	Collector Collector `json:"collector"`
	Workload  int       `json:"workload"`
}

// LocationUpdate is the DTO for a collector position report.
type LocationUpdate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}
