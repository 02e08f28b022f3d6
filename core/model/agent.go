package model

import (
	"fmt"
	"time"

	"github.com/openhail/dispatch/core/geo"
)

// ServiceClass identifies the category of service an agent provides.
type ServiceClass string

const (
	ClassStandard ServiceClass = "standard"
	ClassPremium  ServiceClass = "premium"
	ClassXL       ServiceClass = "xl"
)

// Known returns true for service classes the engine recognises.
func (c ServiceClass) Known() bool {
	switch c {
	case ClassStandard, ClassPremium, ClassXL:
		return true
	}
	return false
}

// Agent represents a mobile service agent participating in dispatch.
type Agent struct {
	ID        string
	Class     ServiceClass
	Location  geo.Point
	LocatedAt time.Time // timestamp of the last accepted location report

	Available bool // agent opted in to receive offers
	Connected bool // transport session currently open
	Busy      bool // committed to an active assignment

	Rating         float64 // average customer rating in [0,5]
	CompletedTrips int

	// Optional metadata reported by the agent's device (app version,
	// vehicle plate, operator tags).
	Metadata map[string]string
}

// CanServe reports whether the agent may receive offers for the given
// service class right now. Busy or disconnected agents never qualify.
func (a Agent) CanServe(class ServiceClass) bool {
	return a.Connected && a.Available && !a.Busy && a.Class == class
}

// Validate checks that the agent record is sound.
func (a Agent) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("agent id must not be empty")
	}
	if !a.Class.Known() {
		return fmt.Errorf("unknown service class %q", a.Class)
	}
	if a.Rating < 0 || a.Rating > 5 {
		return fmt.Errorf("rating %v out of range [0,5]", a.Rating)
	}
	if a.CompletedTrips < 0 {
		return fmt.Errorf("completed trips must not be negative")
	}
	return a.Location.Validate()
}
