package smartherapi

import "time"

// Plant is a remote site grouping one or more thermostat modules under
// one Legrand account.
type Plant struct {
	ID   string
	Name string
}

// Module is a single chronothermostat device within a plant.
type Module struct {
	ID     string
	Name   string
	Device string
}

// Smarther is the surface of the Legrand/BTicino Smarther v2 API that the
// bridge consumes. Implementations execute single requests and never retry;
// retry policy belongs to the caller.
type Smarther interface {
	WithAccessToken(token string) Smarther
	WithTimeout(d time.Duration) Smarther
	Plants() ([]Plant, error)
	Topology(plantID string) ([]Module, error)
	Status(plantID, moduleID string) (*Chronothermostat, error)
	Measures(plantID, moduleID string) (*Measures, error)
	SetStatus(plantID, moduleID string, req SetStatusRequest) error
}
