package coordinator

import (
	"fmt"
	"time"

	"github.com/jake-scott/smarther-bridge/internal/pkg/thermostat"
)

// CycleOutcome summarises one poll cycle.
type CycleOutcome int

const (
	// CycleSuccess means every module produced a state.
	CycleSuccess CycleOutcome = iota
	// CyclePartialFailure means at least one module failed but others
	// reported normally.
	CyclePartialFailure
	// CycleTotalFailure means an account-level error (auth, plant listing)
	// prevented the cycle from producing any module results.
	CycleTotalFailure
)

func (o CycleOutcome) String() string {
	switch o {
	case CycleSuccess:
		return "success"
	case CyclePartialFailure:
		return "partial-failure"
	case CycleTotalFailure:
		return "total-failure"
	}

	return fmt.Sprintf("unknown (outcome: %d)", o)
}

// ModuleResult is the terminal outcome of one module's fetch within a
// cycle: a state or a classified error, never both.
type ModuleResult struct {
	Key   thermostat.Key
	Name  string
	State *thermostat.State
	Err   error
}

// CycleResult is the immutable snapshot published at the end of a poll
// cycle.
type CycleResult struct {
	Account  string
	Started  time.Time
	Finished time.Time
	Outcome  CycleOutcome
	Err      error
	Modules  []ModuleResult
}
