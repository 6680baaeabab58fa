package thermostat

import (
	"math"
	"time"

	"github.com/jake-scott/smarther-bridge/internal/pkg/smartherapi"
	"github.com/pkg/errors"
)

// CommandKind enumerates the write intents a user can issue.
type CommandKind int

const (
	SetTemperature CommandKind = iota
	SetMode
	SetPreset
)

func (k CommandKind) String() string {
	switch k {
	case SetTemperature:
		return "set-temperature"
	case SetMode:
		return "set-mode"
	case SetPreset:
		return "set-preset"
	}

	return "unknown"
}

// Command is a user-issued intent for one thermostat. It lives from
// issuance until a poll confirms the matching state, or until it times out
// and the displayed state reverts to the last confirmed observation.
type Command struct {
	Kind           CommandKind
	Target         float64
	Mode           Mode
	Preset         Preset
	Program        int
	ActivationTime string
	IssuedAt       time.Time
}

// setpoint comparisons tolerate re-rounding on the API side
const targetEpsilon = 0.05

// Request builds the set-status payload for the command. Fields the command
// does not change are carried over from the last confirmed state: the API
// replaces the whole status on write.
func (c Command) Request(current State) (smartherapi.SetStatusRequest, error) {
	function := current.Function
	if function == "" {
		function = FunctionHeating
	}

	req := smartherapi.SetStatusRequest{Function: function}

	switch c.Kind {
	case SetTemperature:
		req.Mode = string(PresetManual)
		req.SetPoint = smartherapi.NewSetPointReq(round1(c.Target))

	case SetMode:
		switch c.Mode {
		case ModeOff:
			req.Mode = string(PresetOff)
		case ModeAuto:
			req.Mode = string(PresetAutomatic)
		case ModeHeat, ModeCool:
			if current.TargetTemperature == 0 {
				return req, errors.Errorf("no known setpoint for module %s, set a temperature first", current.ModuleID)
			}
			req.Mode = string(PresetManual)
			req.SetPoint = smartherapi.NewSetPointReq(current.TargetTemperature)
			if c.Mode == ModeCool {
				req.Function = FunctionCooling
			} else {
				req.Function = FunctionHeating
			}
		default:
			return req, errors.Errorf("unsupported HVAC mode %q", c.Mode)
		}

	case SetPreset:
		if !c.Preset.Known() {
			return req, errors.Errorf("unsupported preset %q", c.Preset)
		}
		req.Mode = string(c.Preset)

		switch c.Preset {
		case PresetManual, PresetBoost:
			target := c.Target
			if target == 0 {
				target = current.TargetTemperature
			}
			if target == 0 {
				return req, errors.Errorf("preset %q requires a setpoint", c.Preset)
			}
			req.SetPoint = smartherapi.NewSetPointReq(round1(target))
			if c.Preset == PresetBoost && c.ActivationTime != "" {
				req.ActivationTime = c.ActivationTime
			}
		case PresetAutomatic:
			if c.Program > 0 {
				req.Programs = []smartherapi.Program{{Number: c.Program}}
			}
		}

	default:
		return req, errors.Errorf("unknown command kind %d", c.Kind)
	}

	return req, nil
}

// Confirmed reports whether the observed state satisfies the intent.
func (c Command) Confirmed(s State) bool {
	switch c.Kind {
	case SetTemperature:
		return s.Preset == PresetManual &&
			math.Abs(s.TargetTemperature-round1(c.Target)) < targetEpsilon
	case SetMode:
		return s.Mode == c.Mode
	case SetPreset:
		return s.Preset == c.Preset
	}

	return false
}

// Expired reports whether the command has waited past the reconciliation
// timeout without confirmation.
func (c Command) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(c.IssuedAt) > timeout
}

// ApplyTo projects the intent onto a copy of the confirmed state, so the
// platform sees the optimistic value while confirmation is pending.
func (c Command) ApplyTo(s *State) {
	switch c.Kind {
	case SetTemperature:
		s.TargetTemperature = round1(c.Target)
		s.Preset = PresetManual
		s.Mode = modeFor(PresetManual, s.Function)
	case SetMode:
		s.Mode = c.Mode
		switch c.Mode {
		case ModeOff:
			s.Preset = PresetOff
		case ModeAuto:
			s.Preset = PresetAutomatic
		case ModeHeat, ModeCool:
			s.Preset = PresetManual
		}
	case SetPreset:
		s.Preset = c.Preset
		s.Mode = modeFor(c.Preset, s.Function)
		if c.Target != 0 {
			s.TargetTemperature = round1(c.Target)
		}
	}
}
