package thermostat

import (
	"math"
	"time"

	"github.com/jake-scott/smarther-bridge/internal/pkg/smartherapi"
)

// Mode is the normalized HVAC mode shown to the platform.
type Mode string

const (
	ModeOff  Mode = "off"
	ModeHeat Mode = "heat"
	ModeCool Mode = "cool"
	ModeAuto Mode = "auto"
)

// Known reports whether the mode is one of the closed set; anything else is
// an unmapped value carried through verbatim.
func (m Mode) Known() bool {
	switch m {
	case ModeOff, ModeHeat, ModeCool, ModeAuto:
		return true
	}

	return false
}

// Preset is the thermostat operating mode as the API names it.
type Preset string

const (
	PresetAutomatic  Preset = "automatic"
	PresetManual     Preset = "manual"
	PresetBoost      Preset = "boost"
	PresetProtection Preset = "protection"
	PresetOff        Preset = "off"
)

// Known reports whether the preset is one of the closed set. Unrecognized
// values from the API are preserved as-is rather than dropped, to tolerate
// forward-compatible additions.
func (p Preset) Known() bool {
	switch p {
	case PresetAutomatic, PresetManual, PresetBoost, PresetProtection, PresetOff:
		return true
	}

	return false
}

// Thermostat functions as the API names them.
const (
	FunctionHeating = "heating"
	FunctionCooling = "cooling"
)

const loadStateActive = "active"

// Key identifies one thermostat module.
type Key struct {
	PlantID  string `json:"plant_id"`
	ModuleID string `json:"module_id"`
}

// State is the normalized view of one thermostat.
type State struct {
	Key
	Name              string    `json:"name"`
	Temperature       float64   `json:"temperature"`
	Humidity          float64   `json:"humidity"`
	TargetTemperature float64   `json:"target_temperature"`
	Mode              Mode      `json:"mode"`
	Preset            Preset    `json:"preset"`
	Function          string    `json:"function"`
	Program           int       `json:"program,omitempty"`
	HeatingActive     bool      `json:"heating_active"`
	CoolingActive     bool      `json:"cooling_active"`
	Available         bool      `json:"available"`
	Reason            string    `json:"reason,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// round1 rounds to the API's stated 0.1 degree precision.
func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// modeFor derives the HVAC mode from the API preset and function. Unknown
// presets yield the raw value as an unknown Mode.
func modeFor(p Preset, function string) Mode {
	switch p {
	case PresetOff:
		return ModeOff
	case PresetAutomatic:
		return ModeAuto
	case PresetManual, PresetBoost, PresetProtection:
		if function == FunctionCooling {
			return ModeCool
		}
		return ModeHeat
	}

	return Mode(p)
}

// FromStatus translates the raw chronothermostat payload into a normalized
// state. measures may be nil when the measures endpoint failed; readings
// then come from the status payload alone.
func FromStatus(key Key, name string, st *smartherapi.Chronothermostat, measures *smartherapi.Measures, now time.Time) State {
	preset := Preset(st.Mode)

	s := State{
		Key:               key,
		Name:              name,
		TargetTemperature: round1(st.SetPoint.Value.Float64()),
		Preset:            preset,
		Mode:              modeFor(preset, st.Function),
		Function:          st.Function,
		Available:         true,
		UpdatedAt:         now,
	}

	if len(st.Programs) > 0 {
		s.Program = st.Programs[0].Number
	}

	if st.LoadState == loadStateActive {
		s.HeatingActive = st.Function == FunctionHeating
		s.CoolingActive = st.Function == FunctionCooling
	}

	thermometer := st.Thermometer
	hygrometer := st.Hygrometer
	if measures != nil {
		if len(measures.Thermometer.Measures) > 0 {
			thermometer = measures.Thermometer
		}
		if len(measures.Hygrometer.Measures) > 0 {
			hygrometer = measures.Hygrometer
		}
	}

	if v, ok := thermometer.Latest(); ok {
		s.Temperature = round1(v)
	}
	if v, ok := hygrometer.Latest(); ok {
		s.Humidity = round1(v)
	}

	return s
}
