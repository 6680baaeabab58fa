package smartherapi

import (
	"bytes"
	"strconv"

	"github.com/pkg/errors"
)

// Number tolerates the API's habit of serialising numeric values either
// bare or as quoted strings.
type Number float64

func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(bytes.TrimSpace(b), `"`)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*n = 0
		return nil
	}

	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return errors.Wrapf(err, "parsing numeric value %q", b)
	}

	*n = Number(v)
	return nil
}

func (n Number) Float64() float64 {
	return float64(n)
}

// SetPoint is a target temperature with its unit ("C").
type SetPoint struct {
	Value Number `json:"value"`
	Unit  string `json:"unit"`
}

// Program is one entry of a chronothermostat's program list.
type Program struct {
	Number int `json:"number"`
}

// Measure is a single sensor reading.
type Measure struct {
	TimeStamp string `json:"timeStamp,omitempty"`
	Value     Number `json:"value"`
}

// MeasureSet is a time-ordered series of readings from one sensor.
type MeasureSet struct {
	Measures []Measure `json:"measures"`
}

// Latest returns the most recent reading, if any.
func (m MeasureSet) Latest() (float64, bool) {
	if len(m.Measures) == 0 {
		return 0, false
	}

	return m.Measures[len(m.Measures)-1].Value.Float64(), true
}

// Chronothermostat is the status payload of one thermostat module.
type Chronothermostat struct {
	Function          string     `json:"function"`
	Mode              string     `json:"mode"`
	SetPoint          SetPoint   `json:"setPoint"`
	Programs          []Program  `json:"programs,omitempty"`
	TemperatureFormat string     `json:"temperatureFormat,omitempty"`
	LoadState         string     `json:"loadState,omitempty"`
	ActivationTime    string     `json:"activationTime,omitempty"`
	Time              string     `json:"time,omitempty"`
	Thermometer       MeasureSet `json:"thermometer"`
	Hygrometer        MeasureSet `json:"hygrometer"`
}

// Measures carries the thermometer and hygrometer readings returned by the
// dedicated measures endpoint.
type Measures struct {
	Thermometer MeasureSet `json:"thermometer"`
	Hygrometer  MeasureSet `json:"hygrometer"`
}

// SetStatusRequest is the write payload accepted by the set-status endpoint.
// The mode decides which optional fields are meaningful: automatic may carry
// a program, manual and boost need a setPoint, boost may carry an
// activationTime.
type SetStatusRequest struct {
	Function       string       `json:"function"`
	Mode           string       `json:"mode"`
	SetPoint       *SetPointReq `json:"setPoint,omitempty"`
	Programs       []Program    `json:"programs,omitempty"`
	ActivationTime string       `json:"activationTime,omitempty"`
}

// SetPointReq is the write-side setpoint; the API wants the value as a
// string.
type SetPointReq struct {
	Value string `json:"value"`
	Unit  string `json:"unit"`
}

// NewSetPointReq formats a celsius target the way the API expects.
func NewSetPointReq(celsius float64) *SetPointReq {
	return &SetPointReq{
		Value: strconv.FormatFloat(celsius, 'f', -1, 64),
		Unit:  "C",
	}
}

// Wire envelopes

type plantsResponse struct {
	Plants []plantItem `json:"plants"`
}

type plantItem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type topologyResponse struct {
	Plant topologyPlant `json:"plant"`
}

type topologyPlant struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Modules []topologyMod `json:"modules"`
}

type topologyMod struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Device string `json:"device"`
}

type statusResponse struct {
	Chronothermostats []Chronothermostat `json:"chronothermostats"`
}
