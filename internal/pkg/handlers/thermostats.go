package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/jake-scott/smarther-bridge/internal/pkg/coordinator"
	"github.com/jake-scott/smarther-bridge/internal/pkg/lgoauth"
	"github.com/jake-scott/smarther-bridge/internal/pkg/logging"
	"github.com/jake-scott/smarther-bridge/internal/pkg/smartherapi"
	"github.com/jake-scott/smarther-bridge/internal/pkg/thermostat"
)

/*
 * ThermostatHandler is the boundary with the host platform: it exposes the
 * normalized per-thermostat state, accepts user commands, and serves a
 * diagnostics snapshot with secrets redacted.
 */

type ThermostatHandler struct {
	coords []*coordinator.Coordinator
}

func NewThermostatHandler(coords []*coordinator.Coordinator) ThermostatHandler {
	return ThermostatHandler{coords: coords}
}

// Register wires the handler's routes into the router.
func (h *ThermostatHandler) Register(r *mux.Router) {
	r.HandleFunc("/thermostats", h.listThermostats).Methods(http.MethodGet)
	r.HandleFunc("/thermostats/{plant}/{module}", h.getThermostat).Methods(http.MethodGet)
	r.HandleFunc("/thermostats/{plant}/{module}/setpoint", h.setSetpoint).Methods(http.MethodPost)
	r.HandleFunc("/thermostats/{plant}/{module}/mode", h.setMode).Methods(http.MethodPost)
	r.HandleFunc("/thermostats/{plant}/{module}/preset", h.setPreset).Methods(http.MethodPost)
	r.HandleFunc("/diagnostics", h.diagnostics).Methods(http.MethodGet)
}

func (h *ThermostatHandler) find(key thermostat.Key) (*coordinator.Coordinator, thermostat.State, bool) {
	for _, c := range h.coords {
		if st, ok := c.State(key); ok {
			return c, st, true
		}
	}

	return nil, thermostat.State{}, false
}

func keyFromRequest(r *http.Request) thermostat.Key {
	vars := mux.Vars(r)
	return thermostat.Key{PlantID: vars["plant"], ModuleID: vars["module"]}
}

func (h *ThermostatHandler) listThermostats(w http.ResponseWriter, r *http.Request) {
	states := []thermostat.State{}
	for _, c := range h.coords {
		states = append(states, c.Snapshot()...)
	}

	sendJSONResponse(w, r, states)
}

func (h *ThermostatHandler) getThermostat(w http.ResponseWriter, r *http.Request) {
	key := keyFromRequest(r)
	_, st, ok := h.find(key)
	if !ok {
		http.Error(w, "unknown thermostat", http.StatusNotFound)
		return
	}

	sendJSONResponse(w, r, st)
}

// sendCommandError maps a command failure to an HTTP status: user and auth
// conditions are client-visible, everything else is a gateway problem.
func sendCommandError(w http.ResponseWriter, r *http.Request, err error) {
	logging.Logger(r.Context()).WithError(err).Error("executing thermostat command")

	if errors.Is(err, coordinator.ErrUnknownModule) {
		http.Error(w, "unknown thermostat", http.StatusNotFound)
		return
	}
	if errors.Is(err, lgoauth.ErrReauthRequired) {
		http.Error(w, "account requires reauthentication", http.StatusForbidden)
		return
	}

	if apiErr, ok := smartherapi.AsAPIError(err); ok {
		switch apiErr.Outcome {
		case smartherapi.OutcomeUserAction:
			http.Error(w, apiErr.Message, http.StatusConflict)
			return
		case smartherapi.OutcomeEntityNotFound:
			http.Error(w, "thermostat offline", http.StatusBadGateway)
			return
		case smartherapi.OutcomePermanent:
			http.Error(w, apiErr.Message, http.StatusBadRequest)
			return
		}
	}

	http.Error(w, "down-stream API error", http.StatusBadGateway)
}

type setpointRequest struct {
	Temperature float64 `json:"temperature"`
}

func (h *ThermostatHandler) setSetpoint(w http.ResponseWriter, r *http.Request) {
	var req setpointRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		http.Error(w, "unable to parse JSON", http.StatusBadRequest)
		return
	}

	key := keyFromRequest(r)
	c, _, ok := h.find(key)
	if !ok {
		http.Error(w, "unknown thermostat", http.StatusNotFound)
		return
	}

	if err := c.SetTemperatureCommand(r.Context(), key, req.Temperature); err != nil {
		sendCommandError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (h *ThermostatHandler) setMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		http.Error(w, "unable to parse JSON", http.StatusBadRequest)
		return
	}

	mode := thermostat.Mode(req.Mode)
	if !mode.Known() {
		http.Error(w, "unsupported HVAC mode", http.StatusBadRequest)
		return
	}

	key := keyFromRequest(r)
	c, _, ok := h.find(key)
	if !ok {
		http.Error(w, "unknown thermostat", http.StatusNotFound)
		return
	}

	if err := c.SetModeCommand(r.Context(), key, mode); err != nil {
		sendCommandError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

type presetRequest struct {
	Preset         string `json:"preset"`
	Program        int    `json:"program,omitempty"`
	ActivationTime string `json:"activation_time,omitempty"`
}

func (h *ThermostatHandler) setPreset(w http.ResponseWriter, r *http.Request) {
	var req presetRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		http.Error(w, "unable to parse JSON", http.StatusBadRequest)
		return
	}

	preset := thermostat.Preset(req.Preset)
	if !preset.Known() {
		http.Error(w, "unsupported preset", http.StatusBadRequest)
		return
	}

	key := keyFromRequest(r)
	c, _, ok := h.find(key)
	if !ok {
		http.Error(w, "unknown thermostat", http.StatusNotFound)
		return
	}

	if err := c.SetPresetCommand(r.Context(), key, preset, req.Program, req.ActivationTime); err != nil {
		sendCommandError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
