package handlers

import (
	"net/http"
	"time"

	"github.com/jake-scott/smarther-bridge/internal/pkg/lgoauth"
)

// Diagnostics snapshot shapes. Identifiers are partially redacted and no
// token material ever appears here.

type diagModule struct {
	PlantID   string `json:"plant_id"`
	ModuleID  string `json:"module_id"`
	Name      string `json:"name,omitempty"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Available *bool  `json:"available,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type diagCycle struct {
	Started  time.Time    `json:"started"`
	Finished time.Time    `json:"finished"`
	Outcome  string       `json:"outcome"`
	Error    string       `json:"error,omitempty"`
	Modules  []diagModule `json:"modules"`
}

type diagAccount struct {
	Account     string         `json:"account"`
	Credentials lgoauth.Status `json:"credentials"`
	LastCycle   *diagCycle     `json:"last_cycle,omitempty"`
}

func (h *ThermostatHandler) diagnostics(w http.ResponseWriter, r *http.Request) {
	accounts := make([]diagAccount, 0, len(h.coords))

	for _, c := range h.coords {
		da := diagAccount{
			Account:     c.Account(),
			Credentials: c.TokenStatus(),
		}

		if res := c.LastCycle(); res != nil {
			dc := diagCycle{
				Started:  res.Started,
				Finished: res.Finished,
				Outcome:  res.Outcome.String(),
			}
			if res.Err != nil {
				dc.Error = res.Err.Error()
			}

			for _, mr := range res.Modules {
				dm := diagModule{
					PlantID:  redactID(mr.Key.PlantID),
					ModuleID: redactID(mr.Key.ModuleID),
					Name:     mr.Name,
					OK:       mr.Err == nil,
				}
				if mr.Err != nil {
					dm.Error = mr.Err.Error()
				}
				if mr.State != nil {
					avail := mr.State.Available
					dm.Available = &avail
					dm.Reason = mr.State.Reason
				}
				dc.Modules = append(dc.Modules, dm)
			}

			da.LastCycle = &dc
		}

		accounts = append(accounts, da)
	}

	sendJSONResponse(w, r, map[string]interface{}{
		"accounts": accounts,
	})
}
