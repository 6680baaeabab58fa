package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/jake-scott/smarther-bridge/internal/pkg/logging"
)

func sendJSONResponse(w http.ResponseWriter, r *http.Request, d interface{}) {
	w.Header().Set("Content-Type", "application/json")

	enc := json.NewEncoder(w)
	if err := enc.Encode(d); err != nil {
		logging.Logger(r.Context()).WithError(err).Error("sending json response")
	}
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		value, _, err := mime.ParseMediaType(ct)
		if err != nil || value != "application/json" {
			return fmt.Errorf("expected JSON request, got %s", ct)
		}
	}

	// 100kb max body
	reader := http.MaxBytesReader(w, r.Body, 100*1024)
	dec := json.NewDecoder(reader)

	if err := dec.Decode(&dst); err != nil {
		return err
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body must only contain a single JSON object")
	}

	return nil
}

// redactID keeps enough of an opaque plant/module identifier to correlate
// diagnostics without exposing the whole value.
func redactID(id string) string {
	if len(id) <= 12 {
		return "**REDACTED**"
	}

	return id[:8] + "..." + id[len(id)-4:]
}
