// Package responders writes wire responses shared by the platform API
// and the facilitator.
package responders

import (
	"encoding/json"
	"net/http"
)

// JSON writes payload with the given status. A nil payload sends the
// status line and headers only. Escaping is left off so URLs in
// challenge bodies survive round-tripping.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
