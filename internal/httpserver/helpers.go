package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/tollgate/server/pkg/responders"
)

const maxRequestBody = 1 << 20 // 1 MiB

// envelope is the uniform success wrapper; errors use the shared error
// envelope from internal/errors.
type envelope struct {
	Data any `json:"data"`
}

func respond(w http.ResponseWriter, status int, v any) {
	responders.JSON(w, status, envelope{Data: v})
}

// decodeJSON decodes a bounded JSON request body into dest.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	dec := json.NewDecoder(io.LimitReader(r, maxRequestBody))
	return dec.Decode(dest)
}

// clampInt reads an integer query parameter and clamps it to [min, max],
// defaulting when absent or unparseable.
func clampInt(r *http.Request, name string, min, max, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
