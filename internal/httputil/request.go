package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ParseJSON decodes JSON from the request body into the given destination,
// capping the body size. Unknown fields are tolerated; domain validators
// decide what a request may carry.
func ParseJSON(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	// 10MB covers the largest realistic character card with history.
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)

	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
