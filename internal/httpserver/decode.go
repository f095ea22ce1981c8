package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// maxRequestBody bounds the size of decoded JSON request bodies.
const maxRequestBody = 1 << 20 // 1 MiB

// DecodeJSON decodes a JSON request body into dst, rejecting unknown fields
// and bodies larger than maxRequestBody.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}
