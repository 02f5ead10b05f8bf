package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// decodeJSONBody decodes a single JSON object from body into dst, rejecting
// unknown fields and any trailing data after the object.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return badRequest("missing_body", "request body required")
	}
	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("missing_body", "request body required")
		}
		return badRequest("invalid_json", err.Error())
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); err != io.EOF {
		return badRequest("invalid_json", "unexpected trailing data")
	}
	return nil
}
