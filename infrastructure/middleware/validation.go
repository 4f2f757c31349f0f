package middleware

import (
	"encoding/json"
	"io"
)

// ValidateJSON decodes body into v, rejecting unknown fields and capping the
// read at maxSize bytes.
func ValidateJSON(body io.Reader, maxSize int64, v interface{}) error {
	decoder := json.NewDecoder(io.LimitReader(body, maxSize))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}
