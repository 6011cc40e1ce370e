package valueobject

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"maps"
)

// ErrScanHeaders indicates the database value cannot hold headers.
var ErrScanHeaders = errors.New("valueobject: headers scan value is not json")

// Headers is a message header map stored as a JSON object. A nil map is
// written as {} so the column never holds null.
type Headers map[string]string

// Value implements driver.Valuer for Headers.
func (h Headers) Value() (driver.Value, error) {
	if h == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]string(h))
}

// Scan implements sql.Scanner for Headers. An empty object scans to nil.
func (h *Headers) Scan(value any) error {
	var raw []byte

	switch v := value.(type) {
	case nil:
		*h = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	case map[string]any:
		out := make(Headers, len(v))
		for k, val := range v {
			s, ok := val.(string)
			if !ok {
				return ErrScanHeaders
			}
			out[k] = s
		}
		*h = out.orNil()
		return nil
	default:
		return ErrScanHeaders
	}

	var out Headers
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*h = out.orNil()
	return nil
}

// Map returns a copy of h as a plain map.
func (h Headers) Map() map[string]string {
	return maps.Clone(map[string]string(h))
}

func (h Headers) orNil() Headers {
	if len(h) == 0 {
		return nil
	}
	return h
}
