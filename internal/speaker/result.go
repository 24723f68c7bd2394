package speaker

import (
	"bytes"
	"encoding/json"
)

// Result classifies a vendor playback response.
type Result int

const (
	// Empty is no body, JSON null or an empty string.
	Empty Result = iota
	// StructuredSuccess is an object with code 0 or status "success".
	StructuredSuccess
	// StructuredFailure is any other object.
	StructuredFailure
	// Unrecognized is anything that is not an object.
	Unrecognized
)

func (r Result) String() string {
	switch r {
	case Empty:
		return "empty"
	case StructuredSuccess:
		return "success"
	case StructuredFailure:
		return "failure"
	default:
		return "unrecognized"
	}
}

// Classify inspects a raw response. Firmware versions disagree on the
// response shape, so only the two known success markers are trusted.
func Classify(raw json.RawMessage) Result {
	b := bytes.TrimSpace(raw)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte(`""`)) {
		return Empty
	}

	var obj map[string]json.RawMessage
	if b[0] != '{' || json.Unmarshal(b, &obj) != nil {
		return Unrecognized
	}

	if code, ok := obj["code"]; ok {
		var n json.Number
		if json.Unmarshal(code, &n) == nil {
			if v, err := n.Float64(); err == nil && v == 0 {
				return StructuredSuccess
			}
		}
	}
	if status, ok := obj["status"]; ok {
		var s string
		if json.Unmarshal(status, &s) == nil && s == "success" {
			return StructuredSuccess
		}
	}
	return StructuredFailure
}
