package layout

import (
	"bytes"
	"encoding/json"
)

// TrimPadding drops the zero bytes that fixed-size accounts carry after the payload.
func TrimPadding(payload []byte) []byte {
	return bytes.TrimRight(payload, "\x00")
}

// Verify checks a committed payload against its declared data type. Only Json has a
// checker; every other type, and an empty payload, stays unverified.
func Verify(dataType DataType, payload []byte) SerializationStatus {
	trimmed := TrimPadding(payload)
	if len(trimmed) == 0 || dataType != DataTypeJSON {
		return SerializationUnverified
	}
	if json.Valid(trimmed) {
		return SerializationVerified
	}
	return SerializationFailed
}
