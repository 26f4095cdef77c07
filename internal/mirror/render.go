package mirror

import (
	"encoding/json"

	"github.com/MarcoPoloResearchLab/dataaccount/internal/layout"
	"github.com/mr-tron/base58"
)

const encodingBase58 = "base58"

type encodedPayload struct {
	Encoding string `json:"encoding"`
	Data     string `json:"data"`
}

// RenderPayload returns the JSON document stored in the data column. Verified Json
// payloads are stored as they are, without trailing zero padding. Everything else is
// wrapped as {"encoding":"base58","data":"..."} over the untrimmed bytes.
func RenderPayload(dataType layout.DataType, status layout.SerializationStatus, payload []byte) string {
	if storedPlain(dataType, status) {
		if trimmed := layout.TrimPadding(payload); len(trimmed) > 0 && json.Valid(trimmed) {
			return string(trimmed)
		}
	}
	encoded, err := json.Marshal(encodedPayload{Encoding: encodingBase58, Data: base58.Encode(payload)})
	if err != nil {
		return "{}"
	}
	return string(encoded)
}

// DecodeRendered reverses RenderPayload for a row with the given data type and
// serialization status.
func DecodeRendered(dataType layout.DataType, status layout.SerializationStatus, rendered string) ([]byte, error) {
	if storedPlain(dataType, status) {
		return []byte(rendered), nil
	}
	var wrapped encodedPayload
	if err := json.Unmarshal([]byte(rendered), &wrapped); err != nil {
		return nil, err
	}
	if wrapped.Encoding != encodingBase58 {
		return nil, errUnknownEncoding
	}
	if wrapped.Data == "" {
		return []byte{}, nil
	}
	return base58.Decode(wrapped.Data)
}

func storedPlain(dataType layout.DataType, status layout.SerializationStatus) bool {
	return dataType == layout.DataTypeJSON && status == layout.SerializationVerified
}
