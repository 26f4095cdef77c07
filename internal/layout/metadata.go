package layout

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// MetadataLength is the fixed size of an encoded metadata record.
const MetadataLength = 38

// DataStatus tracks the lifecycle of a data account. It only ever advances.
type DataStatus uint8

const (
	// DataStatusUninitialized is the zero value of a record that does not exist yet.
	DataStatusUninitialized DataStatus = iota
	// DataStatusInitialized marks a created, writable account.
	DataStatusInitialized
	// DataStatusFinalized marks an account that rejects every mutation except Close.
	DataStatusFinalized
)

func (s DataStatus) String() string {
	switch s {
	case DataStatusUninitialized:
		return "uninitialized"
	case DataStatusInitialized:
		return "initialized"
	case DataStatusFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("data_status(%d)", uint8(s))
	}
}

// SerializationStatus records whether the payload matched its declared data type.
type SerializationStatus uint8

const (
	SerializationUnverified SerializationStatus = iota
	SerializationVerified
	SerializationFailed
)

func (s SerializationStatus) String() string {
	switch s {
	case SerializationUnverified:
		return "unverified"
	case SerializationVerified:
		return "verified"
	case SerializationFailed:
		return "failed"
	default:
		return fmt.Sprintf("serialization_status(%d)", uint8(s))
	}
}

// DataType declares how the payload should be interpreted.
type DataType uint8

const (
	DataTypeCustom DataType = iota
	DataTypeJSON
	DataTypeImage
	DataTypeHTML
)

func (t DataType) String() string {
	switch t {
	case DataTypeCustom:
		return "custom"
	case DataTypeJSON:
		return "json"
	case DataTypeImage:
		return "image"
	case DataTypeHTML:
		return "html"
	default:
		return fmt.Sprintf("data_type(%d)", uint8(t))
	}
}

// ParseDataType accepts a data type name as printed by String.
func ParseDataType(raw string) (DataType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "custom", "":
		return DataTypeCustom, nil
	case "json":
		return DataTypeJSON, nil
	case "image", "img", "png":
		return DataTypeImage, nil
	case "html":
		return DataTypeHTML, nil
	default:
		return DataTypeCustom, fmt.Errorf("layout: unknown data type %q", raw)
	}
}

// Metadata is the fixed-layout companion record stored at the derived metadata address.
type Metadata struct {
	DataStatus          DataStatus
	SerializationStatus SerializationStatus
	Authority           solana.PublicKey
	IsDynamic           bool
	DataVersion         uint8
	DataType            DataType
	BumpSeed            uint8
}

// IsEmpty reports whether m is the all-default record.
func (m Metadata) IsEmpty() bool {
	return m == Metadata{}
}

// Encode returns the 38-byte representation of m.
func (m Metadata) Encode() []byte {
	encoded, err := NewEncoder(MetadataLength).
		Uint8(uint8(m.DataStatus)).
		Uint8(uint8(m.SerializationStatus)).
		Address(m.Authority).
		Bool(m.IsDynamic).
		Uint8(m.DataVersion).
		Uint8(uint8(m.DataType)).
		Uint8(m.BumpSeed).
		Bytes()
	if err != nil {
		// writes into a bytes.Buffer cannot fail
		panic(err)
	}
	return encoded
}

// DecodeMetadata decodes a metadata record. Buffers shorter than MetadataLength decode to
// the empty record; trailing bytes beyond the fixed prefix are ignored.
func DecodeMetadata(data []byte) Metadata {
	if len(data) < MetadataLength {
		return Metadata{}
	}
	decoder := NewDecoder(data[:MetadataLength])
	var (
		m   Metadata
		raw uint8
		err error
	)
	if raw, err = decoder.Uint8("data_status"); err != nil {
		return Metadata{}
	}
	m.DataStatus = DataStatus(raw)
	if raw, err = decoder.Uint8("serialization_status"); err != nil {
		return Metadata{}
	}
	m.SerializationStatus = SerializationStatus(raw)
	if m.Authority, err = decoder.Address("authority"); err != nil {
		return Metadata{}
	}
	if m.IsDynamic, err = decoder.Bool("is_dynamic"); err != nil {
		return Metadata{}
	}
	if m.DataVersion, err = decoder.Uint8("data_version"); err != nil {
		return Metadata{}
	}
	if raw, err = decoder.Uint8("data_type"); err != nil {
		return Metadata{}
	}
	m.DataType = DataType(raw)
	if m.BumpSeed, err = decoder.Uint8("bump_seed"); err != nil {
		return Metadata{}
	}
	return m
}
