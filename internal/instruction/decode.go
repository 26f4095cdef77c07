package instruction

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/dataaccount/internal/layout"
)

// UploadPartOverhead is the encoded size of an UploadPart payload minus its data bytes.
const UploadPartOverhead = 1 + uploadPartFixedArgsSize

// Decoded is a parsed instruction payload. Exactly one of the argument pointers is set
// for opcodes that carry arguments beyond the debug flag.
type Decoded struct {
	Opcode     Opcode
	Initialize *InitializeArgs
	UploadPart *UploadPartArgs
	Debug      bool
}

// PeekOpcode returns the opcode byte without validating the rest of the payload.
func PeekOpcode(data []byte) (Opcode, error) {
	if len(data) == 0 {
		return 0, ErrEmptyPayload
	}
	op := Opcode(data[0])
	if op > OpClose {
		return op, fmt.Errorf("%w: %d", ErrUnknownOpcode, data[0])
	}
	return op, nil
}

// IsCommittedUpload reports whether data is an UploadPart payload whose commit byte,
// the second-from-last byte, is set.
func IsCommittedUpload(data []byte) bool {
	if len(data) < 2 || Opcode(data[0]) != OpUploadPart {
		return false
	}
	return data[len(data)-2] == 1
}

// Decode parses any program instruction payload.
func Decode(data []byte) (Decoded, error) {
	op, err := PeekOpcode(data)
	if err != nil {
		return Decoded{}, err
	}
	switch op {
	case OpInitialize:
		args, err := decodeInitialize(data)
		if err != nil {
			return Decoded{}, err
		}
		return Decoded{Opcode: op, Initialize: &args, Debug: args.Debug}, nil
	case OpUploadPart:
		args, err := DecodeUploadPart(data)
		if err != nil {
			return Decoded{}, err
		}
		return Decoded{Opcode: op, UploadPart: &args, Debug: args.Debug}, nil
	default:
		decoder := layout.NewDecoder(data[1:])
		debug, err := decoder.Bool("debug")
		if err != nil {
			return Decoded{}, fmt.Errorf("decode %s: %w", op, err)
		}
		return Decoded{Opcode: op, Debug: debug}, nil
	}
}

// DecodeUploadPart parses an UploadPart payload including its opcode byte.
func DecodeUploadPart(data []byte) (UploadPartArgs, error) {
	op, err := PeekOpcode(data)
	if err != nil {
		return UploadPartArgs{}, err
	}
	if op != OpUploadPart {
		return UploadPartArgs{}, fmt.Errorf("%w: expected %s, got %s", ErrWrongOpcode, OpUploadPart, op)
	}

	decoder := layout.NewDecoder(data[1:])
	var args UploadPartArgs
	dataType, err := decoder.Uint8("data_type")
	if err != nil {
		return UploadPartArgs{}, fmt.Errorf("decode upload_part: %w", err)
	}
	args.DataType = layout.DataType(dataType)
	if args.Data, err = decoder.Run("data"); err != nil {
		return UploadPartArgs{}, fmt.Errorf("decode upload_part: %w", err)
	}
	if args.Offset, err = decoder.Uint64("offset"); err != nil {
		return UploadPartArgs{}, fmt.Errorf("decode upload_part: %w", err)
	}
	if args.Finalize, err = decoder.Bool("finalize"); err != nil {
		return UploadPartArgs{}, fmt.Errorf("decode upload_part: %w", err)
	}
	if args.Commit, err = decoder.Bool("commit"); err != nil {
		return UploadPartArgs{}, fmt.Errorf("decode upload_part: %w", err)
	}
	if args.Debug, err = decoder.Bool("debug"); err != nil {
		return UploadPartArgs{}, fmt.Errorf("decode upload_part: %w", err)
	}
	return args, nil
}

func decodeInitialize(data []byte) (InitializeArgs, error) {
	decoder := layout.NewDecoder(data[1:])
	var (
		args InitializeArgs
		err  error
	)
	if args.Authority, err = decoder.Address("authority"); err != nil {
		return InitializeArgs{}, fmt.Errorf("decode initialize: %w", err)
	}
	if args.Space, err = decoder.Uint64("space"); err != nil {
		return InitializeArgs{}, fmt.Errorf("decode initialize: %w", err)
	}
	if args.IsDynamic, err = decoder.Bool("is_dynamic"); err != nil {
		return InitializeArgs{}, fmt.Errorf("decode initialize: %w", err)
	}
	if args.IsCreated, err = decoder.Bool("is_created"); err != nil {
		return InitializeArgs{}, fmt.Errorf("decode initialize: %w", err)
	}
	if args.Debug, err = decoder.Bool("debug"); err != nil {
		return InitializeArgs{}, fmt.Errorf("decode initialize: %w", err)
	}
	return args, nil
}
