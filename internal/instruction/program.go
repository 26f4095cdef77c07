// Package instruction encodes and decodes the five data account program instructions.
package instruction

import (
	"errors"
	"fmt"
)

// Opcode is the first payload byte of every instruction.
type Opcode uint8

const (
	OpInitialize Opcode = iota
	OpUploadPart
	OpUpdateAuthority
	OpFinalize
	OpClose
)

func (op Opcode) String() string {
	switch op {
	case OpInitialize:
		return "initialize"
	case OpUploadPart:
		return "upload_part"
	case OpUpdateAuthority:
		return "update_authority"
	case OpFinalize:
		return "finalize"
	case OpClose:
		return "close"
	default:
		return fmt.Sprintf("opcode(%d)", uint8(op))
	}
}

// ErrorCode is a custom program error code returned when the program rejects an instruction.
type ErrorCode uint32

const (
	ErrorNotSigner ErrorCode = iota
	ErrorNotWritable
	ErrorInvalidAuthority
	ErrorAlreadyInitialized
	ErrorNotInitialized
	ErrorAccountFinalized
	ErrorInsufficientSpace
	ErrorInvalidMetadataAddress
	ErrorInvalidInstruction
	ErrorInvalidOffset
)

var errorCodeNames = map[ErrorCode]string{
	ErrorNotSigner:              "not_signer",
	ErrorNotWritable:            "not_writable",
	ErrorInvalidAuthority:       "invalid_authority",
	ErrorAlreadyInitialized:     "already_initialized",
	ErrorNotInitialized:         "not_initialized",
	ErrorAccountFinalized:       "account_finalized",
	ErrorInsufficientSpace:      "insufficient_space",
	ErrorInvalidMetadataAddress: "invalid_metadata_address",
	ErrorInvalidInstruction:     "invalid_instruction",
	ErrorInvalidOffset:          "invalid_offset",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("custom(%d)", uint32(c))
}

var (
	// ErrUnknownOpcode is returned when the first payload byte is not a known opcode.
	ErrUnknownOpcode = errors.New("instruction: unknown opcode")
	// ErrEmptyPayload is returned when decoding a zero-length payload.
	ErrEmptyPayload = errors.New("instruction: empty payload")
	// ErrWrongOpcode is returned when a payload is decoded as the wrong instruction.
	ErrWrongOpcode = errors.New("instruction: wrong opcode")
)
