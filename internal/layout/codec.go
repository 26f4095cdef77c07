package layout

import (
	"bytes"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// AddressLength is the width of an address field.
const AddressLength = 32

// ErrShortBuffer reports that a decoder ran out of bytes before a field was complete.
var ErrShortBuffer = errors.New("layout: short buffer")

// Encoder appends fixed-width little-endian fields to a byte buffer.
// The first write error is retained and reported by Bytes.
type Encoder struct {
	buffer  *bytes.Buffer
	encoder *bin.Encoder
	err     error
}

// NewEncoder returns an encoder with capacity for sizeHint bytes.
func NewEncoder(sizeHint int) *Encoder {
	buffer := bytes.NewBuffer(make([]byte, 0, sizeHint))
	return &Encoder{
		buffer:  buffer,
		encoder: bin.NewBorshEncoder(buffer),
	}
}

// Uint8 writes a single byte.
func (e *Encoder) Uint8(value uint8) *Encoder {
	if e.err == nil {
		e.err = e.encoder.WriteUint8(value)
	}
	return e
}

// Bool writes a single 0/1 byte.
func (e *Encoder) Bool(value bool) *Encoder {
	if value {
		return e.Uint8(1)
	}
	return e.Uint8(0)
}

// Uint32 writes a 4-byte little-endian integer.
func (e *Encoder) Uint32(value uint32) *Encoder {
	if e.err == nil {
		e.err = e.encoder.WriteUint32(value, bin.LE)
	}
	return e
}

// Uint64 writes an 8-byte little-endian integer.
func (e *Encoder) Uint64(value uint64) *Encoder {
	if e.err == nil {
		e.err = e.encoder.WriteUint64(value, bin.LE)
	}
	return e
}

// Address writes a 32-byte address.
func (e *Encoder) Address(value solana.PublicKey) *Encoder {
	return e.Raw(value[:])
}

// Raw writes bytes without a length prefix.
func (e *Encoder) Raw(value []byte) *Encoder {
	if e.err == nil {
		e.err = e.encoder.WriteBytes(value, false)
	}
	return e
}

// Run writes a length-prefixed byte run: a u32 length followed by the bytes.
func (e *Encoder) Run(value []byte) *Encoder {
	return e.Uint32(uint32(len(value))).Raw(value)
}

// Bytes returns the encoded buffer.
func (e *Encoder) Bytes() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.buffer.Bytes(), nil
}

// Decoder reads fixed-width little-endian fields from a byte slice.
type Decoder struct {
	decoder *bin.Decoder
	length  int
}

// NewDecoder wraps data for sequential reads.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{
		decoder: bin.NewBorshDecoder(data),
		length:  len(data),
	}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return d.decoder.Remaining()
}

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int {
	return d.length - d.decoder.Remaining()
}

func (d *Decoder) require(n int, field string) error {
	if d.decoder.Remaining() < n {
		return fmt.Errorf("%w: %s needs %d bytes at offset %d, %d left", ErrShortBuffer, field, n, d.Offset(), d.decoder.Remaining())
	}
	return nil
}

// Uint8 reads a single byte.
func (d *Decoder) Uint8(field string) (uint8, error) {
	if err := d.require(1, field); err != nil {
		return 0, err
	}
	return d.decoder.ReadUint8()
}

// Bool reads a single byte and reports whether it is non-zero.
func (d *Decoder) Bool(field string) (bool, error) {
	value, err := d.Uint8(field)
	return value != 0, err
}

// Uint32 reads a 4-byte little-endian integer.
func (d *Decoder) Uint32(field string) (uint32, error) {
	if err := d.require(4, field); err != nil {
		return 0, err
	}
	return d.decoder.ReadUint32(bin.LE)
}

// Uint64 reads an 8-byte little-endian integer.
func (d *Decoder) Uint64(field string) (uint64, error) {
	if err := d.require(8, field); err != nil {
		return 0, err
	}
	return d.decoder.ReadUint64(bin.LE)
}

// Address reads a 32-byte address.
func (d *Decoder) Address(field string) (solana.PublicKey, error) {
	raw, err := d.Raw(AddressLength, field)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(raw), nil
}

// Raw reads exactly n bytes.
func (d *Decoder) Raw(n int, field string) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: %s has negative length %d", ErrShortBuffer, field, n)
	}
	if err := d.require(n, field); err != nil {
		return nil, err
	}
	raw, err := d.decoder.ReadNBytes(n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), raw...), nil
}

// Run reads a u32 length prefix followed by that many bytes.
func (d *Decoder) Run(field string) ([]byte, error) {
	length, err := d.Uint32(field + ".len")
	if err != nil {
		return nil, err
	}
	return d.Raw(int(length), field)
}
