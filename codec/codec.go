// Package codec implements the canonical little-endian wire encoding used
// for transactions, Merkle proofs, and persisted store records. Encoding is
// deterministic: the same value always produces the same bytes.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

var (
	ErrTrailingBytes = errors.New("codec: trailing bytes after decode")
	ErrLengthTooBig  = errors.New("codec: declared length exceeds input")
)

// Encoder accumulates canonically encoded fields.
type Encoder struct {
	buf bytes.Buffer
}

func NewEncoder() *Encoder {
	return &Encoder{}
}

func (e *Encoder) PutByte(b byte) {
	e.buf.WriteByte(b)
}

func (e *Encoder) PutUint32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	e.buf.Write(tmp[:])
}

func (e *Encoder) PutUint64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	e.buf.Write(tmp[:])
}

// PutBytes writes a u32 length prefix followed by the raw bytes.
func (e *Encoder) PutBytes(b []byte) {
	e.PutUint32(uint32(len(b)))
	e.buf.Write(b)
}

func (e *Encoder) PutString(s string) {
	e.PutBytes([]byte(s))
}

// PutRaw appends bytes without a length prefix.
func (e *Encoder) PutRaw(b []byte) {
	e.buf.Write(b)
}

func (e *Encoder) Bytes() []byte {
	return e.buf.Bytes()
}

// Decoder reads canonically encoded fields, latching the first error.
type Decoder struct {
	r   *bytes.Reader
	err error
}

func NewDecoder(data []byte) *Decoder {
	return &Decoder{r: bytes.NewReader(data)}
}

func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) Byte() byte {
	if d.err != nil {
		return 0
	}
	b, err := d.r.ReadByte()
	if err != nil {
		d.err = err
		return 0
	}
	return b
}

func (d *Decoder) Uint32() uint32 {
	if d.err != nil {
		return 0
	}
	var tmp [4]byte
	if _, err := io.ReadFull(d.r, tmp[:]); err != nil {
		d.err = err
		return 0
	}
	return binary.LittleEndian.Uint32(tmp[:])
}

func (d *Decoder) Uint64() uint64 {
	if d.err != nil {
		return 0
	}
	var tmp [8]byte
	if _, err := io.ReadFull(d.r, tmp[:]); err != nil {
		d.err = err
		return 0
	}
	return binary.LittleEndian.Uint64(tmp[:])
}

func (d *Decoder) Bytes() []byte {
	n := d.Uint32()
	if d.err != nil {
		return nil
	}
	if uint64(n) > uint64(d.r.Len()) {
		d.err = ErrLengthTooBig
		return nil
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(d.r, out); err != nil {
		d.err = err
		return nil
	}
	return out
}

func (d *Decoder) String() string {
	return string(d.Bytes())
}

// Raw reads exactly n bytes without a length prefix.
func (d *Decoder) Raw(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n > d.r.Len() {
		d.err = ErrLengthTooBig
		return nil
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(d.r, out); err != nil {
		d.err = err
		return nil
	}
	return out
}

// Finish fails if any input remains unconsumed.
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}
	if d.r.Len() != 0 {
		return ErrTrailingBytes
	}
	return nil
}
