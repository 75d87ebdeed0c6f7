package frag

import (
	"io"
)

// buffer is a helper struct for serializing and deserializing as the caller
// does not need to externally manage where in the buffer they are currently reading or writing to.
type buffer struct {
	buf []byte
	pos int
}

func newBufferFromRef(buf []byte) *buffer {
	return &buffer{buf: buf}
}

func (b *buffer) remaining() []byte {
	return b.buf[b.pos:]
}

func (b *buffer) getBytes(length int) ([]byte, error) {
	if length < 0 || b.pos+length > len(b.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	value := b.buf[b.pos : b.pos+length]
	b.pos += length
	return value, nil
}

func (b *buffer) getUint8() (uint8, error) {
	buf, err := b.getBytes(sizeUint8)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (b *buffer) getUint16() (uint16, error) {
	buf, err := b.getBytes(sizeUint16)
	if err != nil {
		return 0, err
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

func (b *buffer) writeUint8(n uint8) {
	b.buf[b.pos] = n
	b.pos++
}

func (b *buffer) writeUint16(n uint16) {
	b.buf[b.pos] = byte(n)
	b.pos++
	b.buf[b.pos] = byte(n >> 8)
	b.pos++
}

const (
	sizeUint8  = 1
	sizeUint16 = 2
)
