package dyld

import (
	"encoding/binary"
)

// ParseCursor is a bounds-checked sequential reader over a borrowed byte
// slice. Every read advances pos; any read that would run past the end of
// data fails rather than panicking.
type ParseCursor struct {
	data []byte
	pos  int
}

// NewParseCursor wraps data (without copying) starting at position 0.
func NewParseCursor(data []byte) *ParseCursor {
	return &ParseCursor{data: data}
}

// Pos returns the current offset into data.
func (c *ParseCursor) Pos() int { return c.pos }

// Len returns the total length of the underlying slice.
func (c *ParseCursor) Len() int { return len(c.data) }

// Remaining returns the number of unread bytes.
func (c *ParseCursor) Remaining() int { return len(c.data) - c.pos }

func (c *ParseCursor) require(n int) error {
	if n < 0 || c.pos+n < c.pos || c.pos+n > len(c.data) {
		return newError(ErrRangeOutOfBounds, nil, "need %d bytes at offset %d of %d", n, c.pos, len(c.data))
	}
	return nil
}

// Seek moves to an absolute offset, which must lie within [0, len(data)].
func (c *ParseCursor) Seek(offset int) error {
	if offset < 0 || offset > len(c.data) {
		return newError(ErrRangeOutOfBounds, nil, "seek to %d outside [0,%d]", offset, len(c.data))
	}
	c.pos = offset
	return nil
}

// Bytes returns a sub-span of n bytes at the current position, advancing
// past it. The returned slice aliases the cursor's backing array.
func (c *ParseCursor) Bytes(n int) ([]byte, error) {
	if err := c.require(n); err != nil {
		return nil, err
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

// FixedBytes reads exactly n bytes into a freshly allocated, owned array.
func (c *ParseCursor) FixedBytes(n int) ([]byte, error) {
	b, err := c.Bytes(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// U8 reads one little-endian byte.
func (c *ParseCursor) U8() (uint8, error) {
	b, err := c.Bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// U16 reads a little-endian uint16.
func (c *ParseCursor) U16() (uint16, error) {
	b, err := c.Bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// U32 reads a little-endian uint32.
func (c *ParseCursor) U32() (uint32, error) {
	b, err := c.Bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// U64 reads a little-endian uint64.
func (c *ParseCursor) U64() (uint64, error) {
	b, err := c.Bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// UUIDBytes reads a fixed 16-byte UUID.
func (c *ParseCursor) UUIDBytes() ([16]byte, error) {
	var u [16]byte
	b, err := c.Bytes(16)
	if err != nil {
		return u, err
	}
	copy(u[:], b)
	return u, nil
}

// NulTerminatedString reads up to maxLen bytes looking for a NUL terminator
// and returns the string up to (but not including) it, advancing the cursor
// past the terminator. maxLen <= 0 means "search to the end of the slice."
// Missing a terminator within the searched window is unexpectedEndOfTrie.
func (c *ParseCursor) NulTerminatedString(maxLen int) (string, error) {
	limit := len(c.data)
	if maxLen > 0 && c.pos+maxLen < limit {
		limit = c.pos + maxLen
	}
	for i := c.pos; i < limit; i++ {
		if c.data[i] == 0 {
			s := string(c.data[c.pos:i])
			c.pos = i + 1
			return s, nil
		}
	}
	return "", newError(ErrUnexpectedEndOfTrie, nil, "NUL terminator not found within %d bytes of offset %d", limit-c.pos, c.pos)
}

// maxULEB128Bytes bounds ULEB128 decoding: a 64-bit value needs at most 10
// groups of 7 bits (70 bits of payload capacity).
const maxULEB128Bytes = 10

// ULEB128 decodes a little-endian base-128 varint, accumulating 7-bit groups
// until a byte with the high bit clear. A shift beyond 63 bits before
// termination is invalidULEB128, matching the overflow-detection rule in §4.2.
func (c *ParseCursor) ULEB128() (uint64, error) {
	var result uint64
	var shift uint
	for i := 0; i < maxULEB128Bytes; i++ {
		b, err := c.U8()
		if err != nil {
			return 0, newError(ErrUnexpectedEndOfTrie, err, "truncated ULEB128 at offset %d", c.pos)
		}
		if shift >= 64 {
			return 0, newError(ErrInvalidULEB128, nil, "ULEB128 shift overflow at offset %d", c.pos)
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}
	return 0, newError(ErrInvalidULEB128, nil, "ULEB128 exceeds %d bytes at offset %d", maxULEB128Bytes, c.pos)
}
