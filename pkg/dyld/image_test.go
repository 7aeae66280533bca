package dyld

import (
	"testing"

	machotypes "github.com/blacktop/go-macho/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeImageInfoRoundTrip(t *testing.T) {
	data := make([]byte, imageInfoSize)
	putU64(data[0:], 0x1000)
	putU64(data[8:], 0x5f5e100)
	putU64(data[16:], 42)
	putU32(data[24:], 0x200)

	c := NewParseCursor(data)
	img, err := decodeImageInfo(c)
	require.NoError(t, err)
	assert.EqualValues(t, 0x1000, img.Address)
	assert.EqualValues(t, 0x5f5e100, img.ModTime)
	assert.EqualValues(t, 42, img.Inode)
	assert.EqualValues(t, 0x200, img.PathFileOffset)
	assert.Equal(t, imageInfoSize, c.Pos())
}

func TestDecodeImageTextInfoRoundTrip(t *testing.T) {
	data := make([]byte, imageTextInfoSize)
	for i := 0; i < 16; i++ {
		data[i] = byte(i + 1)
	}
	putU64(data[16:], 0x180000000)
	putU32(data[24:], 0x400000)
	putU32(data[28:], 0x300)

	c := NewParseCursor(data)
	img, err := decodeImageTextInfo(c)
	require.NoError(t, err)
	var want machotypes.UUID
	for i := 0; i < 16; i++ {
		want[i] = byte(i + 1)
	}
	assert.Equal(t, want, img.UUID)
	assert.EqualValues(t, 0x180000000, img.LoadAddress)
	assert.EqualValues(t, 0x400000, img.TextSegmentSize)
	assert.EqualValues(t, 0x300, img.PathOffset)
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putU32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
