package dyld

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSlideInfoV1Header(t *testing.T) {
	data := make([]byte, 24)
	binary.LittleEndian.PutUint32(data[0:], 1) // version
	binary.LittleEndian.PutUint32(data[4:], 0x40)
	binary.LittleEndian.PutUint32(data[8:], 10)
	binary.LittleEndian.PutUint32(data[12:], 0x80)
	binary.LittleEndian.PutUint32(data[16:], 20)
	binary.LittleEndian.PutUint32(data[20:], 4)

	si, err := DecodeSlideInfo(data)
	require.NoError(t, err)
	require.Equal(t, SlideInfoV1, si.Version)
	require.NotNil(t, si.V1)
	assert.EqualValues(t, 0x40, si.V1.TOCOffset)
	assert.EqualValues(t, 10, si.V1.TOCCount)
	assert.EqualValues(t, 20, si.V1.EntriesCount)
}

func TestDecodeSlideInfoV3MaterializesPageStarts(t *testing.T) {
	// version(4) pageSize(4) pageStartsCount(4) authValueAdd(8) pageStarts[3]*2
	data := make([]byte, 4+4+4+8+3*2)
	binary.LittleEndian.PutUint32(data[0:], 3) // version
	binary.LittleEndian.PutUint32(data[4:], 0x1000)
	binary.LittleEndian.PutUint32(data[8:], 3)
	binary.LittleEndian.PutUint64(data[12:], 0xDEAD)
	binary.LittleEndian.PutUint16(data[20:], 1)
	binary.LittleEndian.PutUint16(data[22:], pageStartsNoRebase)
	binary.LittleEndian.PutUint16(data[24:], 2)

	si, err := DecodeSlideInfo(data)
	require.NoError(t, err)
	require.Equal(t, SlideInfoV3, si.Version)
	require.NotNil(t, si.V3)
	assert.EqualValues(t, 0x1000, si.V3.PageSize)
	assert.Equal(t, []uint16{1, pageStartsNoRebase, 2}, si.V3.PageStarts)
}

func TestDecodeSlideInfoUnknownVersionFails(t *testing.T) {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, 99)
	_, err := DecodeSlideInfo(data)
	assert.ErrorIs(t, err, &Error{Kind: ErrUnknownSlideInfoVersion})
}

func TestDecodeSlideInfoV3CountAboveCapRejected(t *testing.T) {
	data := make([]byte, 20)
	binary.LittleEndian.PutUint32(data[0:], 3)
	binary.LittleEndian.PutUint32(data[4:], 0x1000)
	binary.LittleEndian.PutUint32(data[8:], maxPageStarts+1)
	binary.LittleEndian.PutUint64(data[12:], 0xAA)

	_, err := DecodeSlideInfo(data)
	assert.ErrorIs(t, err, &Error{Kind: ErrSlideInfoParseError})
}
