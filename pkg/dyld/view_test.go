package dyld

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableByteRangeZeroRefIsEmpty(t *testing.T) {
	start, end, count, err := tableByteRange(tableRef{}, 32, 1000)
	require.NoError(t, err)
	assert.Zero(t, start)
	assert.Zero(t, end)
	assert.Zero(t, count)
}

func TestTableByteRangeRejectsCountOverflow(t *testing.T) {
	_, _, _, err := tableByteRange(tableRef{Offset: 1, Count: math.MaxUint64}, 2, 1000)
	assert.ErrorIs(t, err, &Error{Kind: ErrInvalidMachO})
}

func TestTableByteRangeRejectsOffsetOverflow(t *testing.T) {
	_, _, _, err := tableByteRange(tableRef{Offset: math.MaxUint64 - 1, Count: 1}, 32, 1000)
	assert.ErrorIs(t, err, &Error{Kind: ErrInvalidMachO})
}

func TestTableByteRangeRejectsExceedingSourceSize(t *testing.T) {
	_, _, _, err := tableByteRange(tableRef{Offset: 990, Count: 1}, 32, 1000)
	assert.ErrorIs(t, err, &Error{Kind: ErrInvalidMachO})
}

func TestTableByteRangeAcceptsExactFit(t *testing.T) {
	start, end, count, err := tableByteRange(tableRef{Offset: 280, Count: 1}, 32, 312)
	require.NoError(t, err)
	assert.EqualValues(t, 280, start)
	assert.EqualValues(t, 312, end)
	assert.EqualValues(t, 1, count)
}

// buildSingleCacheBuffer assembles a minimal whole-cache byte buffer: a
// header window immediately followed by a one-entry mapping table at
// mappingOffset, with every other table left absent (offset/count zero).
func buildSingleCacheBuffer(magic string, mappingOffset uint32) []byte {
	total := int(mappingOffset) + mappingInfoSize
	buf := make([]byte, total)
	copy(buf, magic)
	putU32(buf[16:], mappingOffset)
	putU32(buf[20:], 1) // mapping count

	m := buf[mappingOffset:]
	putU64(m[0:], 0x1000) // address
	putU64(m[8:], 0x2000) // size
	putU64(m[16:], 0)     // file offset
	return buf
}

func TestNewSingleCacheViewDecodesHeaderAndMappings(t *testing.T) {
	buf := buildSingleCacheBuffer("dyld_v1  arm64e", 280)
	src := NewMemoryByteSource(buf)

	view, err := NewSingleCacheView(src)
	require.NoError(t, err)
	require.Len(t, view.Mappings, 1)
	assert.EqualValues(t, 0x1000, view.Mappings[0].Address)
	assert.EqualValues(t, 0x2000, view.Mappings[0].Size)
	assert.Empty(t, view.Images)
	assert.Empty(t, view.SubCaches)

	require.NotNil(t, view.Resolver)
	off, ok := view.Resolver.FileOffset(0x1500)
	require.True(t, ok)
	assert.EqualValues(t, 0x500, off)
}

func TestSingleCacheViewNewSharedContextDefaultsToHeaderPointerWidth(t *testing.T) {
	buf := buildSingleCacheBuffer("dyld_v1  arm64e", 280)
	localSymbolsOffset := len(buf)
	buf = append(buf, make([]byte, localSymbolsInfoSize)...) // an all-zero, empty LocalSymbolsInfo

	// LocalSymbolsOffset/Size at header offset 0x048, read as part of the
	// required (non-late) header window.
	putU64(buf[0x048:], uint64(localSymbolsOffset))
	putU64(buf[0x048+8:], uint64(localSymbolsInfoSize))

	src := NewMemoryByteSource(buf)
	view, err := NewSingleCacheView(src)
	require.NoError(t, err)
	require.True(t, view.Header.Is64Bit()) // arm64e is 64-bit

	ctx, err := view.NewSharedContext(src)
	require.NoError(t, err)
	require.NotNil(t, ctx)
	defer ctx.Close()
	assert.True(t, ctx.uses64Dylib)
}

func TestSingleCacheViewNewSharedContextSkipsWhenAbsent(t *testing.T) {
	buf := buildSingleCacheBuffer("dyld_v1  arm64e", 280)
	src := NewMemoryByteSource(buf)
	view, err := NewSingleCacheView(src)
	require.NoError(t, err)

	ctx, err := view.NewSharedContext(src)
	require.NoError(t, err)
	assert.Nil(t, ctx)
}
