package dyld

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLazyStringPoolRoundTrip(t *testing.T) {
	data := []byte("_foo\x00_bar\x00")
	src := NewMemoryByteSource(data)
	pool, err := NewLazyStringPool(src, 0, int64(len(data)))
	require.NoError(t, err)
	defer pool.Close()

	assert.Equal(t, "_foo", pool.String(0))
	assert.Equal(t, "_bar", pool.String(5))
	assert.Equal(t, "", pool.String(9999)) // out of range is empty, not an error
}

func TestLazyStringPoolZeroSizeIsEmpty(t *testing.T) {
	pool, err := NewLazyStringPool(NewMemoryByteSource(nil), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "", pool.String(0))
	assert.NoError(t, pool.Close())
}

func TestDecodeLocalSymbolsInfoFields(t *testing.T) {
	data := make([]byte, localSymbolsInfoSize)
	putU32(data[0:], 24)
	putU32(data[4:], 2)
	putU32(data[8:], 56)
	putU32(data[12:], 10)
	putU32(data[16:], 66)
	putU32(data[20:], 1)

	info, err := decodeLocalSymbolsInfo(data)
	require.NoError(t, err)
	assert.EqualValues(t, 24, info.NlistOffset)
	assert.EqualValues(t, 2, info.NlistCount)
	assert.EqualValues(t, 56, info.StringsOffset)
	assert.EqualValues(t, 10, info.StringsSize)
	assert.EqualValues(t, 66, info.EntriesOffset)
	assert.EqualValues(t, 1, info.EntriesCount)
}

func TestDecodeLocalSymbolsEntrySizeSelection(t *testing.T) {
	data32 := make([]byte, localSymbolsEntry32Size)
	putU32(data32[0:], 0x10)
	putU32(data32[4:], 5)
	putU32(data32[8:], 3)
	e, err := decodeLocalSymbolsEntry(NewParseCursor(data32), false)
	require.NoError(t, err)
	assert.EqualValues(t, 0x10, e.DylibOffset)
	assert.EqualValues(t, 5, e.NlistStartIndex)
	assert.EqualValues(t, 3, e.NlistCount)

	data64 := make([]byte, localSymbolsEntry64Size)
	putU64(data64[0:], 0x100000000)
	putU32(data64[8:], 7)
	putU32(data64[12:], 9)
	e64, err := decodeLocalSymbolsEntry(NewParseCursor(data64), true)
	require.NoError(t, err)
	assert.EqualValues(t, 0x100000000, e64.DylibOffset)
	assert.EqualValues(t, 7, e64.NlistStartIndex)
	assert.EqualValues(t, 9, e64.NlistCount)
}

func TestNListAccessors(t *testing.T) {
	n := NList{Type: NListTypeSection | NListExternalFlag | NListPrivateExternal}
	assert.Equal(t, NListTypeSection, n.TypeField())
	assert.True(t, n.IsExternal())
	assert.True(t, n.IsPrivateExternal())
	assert.False(t, n.IsStab())
}

// buildLocalSymbolsRegion assembles a self-contained local-symbols region:
// header, a two-entry nlist array, a string table, and one entries record.
func buildLocalSymbolsRegion() []byte {
	const (
		headerOff  = 0
		nlistOff   = 24
		stringsOff = nlistOff + 2*nlistRecordSize // 56
		entriesOff = stringsOff + 10              // 66
	)
	buf := make([]byte, entriesOff+localSymbolsEntry32Size)

	putU32(buf[headerOff+0:], nlistOff)
	putU32(buf[headerOff+4:], 2)
	putU32(buf[headerOff+8:], stringsOff)
	putU32(buf[headerOff+12:], 10)
	putU32(buf[headerOff+16:], entriesOff)
	putU32(buf[headerOff+20:], 1)

	// nlist[0]: "_foo" @ string offset 0
	putU32(buf[nlistOff+0:], 0)
	buf[nlistOff+4] = NListTypeSection
	buf[nlistOff+5] = 1
	putU64(buf[nlistOff+8:], 0x1000)
	// nlist[1]: "_bar" @ string offset 5
	putU32(buf[nlistOff+16:], 5)
	buf[nlistOff+20] = NListTypeSection
	buf[nlistOff+21] = 1
	putU64(buf[nlistOff+24:], 0x2000)

	copy(buf[stringsOff:], "_foo\x00_bar\x00")

	// entries[0]: dylibOffset=0, nlistStartIndex=0, nlistCount=2
	putU32(buf[entriesOff+4:], 0)
	putU32(buf[entriesOff+8:], 2)

	return buf
}

func TestSharedContextResolveImageReturnsSymbolsInOrder(t *testing.T) {
	region := buildLocalSymbolsRegion()
	src := NewMemoryByteSource(region)

	ctx, err := NewSharedContext(src, 0, int64(len(region)), false)
	require.NoError(t, err)
	defer ctx.Close()

	syms, err := ctx.ResolveImage(src, 0)
	require.NoError(t, err)
	require.Len(t, syms, 2)
	assert.Equal(t, "_foo", syms[0].Name)
	assert.EqualValues(t, 0x1000, syms[0].Value)
	assert.Equal(t, "_bar", syms[1].Name)
	assert.EqualValues(t, 0x2000, syms[1].Value)
}

func TestSharedContextResolveImageDropsEmptyNames(t *testing.T) {
	region := buildLocalSymbolsRegion()
	// Point nlist[1]'s string index far outside the string table so it
	// resolves to "" and is dropped from the result.
	putU32(region[24+16:], 9999)
	src := NewMemoryByteSource(region)

	ctx, err := NewSharedContext(src, 0, int64(len(region)), false)
	require.NoError(t, err)
	defer ctx.Close()

	syms, err := ctx.ResolveImage(src, 0)
	require.NoError(t, err)
	require.Len(t, syms, 1)
	assert.Equal(t, "_foo", syms[0].Name)
}

func TestSharedContextResolveImageRejectsOutOfBoundsIndex(t *testing.T) {
	region := buildLocalSymbolsRegion()
	src := NewMemoryByteSource(region)

	ctx, err := NewSharedContext(src, 0, int64(len(region)), false)
	require.NoError(t, err)
	defer ctx.Close()

	_, err = ctx.ResolveImage(src, 1)
	assert.ErrorIs(t, err, &Error{Kind: ErrImageIndexOutOfBounds})
}

func TestNewSharedContextRejectsStringTableEscapingSource(t *testing.T) {
	header := make([]byte, localSymbolsInfoSize)
	putU32(header[0:], 24)
	putU32(header[4:], 0)
	putU32(header[8:], 0)
	putU32(header[12:], 1_000_000) // claims a string table far larger than the source
	putU32(header[16:], 24)
	putU32(header[20:], 0)

	src := NewMemoryByteSource(header)
	_, err := NewSharedContext(src, 0, int64(len(header)), false)
	assert.ErrorIs(t, err, &Error{Kind: ErrInvalidLocalSymbolsInfo})
}
