package dyld

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testLcSegment64         = 0x19
	testLcDyldInfo          = 0x22
	testLcDyldInfoOnly      = 0x22 | 0x80000000
	testLcDyldExportsTrie   = 0x33 | 0x80000000
)

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// segment64Cmd builds a full 72-byte LC_SEGMENT_64 command.
func segment64Cmd(name string, vmaddr, fileoff uint64) []byte {
	cmd := make([]byte, 72)
	binary.LittleEndian.PutUint32(cmd[0:], testLcSegment64)
	binary.LittleEndian.PutUint32(cmd[4:], 72)
	copy(cmd[8:24], name)
	binary.LittleEndian.PutUint64(cmd[24:], vmaddr)
	// vmsize left zero
	binary.LittleEndian.PutUint64(cmd[40:], fileoff)
	return cmd
}

func exportsTrieCmd(dataoff, datasize uint32) []byte {
	cmd := make([]byte, 16)
	binary.LittleEndian.PutUint32(cmd[0:], testLcDyldExportsTrie)
	binary.LittleEndian.PutUint32(cmd[4:], 16)
	binary.LittleEndian.PutUint32(cmd[8:], dataoff)
	binary.LittleEndian.PutUint32(cmd[12:], datasize)
	return cmd
}

func dyldInfoCmd(exportOff, exportSize uint32) []byte {
	cmd := make([]byte, 48)
	binary.LittleEndian.PutUint32(cmd[0:], testLcDyldInfo)
	binary.LittleEndian.PutUint32(cmd[4:], 48)
	binary.LittleEndian.PutUint32(cmd[40:], exportOff)
	binary.LittleEndian.PutUint32(cmd[44:], exportSize)
	return cmd
}

func buildMachO64(cmds ...[]byte) []byte {
	var body []byte
	for _, c := range cmds {
		body = append(body, c...)
	}
	header := make([]byte, machHeaderSize64)
	binary.LittleEndian.PutUint32(header[0:], machMagic64)
	// cputype(4) cpusubtype(4) already zero
	// filetype(4) at offset 12
	binary.LittleEndian.PutUint32(header[16:], uint32(len(cmds))) // ncmds
	binary.LittleEndian.PutUint32(header[20:], uint32(len(body))) // sizeofcmds
	return append(header, body...)
}

func TestMachOTrieLocatorExportsTrieCommand(t *testing.T) {
	data := buildMachO64(
		segment64Cmd("__LINKEDIT", 0x100000, 0x2000),
		exportsTrieCmd(0x2100, 0x40),
	)
	loc, err := LocateExportsTrie(data)
	require.NoError(t, err)
	require.NotNil(t, loc)
	assert.EqualValues(t, 0x100100, loc.VMAddress)
	assert.EqualValues(t, 0x40, loc.Size)
}

func TestMachOTrieLocatorExportsTrieShadowsDyldInfo(t *testing.T) {
	data := buildMachO64(
		segment64Cmd("__LINKEDIT", 0x100000, 0x2000),
		exportsTrieCmd(0x2100, 0x40),
		dyldInfoCmd(0x2200, 0x99),
	)
	loc, err := LocateExportsTrie(data)
	require.NoError(t, err)
	require.NotNil(t, loc)
	// DYLD_EXPORTS_TRIE was seen first; the later DYLD_INFO export_off/size
	// must not override it.
	assert.EqualValues(t, 0x40, loc.Size)
	assert.EqualValues(t, 0x100100, loc.VMAddress)
}

func TestMachOTrieLocatorFallsBackToDyldInfo(t *testing.T) {
	data := buildMachO64(
		segment64Cmd("__LINKEDIT", 0x100000, 0x2000),
		dyldInfoCmd(0x2100, 0x40),
	)
	loc, err := LocateExportsTrie(data)
	require.NoError(t, err)
	require.NotNil(t, loc)
	assert.EqualValues(t, 0x100100, loc.VMAddress)
	assert.EqualValues(t, 0x40, loc.Size)
}

func TestMachOTrieLocatorNoLinkeditYieldsNilLocation(t *testing.T) {
	data := buildMachO64(dyldInfoCmd(0x2100, 0x40))
	loc, err := LocateExportsTrie(data)
	require.NoError(t, err)
	assert.Nil(t, loc)
}

func TestMachOTrieLocatorRejectsBadMagic(t *testing.T) {
	data := make([]byte, 32)
	_, err := LocateExportsTrie(data)
	assert.ErrorIs(t, err, &Error{Kind: ErrInvalidMachO})
}

func TestMachOTrieLocatorRejectsOversizedCommandWindow(t *testing.T) {
	header := make([]byte, machHeaderSize64)
	binary.LittleEndian.PutUint32(header[0:], machMagic64)
	binary.LittleEndian.PutUint32(header[16:], 1)
	binary.LittleEndian.PutUint32(header[20:], maxLoadCommandsWindow+1)
	_, err := LocateExportsTrie(header)
	assert.ErrorIs(t, err, &Error{Kind: ErrInvalidMachO})
}
