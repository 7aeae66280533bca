package dyld

import (
	machotypes "github.com/blacktop/go-macho/types"
)

// machHeaderSize32 and machHeaderSize64 are the fixed sizes of the 32- and
// 64-bit Mach-O headers preceding the load-command stream.
const (
	machHeaderSize32 = 28
	machHeaderSize64 = 32

	machMagic32 = 0xfeedface
	machMagic64 = 0xfeedfacf

	// maxLoadCommandsWindow bounds headerSize+sizeofcmds: a Mach-O header
	// claiming a larger load-command stream is malformed, not merely large.
	maxLoadCommandsWindow = 16 * 1024 * 1024

	linkeditDataCmdSize = 8 // cmd(4) + cmdsize(4), already consumed by the walker; payload is dataoff(4)+datasize(4)
	dyldInfoCmdSkipU32s = 8
)

// ExportsTrieLocation is the resolved (unslid VM address, size) of one
// image's exports trie, as found by MachOTrieLocator.
type ExportsTrieLocation struct {
	VMAddress uint64
	Size      uint64
}

// MachOTrieLocator performs the minimal Mach-O parse needed to find one
// image's exports trie without building a full Mach-O model: read the
// magic, walk load commands looking for __LINKEDIT, DYLD_EXPORTS_TRIE and
// DYLD_INFO[_ONLY], and resolve the trie's unslid VM address from those.
type MachOTrieLocator struct {
	is64 bool

	linkeditVMAddr  uint64
	linkeditFileOff uint64
	haveLinkedit    bool

	exportOff  uint32
	exportSize uint32
	haveTrie   bool // true once a DYLD_EXPORTS_TRIE has been seen (takes priority over DYLD_INFO)
}

// LocateExportsTrie parses the Mach-O header and load commands found in
// header (which must contain at least the Mach-O header plus all load
// commands) and resolves the exports trie's location, if any.
func LocateExportsTrie(header []byte) (*ExportsTrieLocation, error) {
	loc := &MachOTrieLocator{}
	if err := loc.parse(header); err != nil {
		return nil, err
	}
	return loc.resolve()
}

func (m *MachOTrieLocator) parse(data []byte) error {
	c := NewParseCursor(data)
	magic, err := c.U32()
	if err != nil {
		return newError(ErrInvalidMachO, err, "reading mach-o magic")
	}

	var headerSize int
	switch magic {
	case machMagic32:
		m.is64 = false
		headerSize = machHeaderSize32
	case machMagic64:
		m.is64 = true
		headerSize = machHeaderSize64
	default:
		return newError(ErrInvalidMachO, nil, "unrecognized mach-o magic 0x%x", magic)
	}

	// cputype(4) cpusubtype(4) filetype(4) ncmds(4) sizeofcmds(4) flags(4) [reserved(4) if 64-bit]
	if _, err := c.Bytes(8); err != nil { // cputype, cpusubtype
		return newError(ErrInvalidMachO, err, "reading mach-o header")
	}
	if _, err := c.U32(); err != nil { // filetype
		return newError(ErrInvalidMachO, err, "reading mach-o header")
	}
	ncmds, err := c.U32()
	if err != nil {
		return newError(ErrInvalidMachO, err, "reading mach-o header")
	}
	sizeofcmds, err := c.U32()
	if err != nil {
		return newError(ErrInvalidMachO, err, "reading mach-o header")
	}
	if _, err := c.U32(); err != nil { // flags
		return newError(ErrInvalidMachO, err, "reading mach-o header")
	}
	if m.is64 {
		if _, err := c.U32(); err != nil { // reserved
			return newError(ErrInvalidMachO, err, "reading mach-o header")
		}
	}

	total := int64(headerSize) + int64(sizeofcmds)
	if total <= 0 || total > maxLoadCommandsWindow {
		return newError(ErrInvalidMachO, nil, "load command window %d exceeds limit %d", total, maxLoadCommandsWindow)
	}
	if err := c.Seek(headerSize); err != nil {
		return newError(ErrInvalidMachO, err, "seeking to load commands")
	}

	cmdsEnd := headerSize + int(sizeofcmds)
	if cmdsEnd > c.Len() {
		cmdsEnd = c.Len()
	}

	for i := uint32(0); i < ncmds; i++ {
		if c.Pos() >= cmdsEnd {
			break
		}
		cmdStart := c.Pos()
		rawCmd, err := c.U32()
		if err != nil {
			return newError(ErrInvalidMachO, err, "reading load command %d", i)
		}
		cmdSize, err := c.U32()
		if err != nil {
			return newError(ErrInvalidMachO, err, "reading load command %d size", i)
		}
		if cmdSize < 8 || cmdStart+int(cmdSize) > cmdsEnd {
			return newError(ErrInvalidMachO, nil, "load command %d has invalid size %d", i, cmdSize)
		}

		switch machotypes.LoadCmd(rawCmd) {
		case machotypes.LC_SEGMENT, machotypes.LC_SEGMENT_64:
			if err := m.readSegment(c, machotypes.LoadCmd(rawCmd) == machotypes.LC_SEGMENT_64); err != nil {
				return err
			}
		case machotypes.LC_DYLD_EXPORTS_TRIE:
			if err := m.readLinkEditData(c, true); err != nil {
				return err
			}
		case machotypes.LC_DYLD_INFO, machotypes.LC_DYLD_INFO_ONLY:
			if err := m.readDyldInfo(c); err != nil {
				return err
			}
		}

		if err := c.Seek(cmdStart + int(cmdSize)); err != nil {
			return newError(ErrInvalidMachO, err, "seeking past load command %d", i)
		}
	}
	return nil
}

func (m *MachOTrieLocator) readSegment(c *ParseCursor, is64 bool) error {
	nameBytes, err := c.FixedBytes(16)
	if err != nil {
		return newError(ErrInvalidMachO, err, "reading segment name")
	}
	name := trimNuls(string(nameBytes))
	if is64 {
		vmaddr, err := c.U64()
		if err != nil {
			return newError(ErrInvalidMachO, err, "reading segment64 vmaddr")
		}
		if _, err := c.U64(); err != nil { // vmsize
			return newError(ErrInvalidMachO, err, "reading segment64 vmsize")
		}
		fileoff, err := c.U64()
		if err != nil {
			return newError(ErrInvalidMachO, err, "reading segment64 fileoff")
		}
		if name == "__LINKEDIT" {
			m.linkeditVMAddr, m.linkeditFileOff, m.haveLinkedit = vmaddr, fileoff, true
		}
	} else {
		vmaddr, err := c.U32()
		if err != nil {
			return newError(ErrInvalidMachO, err, "reading segment vmaddr")
		}
		if _, err := c.U32(); err != nil { // vmsize
			return newError(ErrInvalidMachO, err, "reading segment vmsize")
		}
		fileoff, err := c.U32()
		if err != nil {
			return newError(ErrInvalidMachO, err, "reading segment fileoff")
		}
		if name == "__LINKEDIT" {
			m.linkeditVMAddr, m.linkeditFileOff, m.haveLinkedit = uint64(vmaddr), uint64(fileoff), true
		}
	}
	return nil
}

// readLinkEditData reads a linkedit_data_command's (dataoff, datasize) pair.
// asExportsTrie records it unconditionally, marking DYLD_EXPORTS_TRIE as
// seen (which shadows any later DYLD_INFO-derived trie, per §4.7).
func (m *MachOTrieLocator) readLinkEditData(c *ParseCursor, asExportsTrie bool) error {
	dataoff, err := c.U32()
	if err != nil {
		return newError(ErrInvalidMachO, err, "reading linkedit_data_command dataoff")
	}
	datasize, err := c.U32()
	if err != nil {
		return newError(ErrInvalidMachO, err, "reading linkedit_data_command datasize")
	}
	if asExportsTrie {
		m.exportOff, m.exportSize, m.haveTrie = dataoff, datasize, true
	}
	return nil
}

func (m *MachOTrieLocator) readDyldInfo(c *ParseCursor) error {
	if m.haveTrie {
		return nil // DYLD_EXPORTS_TRIE already seen; DYLD_INFO never overrides it
	}
	// rebase_off/size, bind_off/size, weak_bind_off/size, lazy_bind_off/size
	for i := 0; i < 4; i++ {
		if _, err := c.Bytes(8); err != nil {
			return newError(ErrInvalidMachO, err, "reading dyld_info_command")
		}
	}
	exportOff, err := c.U32()
	if err != nil {
		return newError(ErrInvalidMachO, err, "reading dyld_info_command export_off")
	}
	exportSize, err := c.U32()
	if err != nil {
		return newError(ErrInvalidMachO, err, "reading dyld_info_command export_size")
	}
	m.exportOff, m.exportSize = exportOff, exportSize
	return nil
}

func (m *MachOTrieLocator) resolve() (*ExportsTrieLocation, error) {
	if !m.haveLinkedit || m.exportSize == 0 {
		return nil, nil
	}
	vmAddr := m.linkeditVMAddr + uint64(m.exportOff) - m.linkeditFileOff
	return &ExportsTrieLocation{VMAddress: vmAddr, Size: uint64(m.exportSize)}, nil
}
