package dyld

import (
	"strings"

	machotypes "github.com/blacktop/go-macho/types"
)

// mappingInfoSize is the on-wire size of a MappingInfo record.
const mappingInfoSize = 32

// MappingInfo describes one contiguous (VA, size, fileOffset) region of the
// cache, without slide-info. 32 bytes on the wire.
type MappingInfo struct {
	Address    uint64
	Size       uint64
	FileOffset uint64
	MaxProt    machotypes.VmProtection
	InitProt   machotypes.VmProtection
}

func decodeMappingInfo(c *ParseCursor) (MappingInfo, error) {
	var m MappingInfo
	var err error
	if m.Address, err = c.U64(); err != nil {
		return m, err
	}
	if m.Size, err = c.U64(); err != nil {
		return m, err
	}
	if m.FileOffset, err = c.U64(); err != nil {
		return m, err
	}
	maxProt, err := c.U32()
	if err != nil {
		return m, err
	}
	initProt, err := c.U32()
	if err != nil {
		return m, err
	}
	m.MaxProt = machotypes.VmProtection(maxProt)
	m.InitProt = machotypes.VmProtection(initProt)
	return m, nil
}

// Contains reports whether address lies within [Address, Address+Size),
// treating an overflowing end bound as "never contains" rather than
// faulting.
func (m MappingInfo) Contains(address uint64) bool {
	end := m.Address + m.Size
	if end < m.Address { // overflow
		return false
	}
	return address >= m.Address && address < end
}

// MappingSlideFlag is the feature bitset attached to a slide-aware mapping.
type MappingSlideFlag uint64

const (
	MappingSlideAuth          MappingSlideFlag = 1 << 0
	MappingSlideDirty         MappingSlideFlag = 1 << 1
	MappingSlideConst         MappingSlideFlag = 1 << 2
	MappingSlideTextStubs     MappingSlideFlag = 1 << 3
	MappingSlideDynamicConfig MappingSlideFlag = 1 << 4
	MappingSlideReadOnly      MappingSlideFlag = 1 << 5
	MappingSlideConstTPRO     MappingSlideFlag = 1 << 6
)

func (f MappingSlideFlag) Auth() bool          { return f&MappingSlideAuth != 0 }
func (f MappingSlideFlag) Dirty() bool         { return f&MappingSlideDirty != 0 }
func (f MappingSlideFlag) Const() bool         { return f&MappingSlideConst != 0 }
func (f MappingSlideFlag) TextStubs() bool     { return f&MappingSlideTextStubs != 0 }
func (f MappingSlideFlag) DynamicConfig() bool { return f&MappingSlideDynamicConfig != 0 }
func (f MappingSlideFlag) ReadOnly() bool      { return f&MappingSlideReadOnly != 0 }
func (f MappingSlideFlag) ConstTPRO() bool     { return f&MappingSlideConstTPRO != 0 }

func (f MappingSlideFlag) String() string {
	var names []string
	if f.Auth() {
		names = append(names, "Auth")
	}
	if f.Dirty() {
		names = append(names, "Dirty")
	}
	if f.Const() {
		names = append(names, "Const")
	}
	if f.TextStubs() {
		names = append(names, "TextStubs")
	}
	if f.DynamicConfig() {
		names = append(names, "DynamicConfig")
	}
	if f.ReadOnly() {
		names = append(names, "ReadOnly")
	}
	if f.ConstTPRO() {
		names = append(names, "ConstTPRO")
	}
	if len(names) == 0 {
		return "(none)"
	}
	return strings.Join(names, "|")
}

// mappingAndSlideInfoSize is the on-wire size of a MappingAndSlideInfo record.
const mappingAndSlideInfoSize = 56

// MappingAndSlideInfo is the newer mapping record that additionally names
// where (and whether) a slide-info block covers this mapping. 56 bytes on
// the wire.
type MappingAndSlideInfo struct {
	Address             uint64
	Size                uint64
	FileOffset          uint64
	SlideInfoFileOffset uint64
	SlideInfoFileSize   uint64
	Flags               MappingSlideFlag
	MaxProt             machotypes.VmProtection
	InitProt            machotypes.VmProtection
}

// HasSlideInfo reports whether this mapping has a nonempty slide-info block.
func (m MappingAndSlideInfo) HasSlideInfo() bool { return m.SlideInfoFileSize > 0 }

func (m MappingAndSlideInfo) Contains(address uint64) bool {
	end := m.Address + m.Size
	if end < m.Address {
		return false
	}
	return address >= m.Address && address < end
}

func decodeMappingAndSlideInfo(c *ParseCursor) (MappingAndSlideInfo, error) {
	var m MappingAndSlideInfo
	var err error
	if m.Address, err = c.U64(); err != nil {
		return m, err
	}
	if m.Size, err = c.U64(); err != nil {
		return m, err
	}
	if m.FileOffset, err = c.U64(); err != nil {
		return m, err
	}
	if m.SlideInfoFileOffset, err = c.U64(); err != nil {
		return m, err
	}
	if m.SlideInfoFileSize, err = c.U64(); err != nil {
		return m, err
	}
	flags, err := c.U64()
	if err != nil {
		return m, err
	}
	m.Flags = MappingSlideFlag(flags)
	maxProt, err := c.U32()
	if err != nil {
		return m, err
	}
	initProt, err := c.U32()
	if err != nil {
		return m, err
	}
	m.MaxProt = machotypes.VmProtection(maxProt)
	m.InitProt = machotypes.VmProtection(initProt)
	return m, nil
}

// vmMapping is the minimal shape VMAddressResolver needs from either
// MappingInfo or MappingAndSlideInfo.
type vmMapping struct {
	Address    uint64
	Size       uint64
	FileOffset uint64
}

// VMAddressResolver resolves between virtual addresses and file offsets over
// a set of mappings via linear scan. Overflowing mappings (address+size
// wraps) are skipped rather than faulting; the first mapping that contains
// the query wins, assuming mappings are non-overlapping.
type VMAddressResolver struct {
	mappings []vmMapping
}

// NewVMAddressResolver builds a resolver from basic mapping records.
func NewVMAddressResolver(mappings []MappingInfo) *VMAddressResolver {
	r := &VMAddressResolver{mappings: make([]vmMapping, 0, len(mappings))}
	for _, m := range mappings {
		r.mappings = append(r.mappings, vmMapping{Address: m.Address, Size: m.Size, FileOffset: m.FileOffset})
	}
	return r
}

// NewVMAddressResolverFromSlideMappings builds a resolver from
// slide-info-capable mapping records.
func NewVMAddressResolverFromSlideMappings(mappings []MappingAndSlideInfo) *VMAddressResolver {
	r := &VMAddressResolver{mappings: make([]vmMapping, 0, len(mappings))}
	for _, m := range mappings {
		r.mappings = append(r.mappings, vmMapping{Address: m.Address, Size: m.Size, FileOffset: m.FileOffset})
	}
	return r
}

// FileOffset resolves a virtual address to its file offset. ok is false if
// no mapping contains the address.
func (r *VMAddressResolver) FileOffset(vmAddr uint64) (offset uint64, ok bool) {
	m, found := r.mappingForVM(vmAddr)
	if !found {
		return 0, false
	}
	return (vmAddr - m.Address) + m.FileOffset, true
}

// VMAddress resolves a file offset back to a virtual address.
func (r *VMAddressResolver) VMAddress(fileOffset uint64) (addr uint64, ok bool) {
	m, found := r.mappingForFileOffset(fileOffset)
	if !found {
		return 0, false
	}
	return (fileOffset - m.FileOffset) + m.Address, true
}

// MappingForVM returns the (address, size, fileOffset) triple of the mapping
// containing vmAddr, if any.
func (r *VMAddressResolver) MappingForVM(vmAddr uint64) (vmMapping, bool) {
	return r.mappingForVM(vmAddr)
}

// MappingForFileOffset returns the mapping containing fileOffset, if any.
func (r *VMAddressResolver) MappingForFileOffset(fileOffset uint64) (vmMapping, bool) {
	return r.mappingForFileOffset(fileOffset)
}

func (r *VMAddressResolver) mappingForVM(vmAddr uint64) (vmMapping, bool) {
	for _, m := range r.mappings {
		end := m.Address + m.Size
		if end < m.Address {
			continue // overflow: skip rather than fault
		}
		if vmAddr >= m.Address && vmAddr < end {
			return m, true
		}
	}
	return vmMapping{}, false
}

func (r *VMAddressResolver) mappingForFileOffset(fileOffset uint64) (vmMapping, bool) {
	for _, m := range r.mappings {
		end := m.FileOffset + m.Size
		if end < m.FileOffset {
			continue
		}
		if fileOffset >= m.FileOffset && fileOffset < end {
			return m, true
		}
	}
	return vmMapping{}, false
}

// IsValidVMAddress reports whether vmAddr falls inside some mapping.
func (r *VMAddressResolver) IsValidVMAddress(vmAddr uint64) bool {
	_, ok := r.mappingForVM(vmAddr)
	return ok
}

// IsValidFileOffset reports whether fileOffset falls inside some mapping.
func (r *VMAddressResolver) IsValidFileOffset(fileOffset uint64) bool {
	_, ok := r.mappingForFileOffset(fileOffset)
	return ok
}
